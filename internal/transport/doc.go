// Package transport carries SCPI text between an adapter and an instrument.
//
// A Session is the only thing adapters talk to. Concrete sessions exist for
// raw TCP sockets, serial ports and Linux USBTMC devices, and two decorators
// drive GPIB instruments through Ethernet bridges (KISS-488 and Prologix).
// Sessions serve one in-flight command at a time.
package transport
