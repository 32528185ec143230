// Package resource parses VISA resource strings and classifies them into the
// transport profile a session must use.
//
// Supported forms:
//
//	TCPIP[n]::host::port::SOCKET
//	TCPIP[n]::host[::inst0]::INSTR
//	USB[n]::vid::pid::serial[::intf]::INSTR
//	USB[n]::INSTR
//	ASRL<n>::INSTR, ASRL<path>::INSTR
//	GPIB[n]::addr::INSTR
//
// Sockets on port 23 reach a KISS-488 bridge and sockets on port 1234 a
// Prologix controller, but only for GPIB instruments.
package resource
