// Package simulator emulates SCPI bench supplies well enough to exercise
// the dcps adapters end to end: setpoints, output relays, protection with
// trip latches, an error queue, and a resistive load behind every channel.
//
// An Instrument speaks one dialect. Server exposes it on a raw TCP socket
// the way LXI instruments do, and ControlHandler exposes an HTTP API for
// inspecting state and injecting faults.
package simulator
