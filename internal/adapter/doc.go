// Package adapter defines the IInstrument facade shared by every supported
// bench instrument, together with the error taxonomy and the Base SCPI
// adapter the model families are built on.
//
// Callers program against IInstrument and never see SCPI text. Each model
// family lives in its own package under adapter/ and differs from the
// generic behaviour only in its command table, numeric formats, channel
// handling and reply parsing.
//
// Errors returned by an adapter wrap ErrInvalidParameter, ErrNotSupported,
// ErrTimeout, ErrTransport or ErrProtocol, so callers can branch with
// errors.Is and report Code(err). Instrument error-queue entries are mapped
// onto the same codes.
//
// References:
//   - IEEE 488.2: common commands and the error queue
//   - SCPI 1999.0: SOURce, MEASure, OUTPut and SYSTem subsystems
package adapter
