// Package vtparse decodes the output stream of a remote terminal into typed
// [Action] values.
//
// The [Parser] is an explicit state machine over the VT500-series states
// (ground, escape, CSI, OSC, DCS and SOS/PM/APC strings). Parameters,
// intermediates and OSC text are collected into bounded buffers, and a
// partial UTF-8 sequence is held until the next call, so feeding a stream in
// any number of chunks yields the same actions as feeding it whole.
//
// Malformed or unsupported sequences never stall the parser: the bytes are
// dropped, a [KindUnknown] action carrying a prefix of them is emitted, and
// parsing continues in the ground state.
package vtparse
