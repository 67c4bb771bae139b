// Package sshterminal provides PTY-backed interactive channels over an
// established SSH client.
//
// [Open] requests a pseudo-terminal, starts the login shell or a command and
// relays remote output on a channel of byte chunks. Writes go straight to the
// remote stdin. The PTY terminates exactly once, whether the remote program
// exits, the owner calls [PTY.Close], or the transport calls [PTY.Terminate]
// after a fatal connection error; [PTY.Err] reports which.
//
// # Core Components
//
//   - [PTY]: one interactive channel with resize, exit status and close hooks.
//   - [SessionRecording]: optional timestamped I/O capture, exported as JSON
//     or asciicast v2.
//
// # Limits
//
//   - Input size: [MaxInputMessageSize] (64 KB) per message.
//   - Terminal dimensions: capped at [MaxTermCols] (500) x [MaxTermRows] (200).
//   - Input rate: [MessageRateLimit] (100/s) with [MessageRateBurst] (200).
package sshterminal
