// Package sshfiles is an SFTP version 3 client built for a terminal's file
// pane: directory operations plus pipelined, abortable transfers.
//
// A [Client] runs over one "sftp" subsystem channel. Every request carries an
// id from a counter; a receive loop hands each reply to the request waiting
// on that id. A reply whose id matches nothing outstanding is a protocol
// error that ends the client and fails every pending request. A request
// that times out retires its id, so a late reply is dropped quietly.
//
// # Transfers
//
// [Client.Download] and [Client.Upload] split the file into ChunkSize
// requests and keep up to MaxInflight of them outstanding, each on its own
// goroutine. Completed chunks are reassembled by offset before they reach
// the writer, so a server answering out of order still produces the file in
// order. When the size is known, a download issues exactly ceil(size/chunk)
// reads unless the server returns short reads, whose remainder is
// re-requested.
//
// [Transfer.Abort] stops new requests, waits for the ones in flight and
// discards their data, closes the remote handle once and completes the
// transfer as aborted. A remote failure completes the transfer with a
// KindTransfer error carrying the SFTP status code; other transfers and the
// transport are unaffected.
//
// # Log Prefixes
//
// All operations log at the [sftp] prefix.
package sshfiles
