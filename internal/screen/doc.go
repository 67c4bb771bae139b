// Package screen maintains the screen model of a terminal: the primary and
// alternate cell grids, cursor, pen, modes, scroll region, tab stops, title,
// selection and a bounded scrollback for the primary screen.
//
// A [Buffer] is mutated by applying [vtparse.Action] values and read through
// [Buffer.Snapshot], which deep-copies the visible state. Writes take the
// buffer's lock once per call, so a renderer taking snapshots concurrently
// sees the screen before or after a batch, never in between.
//
// Content is not reflowed on resize. Wrapping is eager: a glyph printed into
// the last column moves the cursor to the next row at once, except on the
// bottom margin, where the wrap is held until the next glyph arrives.
package screen
