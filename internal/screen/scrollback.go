package screen

// DefaultScrollbackLines is used when Options.ScrollbackLines is zero.
const DefaultScrollbackLines = 1000

// Scrollback is a bounded FIFO of rows that scrolled off the top of the
// primary screen. Index 0 is the oldest row. Scrollback is not safe for
// concurrent use; Buffer guards it with its own lock.
type Scrollback struct {
	lines [][]Cell
	head  int
	count int
}

// NewScrollback returns a scrollback holding at most max rows. A negative
// max disables it.
func NewScrollback(max int) *Scrollback {
	if max < 0 {
		max = 0
	}
	return &Scrollback{lines: make([][]Cell, max)}
}

// Cap returns the maximum number of rows kept.
func (s *Scrollback) Cap() int { return len(s.lines) }

// Len returns the number of rows held.
func (s *Scrollback) Len() int { return s.count }

// Push appends row, dropping the oldest row when full.
func (s *Scrollback) Push(row []Cell) {
	if len(s.lines) == 0 {
		return
	}
	idx := (s.head + s.count) % len(s.lines)
	s.lines[idx] = row
	if s.count < len(s.lines) {
		s.count++
		return
	}
	s.head = (s.head + 1) % len(s.lines)
}

// Row returns row i, oldest first.
func (s *Scrollback) Row(i int) []Cell {
	if i < 0 || i >= s.count {
		return nil
	}
	return s.lines[(s.head+i)%len(s.lines)]
}

// Rows returns copies of up to n rows starting at start.
func (s *Scrollback) Rows(start, n int) [][]Cell {
	if start < 0 {
		start = 0
	}
	if start >= s.count || n <= 0 {
		return nil
	}
	n = min(n, s.count-start)
	out := make([][]Cell, n)
	for i := range out {
		out[i] = cloneRow(s.Row(start + i))
	}
	return out
}

// Clear drops every row.
func (s *Scrollback) Clear() {
	clear(s.lines)
	s.head, s.count = 0, 0
}
