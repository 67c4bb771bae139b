package screen

// Point is a 0-based grid position.
type Point struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (p Point) before(q Point) bool {
	return p.Row < q.Row || (p.Row == q.Row && p.Col < q.Col)
}

// Selection is an inclusive, row-major range of cells. Start never comes
// after End.
type Selection struct {
	Start Point `json:"start"`
	End   Point `json:"end"`
}

// Contains reports whether p lies inside the selection.
func (s Selection) Contains(p Point) bool {
	return !p.before(s.Start) && !s.End.before(p)
}

// Select marks the cells from start to end, in either order. Points are
// clamped to the grid. The selection is dropped when the content under it
// scrolls, the screen switches or the grid is resized.
func (b *Buffer) Select(start, end Point) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start, end = b.clampPoint(start), b.clampPoint(end)
	if end.before(start) {
		start, end = end, start
	}
	b.selection = &Selection{Start: start, End: end}
	b.version++
}

// ClearSelection removes the selection.
func (b *Buffer) ClearSelection() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.selection != nil {
		b.selection = nil
		b.version++
	}
}

func (b *Buffer) clampPoint(p Point) Point {
	return Point{
		Row: min(max(p.Row, 0), b.rows-1),
		Col: min(max(p.Col, 0), b.cols-1),
	}
}
