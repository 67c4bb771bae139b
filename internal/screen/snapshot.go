package screen

import "strings"

// Cursor is the cursor as seen by a renderer.
type Cursor struct {
	Row     int  `json:"row"`
	Col     int  `json:"col"`
	Visible bool `json:"visible"`
	// Style is the DECSCUSR shape, 0 for the renderer's default.
	Style int `json:"style"`
}

// Snapshot is an immutable copy of the visible screen.
type Snapshot struct {
	Rows          int        `json:"rows"`
	Cols          int        `json:"cols"`
	Cells         [][]Cell   `json:"cells"`
	Cursor        Cursor     `json:"cursor"`
	Modes         Modes      `json:"modes"`
	Title         string     `json:"title"`
	Selection     *Selection `json:"selection,omitempty"`
	ScrollbackLen int        `json:"scrollback_len"`
	Bells         uint64     `json:"bells"`
	Version       uint64     `json:"version"`
}

// Snapshot copies the visible grid and its metadata. The copy shares nothing
// with the buffer, so it stays valid while the writer continues.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cells := make([][]Cell, len(b.grid))
	for i, row := range b.grid {
		cells[i] = cloneRow(row)
	}
	var sel *Selection
	if b.selection != nil {
		s := *b.selection
		sel = &s
	}
	return Snapshot{
		Rows:  b.rows,
		Cols:  b.cols,
		Cells: cells,
		Cursor: Cursor{
			Row:     b.cur.row,
			Col:     b.cur.col,
			Visible: b.modes.CursorVisible,
			Style:   b.style,
		},
		Modes:         b.modes,
		Title:         b.title,
		Selection:     sel,
		ScrollbackLen: b.scrollback.Len(),
		Bells:         b.bells,
		Version:       b.version,
	}
}

// Line returns row i as text with trailing blanks removed.
func (s Snapshot) Line(i int) string {
	if i < 0 || i >= len(s.Cells) {
		return ""
	}
	return RowText(s.Cells[i], 0, len(s.Cells[i]))
}

// Text renders the grid as text, one line per row.
func (s Snapshot) Text() string {
	lines := make([]string, len(s.Cells))
	for i := range s.Cells {
		lines[i] = s.Line(i)
	}
	return strings.Join(lines, "\n")
}

// SelectedText returns the selected cells as text, rows joined by newlines
// with trailing blanks removed from each.
func (s Snapshot) SelectedText() string {
	if s.Selection == nil {
		return ""
	}
	sel := *s.Selection
	var lines []string
	for r := sel.Start.Row; r <= sel.End.Row && r < len(s.Cells); r++ {
		from, to := 0, len(s.Cells[r])
		if r == sel.Start.Row {
			from = sel.Start.Col
		}
		if r == sel.End.Row {
			to = sel.End.Col + 1
		}
		lines = append(lines, RowText(s.Cells[r], from, to))
	}
	return strings.Join(lines, "\n")
}

// RowText renders cells [from, to) of row, skipping wide-glyph spacers and
// trimming trailing blanks.
func RowText(row []Cell, from, to int) string {
	from, to = max(from, 0), min(to, len(row))
	var sb strings.Builder
	for _, c := range row[from:max(from, to)] {
		if c.IsSpacer() {
			continue
		}
		if c.Grapheme == "" {
			sb.WriteByte(' ')
			continue
		}
		sb.WriteString(c.Grapheme)
	}
	return strings.TrimRight(sb.String(), " ")
}
