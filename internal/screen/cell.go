package screen

import "github.com/gluk-w/sshterm/internal/vtparse"

// Flags is a bit set of text attributes.
type Flags uint16

const (
	FlagBold Flags = 1 << iota
	FlagDim
	FlagItalic
	FlagUnderline
	FlagBlink
	FlagInverse
	FlagHidden
	FlagStrike
)

// Style is the rendition applied to a cell.
type Style struct {
	Fg    vtparse.Color `json:"fg"`
	Bg    vtparse.Color `json:"bg"`
	Flags Flags         `json:"flags,omitempty"`
}

// Has reports whether all of f are set.
func (s Style) Has(f Flags) bool { return s.Flags&f == f }

// apply folds decoded SGR operations into s.
func (s Style) apply(attrs []vtparse.Attr) Style {
	for _, a := range attrs {
		switch a.Op {
		case vtparse.AttrReset:
			s = Style{}
		case vtparse.AttrBold:
			s.Flags |= FlagBold
		case vtparse.AttrDim:
			s.Flags |= FlagDim
		case vtparse.AttrItalic:
			s.Flags |= FlagItalic
		case vtparse.AttrUnderline:
			s.Flags |= FlagUnderline
		case vtparse.AttrBlink:
			s.Flags |= FlagBlink
		case vtparse.AttrInverse:
			s.Flags |= FlagInverse
		case vtparse.AttrHidden:
			s.Flags |= FlagHidden
		case vtparse.AttrStrike:
			s.Flags |= FlagStrike
		case vtparse.AttrNormalIntensity:
			s.Flags &^= FlagBold | FlagDim
		case vtparse.AttrNoItalic:
			s.Flags &^= FlagItalic
		case vtparse.AttrNoUnderline:
			s.Flags &^= FlagUnderline
		case vtparse.AttrNoBlink:
			s.Flags &^= FlagBlink
		case vtparse.AttrNoInverse:
			s.Flags &^= FlagInverse
		case vtparse.AttrNoHidden:
			s.Flags &^= FlagHidden
		case vtparse.AttrNoStrike:
			s.Flags &^= FlagStrike
		case vtparse.AttrForeground:
			s.Fg = a.Color
		case vtparse.AttrBackground:
			s.Bg = a.Color
		}
	}
	return s
}

// Cell is one character position of the grid. A wide glyph occupies two
// cells: the first has Width 2 and holds the grapheme, the second is a
// spacer with Width 0 and an empty Grapheme.
type Cell struct {
	Grapheme string `json:"g"`
	Style    Style  `json:"s"`
	Width    uint8  `json:"w"`
}

// Blank is the default empty cell.
var Blank = Cell{Grapheme: " ", Width: 1}

// blankWith returns an empty cell carrying only the background of st, the
// way erase operations fill the grid.
func blankWith(st Style) Cell {
	c := Blank
	c.Style.Bg = st.Bg
	return c
}

// IsSpacer reports whether c is the trailing half of a wide glyph.
func (c Cell) IsSpacer() bool { return c.Width == 0 }

func newRow(cols int, fill Cell) []Cell {
	row := make([]Cell, cols)
	for i := range row {
		row[i] = fill
	}
	return row
}

func cloneRow(row []Cell) []Cell {
	out := make([]Cell, len(row))
	copy(out, row)
	return out
}
