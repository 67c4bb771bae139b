package screen

import (
	"sync"

	"github.com/gluk-w/sshterm/internal/vtparse"
)

// Options configures a Buffer.
type Options struct {
	// ScrollbackLines bounds the primary-screen history. Zero selects
	// DefaultScrollbackLines; a negative value disables history.
	ScrollbackLines int
}

// MouseMode is the active mouse reporting protocol.
type MouseMode int

const (
	MouseOff    MouseMode = 0
	MouseX10    MouseMode = vtparse.ModeMouseX10
	MouseButton MouseMode = vtparse.ModeMouseButton
	MouseAny    MouseMode = vtparse.ModeMouseAny
)

// Modes holds the terminal modes a renderer or input encoder needs.
type Modes struct {
	AutoWrap       bool      `json:"auto_wrap"`
	Origin         bool      `json:"origin"`
	Insert         bool      `json:"insert"`
	NewLine        bool      `json:"new_line"`
	CursorVisible  bool      `json:"cursor_visible"`
	CursorBlink    bool      `json:"cursor_blink"`
	AltScreen      bool      `json:"alt_screen"`
	AppCursorKeys  bool      `json:"app_cursor_keys"`
	AppKeypad      bool      `json:"app_keypad"`
	BracketedPaste bool      `json:"bracketed_paste"`
	FocusEvents    bool      `json:"focus_events"`
	Mouse          MouseMode `json:"mouse"`
	MouseSGR       bool      `json:"mouse_sgr"`
}

func defaultModes() Modes {
	return Modes{AutoWrap: true, CursorVisible: true}
}

type cursor struct {
	row, col    int
	pendingWrap bool
}

type savedCursor struct {
	cursor
	pen      Style
	origin   bool
	charsets [4]rune
	gl       int
	valid    bool
}

// Buffer is the screen model of one terminal: a primary and an alternate
// grid, cursor, pen, modes, scroll region, tab stops, title and selection,
// plus the primary screen's scrollback.
//
// A single writer applies actions through Apply, ApplyAll or Update while
// any number of readers take snapshots. Every method is safe for concurrent
// use; each write runs inside one critical section so readers never observe
// a partly applied action batch.
type Buffer struct {
	mu sync.RWMutex

	rows, cols int
	primary    [][]Cell
	alt        [][]Cell
	grid       [][]Cell // primary or alt

	cur      cursor
	pen      Style
	modes    Modes
	top      int
	bottom   int
	tabs     []bool
	title    string
	charsets [4]rune
	gl       int
	last     rune
	style    int // DECSCUSR

	// most recently printed cell, target for combining runes
	lastRow, lastCol int
	lastValid        bool

	saved      [2]savedCursor // primary, alternate
	altReturn  savedCursor
	scrollback *Scrollback
	selection  *Selection
	replies    []byte
	version    uint64
	bells      uint64
}

// New returns a blank buffer of rows by cols.
func New(rows, cols int, opts Options) *Buffer {
	rows, cols = max(rows, 1), max(cols, 1)
	lines := opts.ScrollbackLines
	if lines == 0 {
		lines = DefaultScrollbackLines
	}
	b := &Buffer{
		rows:       rows,
		cols:       cols,
		scrollback: NewScrollback(lines),
	}
	b.primary = newGrid(rows, cols)
	b.alt = newGrid(rows, cols)
	b.grid = b.primary
	b.reset()
	return b
}

func newGrid(rows, cols int) [][]Cell {
	g := make([][]Cell, rows)
	for i := range g {
		g[i] = newRow(cols, Blank)
	}
	return g
}

// reset restores power-on state without touching size or scrollback.
func (b *Buffer) reset() {
	for _, g := range [][][]Cell{b.primary, b.alt} {
		for _, row := range g {
			fillRow(row, Blank)
		}
	}
	b.grid = b.primary
	b.cur = cursor{}
	b.pen = Style{}
	b.modes = defaultModes()
	b.top, b.bottom = 0, b.rows-1
	b.tabs = defaultTabs(b.cols)
	b.title = ""
	b.charsets = [4]rune{'B', 'B', 'B', 'B'}
	b.gl = 0
	b.last = 0
	b.lastValid = false
	b.style = 0
	b.saved = [2]savedCursor{}
	b.altReturn = savedCursor{}
	b.selection = nil
}

func defaultTabs(cols int) []bool {
	tabs := make([]bool, cols)
	for i := 8; i < cols; i += 8 {
		tabs[i] = true
	}
	return tabs
}

func fillRow(row []Cell, c Cell) {
	for i := range row {
		row[i] = c
	}
}

// Size returns the grid dimensions.
func (b *Buffer) Size() (rows, cols int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rows, b.cols
}

// Version increases every time the buffer changes.
func (b *Buffer) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// Modes returns the current terminal modes.
func (b *Buffer) Modes() Modes {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.modes
}

// Apply applies a single action.
func (b *Buffer) Apply(a vtparse.Action) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.apply(a)
}

// ApplyAll applies actions in order inside one critical section.
func (b *Buffer) ApplyAll(actions []vtparse.Action) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range actions {
		b.apply(a)
	}
}

// Writer applies actions while Update holds the buffer's write lock.
type Writer struct {
	b *Buffer
}

// Apply applies a to the locked buffer.
func (w *Writer) Apply(a vtparse.Action) { w.b.apply(a) }

// Update runs fn with exclusive access to the buffer. Readers observe either
// the state before fn or the state after it.
func (b *Buffer) Update(fn func(w *Writer)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&Writer{b: b})
}

// TakeReplies returns and clears the bytes the terminal owes the remote
// side, such as cursor position and device attribute reports.
func (b *Buffer) TakeReplies() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.replies
	b.replies = nil
	return out
}

// ScrollbackLen returns the number of rows in the primary history.
func (b *Buffer) ScrollbackLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scrollback.Len()
}

// ScrollbackRows returns copies of up to n history rows starting at start,
// oldest first.
func (b *Buffer) ScrollbackRows(start, n int) [][]Cell {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scrollback.Rows(start, n)
}

// Resize changes the grid size. Content is not reflowed: the top-left region
// is kept, new cells are blank, the cursor is clamped, the scroll region is
// reset and tab stops are clipped. Both grids are resized.
func (b *Buffer) Resize(rows, cols int) {
	rows, cols = max(rows, 1), max(cols, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if rows == b.rows && cols == b.cols {
		return
	}
	onAlt := b.modes.AltScreen
	b.primary = resizeGrid(b.primary, rows, cols)
	b.alt = resizeGrid(b.alt, rows, cols)
	if onAlt {
		b.grid = b.alt
	} else {
		b.grid = b.primary
	}

	tabs := defaultTabs(cols)
	copy(tabs, b.tabs)
	b.tabs = tabs

	b.rows, b.cols = rows, cols
	b.top, b.bottom = 0, rows-1
	b.cur = b.clampCursor(b.cur)
	for i := range b.saved {
		b.saved[i].cursor = b.clampCursor(b.saved[i].cursor)
	}
	b.altReturn.cursor = b.clampCursor(b.altReturn.cursor)
	b.selection = nil
	b.lastValid = false
	b.version++
}

func (b *Buffer) clampCursor(c cursor) cursor {
	c.row = min(max(c.row, 0), b.rows-1)
	c.col = min(max(c.col, 0), b.cols-1)
	c.pendingWrap = false
	return c
}

func resizeGrid(g [][]Cell, rows, cols int) [][]Cell {
	out := make([][]Cell, rows)
	for i := range out {
		row := newRow(cols, Blank)
		if i < len(g) {
			copy(row, g[i])
			// a wide glyph cut in half at the new edge
			if cols < len(g[i]) && row[cols-1].Width == 2 {
				row[cols-1] = Blank
			}
		}
		out[i] = row
	}
	return out
}
