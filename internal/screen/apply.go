package screen

import (
	"fmt"

	"github.com/rivo/uniseg"
	"github.com/unilibs/uniwidth"

	"github.com/gluk-w/sshterm/internal/vtparse"
)

// maxGraphemeBytes bounds how many combining runes one cell accumulates.
const maxGraphemeBytes = 32

func (b *Buffer) apply(a vtparse.Action) {
	if a.Kind == vtparse.KindUnknown {
		return
	}
	b.version++
	if a.Kind != vtparse.KindPrint {
		b.lastValid = false
	}

	switch a.Kind {
	case vtparse.KindPrint:
		b.print(a.Rune)
	case vtparse.KindBell:
		b.bells++
	case vtparse.KindBackspace:
		b.cur.pendingWrap = false
		if b.cur.col > 0 {
			b.cur.col--
		}
	case vtparse.KindTab:
		b.tab(a.N)
	case vtparse.KindBackTab:
		b.backTab(a.N)
	case vtparse.KindLineFeed:
		b.lineFeed()
		if b.modes.NewLine {
			b.cur.col = 0
		}
	case vtparse.KindCarriageReturn:
		b.cur.col = 0
		b.cur.pendingWrap = false
	case vtparse.KindShiftOut:
		b.gl = 1
	case vtparse.KindShiftIn:
		b.gl = 0
	case vtparse.KindIndex:
		b.lineFeed()
	case vtparse.KindReverseIndex:
		b.reverseIndex()
	case vtparse.KindNextLine:
		b.cur.col = 0
		b.lineFeed()
	case vtparse.KindCursorUp:
		b.moveUp(a.N)
	case vtparse.KindCursorDown:
		b.moveDown(a.N)
	case vtparse.KindCursorForward:
		b.cur.col = min(b.cur.col+a.N, b.cols-1)
		b.cur.pendingWrap = false
	case vtparse.KindCursorBack:
		b.cur.col = max(b.cur.col-a.N, 0)
		b.cur.pendingWrap = false
	case vtparse.KindCursorNextLine:
		b.moveDown(a.N)
		b.cur.col = 0
	case vtparse.KindCursorPrevLine:
		b.moveUp(a.N)
		b.cur.col = 0
	case vtparse.KindCursorColumn:
		b.cur.col = min(max(a.N-1, 0), b.cols-1)
		b.cur.pendingWrap = false
	case vtparse.KindCursorRow:
		b.setPos(a.N-1, b.cur.col)
	case vtparse.KindCursorPosition:
		b.setPos(a.N-1, a.M-1)
	case vtparse.KindEraseDisplay:
		b.eraseDisplay(a.N)
	case vtparse.KindEraseLine:
		b.eraseLine(a.N)
	case vtparse.KindEraseChars:
		b.eraseRange(b.cur.row, b.cur.col, b.cur.col+a.N)
		b.cur.pendingWrap = false
	case vtparse.KindInsertChars:
		b.insertChars(a.N)
	case vtparse.KindDeleteChars:
		b.deleteChars(a.N)
	case vtparse.KindInsertLines:
		if b.cur.row >= b.top && b.cur.row <= b.bottom {
			b.scrollDown(b.cur.row, b.bottom, a.N)
			b.cur.col = 0
			b.cur.pendingWrap = false
		}
	case vtparse.KindDeleteLines:
		if b.cur.row >= b.top && b.cur.row <= b.bottom {
			b.scrollUp(b.cur.row, b.bottom, a.N, false)
			b.cur.col = 0
			b.cur.pendingWrap = false
		}
	case vtparse.KindScrollUp:
		b.scrollUp(b.top, b.bottom, a.N, true)
	case vtparse.KindScrollDown:
		b.scrollDown(b.top, b.bottom, a.N)
	case vtparse.KindSetScrollRegion:
		b.setScrollRegion(a.N, a.M)
	case vtparse.KindSetAttributes:
		b.pen = b.pen.apply(a.Attrs)
	case vtparse.KindSetMode:
		for _, m := range a.Modes {
			b.setMode(a.Private, m, true)
		}
	case vtparse.KindResetMode:
		for _, m := range a.Modes {
			b.setMode(a.Private, m, false)
		}
	case vtparse.KindSaveCursor:
		b.saveCursor()
	case vtparse.KindRestoreCursor:
		b.restoreCursor()
	case vtparse.KindSetTitle:
		b.title = a.Text
	case vtparse.KindTabSet:
		b.tabs[b.cur.col] = true
	case vtparse.KindTabClear:
		switch a.N {
		case 0:
			b.tabs[b.cur.col] = false
		case 3:
			clear(b.tabs)
		}
	case vtparse.KindDeviceStatus:
		b.deviceStatus(a.N, a.Private)
	case vtparse.KindDeviceAttributes:
		if a.N == 0 {
			b.reply("\x1b[?1;2c")
		} else {
			b.reply("\x1b[>0;10;1c")
		}
	case vtparse.KindFullReset:
		b.reset()
	case vtparse.KindSoftReset:
		b.softReset()
	case vtparse.KindRepeatChar:
		if b.last != 0 {
			n := min(a.N, b.rows*b.cols)
			for range n {
				b.print(b.last)
			}
		}
	case vtparse.KindDesignateCharset:
		if a.N >= 0 && a.N < len(b.charsets) {
			b.charsets[a.N] = a.Rune
		}
	case vtparse.KindCursorStyle:
		b.style = a.N
	case vtparse.KindAlignmentTest:
		b.top, b.bottom = 0, b.rows-1
		for _, row := range b.grid {
			fillRow(row, Cell{Grapheme: "E", Width: 1})
		}
		b.cur = cursor{}
	}
}

func (b *Buffer) reply(s string) {
	b.replies = append(b.replies, s...)
}

func (b *Buffer) deviceStatus(n int, private bool) {
	switch n {
	case 5:
		b.reply("\x1b[0n")
	case 6:
		row := b.cur.row + 1
		if b.modes.Origin {
			row -= b.top
		}
		if private {
			b.reply(fmt.Sprintf("\x1b[?%d;%dR", row, b.cur.col+1))
		} else {
			b.reply(fmt.Sprintf("\x1b[%d;%dR", row, b.cur.col+1))
		}
	}
}

// print writes one rune at the cursor. Filling the last column of a row
// moves the cursor to the next row at once, except on the scroll region's
// bottom row and the last screen row, which hold a pending wrap until the
// next printable.
// The eager wrap on non-bottom rows is intended. xterm holds the wrap on
// every row, so a CR or CUP right after a full line lands differently.
func (b *Buffer) print(r rune) {
	raw := r
	r = translate(b.charsets[b.gl], r)
	w := uniwidth.RuneWidth(r)
	if w <= 0 {
		b.combine(r)
		return
	}
	if w > 2 {
		w = 2
	}
	if w == 2 && b.cols < 2 {
		w = 1
	}

	if b.cur.pendingWrap {
		b.cur.col = 0
		b.lineFeed()
	}
	if w == 2 && b.cur.col == b.cols-1 {
		if b.modes.AutoWrap {
			b.eraseRange(b.cur.row, b.cur.col, b.cols)
			b.cur.col = 0
			b.lineFeed()
		} else {
			b.cur.col = b.cols - 2
		}
	}
	if b.modes.Insert {
		b.shiftRight(b.cur.row, b.cur.col, w)
	}

	row := b.grid[b.cur.row]
	col := b.cur.col
	b.breakWide(row, col)
	if w == 2 {
		b.breakWide(row, col+1)
	}
	row[col] = Cell{Grapheme: string(r), Style: b.pen, Width: uint8(w)}
	if w == 2 {
		row[col+1] = Cell{Style: b.pen, Width: 0}
	}
	b.last = raw
	b.lastRow, b.lastCol, b.lastValid = b.cur.row, col, true

	next := col + w
	switch {
	case next < b.cols:
		b.cur.col = next
	case !b.modes.AutoWrap:
		b.cur.col = b.cols - 1
	case b.cur.row != b.bottom && b.cur.row < b.rows-1:
		b.cur.row++
		b.cur.col = 0
	default:
		b.cur.col = b.cols - 1
		b.cur.pendingWrap = true
	}
}

// combine joins a zero-width rune onto the most recently printed cell when
// they form a single grapheme cluster.
func (b *Buffer) combine(r rune) {
	if !b.lastValid {
		return
	}
	c := &b.grid[b.lastRow][b.lastCol]
	g := c.Grapheme + string(r)
	if len(g) > maxGraphemeBytes || uniseg.GraphemeClusterCount(g) != 1 {
		return
	}
	c.Grapheme = g
}

// breakWide blanks the other half of a wide glyph about to be overwritten
// at col.
func (b *Buffer) breakWide(row []Cell, col int) {
	switch row[col].Width {
	case 0:
		if col > 0 && row[col-1].Width == 2 {
			row[col-1] = blankWith(row[col-1].Style)
		}
	case 2:
		if col+1 < len(row) && row[col+1].Width == 0 {
			row[col+1] = blankWith(row[col+1].Style)
		}
	}
}

// fixWide repairs wide glyphs split by a shift or erase.
func fixWide(row []Cell) {
	for i := range row {
		switch row[i].Width {
		case 2:
			if i+1 >= len(row) || row[i+1].Width != 0 {
				row[i] = blankWith(row[i].Style)
			}
		case 0:
			if i == 0 || row[i-1].Width != 2 {
				row[i] = blankWith(row[i].Style)
			}
		}
	}
}

func (b *Buffer) lineFeed() {
	b.cur.pendingWrap = false
	switch {
	case b.cur.row == b.bottom:
		b.scrollUp(b.top, b.bottom, 1, true)
	case b.cur.row < b.rows-1:
		b.cur.row++
	}
}

func (b *Buffer) reverseIndex() {
	b.cur.pendingWrap = false
	switch {
	case b.cur.row == b.top:
		b.scrollDown(b.top, b.bottom, 1)
	case b.cur.row > 0:
		b.cur.row--
	}
}

// scrollUp moves rows top..bottom up by n. With history set, rows leaving a
// full-screen region of the primary screen go to the scrollback.
func (b *Buffer) scrollUp(top, bottom, n int, history bool) {
	n = min(n, bottom-top+1)
	if n <= 0 {
		return
	}
	keep := history && !b.modes.AltScreen && top == 0 && bottom == b.rows-1
	for i := 0; i < n; i++ {
		if keep {
			b.scrollback.Push(b.grid[top+i])
		}
	}
	copy(b.grid[top:bottom+1], b.grid[top+n:bottom+1])
	fill := blankWith(b.pen)
	for i := bottom - n + 1; i <= bottom; i++ {
		b.grid[i] = newRow(b.cols, fill)
	}
	b.selection = nil
}

func (b *Buffer) scrollDown(top, bottom, n int) {
	n = min(n, bottom-top+1)
	if n <= 0 {
		return
	}
	copy(b.grid[top+n:bottom+1], b.grid[top:bottom+1-n])
	fill := blankWith(b.pen)
	for i := top; i < top+n; i++ {
		b.grid[i] = newRow(b.cols, fill)
	}
	b.selection = nil
}

func (b *Buffer) tab(n int) {
	b.cur.pendingWrap = false
	for ; n > 0 && b.cur.col < b.cols-1; n-- {
		col := b.cur.col + 1
		for col < b.cols-1 && !b.tabs[col] {
			col++
		}
		b.cur.col = col
	}
}

func (b *Buffer) backTab(n int) {
	b.cur.pendingWrap = false
	for ; n > 0 && b.cur.col > 0; n-- {
		col := b.cur.col - 1
		for col > 0 && !b.tabs[col] {
			col--
		}
		b.cur.col = col
	}
}

func (b *Buffer) moveUp(n int) {
	limit := 0
	if b.cur.row >= b.top {
		limit = b.top
	}
	b.cur.row = max(b.cur.row-n, limit)
	b.cur.pendingWrap = false
}

func (b *Buffer) moveDown(n int) {
	limit := b.rows - 1
	if b.cur.row <= b.bottom {
		limit = b.bottom
	}
	b.cur.row = min(b.cur.row+n, limit)
	b.cur.pendingWrap = false
}

// setPos moves to a 0-based position, relative to the scroll region in
// origin mode.
func (b *Buffer) setPos(row, col int) {
	if b.modes.Origin {
		b.cur.row = min(max(b.top+row, b.top), b.bottom)
	} else {
		b.cur.row = min(max(row, 0), b.rows-1)
	}
	b.cur.col = min(max(col, 0), b.cols-1)
	b.cur.pendingWrap = false
}

// eraseRange blanks columns [from, to) of row.
func (b *Buffer) eraseRange(rowIdx, from, to int) {
	from, to = max(from, 0), min(to, b.cols)
	if from >= to {
		return
	}
	row := b.grid[rowIdx]
	fill := blankWith(b.pen)
	for i := from; i < to; i++ {
		row[i] = fill
	}
	fixWide(row)
}

func (b *Buffer) eraseLine(mode int) {
	switch mode {
	case 0:
		b.eraseRange(b.cur.row, b.cur.col, b.cols)
	case 1:
		b.eraseRange(b.cur.row, 0, b.cur.col+1)
	case 2:
		b.eraseRange(b.cur.row, 0, b.cols)
	}
	b.cur.pendingWrap = false
}

func (b *Buffer) eraseDisplay(mode int) {
	switch mode {
	case 0:
		b.eraseRange(b.cur.row, b.cur.col, b.cols)
		for r := b.cur.row + 1; r < b.rows; r++ {
			b.eraseRange(r, 0, b.cols)
		}
	case 1:
		for r := 0; r < b.cur.row; r++ {
			b.eraseRange(r, 0, b.cols)
		}
		b.eraseRange(b.cur.row, 0, b.cur.col+1)
	case 2:
		for r := 0; r < b.rows; r++ {
			b.eraseRange(r, 0, b.cols)
		}
	case 3:
		b.scrollback.Clear()
	}
	b.cur.pendingWrap = false
}

// shiftRight opens n blank cells at col, dropping cells pushed past the
// right edge.
func (b *Buffer) shiftRight(rowIdx, col, n int) {
	row := b.grid[rowIdx]
	n = min(n, b.cols-col)
	copy(row[col+n:], row[col:b.cols-n])
	fill := blankWith(b.pen)
	for i := col; i < col+n; i++ {
		row[i] = fill
	}
	fixWide(row)
}

func (b *Buffer) insertChars(n int) {
	b.shiftRight(b.cur.row, b.cur.col, n)
	b.cur.pendingWrap = false
}

func (b *Buffer) deleteChars(n int) {
	row := b.grid[b.cur.row]
	col := b.cur.col
	n = min(n, b.cols-col)
	copy(row[col:], row[col+n:])
	fill := blankWith(b.pen)
	for i := b.cols - n; i < b.cols; i++ {
		row[i] = fill
	}
	fixWide(row)
	b.cur.pendingWrap = false
}

func (b *Buffer) setScrollRegion(top, bottom int) {
	t := max(top-1, 0)
	bt := b.rows - 1
	if bottom > 0 {
		bt = min(bottom-1, b.rows-1)
	}
	if t >= bt {
		return
	}
	b.top, b.bottom = t, bt
	b.setPos(0, 0)
}

func (b *Buffer) setMode(private bool, mode int, on bool) {
	if !private {
		switch mode {
		case vtparse.ModeInsert:
			b.modes.Insert = on
		case vtparse.ModeNewLine:
			b.modes.NewLine = on
		}
		return
	}
	switch mode {
	case vtparse.ModeAppCursorKeys:
		b.modes.AppCursorKeys = on
	case vtparse.ModeOrigin:
		b.modes.Origin = on
		b.setPos(0, 0)
	case vtparse.ModeAutoWrap:
		b.modes.AutoWrap = on
		if !on {
			b.cur.pendingWrap = false
		}
	case vtparse.ModeCursorBlink:
		b.modes.CursorBlink = on
	case vtparse.ModeCursorVisible:
		b.modes.CursorVisible = on
	case vtparse.ModeAppKeypad:
		b.modes.AppKeypad = on
	case vtparse.ModeMouseX10, vtparse.ModeMouseButton, vtparse.ModeMouseAny:
		if on {
			b.modes.Mouse = MouseMode(mode)
		} else if b.modes.Mouse == MouseMode(mode) {
			b.modes.Mouse = MouseOff
		}
	case vtparse.ModeFocusEvents:
		b.modes.FocusEvents = on
	case vtparse.ModeMouseSGR:
		b.modes.MouseSGR = on
	case vtparse.ModeBracketedPaste:
		b.modes.BracketedPaste = on
	case vtparse.ModeSaveCursor:
		if on {
			b.saveCursor()
		} else {
			b.restoreCursor()
		}
	case vtparse.ModeAltScreen:
		if on {
			b.enterAlt(false)
		} else {
			b.exitAlt(false)
		}
	case vtparse.ModeAltScreenClear:
		if on {
			b.enterAlt(false)
		} else {
			b.exitAlt(true)
		}
	case vtparse.ModeAltScreenSaveCurs:
		if on {
			b.enterAlt(true)
		} else {
			b.exitAlt(false)
		}
	}
}

func (b *Buffer) enterAlt(clearAlt bool) {
	if b.modes.AltScreen {
		return
	}
	b.altReturn = b.capture()
	b.modes.AltScreen = true
	b.grid = b.alt
	if clearAlt {
		for _, row := range b.alt {
			fillRow(row, Blank)
		}
	}
	b.selection = nil
}

func (b *Buffer) exitAlt(clearAlt bool) {
	if !b.modes.AltScreen {
		return
	}
	if clearAlt {
		for _, row := range b.alt {
			fillRow(row, Blank)
		}
	}
	b.modes.AltScreen = false
	b.grid = b.primary
	b.restore(b.altReturn)
	b.selection = nil
}

func (b *Buffer) capture() savedCursor {
	return savedCursor{
		cursor:   b.cur,
		pen:      b.pen,
		origin:   b.modes.Origin,
		charsets: b.charsets,
		gl:       b.gl,
		valid:    true,
	}
}

func (b *Buffer) restore(s savedCursor) {
	if !s.valid {
		s = savedCursor{charsets: [4]rune{'B', 'B', 'B', 'B'}}
	}
	b.cur = b.clampCursor(s.cursor)
	b.cur.pendingWrap = s.pendingWrap && b.cur.col == b.cols-1
	b.pen = s.pen
	b.modes.Origin = s.origin
	b.charsets = s.charsets
	b.gl = s.gl
}

func (b *Buffer) screenIndex() int {
	if b.modes.AltScreen {
		return 1
	}
	return 0
}

func (b *Buffer) saveCursor() {
	b.saved[b.screenIndex()] = b.capture()
}

func (b *Buffer) restoreCursor() {
	b.restore(b.saved[b.screenIndex()])
}

func (b *Buffer) softReset() {
	b.modes.Insert = false
	b.modes.Origin = false
	b.modes.AutoWrap = true
	b.modes.CursorVisible = true
	b.modes.AppCursorKeys = false
	b.modes.AppKeypad = false
	b.top, b.bottom = 0, b.rows-1
	b.pen = Style{}
	b.charsets = [4]rune{'B', 'B', 'B', 'B'}
	b.gl = 0
	b.saved = [2]savedCursor{}
	b.cur.pendingWrap = false
}
