package vtparse

import (
	"iter"
	"strconv"
	"strings"
	"unicode/utf8"
)

// State is the parser's position in the escape-sequence state machine.
type State uint8

const (
	StateGround State = iota
	StateEscape
	StateEscapeIntermediate
	StateCSIEntry
	StateCSIParam
	StateCSIIntermediate
	StateCSIIgnore
	StateOSCString
	StateDCSEntry
	StateDCSParam
	StateDCSIntermediate
	StateDCSPassthrough
	StateDCSIgnore
	StateSOSPMAPCString
)

var stateNames = [...]string{
	StateGround:             "ground",
	StateEscape:             "escape",
	StateEscapeIntermediate: "escape-intermediate",
	StateCSIEntry:           "csi-entry",
	StateCSIParam:           "csi-param",
	StateCSIIntermediate:    "csi-intermediate",
	StateCSIIgnore:          "csi-ignore",
	StateOSCString:          "osc-string",
	StateDCSEntry:           "dcs-entry",
	StateDCSParam:           "dcs-param",
	StateDCSIntermediate:    "dcs-intermediate",
	StateDCSPassthrough:     "dcs-passthrough",
	StateDCSIgnore:          "dcs-ignore",
	StateSOSPMAPCString:     "sos-pm-apc-string",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

const (
	maxParams        = 16
	maxParamValue    = 65535
	maxIntermediates = 4
	maxOSCLen        = 4096
	maxRawLen        = 64
)

// Parser converts a terminal output byte stream into Actions. All state,
// including a partially received UTF-8 sequence, carries over between calls,
// so the emitted actions do not depend on how the stream is chunked.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	state State

	params   [maxParams]int
	colon    [maxParams]bool
	nparams  int
	cur      int
	curColon bool
	sawParam bool
	private  byte
	inter    [maxIntermediates]byte
	ninter   int
	overflow bool
	osc      []byte
	raw      []byte
	utf8buf  [utf8.UTFMax]byte
	utf8n    int
	utf8need int
}

// NewParser returns a parser in the ground state.
func NewParser() *Parser {
	return &Parser{}
}

// State reports the current state.
func (p *Parser) State() State { return p.state }

// Reset returns the parser to the ground state and drops any partial
// sequence or UTF-8 input.
func (p *Parser) Reset() {
	p.state = StateGround
	p.clear()
	p.utf8n, p.utf8need = 0, 0
}

// Feed consumes data and calls emit for every completed action in stream
// order.
func (p *Parser) Feed(data []byte, emit func(Action)) {
	for _, b := range data {
		p.advance(b, emit)
	}
}

// Actions returns the actions decoded from data as a finite sequence. If the
// consumer stops early the remaining bytes still advance the parser but
// their actions are dropped.
func (p *Parser) Actions(data []byte) iter.Seq[Action] {
	return func(yield func(Action) bool) {
		open := true
		p.Feed(data, func(a Action) {
			if open && !yield(a) {
				open = false
			}
		})
	}
}

// Parse decodes data and returns the resulting actions.
func (p *Parser) Parse(data []byte) []Action {
	var out []Action
	p.Feed(data, func(a Action) { out = append(out, a) })
	return out
}

func (p *Parser) clear() {
	p.nparams = 0
	p.cur = 0
	p.curColon = false
	p.sawParam = false
	p.private = 0
	p.ninter = 0
	p.overflow = false
	p.osc = p.osc[:0]
	p.raw = p.raw[:0]
}

func (p *Parser) record(b byte) {
	if len(p.raw) < maxRawLen {
		p.raw = append(p.raw, b)
	}
}

func (p *Parser) unknown(emit func(Action)) {
	raw := make([]byte, len(p.raw))
	copy(raw, p.raw)
	emit(Action{Kind: KindUnknown, Raw: raw})
}

// abort drops the sequence in progress, reports it and returns to ground.
func (p *Parser) abort(emit func(Action)) {
	p.unknown(emit)
	p.state = StateGround
	p.clear()
}

func (p *Parser) advance(b byte, emit func(Action)) {
	if p.utf8need > 0 {
		if b&0xC0 == 0x80 {
			p.utf8buf[p.utf8n] = b
			p.utf8n++
			if p.utf8n == p.utf8need {
				r, size := utf8.DecodeRune(p.utf8buf[:p.utf8n])
				if r == utf8.RuneError && size <= 1 {
					r = utf8.RuneError
				}
				p.utf8n, p.utf8need = 0, 0
				emit(Action{Kind: KindPrint, Rune: r})
			}
			return
		}
		// interrupted sequence, the current byte is processed on its own
		p.utf8n, p.utf8need = 0, 0
		emit(Action{Kind: KindPrint, Rune: utf8.RuneError})
	}

	switch b {
	case 0x18, 0x1A: // CAN, SUB
		if p.state != StateGround {
			p.record(b)
			p.abort(emit)
		}
		return
	case 0x1B:
		p.escape(emit)
		return
	}

	switch p.state {
	case StateGround:
		p.ground(b, emit)
	case StateEscape, StateEscapeIntermediate:
		p.escapeByte(b, emit)
	case StateCSIEntry, StateCSIParam, StateCSIIntermediate, StateCSIIgnore:
		p.csiByte(b, emit)
	case StateOSCString:
		p.oscByte(b, emit)
	case StateDCSEntry, StateDCSParam, StateDCSIntermediate, StateDCSPassthrough, StateDCSIgnore:
		p.dcsByte(b)
	case StateSOSPMAPCString:
		p.record(b)
	}
}

// escape handles ESC, which starts a new sequence from any state.
func (p *Parser) escape(emit func(Action)) {
	switch p.state {
	case StateGround:
	case StateOSCString:
		p.dispatchOSC(emit)
	default:
		p.unknown(emit)
	}
	p.clear()
	p.record(0x1B)
	p.state = StateEscape
}

func (p *Parser) ground(b byte, emit func(Action)) {
	switch {
	case b < 0x20:
		p.execute(b, emit)
	case b < 0x7F:
		emit(Action{Kind: KindPrint, Rune: rune(b)})
	case b == 0x7F:
	default:
		p.utf8Start(b, emit)
	}
}

func (p *Parser) utf8Start(b byte, emit func(Action)) {
	switch {
	case b >= 0xC2 && b <= 0xDF:
		p.utf8need = 2
	case b >= 0xE0 && b <= 0xEF:
		p.utf8need = 3
	case b >= 0xF0 && b <= 0xF4:
		p.utf8need = 4
	default:
		emit(Action{Kind: KindPrint, Rune: utf8.RuneError})
		return
	}
	p.utf8buf[0] = b
	p.utf8n = 1
}

func (p *Parser) execute(b byte, emit func(Action)) {
	switch b {
	case 0x07:
		emit(Action{Kind: KindBell})
	case 0x08:
		emit(Action{Kind: KindBackspace})
	case 0x09:
		emit(Action{Kind: KindTab, N: 1})
	case 0x0A, 0x0B, 0x0C:
		emit(Action{Kind: KindLineFeed})
	case 0x0D:
		emit(Action{Kind: KindCarriageReturn})
	case 0x0E:
		emit(Action{Kind: KindShiftOut})
	case 0x0F:
		emit(Action{Kind: KindShiftIn})
	}
}

func (p *Parser) collect(b byte) {
	if p.ninter < maxIntermediates {
		p.inter[p.ninter] = b
		p.ninter++
		return
	}
	p.overflow = true
}

func (p *Parser) escapeByte(b byte, emit func(Action)) {
	switch {
	case b < 0x20:
		p.execute(b, emit)
		return
	case b == 0x7F:
		return
	case b >= 0x80:
		p.record(b)
		p.abort(emit)
		return
	}
	p.record(b)
	if b <= 0x2F {
		p.collect(b)
		p.state = StateEscapeIntermediate
		return
	}
	if p.state == StateEscape {
		switch b {
		case '[':
			p.state = StateCSIEntry
			return
		case ']':
			p.state = StateOSCString
			return
		case 'P':
			p.state = StateDCSEntry
			return
		case 'X', '^', '_':
			p.state = StateSOSPMAPCString
			return
		}
	}
	p.dispatchESC(b, emit)
	p.state = StateGround
	p.clear()
}

func (p *Parser) dispatchESC(final byte, emit func(Action)) {
	if p.overflow {
		p.unknown(emit)
		return
	}
	if p.ninter == 1 {
		switch p.inter[0] {
		case '(', ')', '*', '+':
			emit(Action{Kind: KindDesignateCharset, N: int(p.inter[0] - '('), Rune: rune(final)})
			return
		case '#':
			if final == '8' {
				emit(Action{Kind: KindAlignmentTest})
				return
			}
		}
		p.unknown(emit)
		return
	}
	if p.ninter > 1 {
		p.unknown(emit)
		return
	}
	switch final {
	case '7':
		emit(Action{Kind: KindSaveCursor})
	case '8':
		emit(Action{Kind: KindRestoreCursor})
	case 'D':
		emit(Action{Kind: KindIndex})
	case 'E':
		emit(Action{Kind: KindNextLine})
	case 'H':
		emit(Action{Kind: KindTabSet})
	case 'M':
		emit(Action{Kind: KindReverseIndex})
	case 'c':
		emit(Action{Kind: KindFullReset})
	case '=':
		emit(Action{Kind: KindSetMode, Private: true, Modes: []int{ModeAppKeypad}})
	case '>':
		emit(Action{Kind: KindResetMode, Private: true, Modes: []int{ModeAppKeypad}})
	case '\\':
		// string terminator with nothing to terminate
	default:
		p.unknown(emit)
	}
}

func (p *Parser) pushParam() {
	if p.nparams < maxParams {
		p.params[p.nparams] = p.cur
		p.colon[p.nparams] = p.curColon
		p.nparams++
	}
	p.cur = 0
}

func (p *Parser) paramByte(b byte) {
	p.sawParam = true
	switch b {
	case ';', ':':
		p.pushParam()
		p.curColon = b == ':'
	default:
		p.cur = p.cur*10 + int(b-'0')
		if p.cur > maxParamValue {
			p.cur = maxParamValue
		}
	}
}

func (p *Parser) csiByte(b byte, emit func(Action)) {
	switch {
	case b < 0x20:
		p.execute(b, emit)
		return
	case b == 0x7F:
		return
	case b >= 0x80:
		p.record(b)
		p.abort(emit)
		return
	}
	p.record(b)

	if b >= 0x40 {
		if p.state == StateCSIIgnore || p.overflow {
			p.unknown(emit)
		} else {
			if p.sawParam {
				p.pushParam()
			}
			p.dispatchCSI(b, emit)
		}
		p.state = StateGround
		p.clear()
		return
	}

	switch p.state {
	case StateCSIEntry:
		switch {
		case b <= 0x2F:
			p.collect(b)
			p.state = StateCSIIntermediate
		case b >= 0x3C:
			p.private = b
			p.state = StateCSIParam
		default:
			p.paramByte(b)
			p.state = StateCSIParam
		}
	case StateCSIParam:
		switch {
		case b <= 0x2F:
			p.collect(b)
			p.state = StateCSIIntermediate
		case b >= 0x3C:
			p.state = StateCSIIgnore
		default:
			p.paramByte(b)
		}
	case StateCSIIntermediate:
		if b <= 0x2F {
			p.collect(b)
		} else {
			p.state = StateCSIIgnore
		}
	}
}

// param returns parameter i, or def when it is absent or zero.
func (p *Parser) param(i, def int) int {
	if i < p.nparams && p.params[i] != 0 {
		return p.params[i]
	}
	return def
}

// rawParam returns parameter i, or 0 when it is absent.
func (p *Parser) rawParam(i int) int {
	if i < p.nparams {
		return p.params[i]
	}
	return 0
}

func (p *Parser) modes() []int {
	m := make([]int, p.nparams)
	copy(m, p.params[:p.nparams])
	return m
}

func (p *Parser) dispatchCSI(final byte, emit func(Action)) {
	inter := string(p.inter[:p.ninter])
	switch {
	case p.private == 0 && inter == "":
		p.dispatchPlainCSI(final, emit)
	case p.private == '?' && inter == "":
		switch final {
		case 'h':
			emit(Action{Kind: KindSetMode, Private: true, Modes: p.modes()})
		case 'l':
			emit(Action{Kind: KindResetMode, Private: true, Modes: p.modes()})
		case 'J':
			emit(Action{Kind: KindEraseDisplay, N: p.rawParam(0), Private: true})
		case 'K':
			emit(Action{Kind: KindEraseLine, N: p.rawParam(0), Private: true})
		case 'n':
			emit(Action{Kind: KindDeviceStatus, N: p.rawParam(0), Private: true})
		default:
			p.unknown(emit)
		}
	case p.private == '>' && inter == "" && final == 'c':
		emit(Action{Kind: KindDeviceAttributes, N: 1})
	case p.private == 0 && inter == " " && final == 'q':
		emit(Action{Kind: KindCursorStyle, N: p.rawParam(0)})
	case p.private == 0 && inter == "!" && final == 'p':
		emit(Action{Kind: KindSoftReset})
	default:
		p.unknown(emit)
	}
}

func (p *Parser) dispatchPlainCSI(final byte, emit func(Action)) {
	count := func(k Kind) { emit(Action{Kind: k, N: p.param(0, 1)}) }
	switch final {
	case '@':
		count(KindInsertChars)
	case 'A':
		count(KindCursorUp)
	case 'B', 'e':
		count(KindCursorDown)
	case 'C', 'a':
		count(KindCursorForward)
	case 'D':
		count(KindCursorBack)
	case 'E':
		count(KindCursorNextLine)
	case 'F':
		count(KindCursorPrevLine)
	case 'G', '`':
		count(KindCursorColumn)
	case 'H', 'f':
		emit(Action{Kind: KindCursorPosition, N: p.param(0, 1), M: p.param(1, 1)})
	case 'I':
		count(KindTab)
	case 'J':
		emit(Action{Kind: KindEraseDisplay, N: p.rawParam(0)})
	case 'K':
		emit(Action{Kind: KindEraseLine, N: p.rawParam(0)})
	case 'L':
		count(KindInsertLines)
	case 'M':
		count(KindDeleteLines)
	case 'P':
		count(KindDeleteChars)
	case 'S':
		count(KindScrollUp)
	case 'T':
		if p.nparams > 1 {
			// mouse highlight tracking
			p.unknown(emit)
			return
		}
		count(KindScrollDown)
	case 'X':
		count(KindEraseChars)
	case 'Z':
		count(KindBackTab)
	case 'b':
		count(KindRepeatChar)
	case 'c':
		if p.rawParam(0) != 0 {
			p.unknown(emit)
			return
		}
		emit(Action{Kind: KindDeviceAttributes, N: 0})
	case 'd':
		count(KindCursorRow)
	case 'g':
		emit(Action{Kind: KindTabClear, N: p.rawParam(0)})
	case 'h':
		emit(Action{Kind: KindSetMode, Modes: p.modes()})
	case 'l':
		emit(Action{Kind: KindResetMode, Modes: p.modes()})
	case 'm':
		emit(Action{Kind: KindSetAttributes, Attrs: decodeSGR(p.params[:p.nparams], p.colon[:p.nparams])})
	case 'n':
		emit(Action{Kind: KindDeviceStatus, N: p.rawParam(0)})
	case 'r':
		emit(Action{Kind: KindSetScrollRegion, N: p.rawParam(0), M: p.rawParam(1)})
	case 's':
		if p.nparams > 0 {
			// DECSLRM, left/right margins are not supported
			p.unknown(emit)
			return
		}
		emit(Action{Kind: KindSaveCursor})
	case 'u':
		emit(Action{Kind: KindRestoreCursor})
	default:
		p.unknown(emit)
	}
}

func (p *Parser) oscByte(b byte, emit func(Action)) {
	if b == 0x07 {
		p.dispatchOSC(emit)
		p.state = StateGround
		p.clear()
		return
	}
	if b < 0x20 {
		return
	}
	if len(p.osc) < maxOSCLen {
		p.osc = append(p.osc, b)
	}
}

func (p *Parser) dispatchOSC(emit func(Action)) {
	payload := string(p.osc)
	ps, text, found := strings.Cut(payload, ";")
	if !found {
		p.oscUnknown(emit)
		return
	}
	switch ps {
	case "0", "2":
		emit(Action{Kind: KindSetTitle, Text: strings.ToValidUTF8(text, "\uFFFD")})
	case "1":
		// icon name only
	default:
		p.oscUnknown(emit)
	}
}

func (p *Parser) oscUnknown(emit func(Action)) {
	raw := []byte("\x1b]")
	n := min(len(p.osc), maxRawLen-len(raw))
	raw = append(raw, p.osc[:n]...)
	emit(Action{Kind: KindUnknown, Raw: raw})
}

func (p *Parser) dcsByte(b byte) {
	p.record(b)
	if b == 0x7F {
		return
	}
	switch p.state {
	case StateDCSEntry:
		switch {
		case b < 0x20:
		case b <= 0x2F:
			p.state = StateDCSIntermediate
		case b == ':':
			p.state = StateDCSIgnore
		case b <= 0x3F:
			p.state = StateDCSParam
		default:
			p.state = StateDCSPassthrough
		}
	case StateDCSParam:
		switch {
		case b < 0x20:
		case b <= 0x2F:
			p.state = StateDCSIntermediate
		case b == ':' || (b >= 0x3C && b <= 0x3F):
			p.state = StateDCSIgnore
		case b <= 0x3F:
		default:
			p.state = StateDCSPassthrough
		}
	case StateDCSIntermediate:
		switch {
		case b <= 0x2F:
		case b <= 0x3F:
			p.state = StateDCSIgnore
		default:
			p.state = StateDCSPassthrough
		}
	}
}
