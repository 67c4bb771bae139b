package vtparse

import "fmt"

// Kind tags the variant held by an Action.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindPrint
	KindBell
	KindBackspace
	KindTab     // N: number of tab stops to advance
	KindBackTab // N: number of tab stops to retreat
	KindLineFeed
	KindCarriageReturn
	KindShiftOut
	KindShiftIn
	KindIndex
	KindReverseIndex
	KindNextLine
	KindCursorUp
	KindCursorDown
	KindCursorForward
	KindCursorBack
	KindCursorNextLine
	KindCursorPrevLine
	KindCursorColumn   // N: 1-based column
	KindCursorRow      // N: 1-based row
	KindCursorPosition // N: 1-based row, M: 1-based column
	KindEraseDisplay   // N: 0 below, 1 above, 2 all, 3 scrollback
	KindEraseLine      // N: 0 right, 1 left, 2 all
	KindEraseChars
	KindInsertChars
	KindDeleteChars
	KindInsertLines
	KindDeleteLines
	KindScrollUp
	KindScrollDown
	KindSetScrollRegion // N: top, M: bottom (1-based, 0 = default)
	KindSetAttributes
	KindSetMode
	KindResetMode
	KindSaveCursor
	KindRestoreCursor
	KindSetTitle
	KindTabSet
	KindTabClear // N: 0 current column, 3 all
	KindDeviceStatus
	KindDeviceAttributes // N: 0 primary, 1 secondary
	KindFullReset
	KindSoftReset
	KindRepeatChar
	KindDesignateCharset // N: G-set 0..3, Rune: designator
	KindCursorStyle
	KindAlignmentTest
)

var kindNames = [...]string{
	KindUnknown:          "Unknown",
	KindPrint:            "Print",
	KindBell:             "Bell",
	KindBackspace:        "Backspace",
	KindTab:              "Tab",
	KindBackTab:          "BackTab",
	KindLineFeed:         "LineFeed",
	KindCarriageReturn:   "CarriageReturn",
	KindShiftOut:         "ShiftOut",
	KindShiftIn:          "ShiftIn",
	KindIndex:            "Index",
	KindReverseIndex:     "ReverseIndex",
	KindNextLine:         "NextLine",
	KindCursorUp:         "CursorUp",
	KindCursorDown:       "CursorDown",
	KindCursorForward:    "CursorForward",
	KindCursorBack:       "CursorBack",
	KindCursorNextLine:   "CursorNextLine",
	KindCursorPrevLine:   "CursorPrevLine",
	KindCursorColumn:     "CursorColumn",
	KindCursorRow:        "CursorRow",
	KindCursorPosition:   "CursorPosition",
	KindEraseDisplay:     "EraseDisplay",
	KindEraseLine:        "EraseLine",
	KindEraseChars:       "EraseChars",
	KindInsertChars:      "InsertChars",
	KindDeleteChars:      "DeleteChars",
	KindInsertLines:      "InsertLines",
	KindDeleteLines:      "DeleteLines",
	KindScrollUp:         "ScrollUp",
	KindScrollDown:       "ScrollDown",
	KindSetScrollRegion:  "SetScrollRegion",
	KindSetAttributes:    "SetAttributes",
	KindSetMode:          "SetMode",
	KindResetMode:        "ResetMode",
	KindSaveCursor:       "SaveCursor",
	KindRestoreCursor:    "RestoreCursor",
	KindSetTitle:         "SetTitle",
	KindTabSet:           "TabSet",
	KindTabClear:         "TabClear",
	KindDeviceStatus:     "DeviceStatus",
	KindDeviceAttributes: "DeviceAttributes",
	KindFullReset:        "FullReset",
	KindSoftReset:        "SoftReset",
	KindRepeatChar:       "RepeatChar",
	KindDesignateCharset: "DesignateCharset",
	KindCursorStyle:      "CursorStyle",
	KindAlignmentTest:    "AlignmentTest",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Action is one typed terminal operation decoded from the byte stream. Only
// the fields relevant to Kind are set.
type Action struct {
	Kind Kind

	// Rune is the printable character for KindPrint and the designator
	// for KindDesignateCharset.
	Rune rune
	// N and M are the numeric arguments with defaults already applied.
	N, M int
	// Private is set for DEC private modes and private status reports.
	Private bool
	// Modes lists the mode numbers for KindSetMode and KindResetMode.
	Modes []int
	// Attrs lists decoded SGR operations for KindSetAttributes.
	Attrs []Attr
	// Text is the window title for KindSetTitle.
	Text string
	// Raw holds the discarded bytes of an unrecognized sequence, truncated
	// to a diagnostic prefix.
	Raw []byte
}

func (a Action) String() string {
	switch a.Kind {
	case KindPrint:
		return fmt.Sprintf("Print(%q)", a.Rune)
	case KindSetAttributes:
		return fmt.Sprintf("SetAttributes(%v)", a.Attrs)
	case KindSetMode, KindResetMode:
		return fmt.Sprintf("%s(private=%v, %v)", a.Kind, a.Private, a.Modes)
	case KindSetTitle:
		return fmt.Sprintf("SetTitle(%q)", a.Text)
	case KindUnknown:
		return fmt.Sprintf("Unknown(%q)", a.Raw)
	case KindDesignateCharset:
		return fmt.Sprintf("DesignateCharset(G%d=%q)", a.N, a.Rune)
	}
	return fmt.Sprintf("%s(%d,%d)", a.Kind, a.N, a.M)
}

// Well-known mode numbers.
const (
	ModeInsert  = 4  // IRM
	ModeNewLine = 20 // LNM

	ModeAppCursorKeys     = 1    // DECCKM
	ModeOrigin            = 6    // DECOM
	ModeAutoWrap          = 7    // DECAWM
	ModeCursorBlink       = 12   // att610
	ModeCursorVisible     = 25   // DECTCEM
	ModeAltScreen         = 47   // legacy alternate screen
	ModeAppKeypad         = 66   // DECNKM
	ModeMouseX10          = 1000 // mouse press/release
	ModeMouseButton       = 1002 // mouse button motion
	ModeMouseAny          = 1003 // mouse any motion
	ModeFocusEvents       = 1004
	ModeMouseSGR          = 1006
	ModeAltScreenClear    = 1047 // alternate screen, cleared on exit
	ModeSaveCursor        = 1048
	ModeAltScreenSaveCurs = 1049 // alternate screen with cursor save
	ModeBracketedPaste    = 2004
)
