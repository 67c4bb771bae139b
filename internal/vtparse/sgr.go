package vtparse

import "fmt"

// AttrOp is a single SGR operation.
type AttrOp uint8

const (
	AttrReset AttrOp = iota
	AttrBold
	AttrDim
	AttrItalic
	AttrUnderline
	AttrBlink
	AttrInverse
	AttrHidden
	AttrStrike
	AttrNormalIntensity
	AttrNoItalic
	AttrNoUnderline
	AttrNoBlink
	AttrNoInverse
	AttrNoHidden
	AttrNoStrike
	AttrForeground
	AttrBackground
)

// Attr is one decoded SGR operation. Color is set for AttrForeground and
// AttrBackground.
type Attr struct {
	Op    AttrOp
	Color Color
}

func (a Attr) String() string {
	switch a.Op {
	case AttrForeground:
		return "fg=" + a.Color.String()
	case AttrBackground:
		return "bg=" + a.Color.String()
	}
	return fmt.Sprintf("op%d", a.Op)
}

// decodeSGR turns the collected parameters of a CSI ... m sequence into
// attribute operations. Unsupported parameters are skipped.
func decodeSGR(params []int, colon []bool) []Attr {
	if len(params) == 0 {
		return []Attr{{Op: AttrReset}}
	}
	attrs := make([]Attr, 0, len(params))
	for i := 0; i < len(params); {
		// group = params[i] plus any colon-separated sub-parameters
		j := i + 1
		for j < len(params) && colon[j] {
			j++
		}
		p, subs := params[i], params[i+1:j]

		switch {
		case p == 0:
			attrs = append(attrs, Attr{Op: AttrReset})
		case p == 1:
			attrs = append(attrs, Attr{Op: AttrBold})
		case p == 2:
			attrs = append(attrs, Attr{Op: AttrDim})
		case p == 3:
			attrs = append(attrs, Attr{Op: AttrItalic})
		case p == 4:
			if len(subs) > 0 && subs[0] == 0 {
				attrs = append(attrs, Attr{Op: AttrNoUnderline})
			} else {
				attrs = append(attrs, Attr{Op: AttrUnderline})
			}
		case p == 5 || p == 6:
			attrs = append(attrs, Attr{Op: AttrBlink})
		case p == 7:
			attrs = append(attrs, Attr{Op: AttrInverse})
		case p == 8:
			attrs = append(attrs, Attr{Op: AttrHidden})
		case p == 9:
			attrs = append(attrs, Attr{Op: AttrStrike})
		case p == 21:
			attrs = append(attrs, Attr{Op: AttrUnderline})
		case p == 22:
			attrs = append(attrs, Attr{Op: AttrNormalIntensity})
		case p == 23:
			attrs = append(attrs, Attr{Op: AttrNoItalic})
		case p == 24:
			attrs = append(attrs, Attr{Op: AttrNoUnderline})
		case p == 25:
			attrs = append(attrs, Attr{Op: AttrNoBlink})
		case p == 27:
			attrs = append(attrs, Attr{Op: AttrNoInverse})
		case p == 28:
			attrs = append(attrs, Attr{Op: AttrNoHidden})
		case p == 29:
			attrs = append(attrs, Attr{Op: AttrNoStrike})
		case p >= 30 && p <= 37:
			attrs = append(attrs, Attr{Op: AttrForeground, Color: Indexed(uint8(p - 30))})
		case p == 39:
			attrs = append(attrs, Attr{Op: AttrForeground, Color: DefaultColor})
		case p >= 40 && p <= 47:
			attrs = append(attrs, Attr{Op: AttrBackground, Color: Indexed(uint8(p - 40))})
		case p == 49:
			attrs = append(attrs, Attr{Op: AttrBackground, Color: DefaultColor})
		case p >= 90 && p <= 97:
			attrs = append(attrs, Attr{Op: AttrForeground, Color: Indexed(uint8(p - 90 + 8))})
		case p >= 100 && p <= 107:
			attrs = append(attrs, Attr{Op: AttrBackground, Color: Indexed(uint8(p - 100 + 8))})
		case p == 38 || p == 48:
			op := AttrForeground
			if p == 48 {
				op = AttrBackground
			}
			var c Color
			var ok bool
			if len(subs) > 0 {
				c, ok = extendedColorColon(subs)
			} else {
				var used int
				c, used, ok = extendedColorSemicolon(params[j:])
				j += used
			}
			if ok {
				attrs = append(attrs, Attr{Op: op, Color: c})
			}
		}
		i = j
	}
	return attrs
}

// extendedColorColon decodes 38:5:n and 38:2[:cs]:r:g:b.
func extendedColorColon(subs []int) (Color, bool) {
	switch subs[0] {
	case 5:
		if len(subs) >= 2 {
			return Indexed(clampByte(subs[1])), true
		}
	case 2:
		switch {
		case len(subs) >= 5:
			return RGB(clampByte(subs[2]), clampByte(subs[3]), clampByte(subs[4])), true
		case len(subs) == 4:
			return RGB(clampByte(subs[1]), clampByte(subs[2]), clampByte(subs[3])), true
		}
	}
	return Color{}, false
}

// extendedColorSemicolon decodes 38;5;n and 38;2;r;g;b from the parameters
// following the 38/48 and reports how many it consumed.
func extendedColorSemicolon(rest []int) (Color, int, bool) {
	if len(rest) == 0 {
		return Color{}, 0, false
	}
	switch rest[0] {
	case 5:
		if len(rest) >= 2 {
			return Indexed(clampByte(rest[1])), 2, true
		}
		return Color{}, len(rest), false
	case 2:
		if len(rest) >= 4 {
			return RGB(clampByte(rest[1]), clampByte(rest[2]), clampByte(rest[3])), 4, true
		}
		return Color{}, len(rest), false
	}
	return Color{}, 1, false
}

func clampByte(v int) uint8 {
	if v > 255 {
		return 255
	}
	if v < 0 {
		return 0
	}
	return uint8(v)
}
