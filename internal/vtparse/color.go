package vtparse

import "fmt"

// ColorKind selects how a Color is interpreted.
type ColorKind uint8

const (
	ColorDefault ColorKind = iota
	ColorIndexed
	ColorRGB
)

// Color is a terminal color: the default, a palette index (0-255), or a
// 24-bit value.
type Color struct {
	Kind    ColorKind
	Index   uint8
	R, G, B uint8
}

// DefaultColor is the terminal's default foreground or background.
var DefaultColor = Color{}

// Indexed returns the palette color i.
func Indexed(i uint8) Color { return Color{Kind: ColorIndexed, Index: i} }

// RGB returns a truecolor value.
func RGB(r, g, b uint8) Color { return Color{Kind: ColorRGB, R: r, G: g, B: b} }

// String renders the color as "default", a decimal palette index, or
// "#rrggbb".
func (c Color) String() string {
	switch c.Kind {
	case ColorIndexed:
		return fmt.Sprintf("%d", c.Index)
	case ColorRGB:
		return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
	}
	return "default"
}

// MarshalText lets snapshots serialize colors compactly.
func (c Color) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
