package screen

// decGraphics maps the DEC Special Graphics set onto Unicode line drawing.
var decGraphics = map[rune]rune{
	'_': ' ',
	'`': '◆', 'a': '▒', 'b': '␉', 'c': '␌', 'd': '␍', 'e': '␊', 'f': '°',
	'g': '±', 'h': '␤', 'i': '␋', 'j': '┘', 'k': '┐', 'l': '┌', 'm': '└',
	'n': '┼', 'o': '⎺', 'p': '⎻', 'q': '─', 'r': '⎼', 's': '⎽', 't': '├',
	'u': '┤', 'v': '┴', 'w': '┬', 'x': '│', 'y': '≤', 'z': '≥', '{': 'π',
	'|': '≠', '}': '£', '~': '·',
}

// translate maps r through the designated character set.
func translate(set rune, r rune) rune {
	if set == '0' {
		if g, ok := decGraphics[r]; ok {
			return g
		}
	}
	return r
}
