package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"line1\nline2", "line1 line2"},
		{"a\r\nb", "a  b"},
		{"tab\there", "tab here"},
		{"bell\x07esc\x1b[31m", "bellesc[31m"},
		{"del\x7f", "del"},
		{"héllo", "héllo"},
	}
	for _, tt := range tests {
		if got := SanitizeForLog(tt.in); got != tt.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPreviewBytes(t *testing.T) {
	if got := PreviewBytes([]byte("\x1b[Hok"), -1); got != `"\x1b[Hok"` {
		t.Errorf("got %s", got)
	}
	if got := PreviewBytes([]byte("abcdef"), 3); got != `"abc"...` {
		t.Errorf("got %s", got)
	}
	// Truncation never splits a multi-byte rune.
	if got := PreviewBytes([]byte("aé"), 2); got != `"a"...` {
		t.Errorf("got %s", got)
	}
}

func TestHostPort(t *testing.T) {
	if got := HostPort("evil\nhost", 22); got != "evil host:22" {
		t.Errorf("got %q", got)
	}
}
