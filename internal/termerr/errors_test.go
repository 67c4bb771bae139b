package termerr

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("open shell: %w", New(KindTimeout, "keepalive", io.EOF))

	if !errors.Is(err, ErrTimeout) {
		t.Error("expected wrapped timeout to match ErrTimeout")
	}
	if errors.Is(err, ErrNetwork) {
		t.Error("timeout should not match ErrNetwork")
	}
	if !errors.Is(err, io.EOF) {
		t.Error("expected cause to stay reachable through Unwrap")
	}
	if KindOf(err) != KindTimeout {
		t.Errorf("KindOf = %q, want %q", KindOf(err), KindTimeout)
	}
}

func TestTransferCarriesCode(t *testing.T) {
	err := Transfer("open /etc/shadow", 3, "permission denied")
	if err.Code != 3 {
		t.Errorf("code = %d, want 3", err.Code)
	}
	msg := err.Error()
	for _, want := range []string{"open /etc/shadow", "code 3", "permission denied"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestIsTransportFatal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{New(KindTimeout, "keepalive", nil), true},
		{New(KindProtocol, "sftp", nil), true},
		{New(KindNetwork, "dial", nil), true},
		{New(KindChannelClosed, "write", nil), false},
		{Transfer("read", 2, "no such file"), false},
		{io.EOF, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsTransportFatal(tt.err); got != tt.want {
			t.Errorf("IsTransportFatal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
