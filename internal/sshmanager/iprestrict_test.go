package sshmanager

import (
	"errors"
	"net"
	"testing"
)

func TestParseAllowedIPs(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"whitespace", "   ", 0, false},
		{"single ipv4", "10.0.0.1", 1, false},
		{"single ipv6", "::1", 1, false},
		{"cidr list", "10.0.0.0/8, 192.168.1.0/24", 2, false},
		{"trailing comma", "10.0.0.1,", 1, false},
		{"bad ip", "10.0.0.300", 0, true},
		{"bad cidr", "10.0.0.0/33", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAllowedIPs(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("got %d networks, want %d", len(got), tt.want)
			}
		})
	}
}

func TestCheckDestinationAllowed(t *testing.T) {
	networks, err := ParseAllowedIPs("10.0.0.0/8, 192.168.1.5, 2001:db8::/32")
	if err != nil {
		t.Fatalf("ParseAllowedIPs: %v", err)
	}

	tests := []struct {
		addr    net.Addr
		allowed bool
	}{
		{&net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 22}, true},
		{&net.TCPAddr{IP: net.ParseIP("192.168.1.5"), Port: 22}, true},
		{&net.TCPAddr{IP: net.ParseIP("192.168.1.6"), Port: 22}, false},
		{&net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 22}, true},
		{&net.UDPAddr{IP: net.ParseIP("10.9.9.9"), Port: 22}, true},
		{&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 22}, false},
	}
	for _, tt := range tests {
		err := CheckDestinationAllowed(tt.addr, networks)
		if tt.allowed && err != nil {
			t.Errorf("%s: unexpected refusal %v", tt.addr, err)
		}
		if !tt.allowed && !errors.Is(err, ErrDestinationBlocked) {
			t.Errorf("%s: err = %v, want ErrDestinationBlocked", tt.addr, err)
		}
	}

	if err := CheckDestinationAllowed(&net.TCPAddr{IP: net.ParseIP("8.8.8.8")}, nil); err != nil {
		t.Errorf("empty allow list refused: %v", err)
	}
}

func TestNormalizeAllowList(t *testing.T) {
	got, err := NormalizeAllowList(" 10.0.0.1 ,10.0.0.0/8,, ::1 ")
	if err != nil {
		t.Fatalf("NormalizeAllowList: %v", err)
	}
	if want := "10.0.0.1, 10.0.0.0/8, ::1"; got != want {
		t.Errorf("NormalizeAllowList = %q, want %q", got, want)
	}
	if _, err := NormalizeAllowList("nope"); err == nil {
		t.Error("invalid entry accepted")
	}
}
