package sshfiles

import (
	"encoding/binary"
	"io"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// fakeServer speaks just enough SFTP for tests that need control over reply
// timing and ordering.
type fakeServer struct {
	t      *testing.T
	r      io.Reader
	w      io.Writer
	mu     sync.Mutex
	counts map[byte]int

	// handle answers one request; returning false leaves it unanswered.
	handle func(s *fakeServer, typ byte, id uint32, payload []byte)
}

type fakeRequest struct {
	typ     byte
	id      uint32
	payload []byte
}

func newFakeClient(t *testing.T, opts Options, handle func(s *fakeServer, typ byte, id uint32, payload []byte)) (*Client, *fakeServer) {
	t.Helper()
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	closer := pipeCloser{closers: []io.Closer{c2sR, c2sW, s2cR, s2cW}}

	s := &fakeServer{t: t, r: c2sR, w: s2cW, counts: make(map[byte]int), handle: handle}
	go s.serve()

	c, err := NewClientPipe(s2cR, c2sW, closer, opts)
	if err != nil {
		t.Fatalf("NewClientPipe: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, s
}

func (s *fakeServer) serve() {
	for {
		typ, payload, err := readPacket(s.r)
		if err != nil {
			return
		}
		if typ == fxpInit {
			s.send(fxpVersion, versionMsg{Version: sftpProtocolVersion})
			continue
		}
		id, _ := replyID(payload)
		s.mu.Lock()
		s.counts[typ]++
		s.mu.Unlock()
		s.handle(s, typ, id, payload)
	}
}

func (s *fakeServer) count(typ byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[typ]
}

func (s *fakeServer) send(typ byte, body any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write(encodePacket(typ, body))
}

func (s *fakeServer) status(id, code uint32, msg string) {
	s.send(fxpStatus, statusMsg{ID: id, Code: code, Rest: ssh.Marshal(statusText{Message: msg})})
}

func (s *fakeServer) sendHandle(id uint32, h string) {
	s.send(fxpHandle, handleMsg{ID: id, Handle: h})
}

func (s *fakeServer) data(id uint32, b []byte) {
	s.send(fxpData, dataMsg{ID: id, Data: b})
}

func (s *fakeServer) sizeAttrs(id uint32, size uint64) {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b, attrSize)
	binary.BigEndian.PutUint64(b[4:], size)
	s.send(fxpAttrs, attrsMsg{ID: id, Rest: b})
}

func decodeRead(t *testing.T, payload []byte) readMsg {
	t.Helper()
	var m readMsg
	if err := ssh.Unmarshal(payload, &m); err != nil {
		t.Errorf("decode READ: %v", err)
	}
	return m
}
