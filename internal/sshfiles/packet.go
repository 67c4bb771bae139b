package sshfiles

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

const sftpProtocolVersion = 3

// Packet types.
const (
	fxpInit     = 1
	fxpVersion  = 2
	fxpOpen     = 3
	fxpClose    = 4
	fxpRead     = 5
	fxpWrite    = 6
	fxpLstat    = 7
	fxpFstat    = 8
	fxpOpendir  = 11
	fxpReaddir  = 12
	fxpRemove   = 13
	fxpMkdir    = 14
	fxpRmdir    = 15
	fxpRealpath = 16
	fxpStat     = 17
	fxpRename   = 18
	fxpStatus   = 101
	fxpHandle   = 102
	fxpData     = 103
	fxpName     = 104
	fxpAttrs    = 105
)

// Status codes.
const (
	StatusOK               = 0
	StatusEOF              = 1
	StatusNoSuchFile       = 2
	StatusPermissionDenied = 3
	StatusFailure          = 4
	StatusBadMessage       = 5
	StatusNoConnection     = 6
	StatusConnectionLost   = 7
	StatusOpUnsupported    = 8
)

// Open flags.
const (
	flagRead   = 0x01
	flagWrite  = 0x02
	flagAppend = 0x04
	flagCreate = 0x08
	flagTrunc  = 0x10
	flagExcl   = 0x20
)

// Attribute flags.
const (
	attrSize        = 0x00000001
	attrUIDGID      = 0x00000002
	attrPermissions = 0x00000004
	attrACModTime   = 0x00000008
	attrExtended    = 0x80000000
)

// maxPacketLen bounds incoming packets; replies larger than this are a
// protocol violation.
const maxPacketLen = 256*1024 + 1024

var packetNames = map[byte]string{
	fxpInit: "INIT", fxpVersion: "VERSION", fxpOpen: "OPEN", fxpClose: "CLOSE",
	fxpRead: "READ", fxpWrite: "WRITE", fxpLstat: "LSTAT", fxpFstat: "FSTAT",
	fxpOpendir: "OPENDIR", fxpReaddir: "READDIR", fxpRemove: "REMOVE",
	fxpMkdir: "MKDIR", fxpRmdir: "RMDIR", fxpRealpath: "REALPATH",
	fxpStat: "STAT", fxpRename: "RENAME", fxpStatus: "STATUS",
	fxpHandle: "HANDLE", fxpData: "DATA", fxpName: "NAME", fxpAttrs: "ATTRS",
}

func packetName(t byte) string {
	if n, ok := packetNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type %d", t)
}

// Request bodies. Each starts with the request id.

type initMsg struct {
	Version uint32
}

type versionMsg struct {
	Version    uint32
	Extensions []byte `ssh:"rest"`
}

type pathMsg struct {
	ID   uint32
	Path string
}

type handleMsg struct {
	ID     uint32
	Handle string
}

type openMsg struct {
	ID     uint32
	Path   string
	Pflags uint32
	Attrs  []byte `ssh:"rest"`
}

type mkdirMsg struct {
	ID    uint32
	Path  string
	Attrs []byte `ssh:"rest"`
}

type readMsg struct {
	ID     uint32
	Handle string
	Offset uint64
	Len    uint32
}

type writeMsg struct {
	ID     uint32
	Handle string
	Offset uint64
	Data   []byte
}

type renameMsg struct {
	ID      uint32
	OldPath string
	NewPath string
}

// Reply bodies.

type statusMsg struct {
	ID   uint32
	Code uint32
	Rest []byte `ssh:"rest"`
}

type statusText struct {
	Message string
	Lang    string
}

type dataMsg struct {
	ID   uint32
	Data []byte
}

type nameMsg struct {
	ID    uint32
	Count uint32
	Rest  []byte `ssh:"rest"`
}

type attrsMsg struct {
	ID   uint32
	Rest []byte `ssh:"rest"`
}

// encodePacket frames body as an SFTP packet of type typ.
func encodePacket(typ byte, body any) []byte {
	payload := ssh.Marshal(body)
	pkt := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(pkt, uint32(1+len(payload)))
	pkt[4] = typ
	return append(pkt, payload...)
}

// readPacket reads one framed packet and returns its type and payload.
func readPacket(r io.Reader) (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:4])
	if n == 0 || n > maxPacketLen {
		return 0, nil, fmt.Errorf("invalid packet length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

// replyID extracts the request id that starts every reply payload.
func replyID(payload []byte) (uint32, bool) {
	if len(payload) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(payload), true
}

// FileInfo describes a remote file.
type FileInfo struct {
	Name        string      `json:"name"`
	Size        int64       `json:"size"`
	Mode        os.FileMode `json:"mode"`
	Permissions string      `json:"permissions"`
	ModTime     time.Time   `json:"modified"`
	IsDir       bool        `json:"is_directory"`
	UID         uint32      `json:"uid"`
	GID         uint32      `json:"gid"`
	LongName    string      `json:"long_name,omitempty"`

	// sizeKnown is false when the server left the size attribute out.
	sizeKnown bool
}

type attrs struct {
	flags       uint32
	size        uint64
	uid, gid    uint32
	permissions uint32
	atime       uint32
	mtime       uint32
}

// takeUint32 and friends consume big-endian fields from b.
func takeUint32(b []byte) (uint32, []byte, bool) {
	if len(b) < 4 {
		return 0, b, false
	}
	return binary.BigEndian.Uint32(b), b[4:], true
}

func takeUint64(b []byte) (uint64, []byte, bool) {
	if len(b) < 8 {
		return 0, b, false
	}
	return binary.BigEndian.Uint64(b), b[8:], true
}

func takeString(b []byte) (string, []byte, bool) {
	n, rest, ok := takeUint32(b)
	if !ok || uint32(len(rest)) < n {
		return "", b, false
	}
	return string(rest[:n]), rest[n:], true
}

func decodeAttrs(b []byte) (attrs, []byte, error) {
	var a attrs
	var ok bool
	bad := fmt.Errorf("truncated attributes")
	if a.flags, b, ok = takeUint32(b); !ok {
		return a, b, bad
	}
	if a.flags&attrSize != 0 {
		if a.size, b, ok = takeUint64(b); !ok {
			return a, b, bad
		}
	}
	if a.flags&attrUIDGID != 0 {
		if a.uid, b, ok = takeUint32(b); !ok {
			return a, b, bad
		}
		if a.gid, b, ok = takeUint32(b); !ok {
			return a, b, bad
		}
	}
	if a.flags&attrPermissions != 0 {
		if a.permissions, b, ok = takeUint32(b); !ok {
			return a, b, bad
		}
	}
	if a.flags&attrACModTime != 0 {
		if a.atime, b, ok = takeUint32(b); !ok {
			return a, b, bad
		}
		if a.mtime, b, ok = takeUint32(b); !ok {
			return a, b, bad
		}
	}
	if a.flags&attrExtended != 0 {
		var count uint32
		if count, b, ok = takeUint32(b); !ok {
			return a, b, bad
		}
		for i := uint32(0); i < count; i++ {
			if _, b, ok = takeString(b); !ok {
				return a, b, bad
			}
			if _, b, ok = takeString(b); !ok {
				return a, b, bad
			}
		}
	}
	return a, b, nil
}

// encodePermAttrs encodes an attribute block carrying only permissions.
func encodePermAttrs(perm uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, attrPermissions)
	binary.BigEndian.PutUint32(b[4:], perm)
	return b
}

// emptyAttrs is an attribute block with no fields set.
var emptyAttrs = []byte{0, 0, 0, 0}

const (
	sIFMT   = 0170000
	sIFDIR  = 0040000
	sIFLNK  = 0120000
	sIFREG  = 0100000
	sIFIFO  = 0010000
	sIFSOCK = 0140000
	sIFCHR  = 0020000
	sIFBLK  = 0060000
)

func toFileMode(perm uint32) os.FileMode {
	mode := os.FileMode(perm & 0777)
	switch perm & sIFMT {
	case sIFDIR:
		mode |= os.ModeDir
	case sIFLNK:
		mode |= os.ModeSymlink
	case sIFIFO:
		mode |= os.ModeNamedPipe
	case sIFSOCK:
		mode |= os.ModeSocket
	case sIFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case sIFBLK:
		mode |= os.ModeDevice
	}
	if perm&04000 != 0 {
		mode |= os.ModeSetuid
	}
	if perm&02000 != 0 {
		mode |= os.ModeSetgid
	}
	if perm&01000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

func (a attrs) fileInfo(name, longName string) FileInfo {
	mode := toFileMode(a.permissions)
	fi := FileInfo{
		Name:        name,
		Size:        int64(a.size),
		Mode:        mode,
		Permissions: mode.String(),
		IsDir:       mode.IsDir(),
		UID:         a.uid,
		GID:         a.gid,
		LongName:    longName,
		sizeKnown:   a.flags&attrSize != 0,
	}
	if a.flags&attrACModTime != 0 {
		fi.ModTime = time.Unix(int64(a.mtime), 0)
	}
	return fi
}
