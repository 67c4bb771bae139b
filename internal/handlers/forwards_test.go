package handlers

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/sshterm/internal/sshtunnel"
)

func TestForwards(t *testing.T) {
	env := setupAPI(t)
	id := env.createSession(t)
	base := "/api/v1/sessions/" + id

	resp := env.do(t, http.MethodPost, base+"/forwards", map[string]string{})
	expectStatus(t, resp, http.StatusBadRequest)

	// Forward to the SSH server itself so the far end speaks first.
	resp = env.do(t, http.MethodPost, base+"/forwards", map[string]string{"remote_addr": env.ssh.Addr()})
	expectStatus(t, resp, http.StatusCreated)
	var fwd sshtunnel.ForwardMetrics
	decodeBody(t, resp, &fwd)

	conn, err := net.DialTimeout("tcp", fwd.LocalAddr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	banner, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || !strings.HasPrefix(banner, "SSH-2.0-") {
		t.Fatalf("banner = %q, %v", banner, err)
	}

	resp = env.do(t, http.MethodGet, base+"/forwards", nil)
	expectStatus(t, resp, http.StatusOK)
	var list []sshtunnel.ForwardMetrics
	decodeBody(t, resp, &list)
	if len(list) != 1 || list[0].RemoteAddr != env.ssh.Addr() || list[0].Connections != 1 {
		t.Errorf("forwards = %+v", list)
	}
}

func TestForwardLocalAddrRestricted(t *testing.T) {
	env := setupAPI(t)
	id := env.createSession(t)
	base := "/api/v1/sessions/" + id + "/forwards"

	for _, local := range []string{"0.0.0.0:0", ":0", "[::]:0", "not-an-addr"} {
		resp := env.do(t, http.MethodPost, base, map[string]string{"local_addr": local, "remote_addr": env.ssh.Addr()})
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("local_addr %q = %d, want 403", local, resp.StatusCode)
		}
	}
	resp := env.do(t, http.MethodPost, base, map[string]string{"local_addr": "localhost:0", "remote_addr": env.ssh.Addr()})
	expectStatus(t, resp, http.StatusCreated)

	Defaults.ForwardAnyAddress = true
	resp = env.do(t, http.MethodPost, base, map[string]string{"local_addr": "0.0.0.0:0", "remote_addr": env.ssh.Addr()})
	expectStatus(t, resp, http.StatusCreated)

	resp = env.do(t, http.MethodGet, base, nil)
	var list []sshtunnel.ForwardMetrics
	decodeBody(t, resp, &list)
	if len(list) != 2 {
		t.Errorf("forwards = %+v, want 2", list)
	}
}
