package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.olrik.dev/frpvisor/internal/core"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

// shortTempDir creates a short temp directory to stay under the unix socket path length limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "fv-")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// useConfig installs cfg as core.Config for the duration of the test
func useConfig(t *testing.T, cfg *core.Configuration) {
	t.Helper()
	oldConfig := core.Config
	t.Cleanup(func() { core.Config = oldConfig })
	core.Config = cfg
}

const fakeFrpc = `#!/bin/sh
echo "2024/01/01 10:00:00 [I] [service.go:301] login to server success, get run id [abc]"
while true; do sleep 1; done
`

// newTestDaemon builds a daemon whose supervisor spawns a shell script
// standing in for frpc. The upstream API is disabled unless mutate sets it.
func newTestDaemon(t *testing.T, mutate func(cfg *core.Configuration)) *Daemon {
	t.Helper()
	quietLogger(t)

	dir := shortTempDir(t)
	binary := filepath.Join(dir, "frpc")
	if err := os.WriteFile(binary, []byte(fakeFrpc), 0o755); err != nil {
		t.Fatalf("failed to write fake frpc: %v", err)
	}

	cfg := core.DefaultConfiguration(dir)
	cfg.Frpc.Binary = binary
	cfg.Frpc.DefaultServer = "relay.example.net"
	cfg.Frpc.AdminPortBase = 0
	cfg.Frpc.StopGrace = 500 * time.Millisecond
	cfg.Upstream.BaseURL = ""
	cfg.Upstream.Retries = 0
	cfg.Reconnect.Enabled = false
	cfg.Recovery.Enabled = false
	cfg.Recovery.Delay = 0
	if mutate != nil {
		mutate(cfg)
	}
	useConfig(t, cfg)

	d, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(d.shutdown)
	return d
}

// upstreamStub serves one tunnel list and a config blob for every node
func upstreamStub(t *testing.T, tunnelsJSON string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tunnel":
			if r.URL.Query().Get("token") != "user-token" {
				fmt.Fprint(w, `{"code":401,"msg":"bad token"}`)
				return
			}
			fmt.Fprintf(w, `{"code":200,"data":%s}`, tunnelsJSON)
		case "/tunnel_config":
			blob := "[common]\nserver_addr = relay.example.net\nserver_port = 7001\nuser = u1\ntoken = secret\n"
			fmt.Fprintf(w, `{"code":200,"data":%q}`, blob)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

// sendIPCCommand sends a command string to handleConnection via net.Pipe
// and reads back the JSON response.
func sendIPCCommand(t *testing.T, d *Daemon, command string) Response {
	t.Helper()

	clientConn, serverConn := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.handleConnection(serverConn)
	}()

	if _, err := clientConn.Write([]byte(command + "\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}

	data, err := io.ReadAll(clientConn)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	clientConn.Close()
	<-done

	var resp Response
	if len(data) > 0 {
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("failed to parse response JSON %q: %v", string(data), err)
		}
	}
	return resp
}

func expectStatus(t *testing.T, resp Response, status string) {
	t.Helper()
	if len(resp.Messages) == 0 {
		t.Fatalf("expected a %s message, got none", status)
	}
	if resp.Messages[0].Status != status {
		t.Fatalf("expected %s status, got %q: %s", status, resp.Messages[0].Status, resp.Messages[0].Message)
	}
}
