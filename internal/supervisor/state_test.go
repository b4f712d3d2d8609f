package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.olrik.dev/frpvisor/internal/frpc"
)

func TestStateStore_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "tunnel_state.json")
	store := NewStateStore(path)
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	handles := []*Handle{
		{Tunnel: tcpTunnel(1), AuthToken: "tok-a", StartTime: started},
		{Tunnel: frpc.Tunnel{ID: 2, Name: "blog", Type: frpc.ProtocolHTTP, LocalPort: 80, Dorp: "blog.example.com"}, AuthToken: "tok-b", StartTime: started},
	}
	if err := store.Save(handles); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("state file missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("state file permissions = %o", info.Mode().Perm())
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	state, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.Version != stateFileVersion || len(state.Tunnels) != 2 {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.Tunnels[1].Config.Dorp != "blog.example.com" || state.Tunnels[1].AuthToken != "tok-b" {
		t.Errorf("tunnel 2 not restored: %+v", state.Tunnels[1])
	}
	if !state.Tunnels[0].StartTime.Equal(started) {
		t.Errorf("start time = %v", state.Tunnels[0].StartTime)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if state, err := store.Load(); state != nil || err != nil {
		t.Errorf("expected no state after clear, got %+v, %v", state, err)
	}
	if err := store.Clear(); err != nil {
		t.Errorf("clearing twice should succeed, got %v", err)
	}
}

func TestStateStore_LoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"corrupt", "{not json"},
		{"wrong version", `{"version":"99","tunnels":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tunnel_state.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := NewStateStore(path).Load(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestStateStore_Disabled(t *testing.T) {
	var nilStore *StateStore
	if err := nilStore.Save([]*Handle{{Tunnel: tcpTunnel(1)}}); err != nil {
		t.Errorf("nil store Save: %v", err)
	}
	if state, err := NewStateStore("").Load(); state != nil || err != nil {
		t.Errorf("disabled store Load = %+v, %v", state, err)
	}
}
