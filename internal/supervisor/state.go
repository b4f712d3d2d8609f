package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.olrik.dev/frpvisor/internal/frpc"
)

// PersistedState is the on-disk record of the running tunnel set
type PersistedState struct {
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Tunnels   []PersistedTunnel `json:"tunnels"`
}

// PersistedTunnel holds everything needed to start a tunnel again after a
// restart of the supervisor.
type PersistedTunnel struct {
	ID        int         `json:"id"`
	Config    frpc.Tunnel `json:"config"`
	AuthToken string      `json:"authToken"`
	StartTime time.Time   `json:"startTime"`
}

const stateFileVersion = "1"

// StateStore saves and loads the running set. A store with an empty path
// keeps nothing.
type StateStore struct {
	path string
	now  func() time.Time
}

func NewStateStore(path string) *StateStore {
	return &StateStore{path: path, now: time.Now}
}

func (s *StateStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Save atomically replaces the state file with the given handles
func (s *StateStore) Save(handles []*Handle) error {
	if s == nil || s.path == "" {
		return nil
	}

	state := PersistedState{
		Version:   stateFileVersion,
		Timestamp: s.now().UTC(),
		Tunnels:   make([]PersistedTunnel, 0, len(handles)),
	}
	for _, h := range handles {
		state.Tunnels = append(state.Tunnels, PersistedTunnel{
			ID:        h.Tunnel.ID,
			Config:    h.Tunnel,
			AuthToken: h.AuthToken,
			StartTime: h.StartTime.UTC(),
		})
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tunnel state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write tunnel state temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename tunnel state file: %w", err)
	}
	return nil
}

// Load reads the state file. A missing file yields nil without error.
func (s *StateStore) Load() (*PersistedState, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tunnel state file: %w", err)
	}

	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse tunnel state file: %w", err)
	}
	if state.Version != stateFileVersion {
		return nil, fmt.Errorf("unsupported state file version: %q (expected %q)", state.Version, stateFileVersion)
	}

	for i := range state.Tunnels {
		if state.Tunnels[i].Config.ID == 0 {
			state.Tunnels[i].Config.ID = state.Tunnels[i].ID
		}
	}
	return &state, nil
}

// Clear removes the state file
func (s *StateStore) Clear() error {
	if s == nil || s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove tunnel state file: %w", err)
	}
	return nil
}
