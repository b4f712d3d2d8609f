package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// AutostartSet is the persisted set of tunnel ids to start whenever a synced
// tunnel list contains them, plus an in-memory record of which ids have
// already been considered since boot.
type AutostartSet struct {
	path string

	mu      sync.Mutex
	ids     map[int]struct{}
	checked map[int]struct{}
}

// LoadAutostart reads the set stored at path. A missing file is an empty set
// and an empty path keeps the set in memory only.
func LoadAutostart(path string) (*AutostartSet, error) {
	a := &AutostartSet{
		path:    path,
		ids:     make(map[int]struct{}),
		checked: make(map[int]struct{}),
	}
	if path == "" {
		return a, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return a, nil
	}
	if err != nil {
		return a, fmt.Errorf("failed to read autostart file: %w", err)
	}

	var ids []int
	if err := json.Unmarshal(data, &ids); err != nil {
		return a, fmt.Errorf("failed to parse autostart file: %w", err)
	}
	for _, id := range ids {
		if id > 0 {
			a.ids[id] = struct{}{}
		}
	}
	return a, nil
}

// Set enables or disables autostart for id and writes the set back to disk
func (a *AutostartSet) Set(id int, enabled bool) error {
	if id <= 0 {
		return fmt.Errorf("invalid tunnel id %d", id)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if enabled {
		a.ids[id] = struct{}{}
	} else {
		delete(a.ids, id)
	}
	return a.saveLocked()
}

func (a *AutostartSet) Contains(id int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.ids[id]
	return ok
}

// IDs returns the enabled tunnel ids in ascending order
func (a *AutostartSet) IDs() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sortedLocked()
}

// MarkChecked records that id has been considered and reports whether this
// was the first time since boot or the last reset.
func (a *AutostartSet) MarkChecked(id int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, seen := a.checked[id]; seen {
		return false
	}
	a.checked[id] = struct{}{}
	return true
}

// ResetChecked forgets which ids have been considered
func (a *AutostartSet) ResetChecked() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checked = make(map[int]struct{})
}

func (a *AutostartSet) sortedLocked() []int {
	ids := make([]int, 0, len(a.ids))
	for id := range a.ids {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (a *AutostartSet) saveLocked() error {
	if a.path == "" {
		return nil
	}

	data, err := json.Marshal(a.sortedLocked())
	if err != nil {
		return fmt.Errorf("failed to marshal autostart set: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		return fmt.Errorf("failed to create autostart directory: %w", err)
	}

	tempPath := a.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write autostart file: %w", err)
	}
	if err := os.Rename(tempPath, a.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename autostart file: %w", err)
	}
	return nil
}
