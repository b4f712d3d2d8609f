package supervisor

import (
	"sort"
	"sync"
)

// Registry maps tunnel ids to their running handle. An id is present at most
// once, and presence is what "running" means to the rest of the supervisor.
type Registry struct {
	mu      sync.RWMutex
	handles map[int]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[int]*Handle)}
}

func (r *Registry) Get(id int) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

func (r *Registry) Contains(id int) bool {
	_, ok := r.Get(id)
	return ok
}

// Put stores h under its tunnel id and returns the handle it replaced, if any
func (r *Registry) Put(h *Handle) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.handles[h.Tunnel.ID]
	r.handles[h.Tunnel.ID] = h
	return prev
}

// Remove deletes id and returns the handle that was stored
func (r *Registry) Remove(id int) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[id]
	delete(r.handles, id)
	return h
}

// RemoveIf deletes id only while it still maps to h
func (r *Registry) RemoveIf(id int, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[id] != h {
		return false
	}
	delete(r.handles, id)
	return true
}

// Snapshot returns the current handles ordered by tunnel id
func (r *Registry) Snapshot() []*Handle {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].Tunnel.ID < handles[j].Tunnel.ID
	})
	return handles
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// keyedMutex serializes operations per tunnel id. Different ids never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

func (k *keyedMutex) get(id int) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[int]*sync.Mutex)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &sync.Mutex{}
		k.locks[id] = l
	}
	return l
}

func (k *keyedMutex) Lock(id int) func() {
	l := k.get(id)
	l.Lock()
	return l.Unlock
}

func (k *keyedMutex) TryLock(id int) (func(), bool) {
	l := k.get(id)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}
