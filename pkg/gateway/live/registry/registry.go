package registry

import (
	"context"
	"sync"
)

// Conn is the client connection handle a session registers.
type Conn interface {
	SendJSON(v any) error
	Close(code int, reason string) error
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	// active counts sessions added and not yet released. A session dropped by
	// Broadcast stays active until its own remove func runs.
	active  int
	drained chan struct{} // closed when active falls to zero
}

type entry struct {
	conn Conn
	once sync.Once
}

type BroadcastResult struct {
	Delivered int
	Failed    int
	FailedIDs []string
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Add registers conn under sessionID. The returned remove func is safe to
// call more than once; only the first call has an effect.
func (r *Registry) Add(sessionID string, conn Conn) (remove func()) {
	if r == nil {
		return func() {}
	}

	e := &entry{conn: conn}

	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[string]*entry)
	}
	old := r.entries[sessionID]
	r.entries[sessionID] = e
	r.active++
	if r.active == 1 {
		r.drained = make(chan struct{})
	}
	r.mu.Unlock()

	if old != nil {
		r.release(sessionID, old)
	}

	return func() { r.release(sessionID, e) }
}

func (r *Registry) release(sessionID string, e *entry) {
	if r == nil || e == nil {
		return
	}
	e.once.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.dropLocked(sessionID, e)
		r.active--
		if r.active == 0 {
			close(r.drained)
		}
	})
}

func (r *Registry) drop(sessionID string, e *entry) {
	r.mu.Lock()
	r.dropLocked(sessionID, e)
	r.mu.Unlock()
}

func (r *Registry) dropLocked(sessionID string, e *entry) {
	if r.entries != nil && r.entries[sessionID] == e {
		delete(r.entries, sessionID)
	}
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) Has(sessionID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[sessionID]
	return ok
}

type snapshotEntry struct {
	id string
	e  *entry
}

func (r *Registry) snapshot() []snapshotEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]snapshotEntry, 0, len(r.entries))
	for id, e := range r.entries {
		if e == nil || e.conn == nil {
			continue
		}
		out = append(out, snapshotEntry{id: id, e: e})
	}
	return out
}

// Broadcast sends v to every registered connection. Sends happen outside the
// lock. Entries whose send fails are dropped from the registry; the owning
// session still releases its slot through its own remove func.
func (r *Registry) Broadcast(v any) BroadcastResult {
	var res BroadcastResult
	if r == nil {
		return res
	}

	for _, s := range r.snapshot() {
		if err := s.e.conn.SendJSON(v); err != nil {
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, s.id)
			r.drop(s.id, s.e)
			continue
		}
		res.Delivered++
	}
	return res
}

// CloseAll closes every registered connection with the given code.
func (r *Registry) CloseAll(code int, reason string) (closed int) {
	if r == nil {
		return 0
	}
	for _, s := range r.snapshot() {
		_ = s.e.conn.Close(code, reason)
		closed++
	}
	return closed
}

// Wait reports whether the registry drained, meaning every session active
// when Wait was called released its entry, before ctx ended. Sessions added
// after the drain do not hold Wait up.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	if r.active == 0 {
		r.mu.Unlock()
		return true
	}
	drained := r.drained
	r.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-drained:
		return true
	case <-ctx.Done():
		return false
	}
}
