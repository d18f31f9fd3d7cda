package calls

import (
	"sort"
	"sync"
	"time"
)

// finishedTTL bounds how long an ended call id is remembered.
const finishedTTL = 10 * time.Minute

// Finished is what end processing decided for a call. It outlives the session
// so a registration that loses the race with the call's end cannot revive it.
type Finished struct {
	APIKeyID   string
	Status     Status
	EndReason  string
	Duration   int64
	AnsweredAt *time.Time
	EndedAt    time.Time
	AMD        AMD
	Recording  Recording
}

type tombstone struct {
	f       Finished
	expires time.Time
}

type entry struct {
	mu      sync.Mutex
	s       Session
	removed bool
}

// Registry holds live sessions. Mutations on one session are serialized by a
// per-entry mutex; different sessions never contend beyond the map lookup.
// Callers must not perform switch I/O inside Mutate.
type Registry struct {
	mu    sync.RWMutex
	m     map[string]*entry
	ended map[string]tombstone
	// sweepAt is when expired tombstones are next pruned.
	sweepAt time.Time
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]*entry{}, ended: map[string]tombstone{}, now: time.Now}
}

// Create inserts s. It fails with ErrDuplicateSession for a live id and with
// ErrSessionEnded for one whose end was processed recently.
func (r *Registry) Create(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[s.ID]; ok {
		return ErrDuplicateSession
	}
	if t, ok := r.ended[s.ID]; ok && r.now().Before(t.expires) {
		return ErrSessionEnded
	}
	r.m[s.ID] = &entry{s: *s}
	return nil
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[id]
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (Session, bool) {
	e := r.lookup(id)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Session{}, false
	}
	return e.s.clone(), true
}

// Mutate applies fn under the session lock. It reports false when the session is absent.
func (r *Registry) Mutate(id string, fn func(s *Session)) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	fn(&e.s)
	return true
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e := r.m[id]
	delete(r.m, id)
	r.mu.Unlock()
	r.markRemoved(e)
}

// bury removes the session and remembers how it ended.
func (r *Registry) bury(id string, f Finished) {
	r.mu.Lock()
	e := r.m[id]
	delete(r.m, id)
	now := r.now()
	if !now.Before(r.sweepAt) {
		for k, t := range r.ended {
			if !now.Before(t.expires) {
				delete(r.ended, k)
			}
		}
		r.sweepAt = now.Add(time.Minute)
	}
	r.ended[id] = tombstone{f: f, expires: now.Add(finishedTTL)}
	r.mu.Unlock()
	r.markRemoved(e)
}

// Finished reports the outcome of a recently ended call.
func (r *Registry) Finished(id string) (Finished, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.ended[id]
	if !ok || !r.now().Before(t.expires) {
		return Finished{}, false
	}
	return t.f, true
}

func (r *Registry) markRemoved(e *entry) {
	if e != nil {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
}

// List returns snapshots matching keep (nil keeps all), oldest first.
func (r *Registry) List(keep func(Session) bool) []Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.m))
	for _, e := range r.m {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			s := e.s.clone()
			if keep == nil || keep(s) {
				out = append(out, s)
			}
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CallStartTime.Equal(out[j].CallStartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].CallStartTime.Before(out[j].CallStartTime)
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
