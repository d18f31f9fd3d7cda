package calllog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository with the same merge rules as the Postgres upsert.
type MemoryRepo struct {
	mu      sync.Mutex
	entries map[string]Entry
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{entries: map[string]Entry{}, clock: time.Now}
}

func (r *MemoryRepo) Upsert(ctx context.Context, e Entry) error {
	_ = ctx
	if e.CallID == "" {
		return ErrInvalidEntry
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[e.CallID]
	if !ok {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = r.clock()
		}
		r.entries[e.CallID] = e
		return nil
	}

	cur.Status = e.Status
	cur.AMDStatus = coalesce(e.AMDStatus, cur.AMDStatus)
	cur.RecordingFilename = coalesce(e.RecordingFilename, cur.RecordingFilename)
	cur.Trunk = coalesce(e.Trunk, cur.Trunk)
	cur.EndReason = coalesce(e.EndReason, cur.EndReason)
	if cur.AnsweredAt == nil {
		cur.AnsweredAt = e.AnsweredAt
	}
	if e.EndedAt != nil {
		cur.EndedAt = e.EndedAt
	}
	if e.Duration > cur.Duration {
		cur.Duration = e.Duration
	}
	if e.BillSeconds != 0 {
		cur.BillSeconds = e.BillSeconds
	}
	if e.BillCost.Valid {
		cur.BillCost = e.BillCost
	}
	r.entries[e.CallID] = cur
	return nil
}

func (r *MemoryRepo) List(ctx context.Context, f Filter) ([]Entry, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0)
	for _, e := range r.entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset >= len(out) {
		return []Entry{}, nil
	}
	out = out[f.Offset:]
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Get returns the entry for callID, for tests.
func (r *MemoryRepo) Get(callID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callID]
	return e, ok
}

func coalesce(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
