package accounts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu    sync.RWMutex
	byID  map[string]Account
	keyID map[string]string
}

func NewMemoryRepo(accts ...Account) *MemoryRepo {
	r := &MemoryRepo{byID: map[string]Account{}, keyID: map[string]string{}}
	for _, a := range accts {
		r.Put(a)
	}
	return r
}

// Put inserts or replaces an account.
func (r *MemoryRepo) Put(a Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[a.ID] = a
	if a.Key != "" {
		r.keyID[a.Key] = a.ID
	}
}

func (r *MemoryRepo) FindActiveByKey(ctx context.Context, key string) (Account, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.keyID[key]
	if !ok {
		return Account{}, ErrNotFound
	}
	a := r.byID[id]
	if !a.Active {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Account, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) List(ctx context.Context) ([]Account, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Account, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepo) UpdateRate(ctx context.Context, id string, rate decimal.Decimal) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	a.RatePerSecond = rate
	r.byID[id] = a
	return nil
}

func (r *MemoryRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	a.LastUsed = &at
	r.byID[id] = a
	return nil
}
