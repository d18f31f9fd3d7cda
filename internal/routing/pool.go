package routing

import (
	"sync"
	"sync/atomic"
	"time"
)

// TrunkPool selects trunks round-robin and tracks per-trunk outcomes.
//
// Guarantees:
// - A failover sequence visits each trunk at most once.
// - Concurrent originations start at different trunks.
// - RecordOutcome never fails.
type TrunkPool struct {
	cursor atomic.Uint64

	mu     sync.RWMutex
	trunks []Trunk
	stats  map[string]*TrunkStats

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewTrunkPool(trunks []Trunk) *TrunkPool {
	p := &TrunkPool{stats: map[string]*TrunkStats{}, clock: time.Now}
	p.Replace(trunks)
	return p
}

// Len returns the number of trunks in rotation.
func (p *TrunkPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.trunks)
}

// Trunks returns a copy of the trunks in rotation order.
func (p *TrunkPool) Trunks() []Trunk {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Trunk, len(p.trunks))
	copy(out, p.trunks)
	return out
}

// Next returns the trunk at the cursor and advances it.
func (p *TrunkPool) Next() (Trunk, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := len(p.trunks)
	if n == 0 {
		return Trunk{}, false
	}
	i := (p.cursor.Add(1) - 1) % uint64(n)
	return p.trunks[i], true
}

// OrderedFrom returns every trunk once, starting at start and wrapping.
func (p *TrunkPool) OrderedFrom(start int) []Trunk {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return orderedFrom(p.trunks, uint64(start))
}

// FailoverSequence advances the cursor once and returns the wrapped order
// starting at the captured position.
func (p *TrunkPool) FailoverSequence() []Trunk {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.trunks) == 0 {
		return nil
	}
	start := p.cursor.Add(1) - 1
	return orderedFrom(p.trunks, start)
}

func orderedFrom(trunks []Trunk, start uint64) []Trunk {
	n := uint64(len(trunks))
	if n == 0 {
		return nil
	}
	out := make([]Trunk, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, trunks[(start+i)%n])
	}
	return out
}

// RecordOutcome updates stats for one origination attempt.
// The average response time is an EWMA (0.8 old, 0.2 new) over successful
// attempts with positive latency; the first sample is taken as-is.
func (p *TrunkPool) RecordOutcome(name string, success bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stats[name]
	if !ok {
		s = &TrunkStats{}
		p.stats[name] = s
	}
	s.TotalCalls++
	s.LastUsed = p.clock()
	if !success {
		s.FailedCalls++
		return
	}
	s.SuccessCalls++
	if latency <= 0 {
		return
	}
	if s.AvgResponseTime == 0 {
		s.AvgResponseTime = latency
		return
	}
	s.AvgResponseTime = time.Duration(0.8*float64(s.AvgResponseTime) + 0.2*float64(latency))
}

// Stats returns a snapshot keyed by trunk name.
func (p *TrunkPool) Stats() map[string]TrunkStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]TrunkStats, len(p.stats))
	for k, v := range p.stats {
		out[k] = *v
	}
	return out
}

// Replace swaps the rotation. Disabled trunks are skipped and stats for
// trunks that remain are kept.
func (p *TrunkPool) Replace(trunks []Trunk) {
	next := make([]Trunk, 0, len(trunks))
	seen := map[string]struct{}{}
	for _, t := range trunks {
		if !t.Enabled || t.Name == "" {
			continue
		}
		if _, dup := seen[t.Name]; dup {
			continue
		}
		seen[t.Name] = struct{}{}
		next = append(next, t)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.trunks = next
	for name := range p.stats {
		if _, ok := seen[name]; !ok {
			delete(p.stats, name)
		}
	}
	for name := range seen {
		if _, ok := p.stats[name]; !ok {
			p.stats[name] = &TrunkStats{}
		}
	}
}
