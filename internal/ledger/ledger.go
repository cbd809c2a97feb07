// Package ledger tracks committed GPU memory against a fixed capacity. It is
// the single source of truth for model lifecycle state.
//
// Two locks are involved:
//
//   - mu guards the state map. Every method takes it for a short, non-blocking
//     critical section, so the invariant
//     sum(footprint of loading, loaded, unloading and pinned models) <= capacity - headroom
//     holds after every call.
//   - the admission gate (Admit) serializes multi-step admission work such as
//     "evict victims, then reserve" across network calls. Fast-path dispatch
//     (Acquire/Done) never touches it.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"modelhub/internal/apperr"
	"modelhub/internal/registry"
)

// Status is the lifecycle state of one model.
type Status string

const (
	StatusUnloaded  Status = "unloaded"
	StatusLoading   Status = "loading"
	StatusLoaded    Status = "loaded"
	StatusUnloading Status = "unloading"
	StatusFailed    Status = "failed"
)

// ewmaAlpha weights the newest tokens/sec observation.
const ewmaAlpha = 0.3

// State is a copy of one model's mutable state.
type State struct {
	ModelID        string
	Kind           registry.Kind
	Status         Status
	FootprintBytes int64
	LoadedAt       time.Time
	LastUsed       time.Time
	Active         int
	TokensPerSec   float64
	LastError      string
	// Pinned models are externally managed containers: their footprint stays
	// committed whatever their health.
	Pinned bool
}

// Usage is an aggregate memory view.
type Usage struct {
	CapacityBytes  int64
	HeadroomBytes  int64
	UsedBytes      int64
	FreeBytes      int64
	AvailableBytes int64
}

// Snapshot is a consistent copy of the whole ledger.
type Snapshot struct {
	Usage  Usage
	States []State
}

// Victim is a model picked for eviction.
type Victim struct {
	ModelID        string
	FootprintBytes int64
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	capacity int64
	headroom int64
	states   map[string]*State
	gate     chan struct{}
	now      func() time.Time
}

// New constructs an empty ledger.
func New(capacity, headroom int64) *Ledger {
	return &Ledger{
		capacity: capacity,
		headroom: headroom,
		states:   make(map[string]*State),
		gate:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Admit acquires the admission gate. The returned release func is safe to
// call more than once.
func (l *Ledger) Admit(ctx context.Context) (func(), error) {
	select {
	case l.gate <- struct{}{}:
	case <-ctx.Done():
		return func() {}, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-l.gate }) }, nil
}

// Track registers a model as unloaded. Tracking an existing model is a no-op.
func (l *Ledger) Track(id string, kind registry.Kind, footprint int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.states[id]; ok {
		return
	}
	l.states[id] = &State{ModelID: id, Kind: kind, Status: StatusUnloaded, FootprintBytes: footprint}
}

func committed(s *State) bool {
	if s.Pinned {
		return true
	}
	switch s.Status {
	case StatusLoading, StatusLoaded, StatusUnloading:
		return true
	}
	return false
}

func (l *Ledger) usedLocked() int64 {
	var used int64
	for _, s := range l.states {
		if committed(s) {
			used += s.FootprintBytes
		}
	}
	return used
}

func (l *Ledger) budget() int64 { return l.capacity - l.headroom }

func (l *Ledger) entryLocked(id string) *State {
	s, ok := l.states[id]
	if !ok {
		s = &State{ModelID: id, Status: StatusUnloaded}
		l.states[id] = s
	}
	return s
}

// Reserve commits bytes for id and marks it loading. Reserving a model that
// is already committed is a no-op so concurrent callers never double count.
func (l *Ledger) Reserve(id string, bytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.entryLocked(id)
	if committed(s) {
		return nil
	}
	if over := l.usedLocked() + bytes - l.budget(); over > 0 {
		return apperr.Shortfall(apperr.InsufficientCapacity, id, over)
	}
	s.Status = StatusLoading
	s.FootprintBytes = bytes
	s.LastError = ""
	return nil
}

// Pin commits a container model's footprint for the lifetime of the process.
// healthy selects between loaded and failed.
func (l *Ledger) Pin(id string, bytes int64, healthy bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.entryLocked(id)
	if !s.Pinned {
		if over := l.usedLocked() + bytes - l.budget(); over > 0 {
			return apperr.Shortfall(apperr.InsufficientCapacity, id, over)
		}
	}
	s.Kind = registry.KindContainer
	s.Pinned = true
	s.FootprintBytes = bytes
	l.setHealthLocked(s, healthy, "")
	return nil
}

// SetHealth flips a pinned model between loaded and failed. It returns the
// previous status. Non-pinned models are left untouched.
func (l *Ledger) SetHealth(id string, healthy bool, reason string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.states[id]
	if !ok || !s.Pinned {
		if ok {
			return s.Status
		}
		return StatusUnloaded
	}
	prev := s.Status
	l.setHealthLocked(s, healthy, reason)
	return prev
}

func (l *Ledger) setHealthLocked(s *State, healthy bool, reason string) {
	if healthy {
		if s.Status != StatusLoaded {
			s.LoadedAt = l.now()
		}
		s.Status = StatusLoaded
		s.LastError = ""
		return
	}
	s.Status = StatusFailed
	if reason != "" {
		s.LastError = reason
	}
}

// MarkLoaded moves a loading model to loaded.
func (l *Ledger) MarkLoaded(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.states[id]
	if !ok || s.Status != StatusLoading {
		return fmt.Errorf("model %s is not loading", id)
	}
	now := l.now()
	s.Status = StatusLoaded
	s.LoadedAt = now
	s.LastUsed = now
	return nil
}

// MarkFailed records a failed load and releases its reservation.
func (l *Ledger) MarkFailed(id string, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.entryLocked(id)
	if s.Pinned {
		l.setHealthLocked(s, false, errString(cause))
		return
	}
	s.Status = StatusFailed
	s.Active = 0
	s.LastError = errString(cause)
}

// Release uncommits id. Releasing an uncommitted model is a no-op; pinned
// models are never released.
func (l *Ledger) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.states[id]
	if !ok || s.Pinned || !committed(s) {
		return
	}
	s.Status = StatusUnloaded
	s.LoadedAt = time.Time{}
}

// AbortEvict returns an unloading model to loaded after a failed unload; its
// memory was never freed.
func (l *Ledger) AbortEvict(id string, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.states[id]; ok && s.Status == StatusUnloading {
		s.Status = StatusLoaded
		s.LastError = errString(cause)
	}
}

// Acquire registers a dispatch on a loaded model. It fails when the model is
// not loaded, including when an eviction has already claimed it.
func (l *Ledger) Acquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.states[id]
	if !ok || s.Status != StatusLoaded {
		return false
	}
	s.Active++
	s.LastUsed = l.now()
	return true
}

// Done ends a dispatch started by Acquire.
func (l *Ledger) Done(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.states[id]; ok && s.Active > 0 {
		s.Active--
		s.LastUsed = l.now()
	}
}

// Observe folds one completed generation into the tokens/sec EWMA.
func (l *Ledger) Observe(id string, tokens int, elapsed time.Duration) {
	if tokens <= 0 || elapsed <= 0 {
		return
	}
	tps := float64(tokens) / elapsed.Seconds()
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.states[id]
	if !ok {
		return
	}
	if s.TokensPerSec == 0 {
		s.TokensPerSec = tps
	} else {
		s.TokensPerSec = ewmaAlpha*tps + (1-ewmaAlpha)*s.TokensPerSec
	}
}

// Seed restores persisted usage stats for a tracked model.
func (l *Ledger) Seed(id string, lastUsed time.Time, tokensPerSec float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.states[id]; ok {
		if s.LastUsed.IsZero() {
			s.LastUsed = lastUsed
		}
		if s.TokensPerSec == 0 {
			s.TokensPerSec = tokensPerSec
		}
	}
}

// PickVictims selects idle loaded server models, least recently used first,
// until need bytes would fit, and marks them unloading in the same critical
// section. Models in protect and the candidate itself are never picked. When
// the evictable set cannot free enough memory nothing is marked and an
// EvictionImpossible error reports the remaining shortfall.
func (l *Ledger) PickVictims(candidate string, need int64, protect map[string]bool) ([]Victim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	avail := l.budget() - l.usedLocked()
	if avail >= need {
		return nil, nil
	}
	var pool []*State
	for id, s := range l.states {
		if id == candidate || protect[id] || s.Pinned {
			continue
		}
		if s.Kind != registry.KindServer || s.Status != StatusLoaded || s.Active > 0 {
			continue
		}
		pool = append(pool, s)
	}
	sort.Slice(pool, func(i, j int) bool {
		if !pool[i].LastUsed.Equal(pool[j].LastUsed) {
			return pool[i].LastUsed.Before(pool[j].LastUsed)
		}
		return pool[i].ModelID < pool[j].ModelID
	})
	var picked []*State
	for _, s := range pool {
		if avail >= need {
			break
		}
		picked = append(picked, s)
		avail += s.FootprintBytes
	}
	if avail < need {
		return nil, apperr.Shortfall(apperr.EvictionImpossible, candidate, need-avail)
	}
	out := make([]Victim, 0, len(picked))
	for _, s := range picked {
		s.Status = StatusUnloading
		out = append(out, Victim{ModelID: s.ModelID, FootprintBytes: s.FootprintBytes})
	}
	return out, nil
}

// BeginEvict marks every loaded model in ids as unloading, all or nothing.
// A model with in-flight requests or one still loading fails the whole call
// with ModelBusy. Other models that are not loaded are skipped.
func (l *Ledger) BeginEvict(ids []string) ([]Victim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var picked []*State
	for _, id := range ids {
		s, ok := l.states[id]
		if !ok || s.Pinned {
			continue
		}
		if s.Status == StatusLoading {
			return nil, apperr.New(apperr.ModelBusy, id, "model is still loading")
		}
		if s.Status != StatusLoaded {
			continue
		}
		if s.Active > 0 {
			return nil, apperr.New(apperr.ModelBusy, id, "%d active requests", s.Active)
		}
		picked = append(picked, s)
	}
	out := make([]Victim, 0, len(picked))
	for _, s := range picked {
		s.Status = StatusUnloading
		out = append(out, Victim{ModelID: s.ModelID, FootprintBytes: s.FootprintBytes})
	}
	return out, nil
}

// Get returns a copy of one model's state.
func (l *Ledger) Get(id string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.states[id]
	if !ok {
		return State{ModelID: id, Status: StatusUnloaded}, false
	}
	return *s, true
}

// Usage returns the aggregate memory view.
func (l *Ledger) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usageLocked()
}

func (l *Ledger) usageLocked() Usage {
	used := l.usedLocked()
	return Usage{
		CapacityBytes:  l.capacity,
		HeadroomBytes:  l.headroom,
		UsedBytes:      used,
		FreeBytes:      l.capacity - used,
		AvailableBytes: l.budget() - used,
	}
}

// Snapshot copies the whole ledger under one lock acquisition.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := Snapshot{Usage: l.usageLocked(), States: make([]State, 0, len(l.states))}
	for _, s := range l.states {
		snap.States = append(snap.States, *s)
	}
	sort.Slice(snap.States, func(i, j int) bool { return snap.States[i].ModelID < snap.States[j].ModelID })
	return snap
}

// Verify checks the memory invariant. Used by tests and debug endpoints.
func (l *Ledger) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if used := l.usedLocked(); used > l.budget() {
		return fmt.Errorf("ledger over-committed: used=%d budget=%d", used, l.budget())
	}
	for id, s := range l.states {
		if s.Active < 0 {
			return fmt.Errorf("model %s has negative active count", id)
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
