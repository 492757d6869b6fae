package delivery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Partial is the persisted result of one unit of a batch.
type Partial struct {
	BatchKey   string         `json:"batch_key"`
	UnitID     string         `json:"unit_id"`
	Result     map[string]any `json:"result"`
	Error      string         `json:"error,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Store persists partials keyed by (batch, unit). Saving the same key twice
// replaces the earlier result.
type Store interface {
	SavePartial(ctx context.Context, p Partial) error
	// Partials returns the batch's partials ordered by first record time.
	Partials(ctx context.Context, batchKey string) ([]Partial, error)
	// MarkSynthesized claims the batch's synthesis. Only the first call for a
	// batch returns true.
	MarkSynthesized(ctx context.Context, batchKey string) (bool, error)
	Close() error
}

type unitKey struct {
	batch string
	unit  string
}

// MemoryStore keeps partials in process memory.
type MemoryStore struct {
	mu          sync.Mutex
	partials    map[unitKey]Partial
	firstSeen   map[unitKey]time.Time
	synthesized map[string]time.Time
	now         func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partials:    make(map[unitKey]Partial),
		firstSeen:   make(map[unitKey]time.Time),
		synthesized: make(map[string]time.Time),
		now:         time.Now,
	}
}

func (s *MemoryStore) SavePartial(_ context.Context, p Partial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := unitKey{batch: p.BatchKey, unit: p.UnitID}
	if p.RecordedAt.IsZero() {
		p.RecordedAt = s.now()
	}
	if _, ok := s.firstSeen[key]; !ok {
		s.firstSeen[key] = p.RecordedAt
	}
	p.Result = cloneResult(p.Result)
	s.partials[key] = p
	return nil
}

func (s *MemoryStore) Partials(_ context.Context, batchKey string) ([]Partial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Partial
	for key, p := range s.partials {
		if key.batch == batchKey {
			p.Result = cloneResult(p.Result)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti := s.firstSeen[unitKey{batch: batchKey, unit: out[i].UnitID}]
		tj := s.firstSeen[unitKey{batch: batchKey, unit: out[j].UnitID}]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].UnitID < out[j].UnitID
	})
	return out, nil
}

func (s *MemoryStore) MarkSynthesized(_ context.Context, batchKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.synthesized[batchKey]; done {
		return false, nil
	}
	s.synthesized[batchKey] = s.now()
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneResult(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
