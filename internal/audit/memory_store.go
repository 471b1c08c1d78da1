package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	queries []*QueryEntry
	threats []*ThreatEntry
	anchors map[string]string // threat ID -> ledger reference
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{anchors: make(map[string]string)}
}

func (m *MemoryStore) AppendQuery(_ context.Context, e *QueryEntry) error {
	cp := *e
	m.mu.Lock()
	m.queries = append(m.queries, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) AppendThreat(_ context.Context, e *ThreatEntry) error {
	cp := *e
	m.mu.Lock()
	m.threats = append(m.threats, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) AppendAnchor(_ context.Context, threatID, ref string, _ time.Time) error {
	m.mu.Lock()
	if _, ok := m.anchors[threatID]; !ok {
		m.anchors[threatID] = ref
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListRecentQueries(_ context.Context, limit int) ([]*QueryEntry, error) {
	m.mu.RLock()
	result := make([]*QueryEntry, len(m.queries))
	for i, q := range m.queries {
		cp := *q
		result[i] = &cp
	}
	m.mu.RUnlock()

	// Append order is oldest first; reverse before the stable sort so equal
	// timestamps still come out newest first.
	reverse(result)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListRecentThreats(_ context.Context, limit int) ([]*ThreatEntry, error) {
	m.mu.RLock()
	result := make([]*ThreatEntry, len(m.threats))
	for i, t := range m.threats {
		cp := *t
		if cp.LedgerReference == "" {
			cp.LedgerReference = m.anchors[cp.ID]
		}
		result[i] = &cp
	}
	m.mu.RUnlock()

	reverse(result)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return truncate(result, limit), nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func truncate[T any](s []T, limit int) []T {
	if limit >= 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
