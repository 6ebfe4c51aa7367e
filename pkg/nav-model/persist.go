package navmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/always-cache/navcache/cache"
)

const snapshotKey = "model"

// Snapshot is the serializable state of a Model.
type Snapshot struct {
	Window  int            `json:"window"`
	Seq     uint64         `json:"seq"`
	Edges   []EdgeSnapshot `json:"edges"`
	History []Transition   `json:"history,omitempty"`
}

type EdgeSnapshot struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Count   int    `json:"count"`
	LastSeq uint64 `json:"lastSeq"`
}

func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		Window:  m.policy.Window,
		Seq:     m.seq,
		Edges:   make([]EdgeSnapshot, 0),
		History: append([]Transition(nil), m.history...),
	}
	for from, tos := range m.edges {
		for to, e := range tos {
			s.Edges = append(s.Edges, EdgeSnapshot{From: from, To: to, Count: e.count, LastSeq: e.lastSeq})
		}
	}
	sort.Slice(s.Edges, func(i, j int) bool { return s.Edges[i].LastSeq < s.Edges[j].LastSeq })
	return s
}

// Restore replaces the model state with the snapshot. When the model policy
// differs from the snapshot's, the snapshot history is replayed under the
// current policy where possible.
func (m *Model) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges = make(map[string]map[string]*edge)
	m.totals = make(map[string]int)
	m.history = nil
	m.seq = 0

	if m.policy.Window > 0 && s.Window > 0 {
		history := s.History
		if len(history) > m.policy.Window {
			history = history[len(history)-m.policy.Window:]
		}
		for _, t := range history {
			m.add(t.From, t.To)
		}
		m.history = append([]Transition(nil), history...)
		return
	}
	for _, e := range s.Edges {
		if e.Count <= 0 {
			continue
		}
		tos, ok := m.edges[e.From]
		if !ok {
			tos = make(map[string]*edge)
			m.edges[e.From] = tos
		}
		tos[e.To] = &edge{count: e.Count, lastSeq: e.LastSeq}
		m.totals[e.From] += e.Count
	}
	m.seq = s.Seq
	if m.policy.Window > 0 {
		// counts without history cannot be windowed; start the window fresh
		m.edges = make(map[string]map[string]*edge)
		m.totals = make(map[string]int)
	}
}

// Save writes the model to the provider.
func (m *Model) Save(ctx context.Context, provider cache.Provider, partition string) error {
	value, err := json.Marshal(m.Snapshot())
	if err != nil {
		return err
	}
	if err := provider.Put(ctx, partition, snapshotKey, value); err != nil {
		return fmt.Errorf("save navigation model: %w", err)
	}
	return nil
}

// Load restores the model from the provider. A missing snapshot is not an error.
func (m *Model) Load(ctx context.Context, provider cache.Provider, partition string) (bool, error) {
	value, ok, err := provider.Get(ctx, partition, snapshotKey)
	if err != nil || !ok {
		return false, err
	}
	var s Snapshot
	if err := json.Unmarshal(value, &s); err != nil {
		return false, fmt.Errorf("load navigation model: %w", err)
	}
	m.Restore(s)
	return true, nil
}
