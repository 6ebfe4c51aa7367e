// Package navmodel learns page-to-page transition frequencies and predicts
// the next navigation.
package navmodel

import (
	"sort"
	"sync"
)

// Policy controls how much history the model keeps.
type Policy struct {
	// Window is the number of most recent transitions that count.
	// Zero keeps every transition.
	Window int `yaml:"window"`
}

func Unbounded() Policy {
	return Policy{}
}

func Window(n int) Policy {
	return Policy{Window: n}
}

func (p Policy) String() string {
	if p.Window > 0 {
		return "window"
	}
	return "unbounded"
}

// Prediction is a possible next page.
type Prediction struct {
	URL         string  `json:"url"`
	Probability float64 `json:"probability"`
}

// Transition is one recorded navigation.
type Transition struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type edge struct {
	count   int
	lastSeq uint64
}

// Model is a first-order frequency table: from -> to -> count.
// It has a single writer and any number of readers.
type Model struct {
	mu     sync.RWMutex
	policy Policy
	edges  map[string]map[string]*edge
	totals map[string]int
	seq    uint64
	// only kept for windowed policies, oldest first
	history []Transition
}

func New(policy Policy) *Model {
	return &Model{
		policy: policy,
		edges:  make(map[string]map[string]*edge),
		totals: make(map[string]int),
	}
}

// RecordTransition counts a navigation. Empty pages and reloads are ignored.
func (m *Model) RecordTransition(from, to string) {
	if from == "" || to == "" || from == to {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(from, to)
	if m.policy.Window > 0 {
		m.history = append(m.history, Transition{From: from, To: to})
		for len(m.history) > m.policy.Window {
			m.remove(m.history[0])
			m.history = m.history[1:]
		}
	}
}

func (m *Model) add(from, to string) {
	m.seq++
	tos, ok := m.edges[from]
	if !ok {
		tos = make(map[string]*edge)
		m.edges[from] = tos
	}
	e, ok := tos[to]
	if !ok {
		e = &edge{}
		tos[to] = e
	}
	e.count++
	e.lastSeq = m.seq
	m.totals[from]++
}

func (m *Model) remove(t Transition) {
	tos := m.edges[t.From]
	e, ok := tos[t.To]
	if !ok {
		return
	}
	e.count--
	m.totals[t.From]--
	if e.count <= 0 {
		delete(tos, t.To)
	}
	if m.totals[t.From] <= 0 {
		delete(m.edges, t.From)
		delete(m.totals, t.From)
	}
}

// Predict returns the destinations of from whose probability is at least
// threshold, most likely first. Equal probabilities are ordered by the most
// recently recorded transition. An unknown page yields no predictions.
func (m *Model) Predict(from string, threshold float64) []Prediction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := m.totals[from]
	if total == 0 {
		return []Prediction{}
	}
	type ranked struct {
		Prediction
		lastSeq uint64
	}
	candidates := make([]ranked, 0, len(m.edges[from]))
	for to, e := range m.edges[from] {
		p := float64(e.count) / float64(total)
		if p < threshold {
			continue
		}
		candidates = append(candidates, ranked{Prediction{URL: to, Probability: p}, e.lastSeq})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Probability == candidates[j].Probability {
			return candidates[i].lastSeq > candidates[j].lastSeq
		}
		return candidates[i].Probability > candidates[j].Probability
	})
	predictions := make([]Prediction, len(candidates))
	for i, c := range candidates {
		predictions[i] = c.Prediction
	}
	return predictions
}

// Distribution returns every destination of from; the probabilities sum to 1.
func (m *Model) Distribution(from string) []Prediction {
	return m.Predict(from, 0)
}

// Count returns how often from -> to was recorded (within the window).
func (m *Model) Count(from, to string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.edges[from][to]; ok {
		return e.count
	}
	return 0
}

// Sources returns the number of pages with recorded transitions.
func (m *Model) Sources() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.edges)
}

func (m *Model) Policy() Policy {
	return m.policy
}
