// Package report carries engine events to logs and metrics.
package report

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Kind string

const (
	CacheHit         Kind = "cache.hit"
	CacheMiss        Kind = "cache.miss"
	CacheStale       Kind = "cache.stale"
	CacheOffline     Kind = "cache.offline"
	CacheStoreFailed Kind = "cache.store_failed"
	CachePurged      Kind = "cache.purged"

	SyncEnqueued         Kind = "sync.enqueued"
	SyncReplayed         Kind = "sync.replayed"
	SyncRetry            Kind = "sync.retry"
	SyncPermanentFailure Kind = "sync.permanent_failure"
	SyncCancelled        Kind = "sync.cancelled"

	SpeculationHit           Kind = "speculation.hit"
	SpeculationMiss          Kind = "speculation.miss"
	SpeculationLowHitRate    Kind = "speculation.low_hit_rate"
	SpeculationInstallFailed Kind = "speculation.install_failed"
)

// Event is one engine occurrence. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind
	Time time.Time

	Class     string
	Strategy  string
	Partition string

	TaskID   string
	Action   string
	Attempts int

	Page    string
	HitRate float64
	Samples int

	Err error
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block.
type Sink interface {
	Report(Event)
}

// Nop drops all events.
type Nop struct{}

func (Nop) Report(Event) {}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) Report(e Event) {
	for _, s := range m {
		s.Report(e)
	}
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	Logger zerolog.Logger
}

func (l LogSink) Report(e Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case SyncPermanentFailure, CacheStoreFailed:
		ev = l.Logger.Error()
	case SpeculationLowHitRate, SpeculationInstallFailed, CacheOffline, CachePurged:
		ev = l.Logger.Warn()
	case CacheHit, CacheMiss:
		ev = l.Logger.Trace()
	default:
		ev = l.Logger.Debug()
	}
	ev = ev.Str("event", string(e.Kind))
	if e.Class != "" {
		ev = ev.Str("class", e.Class).Str("strategy", e.Strategy)
	}
	if e.Partition != "" {
		ev = ev.Str("partition", e.Partition)
	}
	if e.TaskID != "" {
		ev = ev.Str("task", e.TaskID).Str("action", e.Action).Int("attempts", e.Attempts)
	}
	if e.Page != "" {
		ev = ev.Str("page", e.Page)
	}
	if e.Samples > 0 {
		ev = ev.Float64("hitRate", e.HitRate).Int("samples", e.Samples)
	}
	if e.Err != nil {
		ev = ev.Err(e.Err)
	}
	ev.Send()
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemorySink) Report(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Events returns the recorded events, optionally filtered by kind.
func (m *MemorySink) Events(kinds ...Kind) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		if len(kinds) == 0 {
			out = append(out, e)
			continue
		}
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
