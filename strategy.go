package navcache

import (
	"fmt"
	"net/http"

	"github.com/always-cache/navcache/pkg/report"
	"github.com/always-cache/navcache/rfc9211"
)

// Strategy decides how a request is answered from the cache and the network.
type Strategy int

const (
	CacheFirst Strategy = iota
	NetworkFirst
	StaleWhileRevalidate
	CacheOnly
	NetworkOnly
)

var strategyNames = [...]string{
	CacheFirst:           "cache-first",
	NetworkFirst:         "network-first",
	StaleWhileRevalidate: "stale-while-revalidate",
	CacheOnly:            "cache-only",
	NetworkOnly:          "network-only",
}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("strategy(%d)", int(s))
	}
	return strategyNames[s]
}

func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return Strategy(s), nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", name)
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type strategyFunc func(m *Manager, rq *request) *http.Response

// strategies is the dispatch table; every Strategy has an entry.
var strategies = map[Strategy]strategyFunc{
	CacheFirst:           (*Manager).cacheFirst,
	NetworkFirst:         (*Manager).networkFirst,
	StaleWhileRevalidate: (*Manager).staleWhileRevalidate,
	CacheOnly:            (*Manager).cacheOnly,
	NetworkOnly:          (*Manager).networkOnly,
}

// cacheFirst answers from the cache without touching the network when it can.
func (m *Manager) cacheFirst(rq *request) *http.Response {
	if sr, ok := m.lookup(rq); ok {
		return m.hit(rq, sr, report.CacheHit)
	}
	rq.cs.Forward(rfc9211.FwdUriMiss)
	f, err := m.fetchAndStore(rq)
	if err != nil {
		return m.offline(rq, err)
	}
	return m.miss(rq, f)
}

// networkFirst prefers a fresh response and falls back to the cache when the
// network fails or times out. Error statuses from the origin are not failures.
func (m *Manager) networkFirst(rq *request) *http.Response {
	f, err := m.fetchAndStore(rq)
	if err == nil {
		rq.cs.Forward(rfc9211.FwdRequest)
		return m.miss(rq, f)
	}
	rq.log.Debug().Err(err).Msg("Network failed, trying cache")
	if sr, ok := m.lookup(rq); ok {
		rq.cs.Detail(rq.strategy.String() + "-fallback")
		return m.hit(rq, sr, report.CacheStale)
	}
	rq.cs.Forward(rfc9211.FwdUriMiss)
	return m.offline(rq, err)
}

// staleWhileRevalidate serves a stored response at once and refreshes it in
// the background.
func (m *Manager) staleWhileRevalidate(rq *request) *http.Response {
	if sr, ok := m.lookup(rq); ok {
		m.revalidate(rq)
		return m.hit(rq, sr, report.CacheStale)
	}
	rq.cs.Forward(rfc9211.FwdUriMiss)
	f, err := m.fetchAndStore(rq)
	if err != nil {
		return m.offline(rq, err)
	}
	return m.miss(rq, f)
}

// cacheOnly goes to the network once per key; afterwards the stored copy is
// the only source.
func (m *Manager) cacheOnly(rq *request) *http.Response {
	if sr, ok := m.lookup(rq); ok {
		return m.hit(rq, sr, report.CacheHit)
	}
	rq.cs.Forward(rfc9211.FwdUriMiss)
	f, err := m.fetchAndStore(rq)
	if err != nil {
		return m.offline(rq, err)
	}
	if f.Stored {
		// serve what was actually written
		if sr, ok := m.lookup(rq); ok {
			f.Response = sr
		}
	}
	return m.miss(rq, f)
}

// networkOnly never reads or writes the cache.
func (m *Manager) networkOnly(rq *request) *http.Response {
	if rq.r.Method == http.MethodGet {
		rq.cs.Forward(rfc9211.FwdBypass)
	} else {
		rq.cs.Forward(rfc9211.FwdMethod)
	}
	ctx, cancel := rq.timeoutContext(rq.ctx)
	res, err := m.fetcher.Fetch(ctx, m.forwardRequest(ctx, rq.r, nil))
	if err != nil {
		cancel()
		return m.offline(rq, err)
	}
	rq.cs.ForwardStatus(res.StatusCode)
	m.report(rq, report.CacheMiss, nil)
	return cancelOnClose(res, cancel)
}
