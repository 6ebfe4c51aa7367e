package navcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/navcache/cache"
	cachekey "github.com/always-cache/navcache/pkg/cache-key"
	"github.com/always-cache/navcache/pkg/report"
	dedup "github.com/always-cache/navcache/pkg/request-dedup"
	resourceclass "github.com/always-cache/navcache/pkg/resource-class"
	serializer "github.com/always-cache/navcache/pkg/response-serializer"
	syncqueue "github.com/always-cache/navcache/pkg/sync-queue"
	"github.com/always-cache/navcache/rfc9111"
	"github.com/always-cache/navcache/rfc9211"

	"github.com/rs/zerolog"
)

const (
	cacheName      = "navcache"
	defaultTimeout = 5 * time.Second
)

// ClassConfig is the handling of one resource class.
type ClassConfig struct {
	Strategy Strategy `yaml:"strategy"`
	// Store partition. Not used by network-only classes.
	Partition string `yaml:"partition"`
	// Network timeout. The manager timeout is used if zero.
	Timeout     time.Duration `yaml:"timeout"`
	Placeholder *Placeholder  `yaml:"placeholder"`
}

// DefaultClasses returns the class handling used for classes that are not
// configured.
func DefaultClasses() map[resourceclass.Class]ClassConfig {
	return map[resourceclass.Class]ClassConfig{
		resourceclass.Document:    {Strategy: NetworkFirst, Partition: "dynamic", Timeout: 3 * time.Second},
		resourceclass.Image:       {Strategy: CacheFirst, Partition: "images"},
		resourceclass.API:         {Strategy: NetworkFirst, Partition: "api", Timeout: 3 * time.Second},
		resourceclass.StaticAsset: {Strategy: StaleWhileRevalidate, Partition: "static"},
	}
}

// DefaultPartitions returns the partitions used by DefaultClasses.
func DefaultPartitions() []cache.Partition {
	return []cache.Partition{
		{Name: "static", MaxEntries: 200, MaxAge: 30 * 24 * time.Hour},
		{Name: "dynamic", MaxEntries: 50, MaxAge: 24 * time.Hour},
		{Name: "images", MaxEntries: 100, MaxAge: 7 * 24 * time.Hour},
		{Name: "api", MaxEntries: 50, MaxAge: 5 * time.Minute},
	}
}

// Enqueuer takes mutations that could not reach the network.
type Enqueuer interface {
	EnqueueTask(ctx context.Context, task syncqueue.Task) (string, error)
}

type ManagerConfig struct {
	Store   *cache.Store
	Fetcher Fetcher
	Keyer   cachekey.Keyer
	// Classification rules and headers decide the class of a request.
	Classifier resourceclass.Classifier
	// Per-class handling. Classes not listed use DefaultClasses.
	Classes map[resourceclass.Class]ClassConfig
	// Receives failed mutations. Without a queue they get the placeholder.
	Queue Enqueuer
	// Default network timeout.
	Timeout time.Duration
	// How long a collapsed fetch may stay in the dedup table.
	DedupTTL time.Duration
	Reporter report.Sink
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	Now    func() time.Time
}

// Manager answers intercepted requests according to the strategy of their
// resource class. Handle always returns a response.
type Manager struct {
	store      *cache.Store
	fetcher    Fetcher
	keyer      cachekey.Keyer
	classifier resourceclass.Classifier
	classes    map[resourceclass.Class]ClassConfig
	queue      Enqueuer
	timeout    time.Duration
	inflight   *dedup.Group[fetched]
	reporter   report.Sink
	log        zerolog.Logger
	now        func() time.Time

	// background revalidations and delayed refreshes
	bg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// fetched is a network response shared between collapsed callers.
type fetched struct {
	Response serializer.StoredResponse
	Stored   bool
}

type request struct {
	ctx         context.Context
	r           *http.Request
	key         string
	class       resourceclass.Class
	strategy    Strategy
	partition   string
	timeout     time.Duration
	placeholder Placeholder
	cs          *rfc9211.CacheStatus
	log         zerolog.Logger
}

func (rq *request) timeoutContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, rq.timeout)
}

// background returns a copy that outlives the client request.
func (rq *request) background() *request {
	c := *rq
	c.ctx = context.WithoutCancel(rq.ctx)
	c.cs = rfc9211.New(cacheName)
	return &c
}

func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Store == nil {
		return nil, errors.New("navcache: store is required")
	}
	if config.Fetcher == nil {
		return nil, errors.New("navcache: fetcher is required")
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	m := &Manager{
		store:      config.Store,
		fetcher:    config.Fetcher,
		keyer:      config.Keyer,
		classifier: config.Classifier,
		classes:    make(map[resourceclass.Class]ClassConfig),
		queue:      config.Queue,
		timeout:    config.Timeout,
		reporter:   config.Reporter,
		log:        logger.With().Str("component", "manager").Logger(),
		now:        config.Now,
		stop:       make(chan struct{}),
	}
	if m.timeout <= 0 {
		m.timeout = defaultTimeout
	}
	ttl := config.DedupTTL
	if ttl <= 0 {
		ttl = 2 * m.timeout
	}
	m.inflight = dedup.New[fetched](ttl)
	if m.reporter == nil {
		m.reporter = report.Nop{}
	}
	if m.now == nil {
		m.now = time.Now
	}

	partitions := make(map[string]bool)
	for _, name := range m.store.Partitions() {
		partitions[name] = true
	}
	defaults := DefaultClasses()
	for _, class := range resourceclass.All() {
		cc, ok := config.Classes[class]
		if !ok {
			cc = defaults[class]
		}
		if _, ok := strategies[cc.Strategy]; !ok {
			return nil, fmt.Errorf("navcache: class %s: unknown strategy %d", class, cc.Strategy)
		}
		if cc.Strategy != NetworkOnly && !partitions[cc.Partition] {
			return nil, fmt.Errorf("navcache: class %s: %w: %q", class, cache.ErrUnknownPartition, cc.Partition)
		}
		if cc.Timeout <= 0 {
			cc.Timeout = m.timeout
		}
		if cc.Placeholder == nil {
			p := DefaultPlaceholder()
			cc.Placeholder = &p
		}
		m.classes[class] = cc
	}
	return m, nil
}

// ServeHTTP implements the http.Handler interface.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res := m.Handle(r.Context(), r)
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		m.log.Error().Err(err).Msg("Could not write response body to client")
	}
	m.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// Handle answers the request. It never returns nil: when nothing else works
// the offline placeholder of the request's class is returned.
func (m *Manager) Handle(ctx context.Context, r *http.Request) (res *http.Response) {
	rq := m.newRequest(ctx, r)
	defer func() {
		if p := recover(); p != nil {
			rq.log.Error().Interface("panic", p).Msg("Recovered from panic")
			res = m.offline(rq, fmt.Errorf("panic: %v", p))
		}
		if res == nil {
			res = m.offline(rq, errors.New("no response"))
		}
		rq.cs.Write(res.Header)
		m.logRequest(rq, res)
	}()

	unsafe := rfc9111.UnsafeRequest(r)
	if unsafe || r.Method != http.MethodGet {
		rq.strategy = NetworkOnly
	}
	rq.cs.Detail(rq.strategy.String())
	if unsafe {
		return m.mutate(rq)
	}
	return strategies[rq.strategy](m, rq)
}

// Wait blocks until background revalidations and refreshes are done.
func (m *Manager) Wait() {
	m.bg.Wait()
}

// Close drops pending delayed refreshes and waits for background work.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.bg.Wait()
}

func (m *Manager) newRequest(ctx context.Context, r *http.Request) *request {
	class := m.classifier.Classify(r)
	cc := m.classes[class]
	rq := &request{
		ctx:         ctx,
		r:           r,
		key:         m.keyer.Key(r),
		class:       class,
		strategy:    cc.Strategy,
		partition:   cc.Partition,
		timeout:     cc.Timeout,
		placeholder: *cc.Placeholder,
		cs:          rfc9211.New(cacheName),
	}
	rq.log = m.log.With().Str("key", rq.key).Str("class", class.String()).Logger()
	return rq
}

func (m *Manager) lookup(rq *request) (serializer.StoredResponse, bool) {
	e, ok, err := m.store.Get(rq.ctx, rq.partition, rq.key)
	if err != nil {
		rq.log.Warn().Err(err).Msg("Could not read from cache")
		return serializer.StoredResponse{}, false
	}
	if !ok {
		return serializer.StoredResponse{}, false
	}
	rq.log.Trace().Time("storedAt", e.StoredAt).Msg("Found cached response")
	return serializer.StoredResponse{
		StatusCode: e.Status,
		Header:     e.Header,
		Body:       e.Payload,
		StoredAt:   e.StoredAt,
	}, true
}

func (m *Manager) hit(rq *request, sr serializer.StoredResponse, kind report.Kind) *http.Response {
	rq.cs.Hit()
	res := sr.Response(rq.r)
	// the age the origin reported plus the time spent in the store
	age := m.now().Sub(sr.StoredAt)
	if received, ok := rfc9111.GetAge(sr.Header); ok {
		age += received
	}
	rfc9111.SetAge(res.Header, age)
	m.report(rq, kind, nil)
	return res
}

func (m *Manager) miss(rq *request, f fetched) *http.Response {
	rq.cs.ForwardStatus(f.Response.StatusCode)
	if f.Stored {
		rq.cs.Stored()
	}
	m.report(rq, report.CacheMiss, nil)
	return f.Response.Response(rq.r)
}

func (m *Manager) offline(rq *request, cause error) *http.Response {
	rq.log.Debug().Err(cause).Msg("Serving offline placeholder")
	rq.cs.Detail("offline")
	m.report(rq, report.CacheOffline, cause)
	return rq.placeholder.Response(rq.r)
}

// fetchAndStore fetches the request once for all concurrent callers with the
// same key and stores the response if allowed.
func (m *Manager) fetchAndStore(rq *request) (fetched, error) {
	f, shared, err := m.inflight.Do(rq.ctx, rq.key, func() (fetched, error) {
		return m.fetchOrigin(rq)
	})
	if shared {
		rq.cs.Collapsed()
		f.Stored = false
	}
	return f, err
}

// fetchOrigin is not cancelled by the client: collapsed callers depend on it.
func (m *Manager) fetchOrigin(rq *request) (fetched, error) {
	detached := context.WithoutCancel(rq.ctx)
	ctx, cancel := rq.timeoutContext(detached)
	defer cancel()

	req := m.forwardRequest(ctx, rq.r, nil)
	rq.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("Requesting content from origin")
	res, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return fetched{}, err
	}
	sr, err := serializer.FromResponse(res, m.now())
	if err != nil {
		return fetched{}, err
	}
	sr.Header = rfc9111.StorableHeader(sr.Header)
	f := fetched{Response: sr}
	if rfc9111.MayStore(req, res) {
		f.Stored = m.put(detached, rq, sr)
	} else {
		rq.log.Trace().Int("status", res.StatusCode).Msg("Non-storable response")
	}
	return f, nil
}

// put writes the response. On a quota error the partition is purged and the
// write retried once; if that fails too the response stays uncached.
func (m *Manager) put(ctx context.Context, rq *request, sr serializer.StoredResponse) bool {
	entry := cache.Entry{
		Key:      rq.key,
		Payload:  sr.Body,
		Header:   sr.Header,
		Status:   sr.StatusCode,
		StoredAt: sr.StoredAt,
	}
	err := m.store.PutEntry(ctx, rq.partition, entry)
	if errors.Is(err, cache.ErrQuotaExceeded) {
		rq.log.Warn().Err(err).Str("partition", rq.partition).Msg("Storage quota exceeded, purging partition")
		m.reporter.Report(report.Event{Kind: report.CachePurged, Time: m.now(), Partition: rq.partition, Err: err})
		if perr := m.store.Purge(ctx, rq.partition); perr != nil {
			rq.log.Error().Err(perr).Str("partition", rq.partition).Msg("Could not purge partition")
		}
		err = m.store.PutEntry(ctx, rq.partition, entry)
	}
	if err != nil {
		rq.log.Warn().Err(err).Msg("Could not write to cache, serving uncached")
		m.reporter.Report(report.Event{Kind: report.CacheStoreFailed, Time: m.now(), Partition: rq.partition, Err: err})
		return false
	}
	rq.log.Trace().Str("partition", rq.partition).Msg("Cache write")
	return true
}

// revalidate refreshes the stored response in the background.
func (m *Manager) revalidate(rq *request) {
	bg := rq.background()
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		defer func() {
			if p := recover(); p != nil {
				bg.log.Error().Interface("panic", p).Msg("Recovered from panic during revalidation")
			}
		}()
		f, err := m.fetchAndStore(bg)
		if err != nil {
			bg.log.Debug().Err(err).Msg("Revalidation failed")
			return
		}
		bg.log.Trace().Bool("stored", f.Stored).Msg("Revalidated")
	}()
}

// forwardRequest creates the network request for r, resolved against the
// origin and carrying body.
func (m *Manager) forwardRequest(ctx context.Context, r *http.Request, body []byte) *http.Request {
	out := rfc9111.GetForwardRequest(r.WithContext(ctx))
	out.URL = m.keyer.ResolveURL(r)
	out.RequestURI = ""
	if len(body) > 0 {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	} else {
		out.Body = http.NoBody
		out.ContentLength = 0
		out.GetBody = nil
	}
	return out
}

func (m *Manager) report(rq *request, kind report.Kind, err error) {
	m.reporter.Report(report.Event{
		Kind:      kind,
		Time:      m.now(),
		Class:     rq.class.String(),
		Strategy:  rq.strategy.String(),
		Partition: rq.partition,
		Err:       err,
	})
}

func (m *Manager) logRequest(rq *request, res *http.Response) {
	rq.log.Debug().
		Str("method", rq.r.Method).
		Str("url", rq.r.URL.String()).
		Str("sourceIp", getRequestSourceIp(rq.r)).
		Int("status", res.StatusCode).
		Str("cacheStatus", rq.cs.String()).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
