package navcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/navcache/cache"
	cachekey "github.com/always-cache/navcache/pkg/cache-key"
	"github.com/always-cache/navcache/pkg/report"
	resourceclass "github.com/always-cache/navcache/pkg/resource-class"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("network unreachable")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Unix(1700000000, 0)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testManager struct {
	*Manager
	clock  *clock
	events *report.MemorySink
}

// newTestManager creates a manager for origin.test on an unlimited memory
// store; configure may replace any part of the config.
func newTestManager(t *testing.T, fetcher Fetcher, configure ...func(*ManagerConfig)) testManager {
	t.Helper()
	clk := newClock()
	events := &report.MemorySink{}
	logger := zerolog.Nop()
	store := newTestStore(t, cache.NewMemCache(0), clk)
	config := ManagerConfig{
		Store:    store,
		Fetcher:  fetcher,
		Keyer:    cachekey.Keyer{Base: &url.URL{Scheme: "http", Host: "origin.test"}},
		Reporter: events,
		Logger:   &logger,
		Now:      clk.Now,
	}
	for _, c := range configure {
		c(&config)
	}
	m, err := NewManager(config)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return testManager{Manager: m, clock: clk, events: events}
}

func newTestStore(t *testing.T, provider cache.Provider, clk *clock) *cache.Store {
	t.Helper()
	logger := zerolog.Nop()
	store, err := cache.NewStore(cache.StoreConfig{
		Provider:   provider,
		Partitions: DefaultPartitions(),
		Logger:     &logger,
		Now:        clk.Now,
	})
	require.NoError(t, err)
	return store
}

func withClass(class resourceclass.Class, cc ClassConfig) func(*ManagerConfig) {
	return func(c *ManagerConfig) {
		if c.Classes == nil {
			c.Classes = make(map[resourceclass.Class]ClassConfig)
		}
		c.Classes[class] = cc
	}
}

func respond(req *http.Request, status int, body string) *http.Response {
	return newResponse(req, status, http.Header{}, []byte(body))
}

// routerFetcher answers requests with a handler, without a network.
func routerFetcher(h http.Handler) Fetcher {
	return FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req.WithContext(ctx))
		return rec.Result(), nil
	})
}

func get(path string) *http.Request {
	return httptest.NewRequest(http.MethodGet, path, nil)
}

func bodyOf(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func TestCacheFirstServesHitWithoutNetwork(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(t, FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return respond(req, http.StatusOK, "png"), nil
	}))
	ctx := context.Background()

	res := m.Handle(ctx, get("/logo.png"))
	assert.Equal(t, "png", bodyOf(t, res))
	assert.Equal(t, "navcache; fwd=uri-miss; fwd-status=200; stored; detail=cache-first", res.Header.Get("Cache-Status"))

	m.clock.Advance(90 * time.Second)
	res = m.Handle(ctx, get("/logo.png"))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "png", bodyOf(t, res))
	assert.Equal(t, "navcache; hit; detail=cache-first", res.Header.Get("Cache-Status"))
	assert.Equal(t, "90", res.Header.Get("Age"))
	assert.Equal(t, int32(1), calls.Load())

	assert.Len(t, m.events.Events(report.CacheMiss), 1)
	assert.Len(t, m.events.Events(report.CacheHit), 1)
}

func TestCacheKeyIgnoresQueryOrder(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(t, FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return respond(req, http.StatusOK, "png"), nil
	}), func(c *ManagerConfig) {
		c.Keyer.IgnoreQuery = []string{"utm_"}
	})
	ctx := context.Background()

	bodyOf(t, m.Handle(ctx, get("/logo.png?a=1&b=2")))
	res := m.Handle(ctx, get("/logo.png?b=2&utm_source=mail&a=1"))
	assert.Equal(t, "navcache; hit; detail=cache-first", res.Header.Get("Cache-Status"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestStaleWhileRevalidate(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(t, FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		n := calls.Add(1)
		return respond(req, http.StatusOK, fmt.Sprintf("v%d", n)), nil
	}))
	ctx := context.Background()

	assert.Equal(t, "v1", bodyOf(t, m.Handle(ctx, get("/app.js"))))

	res := m.Handle(ctx, get("/app.js"))
	assert.Equal(t, "v1", bodyOf(t, res))
	assert.Equal(t, "navcache; hit; detail=stale-while-revalidate", res.Header.Get("Cache-Status"))

	m.Wait()
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "v2", bodyOf(t, m.Handle(ctx, get("/app.js"))))
	assert.Len(t, m.events.Events(report.CacheStale), 2)
}

func TestStaleWhileRevalidateKeepsStoredOnFailure(t *testing.T) {
	var offline atomic.Bool
	m := newTestManager(t, FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		if offline.Load() {
			return nil, errOffline
		}
		return respond(req, http.StatusOK, "v1"), nil
	}))
	ctx := context.Background()

	bodyOf(t, m.Handle(ctx, get("/site.css")))
	offline.Store(true)
	assert.Equal(t, "v1", bodyOf(t, m.Handle(ctx, get("/site.css"))))
	m.Wait()
	assert.Equal(t, "v1", bodyOf(t, m.Handle(ctx, get("/site.css"))))
}

func TestNetworkFirst(t *testing.T) {
	var (
		offline atomic.Bool
		slow    atomic.Bool
		failing atomic.Bool
		calls   atomic.Int32
	)
	m := newTestManager(t, FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		n := calls.Add(1)
		switch {
		case offline.Load():
			return nil, errOffline
		case slow.Load():
			<-ctx.Done()
			return nil, ctx.Err()
		case failing.Load():
			return respond(req, http.StatusInternalServerError, "boom"), nil
		}
		return respond(req, http.StatusOK, fmt.Sprintf("page %d", n)), nil
	}), withClass(resourceclass.Document, ClassConfig{
		Strategy:  NetworkFirst,
		Partition: "dynamic",
		Timeout:   50 * time.Millisecond,
	}))
	ctx := context.Background()

	t.Run("fresh", func(t *testing.T) {
		res := m.Handle(ctx, get("/"))
		assert.Equal(t, "page 1", bodyOf(t, res))
		assert.Equal(t, "navcache; fwd=request; fwd-status=200; stored; detail=network-first", res.Header.Get("Cache-Status"))
		// always goes to the network
		assert.Equal(t, "page 2", bodyOf(t, m.Handle(ctx, get("/"))))
	})

	t.Run("falls back on error", func(t *testing.T) {
		offline.Store(true)
		defer offline.Store(false)
		res := m.Handle(ctx, get("/"))
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "page 2", bodyOf(t, res))
		assert.Equal(t, "navcache; hit; detail=network-first-fallback", res.Header.Get("Cache-Status"))
	})

	t.Run("falls back on timeout", func(t *testing.T) {
		slow.Store(true)
		defer slow.Store(false)
		start := time.Now()
		res := m.Handle(ctx, get("/"))
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, "page 2", bodyOf(t, res))
		assert.Equal(t, "navcache; hit; detail=network-first-fallback", res.Header.Get("Cache-Status"))
	})

	t.Run("error status is not a failure", func(t *testing.T) {
		failing.Store(true)
		defer failing.Store(false)
		res := m.Handle(ctx, get("/"))
		assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
		assert.Equal(t, "boom", bodyOf(t, res))
		assert.Equal(t, "navcache; fwd=request; fwd-status=500; detail=network-first", res.Header.Get("Cache-Status"))
	})

	t.Run("error status is not stored", func(t *testing.T) {
		offline.Store(true)
		defer offline.Store(false)
		assert.Equal(t, "page 2", bodyOf(t, m.Handle(ctx, get("/"))))
	})

	t.Run("offline without stored copy", func(t *testing.T) {
		offline.Store(true)
		defer offline.Store(false)
		res := m.Handle(ctx, get("/never-seen"))
		assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
		assert.Equal(t, "offline", bodyOf(t, res))
		assert.Equal(t, "navcache; fwd=uri-miss; detail=offline", res.Header.Get("Cache-Status"))
	})
}

func TestCacheOnlyFetchesOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	m := newTestManager(t, FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		calls.Add(1)
		<-release
		return respond(req, http.StatusOK, `{"items":[]}`), nil
	}), withClass(resourceclass.API, ClassConfig{Strategy: CacheOnly, Partition: "api"}))
	ctx := context.Background()

	const callers = 5
	responses := make([]*http.Response, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = m.Handle(ctx, get("/items.json"))
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	collapsed := 0
	for _, res := range responses {
		assert.Equal(t, `{"items":[]}`, bodyOf(t, res))
		if strings.Contains(res.Header.Get("Cache-Status"), "collapsed") {
			collapsed++
		}
	}
	assert.Equal(t, callers-1, collapsed)

	res := m.Handle(ctx, get("/items.json"))
	assert.Equal(t, "navcache; hit; detail=cache-only", res.Header.Get("Cache-Status"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNetworkOnlyNeverStores(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(t, FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return respond(req, http.StatusOK, "fresh"), nil
	}), withClass(resourceclass.Image, ClassConfig{Strategy: NetworkOnly}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := m.Handle(ctx, get("/live.png"))
		assert.Equal(t, "fresh", bodyOf(t, res))
		assert.Equal(t, "navcache; fwd=bypass; fwd-status=200; detail=network-only", res.Header.Get("Cache-Status"))
	}
	assert.Equal(t, int32(2), calls.Load())
	n, err := m.store.Len(ctx, "images")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDoesNotStoreNoStore(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(t, FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		calls.Add(1)
		res := respond(req, http.StatusOK, "private")
		res.Header.Set("Cache-Control", "no-store")
		return res, nil
	}))
	ctx := context.Background()

	res := m.Handle(ctx, get("/avatar.png"))
	assert.Equal(t, "navcache; fwd=uri-miss; fwd-status=200; detail=cache-first", res.Header.Get("Cache-Status"))
	bodyOf(t, m.Handle(ctx, get("/avatar.png")))
	assert.Equal(t, int32(2), calls.Load())
}

func TestQuotaExceededPurgesAndRetries(t *testing.T) {
	body := strings.Repeat("x", 400)
	var calls atomic.Int32
	m := newTestManager(t, FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return respond(req, http.StatusOK, body), nil
	}), func(c *ManagerConfig) {
		// room for two entries
		c.Store = newTestStore(t, cache.NewMemCache(1000), newClock())
	})
	ctx := context.Background()

	bodyOf(t, m.Handle(ctx, get("/a.png")))
	bodyOf(t, m.Handle(ctx, get("/b.png")))
	res := m.Handle(ctx, get("/c.png"))
	assert.Equal(t, body, bodyOf(t, res))
	assert.Equal(t, "navcache; fwd=uri-miss; fwd-status=200; stored; detail=cache-first", res.Header.Get("Cache-Status"))

	assert.Len(t, m.events.Events(report.CachePurged), 1)
	assert.Empty(t, m.events.Events(report.CacheStoreFailed))
	keys, err := m.store.Keys(ctx, "images")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET http://origin.test/c.png"}, keys)

	res = m.Handle(ctx, get("/a.png"))
	assert.Contains(t, res.Header.Get("Cache-Status"), "fwd=uri-miss")
	assert.Equal(t, int32(4), calls.Load())
}

func TestOversizeResponseServedUncached(t *testing.T) {
	body := strings.Repeat("x", 400)
	m := newTestManager(t, FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		return respond(req, http.StatusOK, body), nil
	}), func(c *ManagerConfig) {
		c.Store = newTestStore(t, cache.NewMemCache(300), newClock())
	})

	res := m.Handle(context.Background(), get("/huge.png"))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, body, bodyOf(t, res))
	assert.Equal(t, "navcache; fwd=uri-miss; fwd-status=200; detail=cache-first", res.Header.Get("Cache-Status"))
	assert.Len(t, m.events.Events(report.CachePurged), 1)
	failed := m.events.Events(report.CacheStoreFailed)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, cache.ErrQuotaExceeded)
}

func TestPlaceholderPerClass(t *testing.T) {
	m := newTestManager(t, FetcherFunc(func(context.Context, *http.Request) (*http.Response, error) {
		return nil, errOffline
	}), withClass(resourceclass.Document, ClassConfig{
		Strategy:  NetworkFirst,
		Partition: "dynamic",
		Placeholder: &Placeholder{
			Status:      http.StatusOK,
			ContentType: "text/html; charset=utf-8",
			Body:        "<h1>You are offline</h1>",
		},
	}))
	ctx := context.Background()

	res := m.Handle(ctx, get("/"))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", res.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", res.Header.Get("Cache-Control"))
	assert.Equal(t, "<h1>You are offline</h1>", bodyOf(t, res))

	res = m.Handle(ctx, get("/logo.png"))
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "offline", bodyOf(t, res))
	assert.Len(t, m.events.Events(report.CacheOffline), 2)
}

func TestRecoversFromPanic(t *testing.T) {
	m := newTestManager(t, FetcherFunc(func(context.Context, *http.Request) (*http.Response, error) {
		panic("fetcher exploded")
	}))
	ctx := context.Background()

	res := m.Handle(ctx, get("/logo.png"))
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "navcache; fwd=uri-miss; detail=offline", res.Header.Get("Cache-Status"))
	assert.Zero(t, m.inflight.InFlight())

	res = m.Handle(ctx, httptest.NewRequest(http.MethodHead, "/logo.png", nil))
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Contains(t, res.Header.Get("Cache-Status"), "detail=offline")
}

func TestNewManagerRejectsUnknownPartition(t *testing.T) {
	logger := zerolog.Nop()
	_, err := NewManager(ManagerConfig{
		Store:   newTestStore(t, cache.NewMemCache(0), newClock()),
		Fetcher: FetcherFunc(nil),
		Classes: map[resourceclass.Class]ClassConfig{
			resourceclass.Image: {Strategy: CacheFirst, Partition: "thumbnails"},
		},
		Logger: &logger,
	})
	assert.ErrorIs(t, err, cache.ErrUnknownPartition)
}

func TestMutationInvalidatesAndUpdates(t *testing.T) {
	var itemCalls, summaryCalls atomic.Int32
	r := chi.NewRouter()
	r.Get("/items", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "items v%d", itemCalls.Add(1))
	})
	r.Get("/summary", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "summary v%d", summaryCalls.Add(1))
	})
	r.Post("/items", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Update", "/summary")
		w.WriteHeader(http.StatusCreated)
	})
	m := newTestManager(t, routerFetcher(r),
		withClass(resourceclass.Document, ClassConfig{Strategy: CacheFirst, Partition: "dynamic"}))
	ctx := context.Background()

	bodyOf(t, m.Handle(ctx, get("/items")))
	bodyOf(t, m.Handle(ctx, get("/summary")))
	assert.Equal(t, "navcache; hit; detail=cache-first", m.Handle(ctx, get("/items")).Header.Get("Cache-Status"))

	res := m.Handle(ctx, httptest.NewRequest(http.MethodPost, "/items", strings.NewReader("name=pen")))
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "navcache; fwd=method; fwd-status=201; detail=network-only", res.Header.Get("Cache-Status"))

	assert.Equal(t, "items v2", bodyOf(t, m.Handle(ctx, get("/items"))))
	res = m.Handle(ctx, get("/summary"))
	assert.Equal(t, "summary v2", bodyOf(t, res))
	assert.Equal(t, "navcache; hit; detail=cache-first", res.Header.Get("Cache-Status"))
	assert.Equal(t, int32(2), summaryCalls.Load())
}

func TestFailedMutationKeepsCache(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Get("/items", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "items v%d", calls.Add(1))
	})
	r.Post("/items", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid", http.StatusUnprocessableEntity)
	})
	m := newTestManager(t, routerFetcher(r),
		withClass(resourceclass.Document, ClassConfig{Strategy: CacheFirst, Partition: "dynamic"}))
	ctx := context.Background()

	bodyOf(t, m.Handle(ctx, get("/items")))
	res := m.Handle(ctx, httptest.NewRequest(http.MethodPost, "/items", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "items v1", bodyOf(t, m.Handle(ctx, get("/items"))))
}

func TestServeHTTP(t *testing.T) {
	m := newTestManager(t, FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		res := respond(req, http.StatusOK, "Hello world")
		res.Header.Set("Content-Type", "text/test")
		res.Header.Set("X-Forwarded-For", "10.0.0.1")
		return res, nil
	}))

	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, get("/hello.png"))
	assert.Equal(t, "Hello world", rr.Body.String())
	assert.Equal(t, "text/test", rr.Header().Get("Content-Type"))
	assert.Empty(t, rr.Header().Get("X-Forwarded-For"))
	assert.NotEmpty(t, rr.Header().Get("Cache-Status"))

	rr = httptest.NewRecorder()
	m.ServeHTTP(rr, httptest.NewRequest(http.MethodHead, "/hello.png", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.String())
}

func TestHitAgeIncludesReceivedAge(t *testing.T) {
	m := newTestManager(t, FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		res := respond(req, http.StatusOK, "png")
		res.Header.Set("Age", "30")
		return res, nil
	}))
	ctx := context.Background()

	bodyOf(t, m.Handle(ctx, get("/logo.png")))
	m.clock.Advance(90 * time.Second)
	res := m.Handle(ctx, get("/logo.png"))
	bodyOf(t, res)
	assert.Equal(t, "120", res.Header.Get("Age"))
}

// streamingFetcher fetches over a real connection from an origin that writes
// size bytes in flushed chunks.
func streamingFetcher(t *testing.T, size int) Fetcher {
	chunk := bytes.Repeat([]byte("x"), 64<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		for written := 0; written < size; written += len(chunk) {
			w.Write(chunk)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		out := req.Clone(ctx)
		out.URL.Scheme = target.Scheme
		out.URL.Host = target.Host
		out.Host = ""
		out.RequestURI = ""
		return http.DefaultClient.Do(out)
	})
}

func TestNetworkResponsesStreamAfterHandle(t *testing.T) {
	const size = 4 << 20
	m := newTestManager(t, streamingFetcher(t, size), withClass(resourceclass.Document, ClassConfig{
		Strategy: NetworkOnly,
		Timeout:  10 * time.Second,
	}))
	ctx := context.Background()

	for _, req := range []*http.Request{
		get("/export"),
		httptest.NewRequest(http.MethodPut, "/export", strings.NewReader(`{"format":"csv"}`)),
	} {
		t.Run(req.Method, func(t *testing.T) {
			res := m.Handle(ctx, req)
			require.Equal(t, http.StatusOK, res.StatusCode)
			defer res.Body.Close()
			n, err := io.Copy(io.Discard, res.Body)
			require.NoError(t, err)
			assert.Equal(t, int64(size), n)
		})
	}
}
