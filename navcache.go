// Package navcache is a client-side caching and speculative navigation
// engine. It answers intercepted requests from a partitioned cache, queues
// mutations made while offline and learns navigation patterns to drive
// prefetching and prerendering.
package navcache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/navcache/cache"
	cachekey "github.com/always-cache/navcache/pkg/cache-key"
	"github.com/always-cache/navcache/pkg/messagebus"
	navmodel "github.com/always-cache/navcache/pkg/nav-model"
	"github.com/always-cache/navcache/pkg/report"
	resourceclass "github.com/always-cache/navcache/pkg/resource-class"
	"github.com/always-cache/navcache/pkg/speculation"
	syncqueue "github.com/always-cache/navcache/pkg/sync-queue"

	"github.com/rs/zerolog"
)

// navigationPartition holds the navigation model snapshot.
const navigationPartition = "navigation"

type Config struct {
	// Storage for cache entries, sync tasks and the navigation model.
	// The engine does not close it.
	Provider cache.Provider
	// Network access. If nil, requests are proxied to Origin.
	Fetcher Fetcher
	// URL of the origin server. Relative request URLs are resolved against it.
	Origin *url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	OriginHost  string
	Partitions  []cache.Partition
	Classes     map[resourceclass.Class]ClassConfig
	Rules       resourceclass.Rules
	IgnoreQuery []string
	Timeout     time.Duration
	Sync        SyncConfig
	Navigation  NavigationConfig
	Speculation SpeculationConfig
	// Host side of speculation. A LatestInstaller is used if nil.
	Installer speculation.Installer
	// Interval of the store sweep; zero disables it.
	SweepInterval time.Duration
	Reporter      report.Sink
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	Now    func() time.Time
}

// Engine wires the cache manager, the sync queue, the navigation model and
// the speculation coordinator, and runs their background work.
type Engine struct {
	provider    cache.Provider
	store       *cache.Store
	manager     *Manager
	queue       *syncqueue.Queue
	model       *navmodel.Model
	coordinator *speculation.Coordinator
	installer   speculation.Installer
	bus         *messagebus.Bus
	log         zerolog.Logger

	modelDirty atomic.Bool

	cancel    context.CancelFunc
	loops     sync.WaitGroup
	closeOnce sync.Once
}

// New creates the engine and starts its background loops.
func New(config Config) (*Engine, error) {
	if config.Provider == nil {
		return nil, errors.New("navcache: provider is required")
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	if config.Origin != nil {
		logger = logger.With().Str("origin", config.Origin.String()).Logger()
	}
	if config.Reporter == nil {
		config.Reporter = report.LogSink{Logger: logger}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if len(config.Partitions) == 0 {
		config.Partitions = DefaultPartitions()
	}

	fetcher := config.Fetcher
	if fetcher == nil {
		if config.Origin == nil {
			return nil, errors.New("navcache: origin or fetcher is required")
		}
		fetcher = NewOriginFetcher(config.Origin, config.OriginHost)
	}

	store, err := cache.NewStore(cache.StoreConfig{
		Provider:   config.Provider,
		Partitions: config.Partitions,
		Logger:     &logger,
		Now:        config.Now,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		provider: config.Provider,
		store:    store,
		log:      logger.With().Str("component", "engine").Logger(),
	}

	// the queue replays through the manager, which queues through the queue
	var manager *Manager
	backoff := syncqueue.DefaultBackoff()
	if config.Sync.InitialDelay > 0 {
		backoff.InitialDelay = config.Sync.InitialDelay
	}
	if config.Sync.MaxDelay > 0 {
		backoff.MaxDelay = config.Sync.MaxDelay
	}
	backoff.Jitter = config.Sync.Jitter
	e.queue, err = syncqueue.New(syncqueue.Config{
		Provider: config.Provider,
		Replayer: syncqueue.ReplayFunc(func(ctx context.Context, task syncqueue.Task) error {
			return manager.Replay(ctx, task)
		}),
		MaxAttempts: config.Sync.MaxAttempts,
		Backoff:     backoff,
		RateLimit:   config.Sync.RateLimit,
		Burst:       config.Sync.Burst,
		Reporter:    config.Reporter,
		Logger:      &logger,
		Now:         config.Now,
	})
	if err != nil {
		return nil, err
	}
	manager, err = NewManager(ManagerConfig{
		Store:      store,
		Fetcher:    fetcher,
		Keyer:      cachekey.Keyer{Base: config.Origin, IgnoreQuery: config.IgnoreQuery},
		Classifier: resourceclass.Classifier{Rules: config.Rules},
		Classes:    config.Classes,
		Queue:      e.queue,
		Timeout:    config.Timeout,
		Reporter:   config.Reporter,
		Logger:     &logger,
		Now:        config.Now,
	})
	if err != nil {
		return nil, err
	}
	e.manager = manager

	e.model = navmodel.New(navmodel.Window(config.Navigation.Window))
	ctx := context.Background()
	if loaded, err := e.model.Load(ctx, config.Provider, navigationPartition); err != nil {
		e.log.Warn().Err(err).Msg("Could not load navigation model, starting empty")
	} else if loaded {
		e.log.Info().Int("pages", e.model.Sources()).Msg("Loaded navigation model")
	}

	e.installer = config.Installer
	if e.installer == nil {
		e.installer = &speculation.LatestInstaller{}
	}
	s := config.Speculation
	e.coordinator, err = speculation.New(speculation.Config{
		Predictor:          e.model,
		Installer:          e.installer,
		PrefetchThreshold:  s.PrefetchThreshold,
		PrerenderThreshold: s.PrerenderThreshold,
		MaxPrefetch:        s.MaxPrefetch,
		DefaultEagerness:   s.DefaultEagerness,
		ModerateAfter:      s.ModerateAfter,
		EagerAfter:         s.EagerAfter,
		LowHitRate:         s.LowHitRate,
		MinSamples:         s.MinSamples,
		Reporter:           config.Reporter,
		Logger:             &logger,
		Now:                config.Now,
	})
	if err != nil {
		return nil, err
	}

	e.bus = messagebus.New(&logger)
	e.start(config)
	return e, nil
}

func (e *Engine) start(config Config) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		err := e.bus.Serve(ctx, worker{e})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, messagebus.ErrClosed) {
			e.log.Error().Err(err).Msg("Message bus stopped")
		}
	}()

	e.every(ctx, "sync flush", config.Sync.FlushInterval, func(ctx context.Context) {
		if _, err := e.queue.Flush(ctx); err != nil && !errors.Is(err, syncqueue.ErrFlushInProgress) && ctx.Err() == nil {
			e.log.Warn().Err(err).Msg("Periodic flush failed")
		}
	})
	e.every(ctx, "sweep", config.SweepInterval, func(ctx context.Context) {
		if n, err := e.store.Sweep(ctx); err != nil {
			e.log.Warn().Err(err).Msg("Sweep failed")
		} else if n > 0 {
			e.log.Debug().Int("removed", n).Msg("Swept expired entries")
		}
		e.saveModel(ctx)
	})
	e.every(ctx, "speculation escalation", config.Speculation.EscalateInterval, func(ctx context.Context) {
		e.coordinator.Escalate(ctx)
	})
}

// every runs fn at interval until ctx is done. A zero interval disables it.
func (e *Engine) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		e.log.Info().Msgf("Starting %s loop with interval %s", name, interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// ServeHTTP implements the http.Handler interface.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.manager.ServeHTTP(w, r)
}

// Handle answers an intercepted request. See Manager.Handle.
func (e *Engine) Handle(ctx context.Context, r *http.Request) *http.Response {
	return e.manager.Handle(ctx, r)
}

// Navigate records the transition and installs speculation for the pages
// likely to follow to. It returns the installed directives.
func (e *Engine) Navigate(ctx context.Context, from, to string) []speculation.Directive {
	e.model.RecordTransition(from, to)
	e.modelDirty.Store(true)
	return e.coordinator.OnNavigate(ctx, to)
}

// SetNetwork passes connection info to the speculation coordinator.
func (e *Engine) SetNetwork(ctx context.Context, info speculation.NetworkInfo) {
	e.coordinator.SetNetwork(ctx, info)
}

// ConnectivityRestored replays every queued mutation, ignoring backoff.
func (e *Engine) ConnectivityRestored(ctx context.Context) (syncqueue.FlushResult, error) {
	e.log.Info().Msg("Connectivity restored, flushing sync queue")
	return e.queue.FlushAll(ctx)
}

// Flush replays the queued mutations that are due.
func (e *Engine) Flush(ctx context.Context) (syncqueue.FlushResult, error) {
	return e.queue.Flush(ctx)
}

// Enqueue queues a mutation for replay.
func (e *Engine) Enqueue(ctx context.Context, task syncqueue.Task) (string, error) {
	return e.queue.EnqueueTask(ctx, task)
}

func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	return e.queue.Cancel(ctx, taskID)
}

// Pending returns the queued mutations in replay order.
func (e *Engine) Pending(ctx context.Context) ([]syncqueue.Task, error) {
	return e.queue.Pending(ctx)
}

// Invalidate drops the stored responses for rawURL.
func (e *Engine) Invalidate(ctx context.Context, rawURL string) (int, error) {
	return e.manager.Invalidate(ctx, rawURL)
}

// SpeculationRules renders the installed directives as a speculation rules
// document.
func (e *Engine) SpeculationRules() ([]byte, error) {
	if r, ok := e.installer.(interface{ RulesJSON() ([]byte, error) }); ok {
		return r.RulesJSON()
	}
	return speculation.RulesJSON(e.coordinator.Current())
}

// SpeculationStats returns the speculation hit record.
func (e *Engine) SpeculationStats() speculation.Stats {
	return e.coordinator.Stats()
}

// Bus is the channel for hosts that talk to the engine by message.
func (e *Engine) Bus() *messagebus.Bus {
	return e.bus
}

// Store gives access to the cache store.
func (e *Engine) Store() *cache.Store {
	return e.store
}

// Wait blocks until background revalidations are done.
func (e *Engine) Wait() {
	e.manager.Wait()
}

// Close stops the background work and saves the navigation model.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		e.bus.Close()
		e.loops.Wait()
		e.manager.Close()
		err = e.saveModel(context.Background())
	})
	return err
}

func (e *Engine) saveModel(ctx context.Context) error {
	if !e.modelDirty.Swap(false) {
		return nil
	}
	if err := e.model.Save(ctx, e.provider, navigationPartition); err != nil {
		e.modelDirty.Store(true)
		e.log.Warn().Err(err).Msg("Could not save navigation model")
		return err
	}
	return nil
}
