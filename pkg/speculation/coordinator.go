// Package speculation turns navigation predictions into prefetch and
// prerender directives.
package speculation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	navmodel "github.com/always-cache/navcache/pkg/nav-model"
	"github.com/always-cache/navcache/pkg/report"

	"github.com/rs/zerolog"
)

// Predictor is the query side of the navigation model.
type Predictor interface {
	Predict(from string, threshold float64) []navmodel.Prediction
}

// NetworkInfo describes the client's connection, as reported by the host.
type NetworkInfo struct {
	// "slow-2g", "2g", "3g" or "4g"
	EffectiveType string `json:"effectiveType"`
	SaveData      bool   `json:"saveData"`
}

// Constrained reports whether speculation should be kept to a minimum.
func (n NetworkInfo) Constrained() bool {
	t := strings.ToLower(n.EffectiveType)
	return n.SaveData || t == "slow-2g" || t == "2g"
}

type Config struct {
	Predictor Predictor
	Installer Installer
	// Minimum probability for prefetch. 0.15 if zero.
	PrefetchThreshold float64 `yaml:"prefetchThreshold"`
	// Minimum probability for the top prediction to be prerendered. 0.5 if zero.
	PrerenderThreshold float64 `yaml:"prerenderThreshold"`
	// Maximum number of prefetched pages. 3 if zero.
	MaxPrefetch      int       `yaml:"maxPrefetch"`
	DefaultEagerness Eagerness `yaml:"defaultEagerness"`
	// Dwell times after which eagerness is raised; zero disables the step.
	ModerateAfter time.Duration `yaml:"moderateAfter"`
	EagerAfter    time.Duration `yaml:"eagerAfter"`
	// Hit rate under which an advisory is reported, once MinSamples
	// navigations were observed.
	LowHitRate float64 `yaml:"lowHitRate"`
	MinSamples int     `yaml:"minSamples"`
	Reporter   report.Sink
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	Now    func() time.Time
}

// Stats is the speculation hit/miss record.
type Stats struct {
	Samples int     `json:"samples"`
	Hits    int     `json:"hits"`
	HitRate float64 `json:"hitRate"`
}

// Coordinator decides which predicted pages to speculate on.
type Coordinator struct {
	config   Config
	reporter report.Sink
	log      zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	page      string
	arrivedAt time.Time
	current   []Directive
	// directives still installed on the host after a failed retract
	stale   []Directive
	network NetworkInfo
	stats   Stats
	advised bool
}

func New(config Config) (*Coordinator, error) {
	if config.Predictor == nil || config.Installer == nil {
		return nil, errors.New("speculation: predictor and installer are required")
	}
	if config.PrefetchThreshold <= 0 {
		config.PrefetchThreshold = 0.15
	}
	if config.PrerenderThreshold <= 0 {
		config.PrerenderThreshold = 0.5
	}
	if config.MaxPrefetch <= 0 {
		config.MaxPrefetch = 3
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	c := &Coordinator{
		config:   config,
		reporter: config.Reporter,
		log:      logger.With().Str("component", "speculation").Logger(),
		now:      config.Now,
	}
	if c.reporter == nil {
		c.reporter = report.Nop{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// OnNavigate records whether page was speculated, retracts the previous
// directives and installs directives for the pages predicted after page.
// Failures are logged and leave no directives installed.
func (c *Coordinator) OnNavigate(ctx context.Context, page string) []Directive {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.page != "" && len(c.current) > 0 {
		c.recordOutcome(page)
	}
	c.page = page
	c.arrivedAt = c.now()
	if !c.retractLocked(ctx) {
		return nil
	}
	directives := c.plan(page, c.eagerness(0))
	if !c.installLocked(ctx, directives) {
		return nil
	}
	c.log.Debug().Str("page", page).Int("directives", len(directives)).Msg("Installed speculation")
	return cloneAll(directives)
}

// Escalate raises the eagerness of the current directives when the user has
// stayed on the page long enough. It returns the directives and whether they
// changed.
func (c *Coordinator) Escalate(ctx context.Context) ([]Directive, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.current) == 0 {
		return cloneAll(c.current), false
	}
	target := c.eagerness(c.now().Sub(c.arrivedAt))
	if target <= c.current[0].Eagerness {
		return cloneAll(c.current), false
	}
	escalated := cloneAll(c.current)
	for i := range escalated {
		escalated[i].Eagerness = target
	}
	if !c.retractLocked(ctx) || !c.installLocked(ctx, escalated) {
		return nil, true
	}
	c.log.Debug().Str("page", c.page).Str("eagerness", target.String()).Msg("Escalated speculation")
	return cloneAll(escalated), true
}

// SetNetwork updates the connection info. Going to a constrained connection
// replaces the current directives with conservative prefetches.
func (c *Coordinator) SetNetwork(ctx context.Context, info NetworkInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasConstrained := c.network.Constrained()
	c.network = info
	if !info.Constrained() || wasConstrained || len(c.current) == 0 {
		return
	}
	if !c.retractLocked(ctx) {
		return
	}
	directives := c.plan(c.page, c.eagerness(c.now().Sub(c.arrivedAt)))
	c.installLocked(ctx, directives)
}

// Current returns the installed directives.
func (c *Coordinator) Current() []Directive {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneAll(c.current)
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// plan maps predictions to directives: the top prediction is prerendered
// when it is likely enough, the following ones are prefetched.
func (c *Coordinator) plan(page string, eagerness Eagerness) []Directive {
	predictions := c.config.Predictor.Predict(page, c.config.PrefetchThreshold)
	constrained := c.network.Constrained()
	var prerender, prefetch []string
	for i, p := range predictions {
		if i == 0 && !constrained && p.Probability >= c.config.PrerenderThreshold {
			prerender = append(prerender, p.URL)
			continue
		}
		if len(prefetch) >= c.config.MaxPrefetch {
			break
		}
		prefetch = append(prefetch, p.URL)
	}
	directives := make([]Directive, 0, 2)
	if len(prerender) > 0 {
		directives = append(directives, Directive{URLs: prerender, Mode: Prerender, Eagerness: eagerness})
	}
	if len(prefetch) > 0 {
		directives = append(directives, Directive{URLs: prefetch, Mode: Prefetch, Eagerness: eagerness})
	}
	return directives
}

func (c *Coordinator) eagerness(dwell time.Duration) Eagerness {
	if c.network.Constrained() {
		return Conservative
	}
	e := c.config.DefaultEagerness
	if c.config.ModerateAfter > 0 && dwell >= c.config.ModerateAfter && e < Moderate {
		e = Moderate
	}
	if c.config.EagerAfter > 0 && dwell >= c.config.EagerAfter {
		e = Eager
	}
	return e
}

// retractLocked withdraws the current directives together with any left over
// from an earlier failed retract. On failure they are kept for the next try.
func (c *Coordinator) retractLocked(ctx context.Context) bool {
	if len(c.current) == 0 && len(c.stale) == 0 {
		return true
	}
	pending := make([]Directive, 0, len(c.stale)+len(c.current))
	pending = append(pending, c.stale...)
	pending = append(pending, c.current...)
	c.current = nil
	if err := c.config.Installer.Retract(ctx, cloneAll(pending)); err != nil {
		c.stale = pending
		c.log.Warn().Err(err).Str("page", c.page).Int("pending", len(pending)).Msg("Could not retract speculation")
		c.reporter.Report(report.Event{Kind: report.SpeculationInstallFailed, Time: c.now(), Page: c.page, Err: err})
		return false
	}
	c.stale = nil
	return true
}

func (c *Coordinator) installLocked(ctx context.Context, directives []Directive) bool {
	if len(directives) == 0 {
		return true
	}
	if err := c.config.Installer.Install(ctx, cloneAll(directives)); err != nil {
		c.log.Warn().Err(err).Str("page", c.page).Msg("Could not install speculation")
		c.reporter.Report(report.Event{Kind: report.SpeculationInstallFailed, Time: c.now(), Page: c.page, Err: err})
		return false
	}
	c.current = directives
	return true
}

func (c *Coordinator) recordOutcome(page string) {
	hit := false
	for _, d := range c.current {
		for _, u := range d.URLs {
			if u == page {
				hit = true
			}
		}
	}
	c.stats.Samples++
	kind := report.SpeculationMiss
	if hit {
		c.stats.Hits++
		kind = report.SpeculationHit
	}
	c.stats.HitRate = float64(c.stats.Hits) / float64(c.stats.Samples)
	c.log.Trace().Str("page", page).Bool("hit", hit).Float64("hitRate", c.stats.HitRate).Msg("Speculation outcome")
	c.reporter.Report(report.Event{Kind: kind, Time: c.now(), Page: page, HitRate: c.stats.HitRate, Samples: c.stats.Samples})

	if c.config.LowHitRate <= 0 || c.stats.Samples < c.config.MinSamples {
		return
	}
	low := c.stats.HitRate < c.config.LowHitRate
	if low && !c.advised {
		c.log.Warn().Float64("hitRate", c.stats.HitRate).Int("samples", c.stats.Samples).Msg("Speculation hit rate is low")
		c.reporter.Report(report.Event{
			Kind:    report.SpeculationLowHitRate,
			Time:    c.now(),
			HitRate: c.stats.HitRate,
			Samples: c.stats.Samples,
		})
	}
	c.advised = low
}
