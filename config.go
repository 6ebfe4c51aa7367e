package navcache

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/always-cache/navcache/cache"
	resourceclass "github.com/always-cache/navcache/pkg/resource-class"
	"github.com/always-cache/navcache/pkg/speculation"
	syncqueue "github.com/always-cache/navcache/pkg/sync-queue"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// FileConfig is the configuration of the navcache command.
type FileConfig struct {
	// URL of the origin server. Origins with paths are not supported.
	Origin string `yaml:"origin"`
	// Hostname to use for HTTP requests and TLS negotiation.
	Host   string `yaml:"host"`
	Listen string `yaml:"listen"`
	// Default network timeout.
	Timeout time.Duration `yaml:"timeout"`
	// Query parameters left out of cache keys; "utm_" matches by prefix.
	IgnoreQuery   []string               `yaml:"ignoreQuery"`
	Storage       StorageConfig          `yaml:"storage"`
	Partitions    []cache.Partition      `yaml:"partitions"`
	Classes       map[string]ClassConfig `yaml:"classes"`
	Rules         resourceclass.Rules    `yaml:"rules"`
	Sync          SyncConfig             `yaml:"sync"`
	Navigation    NavigationConfig       `yaml:"navigation"`
	Speculation   SpeculationConfig      `yaml:"speculation"`
	SweepInterval time.Duration          `yaml:"sweepInterval"`
	Log           LogConfig              `yaml:"log"`
}

type StorageConfig struct {
	// "sqlite", "leveldb" or "memory"
	Driver string `yaml:"driver"`
	// Database file (sqlite) or directory (leveldb).
	Path string `yaml:"path"`
	// Byte quota of the memory driver; zero is unlimited.
	QuotaBytes int `yaml:"quotaBytes"`
	// Page limit of the sqlite driver; zero is unlimited.
	MaxPages int `yaml:"maxPages"`
}

type SyncConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Jitter       bool          `yaml:"jitter"`
	// Replays per second; zero disables pacing.
	RateLimit float64 `yaml:"rateLimit"`
	Burst     int     `yaml:"burst"`
	// Interval of the background flush; zero disables it.
	FlushInterval time.Duration `yaml:"flushInterval"`
}

type NavigationConfig struct {
	// Number of recent transitions the model keeps; zero keeps all.
	Window int `yaml:"window"`
}

type SpeculationConfig struct {
	PrefetchThreshold  float64               `yaml:"prefetchThreshold"`
	PrerenderThreshold float64               `yaml:"prerenderThreshold"`
	MaxPrefetch        int                   `yaml:"maxPrefetch"`
	DefaultEagerness   speculation.Eagerness `yaml:"defaultEagerness"`
	ModerateAfter      time.Duration         `yaml:"moderateAfter"`
	EagerAfter         time.Duration         `yaml:"eagerAfter"`
	LowHitRate         float64               `yaml:"lowHitRate"`
	MinSamples         int                   `yaml:"minSamples"`
	// Interval of dwell time checks; zero disables escalation.
	EscalateInterval time.Duration `yaml:"escalateInterval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Log file, written in addition to the console.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// envOverrides are the settings that can be changed from the environment.
type envOverrides struct {
	Origin             string        `env:"NAVCACHE_ORIGIN"`
	Host               string        `env:"NAVCACHE_HOST"`
	Listen             string        `env:"NAVCACHE_LISTEN"`
	Timeout            time.Duration `env:"NAVCACHE_TIMEOUT"`
	IgnoreQuery        []string      `env:"NAVCACHE_IGNORE_QUERY" envSeparator:","`
	StorageDriver      string        `env:"NAVCACHE_STORAGE_DRIVER"`
	StoragePath        string        `env:"NAVCACHE_STORAGE_PATH"`
	SyncMaxAttempts    int           `env:"NAVCACHE_SYNC_MAX_ATTEMPTS"`
	SyncFlushInterval  time.Duration `env:"NAVCACHE_SYNC_FLUSH_INTERVAL"`
	NavigationWindow   int           `env:"NAVCACHE_NAVIGATION_WINDOW"`
	PrefetchThreshold  float64       `env:"NAVCACHE_PREFETCH_THRESHOLD"`
	PrerenderThreshold float64       `env:"NAVCACHE_PRERENDER_THRESHOLD"`
	SweepInterval      time.Duration `env:"NAVCACHE_SWEEP_INTERVAL"`
	LogLevel           string        `env:"NAVCACHE_LOG_LEVEL"`
	LogFile            string        `env:"NAVCACHE_LOG_FILE"`
}

// DefaultFileConfig returns the configuration used for unset values.
func DefaultFileConfig() FileConfig {
	classes := make(map[string]ClassConfig)
	for class, cc := range DefaultClasses() {
		classes[class.String()] = cc
	}
	backoff := syncqueue.DefaultBackoff()
	return FileConfig{
		Listen:  ":8080",
		Timeout: defaultTimeout,
		IgnoreQuery: []string{
			"utm_",
			"fbclid",
			"gclid",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "navcache.db",
		},
		Partitions: DefaultPartitions(),
		Classes:    classes,
		Sync: SyncConfig{
			MaxAttempts:   syncqueue.DefaultMaxAttempts,
			InitialDelay:  backoff.InitialDelay,
			MaxDelay:      backoff.MaxDelay,
			Jitter:        backoff.Jitter,
			RateLimit:     5,
			Burst:         1,
			FlushInterval: 30 * time.Second,
		},
		Speculation: SpeculationConfig{
			PrefetchThreshold:  0.15,
			PrerenderThreshold: 0.5,
			MaxPrefetch:        3,
			DefaultEagerness:   speculation.Conservative,
			ModerateAfter:      2 * time.Second,
			EagerAfter:         10 * time.Second,
			LowHitRate:         0.2,
			MinSamples:         20,
			EscalateInterval:   time.Second,
		},
		SweepInterval: time.Minute,
		Log: LogConfig{
			Level:      "debug",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// LoadConfig reads the YAML file over the defaults and applies environment
// overrides. An empty filename skips the file.
func LoadConfig(filename string) (FileConfig, error) {
	config := DefaultFileConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := config.ApplyEnv(); err != nil {
		return config, err
	}
	return config, nil
}

// ApplyEnv overrides settings from NAVCACHE_* environment variables.
func (c *FileConfig) ApplyEnv() error {
	o := envOverrides{
		Origin:             c.Origin,
		Host:               c.Host,
		Listen:             c.Listen,
		Timeout:            c.Timeout,
		IgnoreQuery:        c.IgnoreQuery,
		StorageDriver:      c.Storage.Driver,
		StoragePath:        c.Storage.Path,
		SyncMaxAttempts:    c.Sync.MaxAttempts,
		SyncFlushInterval:  c.Sync.FlushInterval,
		NavigationWindow:   c.Navigation.Window,
		PrefetchThreshold:  c.Speculation.PrefetchThreshold,
		PrerenderThreshold: c.Speculation.PrerenderThreshold,
		SweepInterval:      c.SweepInterval,
		LogLevel:           c.Log.Level,
		LogFile:            c.Log.File,
	}
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	c.Origin = o.Origin
	c.Host = o.Host
	c.Listen = o.Listen
	c.Timeout = o.Timeout
	c.IgnoreQuery = o.IgnoreQuery
	c.Storage.Driver = o.StorageDriver
	c.Storage.Path = o.StoragePath
	c.Sync.MaxAttempts = o.SyncMaxAttempts
	c.Sync.FlushInterval = o.SyncFlushInterval
	c.Navigation.Window = o.NavigationWindow
	c.Speculation.PrefetchThreshold = o.PrefetchThreshold
	c.Speculation.PrerenderThreshold = o.PrerenderThreshold
	c.SweepInterval = o.SweepInterval
	c.Log.Level = o.LogLevel
	c.Log.File = o.LogFile
	return nil
}

// Validate reports every problem of the configuration.
func (c FileConfig) Validate() error {
	var errs []error
	if c.Origin == "" {
		errs = append(errs, errors.New("origin is required"))
	} else if u, err := url.Parse(c.Origin); err != nil {
		errs = append(errs, fmt.Errorf("origin: %w", err))
	} else if u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("origin %q must be an absolute URL", c.Origin))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}

	switch c.Storage.Driver {
	case "sqlite", "leveldb":
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage path is required for %s", c.Storage.Driver))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	partitions := make(map[string]bool)
	for _, p := range c.Partitions {
		switch {
		case p.Name == "":
			errs = append(errs, errors.New("partition without name"))
		case p.Name == navigationPartition || p.Name == syncqueue.DefaultPartition:
			errs = append(errs, fmt.Errorf("partition name %q is reserved", p.Name))
		case partitions[p.Name]:
			errs = append(errs, fmt.Errorf("duplicate partition %q", p.Name))
		}
		if p.MaxEntries < 0 || p.MaxAge < 0 {
			errs = append(errs, fmt.Errorf("partition %q: limits must not be negative", p.Name))
		}
		partitions[p.Name] = true
	}
	if _, err := c.classes(partitions); err != nil {
		errs = append(errs, err)
	}

	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, errors.New("sync maxAttempts must be at least 1"))
	}
	if c.Navigation.Window < 0 {
		errs = append(errs, errors.New("navigation window must not be negative"))
	}
	s := c.Speculation
	if s.PrefetchThreshold < 0 || s.PrefetchThreshold > 1 || s.PrerenderThreshold < 0 || s.PrerenderThreshold > 1 {
		errs = append(errs, errors.New("speculation thresholds must be between 0 and 1"))
	} else if s.PrerenderThreshold < s.PrefetchThreshold {
		errs = append(errs, errors.New("speculation prerenderThreshold must not be below prefetchThreshold"))
	}
	if s.EagerAfter > 0 && s.ModerateAfter > s.EagerAfter {
		errs = append(errs, errors.New("speculation moderateAfter must not exceed eagerAfter"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	return errors.Join(errs...)
}

// classes parses the class map. Partitions may be nil to skip that check.
func (c FileConfig) classes(partitions map[string]bool) (map[resourceclass.Class]ClassConfig, error) {
	out := make(map[resourceclass.Class]ClassConfig)
	var errs []error
	for name, cc := range c.Classes {
		class, err := resourceclass.Parse(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if partitions != nil && cc.Strategy != NetworkOnly && !partitions[cc.Partition] {
			errs = append(errs, fmt.Errorf("class %s: unknown partition %q", name, cc.Partition))
		}
		if cc.Timeout < 0 {
			errs = append(errs, fmt.Errorf("class %s: timeout must not be negative", name))
		}
		out[class] = cc
	}
	return out, errors.Join(errs...)
}

// OpenProvider opens the configured storage backend.
func (c FileConfig) OpenProvider() (cache.Provider, error) {
	switch c.Storage.Driver {
	case "sqlite":
		return cache.NewSQLiteCache(c.Storage.Path, c.Storage.MaxPages)
	case "leveldb":
		return cache.NewLevelDBCache(c.Storage.Path)
	case "memory":
		return cache.NewMemCache(c.Storage.QuotaBytes), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
}

// EngineConfig converts the file configuration for New.
func (c FileConfig) EngineConfig(provider cache.Provider, logger *zerolog.Logger) (Config, error) {
	origin, err := url.Parse(c.Origin)
	if err != nil {
		return Config{}, fmt.Errorf("origin: %w", err)
	}
	classes, err := c.classes(nil)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Provider:      provider,
		Origin:        origin,
		OriginHost:    c.Host,
		Partitions:    c.Partitions,
		Classes:       classes,
		Rules:         c.Rules,
		IgnoreQuery:   c.IgnoreQuery,
		Timeout:       c.Timeout,
		Sync:          c.Sync,
		Navigation:    c.Navigation,
		Speculation:   c.Speculation,
		SweepInterval: c.SweepInterval,
		Logger:        logger,
	}, nil
}
