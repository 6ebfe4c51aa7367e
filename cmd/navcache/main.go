package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/navcache"
	hostapi "github.com/always-cache/navcache/pkg/host-api"
	"github.com/always-cache/navcache/pkg/report"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

// this is set by goreleaser
var version string

var rootCmd = &cobra.Command{
	Use:   "navcache",
	Short: "Run a caching and speculative navigation engine in front of an origin",
	Long: "Run a caching and speculative navigation engine in front of an origin.\n" +
		"Requests are answered per resource class from a partitioned cache, mutations\n" +
		"made while the origin is unreachable are queued and replayed, and navigation\n" +
		"patterns drive prefetch and prerender hints under " + hostapi.Prefix + ".",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	if version == "" {
		version = "DEV"
	}
	flags := rootCmd.Flags()
	flags.String("config", "", "Config file (yaml)")
	flags.String("origin", "", "Origin URL to proxy to")
	flags.String("host", "", "Hostname of origin")
	flags.String("listen", "", "Address to listen on")
	flags.String("storage", "", "Storage driver: sqlite, leveldb or memory")
	flags.String("db", "", "Database file (sqlite) or directory (leveldb)")
	flags.Bool("vv", false, "Verbosity: trace logging")
	flags.String("log-file", "", "Log file to use (in addition to stdout)")
	flags.Bool("version", false, "Print version")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(command *cobra.Command, _ []string) error {
	flags := command.Flags()
	if v, _ := flags.GetBool("version"); v {
		fmt.Println(version)
		return nil
	}

	configFile, _ := flags.GetString("config")
	config, err := navcache.LoadConfig(configFile)
	if err != nil {
		return err
	}
	applyFlags(command, &config)
	if err := config.Validate(); err != nil {
		return err
	}

	logWriter, err := setupLogging(config.Log)
	if err != nil {
		return err
	}
	if logWriter != nil {
		defer logWriter.Close()
	}

	provider, err := config.OpenProvider()
	if err != nil {
		return fmt.Errorf("open %s storage: %w", config.Storage.Driver, err)
	}
	defer provider.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := report.NewPrometheusSink(registry, "navcache")
	if err != nil {
		return err
	}

	engineConfig, err := config.EngineConfig(provider, &log.Logger)
	if err != nil {
		return err
	}
	engineConfig.Reporter = report.Multi{report.LogSink{Logger: log.Logger}, metrics}
	engine, err := navcache.New(engineConfig)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close engine")
		}
	}()

	server := &http.Server{
		Addr: config.Listen,
		Handler: hostapi.NewRouter(hostapi.Config{
			Engine:   engine,
			Gatherer: registry,
			Logger:   &log.Logger,
		}),
		ReadHeaderTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("Proxying %s to %s (with hostname '%s')", config.Listen, config.Origin, config.Host)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Could not shut down cleanly")
		}
	}
	return nil
}

// applyFlags overrides config values with the flags given on the command line.
func applyFlags(command *cobra.Command, config *navcache.FileConfig) {
	flags := command.Flags()
	set := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	set("origin", &config.Origin)
	set("host", &config.Host)
	set("listen", &config.Listen)
	set("storage", &config.Storage.Driver)
	set("db", &config.Storage.Path)
	set("log-file", &config.Log.File)
	if trace, _ := flags.GetBool("vv"); trace {
		config.Log.Level = zerolog.TraceLevel.String()
	}
}

// setupLogging sets up log output to stdout, and to a rotated file if one is
// configured.
func setupLogging(config navcache.LogConfig) (io.WriteCloser, error) {
	logLevel, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	var logFile *lumberjack.Logger
	if config.File != "" {
		logFile = &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
		}
		logOutputs = append(logOutputs, logFile)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	if logFile == nil {
		return nil, nil
	}
	return logFile, nil
}
