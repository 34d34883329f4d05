package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gaspardpetit/plexchat/core/logx"
	"github.com/gaspardpetit/plexchat/internal/config"
	"github.com/gaspardpetit/plexchat/internal/metrics"
	"github.com/gaspardpetit/plexchat/internal/plexchat"
	"github.com/gaspardpetit/plexchat/internal/server"
	"github.com/gaspardpetit/plexchat/internal/statestore"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ServerConfig
	// defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv()
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "plexchat version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("plexchat version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid config")
	}
	if len(cfg.Endpoints) == 0 {
		logx.Log.Fatal().Str("config", cfg.ConfigFile).Msg("no endpoints configured")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	client, err := plexchat.New(plexchat.Config{
		Manifests:     cfg.Endpoints,
		Packing:       cfg.Packing,
		MaxRetry:      cfg.MaxRetry,
		TaskTimeout:   cfg.TaskTimeout,
		SweepInterval: cfg.SweepInterval,
	})
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("build workers")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := statestore.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs, err := statestore.NewRedisStore(ctx, cfg.RedisAddr, cfg.StatusKey, 3*cfg.StatusInterval)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		store = rs
		logx.Log.Info().Str("key", cfg.StatusKey).Msg("publishing status to redis")
	}
	publisher := &statestore.Publisher{Store: store, Status: client.Status, Interval: cfg.StatusInterval}
	published := make(chan struct{})
	go func() {
		defer close(published)
		publisher.Run(ctx)
	}()

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: server.New(cfg, client, reg)}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: server.MetricsHandler(reg)}
	}

	go handleSignals(ctx, cancel, cfg.DrainTimeout)
	go func() {
		<-ctx.Done()
		statestore.SetState("stopping")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if cfg.APIKey != "" {
		logx.Log.Info().Msg("API key auth enabled")
	}
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	statestore.SetState("ready")
	logx.Log.Info().Int("port", cfg.Port).Str("version", version).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	client.Shutdown()
	cancel()
	<-published
	logx.Log.Info().Msg("server stopped")
}

// handleSignals drains on the first signal and cancels ctx once in-flight
// submissions finish or the drain timeout passes. A second signal, or a zero
// timeout, cancels immediately. A negative timeout waits indefinitely.
func handleSignals(ctx context.Context, cancel context.CancelFunc, drainTimeout time.Duration) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
		}
		if statestore.IsDraining() || drainTimeout == 0 {
			logx.Log.Warn().Msg("termination requested")
			cancel()
			return
		}
		statestore.StartDrain()
		logx.Log.Info().Int64("inflight", server.InflightSubmissions()).Dur("timeout", drainTimeout).
			Msg("draining; send SIGTERM again to terminate immediately")
		go func() {
			waitCtx, stop := ctx, context.CancelFunc(func() {})
			if drainTimeout > 0 {
				waitCtx, stop = context.WithTimeout(ctx, drainTimeout)
			}
			defer stop()
			if server.WaitForSubmissions(waitCtx) {
				logx.Log.Info().Msg("drain complete; terminating")
			} else if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				logx.Log.Warn().Int64("inflight", server.InflightSubmissions()).Msg("drain timeout exceeded; terminating")
			}
			cancel()
		}()
	}
}
