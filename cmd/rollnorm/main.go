package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"rollnorm/conf"
	"rollnorm/logger"
	"rollnorm/monitor"
	"rollnorm/store"
)

func main() {
	fs := conf.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	loader, err := conf.NewLoader(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, loader, log); err != nil {
		log.Error("rollnorm exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *conf.Config, loader *conf.Loader, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	detector, err := monitor.NewDetector(cfg.Window, cfg.Threshold,
		monitor.WithLogger(log),
		monitor.WithRegisterer(reg),
		monitor.WithResyncEvery(cfg.ResyncEvery),
	)
	if err != nil {
		return err
	}

	loader.Watch(func(c *conf.Config, err error) {
		if err != nil {
			log.Warn("config reload rejected", zap.Error(err))
			return
		}
		if err := detector.SetThreshold(c.Threshold); err != nil {
			log.Warn("threshold not applied", zap.Error(err))
			return
		}
		if c.Window != detector.Size() {
			log.Warn("window size changes need a restart", zap.Int("running", detector.Size()), zap.Int("configured", c.Window))
		}
		log.Info("config reloaded", zap.Float64("threshold", c.Threshold))
	})

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
	}

	a := newApp(detector, st, log, os.Stdout)
	log.Info("rollnorm started",
		zap.String("source", cfg.Source),
		zap.Int("window", cfg.Window),
		zap.Float64("threshold", cfg.Threshold))

	switch cfg.Source {
	case conf.SourceCPU:
		err = a.sampleCPU(ctx, cfg.Interval)
	default:
		err = a.consume(ctx, os.Stdin)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.checkpoint(shutdownCtx)
	if srv != nil {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Warn("metrics shutdown", zap.Error(serr))
		}
	}
	return err
}

func openStore(ctx context.Context, cfg *conf.Config) (store.Store, error) {
	switch cfg.Store.Kind {
	case conf.StoreRedis:
		r := cfg.Store.Redis
		return store.NewRedisStore(store.RedisOpts{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			TTL:      r.TTL,
			History:  r.History,
		}), nil
	case conf.StoreMySQL:
		s, err := store.NewSQLStore(ctx, cfg.Store.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}
