package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hamed0406/safealert/internal/config"
	"github.com/hamed0406/safealert/internal/engine"
	"github.com/hamed0406/safealert/internal/feed"
	"github.com/hamed0406/safealert/internal/httpapi"
	apimw "github.com/hamed0406/safealert/internal/httpapi/middleware"
	"github.com/hamed0406/safealert/internal/logging"
	"github.com/hamed0406/safealert/internal/metrics"
	"github.com/hamed0406/safealert/internal/notify"
	"github.com/hamed0406/safealert/internal/repo"
	"github.com/hamed0406/safealert/internal/repo/badgerstore"
	"github.com/hamed0406/safealert/internal/repo/memory"
	"github.com/hamed0406/safealert/internal/repo/postgres"
	"github.com/hamed0406/safealert/internal/rules"
	"github.com/hamed0406/safealert/internal/scheduler"
	"github.com/hamed0406/safealert/internal/vault"
)

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		log.Fatalf("env files: %v", err)
	}
	cfg := config.FromEnv()

	logger, err := logging.NewLogger(cfg.LogDir, logging.Options{Level: cfg.LogLevel, Stderr: true})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("daemon_failed", zap.Error(err))
	}
	logger.Info("daemon_stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store_close_error", zap.Error(err))
		}
	}()

	sealer, err := openSealer(cfg)
	if err != nil {
		return err
	}
	contacts := vault.New(store, sealer)

	if cfg.ZonesFile != "" {
		if err := seedZones(ctx, store, cfg.ZonesFile); err != nil {
			return err
		}
		logger.Info("zones_seeded", zap.String("file", cfg.ZonesFile))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	dcfg := notify.DefaultDispatcherConfig()
	dcfg.Timeout = cfg.SendTimeout
	dcfg.RPS = cfg.ChannelRPS
	dispatcher := notify.NewDispatcher(dcfg, contacts, logger, channels(cfg, logger)...)

	owner := notify.Multi{notify.Log{L: logger}}
	if w := notify.NewWebhook(cfg.OwnerWebhookURL); w != nil {
		owner = append(owner, w)
	}

	scfg := scheduler.DefaultConfig()
	scfg.Workers = cfg.Workers
	scfg.FanOut = cfg.FanOut
	scfg.MaxAttempts = cfg.MaxAttempts
	scfg.BaseDelay = cfg.RetryBase
	scfg.MaxDelay = cfg.RetryMax
	scfg.PollInterval = cfg.PollInterval
	scfg.Retention = cfg.Retention
	sched := scheduler.New(logger.Named("scheduler"), store, contacts, dispatcher, owner, m, scfg)

	fcfg := feed.DefaultConfig()
	fcfg.Request.MinInterval = cfg.MinInterval
	fcfg.Request.MinDisplacementMeters = cfg.MinDisplacementMeters
	fcfg.Request.DesiredAccuracy = feed.Accuracy(cfg.DesiredAccuracy)
	fcfg.GapAfter = cfg.GapAfter
	src := feed.NewChannelSource(64)
	adapter := feed.NewAdapter(src, fcfg, logger.Named("feed"))

	eng := engine.New(engine.Deps{
		Log:    logger.Named("engine"),
		Stream: adapter,
		Eval: rules.NewEvaluator(rules.Config{
			CoolDown:            cfg.CoolDown,
			NoMotionWindow:      cfg.NoMotionWindow,
			MaxHysteresisMeters: cfg.MaxHysteresisMeters,
		}),
		Store:    store,
		Zones:    store,
		Contacts: contacts,
		Queue:    sched,
		Metrics:  m,
	}, engine.DefaultConfig())

	api := httpapi.NewServer(httpapi.Server{
		Logger:    logger.Named("http"),
		Alerts:    store,
		Zones:     store,
		Contacts:  contacts,
		Positions: src,
		Triggers:  adapter,
		Engine:    eng,
		Gatherer:  reg,
	})
	keys := apimw.Keys{Public: cfg.PublicAPIKeys, Admin: cfg.AdminAPIKeys}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(keys, cfg.AllowedOrigins, cfg.PublicRPM, cfg.PublicBurst, cfg.AdminRPM, cfg.AdminBurst),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(sched.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(eng.Run(gctx)) })
	if bs, ok := store.(*badgerstore.Store); ok {
		g.Go(func() error { bs.RunGC(gctx, 10*time.Minute); return nil })
	}
	g.Go(func() error {
		logger.Info("api_listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repo.Store, error) {
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL, logger.Named("postgres"))
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		logger.Info("store_opened", zap.String("kind", "postgres"))
		return pg, nil
	}
	if cfg.DataDir == config.InMemory {
		logger.Warn("store_opened", zap.String("kind", "memory"), zap.String("hint", "nothing survives a restart"))
		return memory.New(), nil
	}
	bcfg := badgerstore.DefaultConfig(filepath.Join(cfg.DataDir, "badger"))
	bcfg.Logger = logger
	bs, err := badgerstore.Open(bcfg)
	if err != nil {
		return nil, err
	}
	logger.Info("store_opened", zap.String("kind", "badger"), zap.String("path", bcfg.Path))
	return bs, nil
}

func openSealer(cfg config.Config) (vault.Sealer, error) {
	var master []byte
	if cfg.VaultKey != "" {
		b, err := base64.StdEncoding.DecodeString(cfg.VaultKey)
		if err != nil {
			return nil, fmt.Errorf("VAULT_KEY: %w", err)
		}
		master = b
	} else if cfg.DataDir == config.InMemory {
		master = make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			return nil, err
		}
	} else {
		b, err := vault.LoadOrCreateKey(filepath.Join(cfg.DataDir, "vault.key"))
		if err != nil {
			return nil, err
		}
		master = b
	}
	return vault.DeriveSealer(master, "contacts")
}

func seedZones(ctx context.Context, zones repo.ZoneStore, path string) error {
	list, err := config.LoadZones(path)
	if err != nil {
		return err
	}
	for i := range list {
		if err := zones.PutZone(ctx, &list[i]); err != nil {
			return fmt.Errorf("seed zone %s: %w", list[i].ID, err)
		}
	}
	return nil
}

func channels(cfg config.Config, logger *zap.Logger) []notify.Channel {
	client := &http.Client{Timeout: cfg.SendTimeout}
	var out []notify.Channel
	if cfg.SMSGatewayURL != "" {
		out = append(out, &notify.SMS{GatewayURL: cfg.SMSGatewayURL, Client: client})
	}
	if cfg.AlertAPIURL != "" {
		out = append(out, &notify.API{Endpoint: cfg.AlertAPIURL, UserID: cfg.UserID, Client: client})
	}
	if cfg.PushGatewayURL != "" {
		out = append(out, &notify.Push{GatewayURL: cfg.PushGatewayURL, Client: client})
	}
	if len(out) == 0 {
		logger.Warn("no_delivery_channels", zap.String("hint", "set SMS_GATEWAY_URL, ALERT_API_URL or PUSH_GATEWAY_URL"))
	}
	return out
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
