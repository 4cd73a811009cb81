package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/yanun0323/logs"

	"execgate/internal/breaker"
	"execgate/internal/broker"
	"execgate/internal/gateway"
	"execgate/internal/killswitch"
	"execgate/internal/kv"
	"execgate/internal/obs"
	"execgate/internal/ops"
	"execgate/internal/reconcile"
	"execgate/internal/reserve"
	"execgate/internal/store"
	"execgate/pkg/conn"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	configReload := flag.Duration("config-reload-interval", 0, "Config reload interval (0=disable)")
	paper := flag.Bool("paper", false, "Use the in-memory fake broker instead of Alpaca")
	flag.Parse()

	ops.LoadEnv()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("config load failed: %v", err)
		os.Exit(1)
	}
	runtime := ops.NewRuntime(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *configPath != "" && *configReload > 0 {
		go watchConfig(ctx, *configPath, *configReload, runtime.Update)
	}
	if cfg.Profiling.ServerAddress != "" {
		startProfiler(cfg.Profiling.ServerAddress)
	}

	client, err := conn.NewRedis(ctx, conn.RedisOption{
		Addr:     cfg.Redis.Addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logs.Errorf("redis connect failed: %v", err)
		os.Exit(1)
	}
	defer client.Close()
	kvStore := kv.NewRedis(client)

	var orders *store.Store
	if cfg.Postgres.ConnString != "" {
		db, err := conn.NewPG(conn.PGOption{ConnString: cfg.Postgres.ConnString})
		if err != nil {
			logs.Errorf("postgres connect failed: %v", err)
			os.Exit(1)
		}
		orders = store.New(db)
		if err := orders.Migrate(); err != nil {
			logs.Errorf("order store migration failed: %v", err)
			os.Exit(1)
		}
	} else {
		logs.Warnf("no postgres configured, order persistence disabled")
	}

	var b broker.Broker
	if *paper {
		b = broker.NewFake()
		logs.Warnf("running against the fake broker, no real orders will be placed")
	} else {
		b = broker.NewAlpaca()
	}

	kill := killswitch.New(kvStore)
	cb := breaker.New(kvStore)
	ledger := reserve.NewLedgerTTL(kvStore, cfg.Reservation.TokenTTL())

	reconciler := reconcile.New(b, ledger, cfg.Reconcile.Interval(), cfg.Reconcile.Watchlist)
	go func() {
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logs.Errorf("reconciler stopped: %v", err)
		}
	}()

	registry := prometheus.NewRegistry()
	server := gateway.New(gateway.Config{
		Runtime:  runtime,
		Kill:     kill,
		Breaker:  cb,
		Ledger:   ledger,
		Broker:   b,
		Orders:   orders,
		Metrics:  obs.New(registry),
		Gatherer: registry,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logs.Infof("listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Errorf("http server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logs.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logs.Errorf("http shutdown failed: %v", err)
	}
}

// watchConfig polls the config file and swaps the runtime snapshot when its
// mtime advances. Handlers pick up the new policy on their next request.
func watchConfig(ctx context.Context, path string, interval time.Duration, update func(ops.FileConfig)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				logs.Warnf("config stat failed: %v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			cfg, err := ops.Load(path)
			if err != nil {
				logs.Warnf("config reload failed: %v", err)
				continue
			}
			update(cfg)
			lastMod = info.ModTime()
			logs.Infof("config reloaded: %s", path)
		}
	}
}

func startProfiler(serverAddress string) {
	_, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "execgate",
		ServerAddress:   serverAddress,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		logs.Warnf("profiler start failed: %v", err)
	}
}
