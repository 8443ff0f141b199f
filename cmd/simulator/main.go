package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dommgifer/CK-EP-sub000/internal/simulator"
	"github.com/dommgifer/CK-EP-sub000/pkg/config"
	"github.com/dommgifer/CK-EP-sub000/pkg/logger"
)

func main() {
	cfg := config.LoadSimulatorConfig()
	log := logger.New("simulator", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scenario := simulator.DefaultScenario()
	if cfg.ScenarioPath != "" {
		loaded, err := simulator.LoadScenario(cfg.ScenarioPath)
		if err != nil {
			log.Error("failed to load scenario", "path", cfg.ScenarioPath, "error", err)
			os.Exit(1)
		}
		scenario = loaded
		log.Info("scenario loaded", "name", scenario.Name, "outcome", scenario.Outcome)
	}

	var broker simulator.Broker = simulator.NewMemoryBroker()
	var store simulator.StatusStore = simulator.NewMemoryStatusStore()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisBroker, err := simulator.NewRedisBroker(addr, cfg.RedisPass, cfg.RedisDB)
		if err != nil {
			log.Error("redis unavailable", "addr", addr, "error", err)
			os.Exit(1)
		}
		broker = redisBroker
		store = simulator.NewRedisStatusStore(redisBroker.Client(), cfg.StatusTTL)
		log.Info("using redis event broker", "addr", addr)
	}
	defer broker.Close()

	runner := simulator.NewRunner(broker, store, scenario, log)
	reg := prometheus.NewRegistry()
	server := simulator.NewServer(runner, broker, store, reg, log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("simulator starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("simulator stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
