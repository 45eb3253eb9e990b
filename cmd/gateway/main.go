// cmd/gateway/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"greenhouse-gateway/internal/alerting"
	"greenhouse-gateway/internal/api"
	"greenhouse-gateway/internal/auth"
	"greenhouse-gateway/internal/broker"
	"greenhouse-gateway/internal/config"
	"greenhouse-gateway/internal/devicepref"
	"greenhouse-gateway/internal/ingest"
	"greenhouse-gateway/internal/logging"
	"greenhouse-gateway/internal/metrics"
	"greenhouse-gateway/internal/scheduler"
	"greenhouse-gateway/internal/storage"
	"greenhouse-gateway/internal/topics"
	"greenhouse-gateway/internal/websocket"
)

func main() {
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	hashPassword := flag.String("hash-password", "", "Print the bcrypt hash of a device password and exit")
	issueToken := flag.String("issue-token", "", "Print a signed JWT for the given user id and exit")
	tokenRole := flag.String("token-role", "", "Role claim for -issue-token (e.g. admin)")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, "hash password:", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, err := auth.NewManager(cfg.Auth).GenerateJWT(*issueToken, *tokenRole)
		if err != nil {
			fmt.Fprintln(os.Stderr, "issue token:", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// --- Storage ---
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Broker ---
	mqttBroker, err := broker.New(broker.Options{
		Address:        cfg.MQTT.Address,
		AllowAnonymous: cfg.MQTT.AllowAnonymous,
		Devices:        cfg.MQTT.Devices,
	}, logger)
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	if err := mqttBroker.Start(); err != nil {
		return err
	}
	defer mqttBroker.Close()
	logger.Info("mqtt broker listening", "address", cfg.MQTT.Address, "allow_anonymous", cfg.MQTT.AllowAnonymous)

	// --- Live connections ---
	hub := websocket.NewHub(topics.NewRegistry(), logger, m)
	go hub.Run(ctx)
	broadcaster := websocket.NewBroadcaster(hub.Registry(), hub, logger, m)

	// --- Pipeline ---
	evaluator := alerting.NewEvaluator(store, broadcaster, logger, m)
	ingestor := ingest.New(mqttBroker, store, broadcaster, evaluator, ingest.Options{
		Workers:   cfg.Ingest.Workers,
		QueueSize: cfg.Ingest.QueueSize,
	}, logger, m)
	if err := ingestor.Start(ctx); err != nil {
		return err
	}
	defer ingestor.Stop()

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(evaluator, cfg.Scheduler.Hour, cfg.Location(), logger, m)
		if err != nil {
			return err
		}
		go sched.Run(ctx)
	}

	// --- HTTP ---
	am := auth.NewManager(cfg.Auth)
	prefs := devicepref.NewPublisher(mqttBroker, logger)
	apiHandler := api.NewAPIHandler(hub, am, store, prefs, api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		HistoryLimit:   cfg.Server.HistoryLimit,
	}, logger)

	routerOpts := api.RouterOptions{MetricsRequireKey: cfg.Metrics.RequireKey}
	if cfg.Metrics.Enabled {
		routerOpts.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}
	server := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: api.SetupRouter(apiHandler, routerOpts),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "address", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// --- Graceful Shutdown ---
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// openStore builds the configured store and optionally routes readings to
// InfluxDB.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	var (
		base    storage.Store
		closers []func()
	)

	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := storage.OpenPostgres(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		base = pg
		closers = append(closers, func() { pg.Close() })
	default:
		mem := storage.NewMemoryStore(cfg.Storage.HistorySize)
		if cfg.Storage.SeedFile != "" {
			if err := mem.LoadSeed(cfg.Storage.SeedFile); err != nil {
				return nil, nil, err
			}
		}
		base = mem
	}
	logger.Info("storage ready", "driver", cfg.Storage.Driver)

	if cfg.Influx.Enabled {
		client := influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
		readings := storage.NewInfluxReadings(client, cfg.Influx.Org, cfg.Influx.Bucket)
		if err := readings.Ping(ctx); err != nil {
			client.Close()
			for _, c := range closers {
				c()
			}
			return nil, nil, err
		}
		base = storage.WithReadings(base, readings)
		closers = append(closers, client.Close)
		logger.Info("readings routed to influxdb", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}

	return base, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}
