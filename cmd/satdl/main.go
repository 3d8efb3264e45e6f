// Command satdl runs the CFDI bulk download service: the HTTP API, the
// background worker loop, and the Prometheus endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/api"
	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/config"
	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/metrics"
	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/orchestrator"
	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/storage"
	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/storage/gridfs"
	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/storage/postgres"
	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/worker"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/credential"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/descarga"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/tokencache"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "satdl:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// Local development keeps secrets in a .env file; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log := logrus.New()
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, blobs, cleanup, err := buildStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	tokens := tokencache.New(buildTokenStore(cfg))
	soap := transport.NewSOAPClient(nil)
	clientCfg := descarga.Config{
		AuthURL:      cfg.SAT.AuthURL,
		RequestURL:   cfg.SAT.RequestURL,
		VerifyURL:    cfg.SAT.VerifyURL,
		DownloadURL:  cfg.SAT.DownloadURL,
		PollInterval: cfg.SAT.PollInterval(),
		PollAttempts: cfg.SAT.PollAttempts,
	}
	factory := func(material *credential.Material) (orchestrator.ProtocolClient, error) {
		return descarga.NewClient(clientCfg, soap, material, logrus.NewEntry(log))
	}

	var m *metrics.Metrics
	if cfg.Observability.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
	}

	orch := orchestrator.New(store, blobs, tokens, factory, m, log)
	orch.DemoMode = cfg.SAT.DemoMode

	if cfg.Worker.Enabled {
		w := worker.New(store, orch, log)
		w.IdleDelay = time.Duration(cfg.Worker.IdleDelaySeconds) * time.Second
		w.ErrorDelay = time.Duration(cfg.Worker.ErrorDelaySeconds) * time.Second
		go func() { _ = w.Run(ctx) }()
	}

	server := api.New(orch, log)
	server.SpawnProcessor = !cfg.Worker.Enabled
	if cfg.Observability.Metrics.Enabled {
		server.MetricsPath = cfg.Observability.Metrics.Path
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.Router(cfg.Server.BasePath),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Server.Port).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildStores picks between the in-memory demo stores and the production
// Postgres plus GridFS pair.
func buildStores(ctx context.Context, cfg *config.Config, log *logrus.Logger) (storage.Store, storage.BlobStore, func(), error) {
	if cfg.SAT.DemoMode && cfg.Storage.Postgres.DSN == "" {
		log.Warn("demo mode with in-memory storage, nothing will survive a restart")
		mem := storage.NewMemory()
		return mem, mem, func() {}, nil
	}

	pg, err := postgres.New(ctx, cfg.Storage.Postgres.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close(ctx)
		return nil, nil, nil, err
	}

	blobs, err := gridfs.New(ctx, gridfs.Config{
		URI:      cfg.Storage.MongoDB.URI,
		Database: cfg.Storage.MongoDB.Database,
		Bucket:   cfg.Storage.MongoDB.Bucket,
	})
	if err != nil {
		pg.Close(ctx)
		return nil, nil, nil, err
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		blobs.Close(shutdownCtx)
		pg.Close(shutdownCtx)
	}
	return pg, blobs, cleanup, nil
}

// buildTokenStore shares tokens through Redis when configured, falling
// back to process memory.
func buildTokenStore(cfg *config.Config) tokencache.Store {
	if cfg.Storage.Redis.Address == "" {
		return tokencache.NewMemoryStore()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Address,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	return tokencache.NewRedisStore(rdb)
}
