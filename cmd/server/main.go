// wa-relay - WhatsApp to HTTP backend relay
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/wa-relay/internal/api"
	"github.com/ashureev/wa-relay/internal/config"
	"github.com/ashureev/wa-relay/internal/events"
	"github.com/ashureev/wa-relay/internal/gate"
	"github.com/ashureev/wa-relay/internal/middleware"
	"github.com/ashureev/wa-relay/internal/observability"
	"github.com/ashureev/wa-relay/internal/pipeline"
	"github.com/ashureev/wa-relay/internal/protocol"
	"github.com/ashureev/wa-relay/internal/relay"
	"github.com/ashureev/wa-relay/internal/session"
	"github.com/ashureev/wa-relay/internal/store"
	"github.com/ashureev/wa-relay/internal/supervisor"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	startedAt := time.Now()

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser := observability.NewLogger(cfg.Log)
	slog.SetDefault(logger)
	defer func() {
		if closeErr := logCloser.Close(); closeErr != nil {
			slog.Error("Failed to close log file", "error", closeErr)
		}
	}()
	observability.RegisterMetrics()

	slog.Info("Starting relay", "port", cfg.Port, "bridge", cfg.Bridge.URL, "storage_enabled", cfg.StorageEnabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Message log.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	store.StartRetentionWorker(ctx, repo, cfg.Retention)

	// Session persistence. Remote storage is optional; without it the
	// session lives only in the local directory.
	var blobs session.BlobStore
	if cfg.StorageEnabled() {
		s3Store, err := session.NewS3BlobStore(ctx, session.S3Config{
			Bucket:   cfg.Session.Bucket,
			Region:   cfg.Session.Region,
			Endpoint: cfg.Session.Endpoint,
		}, logger)
		if err != nil {
			slog.Warn("Failed to initialize session storage, continuing local-only", "error", err)
		} else {
			blobs = s3Store
			slog.Info("Session storage initialized", "bucket", cfg.Session.Bucket)
		}
	}
	sessions := session.NewStore(session.Config{
		Dir:                 cfg.Session.Dir,
		Prefix:              cfg.Session.Prefix,
		BackupInterval:      cfg.Session.BackupInterval,
		DeleteRemoteOnClear: cfg.Session.DeleteRemoteOnClear,
	}, blobs, logger)

	// Event fan-out.
	hub := events.NewHub(nil, cfg.AllowedOrigins, logger)
	publishers := events.Multi{hub}
	if cfg.NATS.URL != "" {
		natsPub, err := events.NewNATSPublisher(events.NATSConfig{
			URL:             cfg.NATS.URL,
			Subject:         cfg.NATS.Subject,
			CredentialsFile: cfg.NATS.CredentialsFile,
			ReconnectWait:   cfg.NATS.ReconnectWait,
		}, logger)
		if err != nil {
			slog.Warn("Failed to connect to NATS, events stay local", "error", err)
		} else {
			defer func() {
				if closeErr := natsPub.Close(); closeErr != nil {
					slog.Error("Failed to close NATS connection", "error", closeErr)
				}
			}()
			publishers = append(publishers, natsPub)
			slog.Info("NATS event publishing enabled", "subject", cfg.NATS.Subject)
		}
	}

	// Relay backend.
	var backend relay.Backend
	if cfg.Backend.GRPCAddr != "" {
		grpcBackend, err := relay.NewGRPCBackend(relay.GRPCBackendConfig{Address: cfg.Backend.GRPCAddr}, logger)
		if err != nil {
			slog.Error("Failed to connect to gRPC backend", "address", cfg.Backend.GRPCAddr, "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := grpcBackend.Close(); closeErr != nil {
				slog.Error("Failed to close gRPC backend", "error", closeErr)
			}
		}()
		backend = grpcBackend
		slog.Info("Relay backend", "transport", "grpc", "address", cfg.Backend.GRPCAddr)
	} else {
		backend = relay.NewHTTPBackend(cfg.Backend.URL, cfg.Backend.Timeout)
		slog.Info("Relay backend", "transport", "http", "url", cfg.Backend.URL)
	}

	queue := relay.NewQueue(relay.Config{
		Concurrency:  cfg.Relay.Concurrency,
		Cooldown:     cfg.Relay.Cooldown,
		MaxAttempts:  cfg.Relay.MaxAttempts,
		Timeout:      cfg.Backend.Timeout,
		ReplyTimeout: cfg.Bridge.TypingDelay + cfg.Bridge.SendTimeout,
	}, backend, logger)

	// Connection lifecycle.
	client := protocol.NewBridgeClient(protocol.BridgeConfig{
		URL:         cfg.Bridge.URL,
		SessionDir:  sessions.Dir(),
		DialTimeout: cfg.Bridge.DialTimeout,
		SendTimeout: cfg.Bridge.SendTimeout,
	}, logger)

	sup := supervisor.New(supervisor.Config{
		MaxPairingAttempts:    cfg.Supervisor.MaxPairingAttempts,
		StartDelay:            cfg.Supervisor.StartDelay,
		ReconnectDelay:        cfg.Supervisor.ReconnectDelay,
		PairingExhaustedDelay: cfg.Supervisor.PairingExhaustedDelay,
		ConnectFailureDelay:   cfg.Supervisor.ConnectFailureDelay,
		ResetDelay:            cfg.Supervisor.ResetDelay,
	}, client, sessions, logger)

	admission := gate.New(gate.Config{
		SeenCapacity:   cfg.Gate.SeenCapacity,
		MaxMessageAge:  cfg.Gate.MaxMessageAge,
		AllowGroups:    cfg.Gate.AllowGroups,
		AllowBroadcast: cfg.Gate.AllowBroadcast,
	}, logger)

	messenger := pipeline.NewMessenger(client, sup.Snapshot, repo, publishers, cfg.Bridge.TypingDelay, logger)
	inbound := pipeline.New(admission, queue, client, messenger, repo, publishers, logger)

	sup.SetMessageHandler(inbound.HandleMessages)
	sup.AddResetter(admission)
	sup.AddResetter(queue)
	sup.AddListener(events.StateListener(publishers, logger))
	hub.SetSnapshot(func() events.Event { return events.StateEvent(sup.Snapshot()) })

	sessions.StartAutoBackup(ctx, cfg.Session.BackupInterval, func() bool {
		return sup.Snapshot().Connected()
	})

	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		if err := sup.Run(ctx); err != nil {
			slog.Error("Supervisor stopped", "error", err)
		}
	}()

	// HTTP control surface.
	handler := api.NewHandler(api.Options{
		Supervisor:         sup,
		Sender:             messenger,
		Relay:              queue,
		Repo:               repo,
		Events:             publishers,
		StatusFeed:         hub,
		StorageEnabled:     sessions.RemoteEnabled(),
		MaxPairingAttempts: cfg.Supervisor.MaxPairingAttempts,
		ChallengeTTL:       cfg.Supervisor.ChallengeTTL,
		StartedAt:          startedAt,
		Logger:             logger,
	})

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	handler.RegisterRoutes(r)

	// Send requests wait out the typing delay and the bridge ack, and the
	// status feed is long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	<-supDone
	if err := queue.Close(shutdownCtx); err != nil {
		slog.Warn("Relay queue did not drain", "error", err)
	}
	inbound.Wait()

	slog.Info("Server stopped successfully")
}
