package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/switchboard/internal/anthropic"
	"github.com/MikeSquared-Agency/switchboard/internal/api"
	"github.com/MikeSquared-Agency/switchboard/internal/config"
	"github.com/MikeSquared-Agency/switchboard/internal/conversation"
	"github.com/MikeSquared-Agency/switchboard/internal/extractor"
	"github.com/MikeSquared-Agency/switchboard/internal/gateway"
	"github.com/MikeSquared-Agency/switchboard/internal/hermes"
	"github.com/MikeSquared-Agency/switchboard/internal/inflight"
	"github.com/MikeSquared-Agency/switchboard/internal/invariant"
	"github.com/MikeSquared-Agency/switchboard/internal/memory"
	"github.com/MikeSquared-Agency/switchboard/internal/metrics"
	"github.com/MikeSquared-Agency/switchboard/internal/orchestrator"
	"github.com/MikeSquared-Agency/switchboard/internal/protocol"
	"github.com/MikeSquared-Agency/switchboard/internal/roster"
	"github.com/MikeSquared-Agency/switchboard/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket gateway and HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel, cfg.Production())
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		return err
	}

	instanceID := uuid.NewString()
	logger := slog.Default().With("instance_id", instanceID)
	logger.Info("switchboard starting", "port", cfg.Port, "environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	st, err := store.Open(ctx, store.Options{
		Driver:      cfg.StoreDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		return err
	}
	defer st.Close()
	logger.Info("store ready", "driver", cfg.StoreDriver)

	// NATS/Hermes (optional)
	var hermesClient *hermes.Client
	var events *hermes.Emitter
	if cfg.NatsURL != "" {
		hermesClient, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			return err
		}
		defer hermesClient.Close()
		events = hermes.NewEmitter(hermesClient, logger)
		logger.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		logger.Warn("NATS_URL not set, running without cross-instance events")
	}

	// Roster
	source, err := loadRoster(cfg.RosterFile, logger)
	if err != nil {
		logger.Error("failed to load roster", "path", cfg.RosterFile, "error", err)
		return err
	}
	directory := roster.NewDirectory(source, cfg.RosterCacheTTL, logger)
	if fileSource, ok := source.(*roster.FileSource); ok {
		go func() {
			if err := fileSource.Watch(ctx, func(projectIDs []string) {
				logger.Info("roster file changed", "projects", projectIDs)
				directory.Invalidate(projectIDs...)
			}); err != nil {
				logger.Warn("roster watcher stopped", "error", err)
			}
		}()
	}

	// In-flight guard
	var guard inflight.Guard
	if cfg.RedisURL != "" {
		redisGuard, err := inflight.NewRedis(ctx, cfg.RedisURL, cfg.InflightTTL, cfg.InflightWait, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			return err
		}
		defer redisGuard.Close()
		guard = redisGuard
		logger.Info("in-flight guard ready", "backend", "redis")
	} else {
		guard = inflight.NewLocal(cfg.InflightWait)
		logger.Info("in-flight guard ready", "backend", "local")
	}

	// Anthropic client
	llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	logger.Info("anthropic client ready", "model", llm.Model())

	var ext *extractor.Extractor
	if cfg.MemoryExtraction {
		ext = extractor.New(llm, logger)
	}

	m := metrics.New()
	checker := invariant.NewChecker(invariant.ModeFor(cfg.Environment), logger)
	checker.OnViolation = m.RecordViolation

	mem := memory.New(st, st, logger)
	hub := gateway.NewHub(logger)
	orch := orchestrator.New(orchestrator.Deps{
		Conversations: conversation.New(st, events, logger),
		Messages:      st,
		Directory:     directory,
		Memory:        mem,
		Guard:         guard,
		Generator:     orchestrator.NewAnthropicGenerator(llm, cfg.MaxTokens),
		Checker:       checker,
		Extractor:     ext,
		Events:        events,
		Hub:           hub,
		Metrics:       m,
		Logger:        logger,
	}, orchestrator.Options{
		MaxHandoffs:  cfg.MaxHandoffs,
		HistoryLimit: cfg.HistoryLimit,
		MemoryLimit:  cfg.MemoryLimit,
		InstanceID:   instanceID,
	})

	if hermesClient != nil {
		if err := hermesClient.OnRosterChanged(func(rc hermes.RosterChanged) {
			directory.Invalidate(rc.ProjectIDs...)
		}); err != nil {
			logger.Error("failed to subscribe to roster changes", "error", err)
			return err
		}
		if err := hermesClient.OnMessagePersisted(instanceID, func(mp hermes.MessagePersisted) {
			hub.Broadcast(mp.Message.ConversationID, protocol.NewNewMessage(mp.Message))
		}); err != nil {
			logger.Error("failed to subscribe to persisted messages", "error", err)
			return err
		}
	}

	ws := gateway.New(orch, hub, gateway.Options{
		Rate:              cfg.InboundRate,
		Burst:             cfg.InboundBurst,
		RepanicViolations: checker.Mode() == invariant.Strict,
		CheckOrigin:       allowOrigin(cfg.Production()),
	}, m, logger)

	deps := api.Deps{
		Conversations: st,
		Messages:      st,
		Memory:        mem,
		WebSocket:     ws,
		Metrics:       m,
		Environment:   cfg.Environment,
		StoreDriver:   cfg.StoreDriver,
		InvariantMode: checker.Mode().String(),
	}
	if hermesClient != nil {
		deps.Events = hermesClient
	}
	srv := api.NewServer(cfg.Port, deps, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	if hermesClient != nil {
		if err := hermesClient.Publish("swarm.agent.switchboard.registered", map[string]any{
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"port":        cfg.Port,
			"instance_id": instanceID,
		}); err != nil {
			logger.Warn("failed to publish registration", "error", err)
		}
	}

	logger.Info("switchboard ready", "port", cfg.Port, "invariant_mode", checker.Mode().String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	orch.Wait()
	logger.Info("switchboard stopped")
	return nil
}

// loadRoster reads the roster file. A missing file yields an empty roster so a
// fresh checkout still serves the system fallback.
func loadRoster(path string, logger *slog.Logger) (roster.Source, error) {
	if path == "" {
		logger.Warn("ROSTER_FILE not set, every project has an empty roster")
		return roster.NewStaticSource(nil), nil
	}
	fileSource, err := roster.LoadFile(path, logger)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("roster file not found, every project has an empty roster", "path", path)
		return roster.NewStaticSource(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load roster %s: %w", path, err)
	}
	return fileSource, nil
}

// allowOrigin accepts any origin outside production; in production only
// same-host origins pass, which is gorilla's default.
func allowOrigin(production bool) func(r *http.Request) bool {
	if production {
		return nil
	}
	return func(*http.Request) bool { return true }
}
