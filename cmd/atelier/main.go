// Package main is the entry point for the Atelier coordination core.
// A single binary serves the tenant-scoped HTTP surface, the NDJSON session
// streams, and the websocket mirror gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atelier-ai/atelier/internal/approval"
	agentbus "github.com/atelier-ai/atelier/internal/bus"
	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/common/database"
	"github.com/atelier-ai/atelier/internal/common/httpmw"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/common/tracing"
	"github.com/atelier-ai/atelier/internal/events"
	gateway "github.com/atelier-ai/atelier/internal/gateway/websocket"
	"github.com/atelier-ai/atelier/internal/llm"
	"github.com/atelier-ai/atelier/internal/memory"
	"github.com/atelier-ai/atelier/internal/outbox"
	"github.com/atelier-ai/atelier/internal/platform"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/platform/repository/postgres"
	"github.com/atelier-ai/atelier/internal/stream"
	"github.com/atelier-ai/atelier/internal/tenant"
	"github.com/atelier-ai/atelier/internal/tool"
	"github.com/atelier-ai/atelier/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	// Dev helper: `atelier token <user-id> [email]` mints a bearer token.
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := mintToken(cfg, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "failed to mint token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting atelier coordination core")

	// Storage: postgres when configured, in-memory otherwise.
	var factory repository.PostgresFactory
	if cfg.Database.Host != "" {
		factory = func(ctx context.Context) (repository.Repository, error) {
			db, err := database.NewDB(ctx, cfg.Database)
			if err != nil {
				return nil, err
			}
			return postgres.New(db)
		}
	}
	repo, err := repository.Provide(ctx, factory)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	if cfg.Database.Host != "" {
		log.Info("using postgres repository",
			zap.String("host", cfg.Database.Host),
			zap.String("db", cfg.Database.DBName))
	} else {
		log.Info("using in-memory repository")
	}

	// Event bus: NATS when configured, in-memory otherwise.
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer closeBus()

	llmProvider, err := llm.Provide(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to initialize llm provider: %w", err)
	}
	log.Info("llm provider ready", zap.String("provider", llmProvider.Name()))

	// Coordination singletons.
	streams := stream.NewManager(cfg.Stream, log)
	defer streams.Close()

	notify := make(chan struct{}, 1)
	sink := outbox.NewWriter(repo, notify)
	publisher := outbox.NewPublisher(cfg.Outbox, repo, streams, eventBus, notify, log)
	publisher.Start()
	defer publisher.Stop()

	approvals := approval.NewManager(cfg.Approval, repo, sink, log)
	bus := agentbus.New(cfg.Bus, log)
	mem := memory.NewService(memory.NewIndex(), memory.NewHashEmbedder())

	registry := workspace.NewRegistry(workspace.Deps{
		Cfg:  cfg,
		Repo: repo,
		Bus:  bus,
		Mem:  mem,
		LLM:  llmProvider,
		Sink: sink,
		Log:  log,
	})

	tools := tool.NewService(cfg.Tool, repo, approvals, sink, log)
	svc := platform.NewService(cfg, repo, registry, approvals, mem, bus, streams, sink, log)

	tokens := tenant.NewTokenService(cfg.Token.Secret, cfg.Token.ClockSkewDuration())
	hub := gateway.NewHub(eventBus, log)

	router := buildRouter(cfg, svc, tools, streams, repo, hub, tokens, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown incomplete", zap.Error(err))
		}
		registry.CleanupAll(shutdownCtx)
		if err := bus.Drain(shutdownCtx); err != nil {
			log.Warn("agent bus drain incomplete", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown incomplete", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("atelier stopped")
	return err
}

func buildRouter(
	cfg *config.Config,
	svc *platform.Service,
	tools *tool.Service,
	streams *stream.Manager,
	repo repository.Repository,
	hub *gateway.Hub,
	tokens *tenant.TokenService,
	log *logger.Logger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "atelier"))
	router.Use(httpmw.OtelTracing("atelier"))

	router.GET("/healthz", func(c *gin.Context) {
		h := svc.GetHealth(c.Request.Context())
		status := http.StatusOK
		if h.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, h)
	})

	my := router.Group("/my", tenant.Middleware(tokens, log))
	platform.NewHandler(svc, log).RegisterRoutes(my)
	tool.NewHandler(tools, log).RegisterRoutes(my)
	stream.NewHandler(streams, repo, cfg.Stream, log).RegisterRoutes(my)
	gateway.NewHandler(hub, repo, log).RegisterRoutes(my)

	return router
}

// mintToken prints a development bearer token for the given user.
func mintToken(cfg *config.Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: atelier token <user-id> [email]")
	}
	email := ""
	if len(args) > 1 {
		email = args[1]
	}

	tokens := tenant.NewTokenService(cfg.Token.Secret, cfg.Token.ClockSkewDuration())
	token, err := tokens.Mint(args[0], email, 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
