package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pegasus-notebook/pegasus/internal/common/config"
	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/internal/common/tracing"
	"github.com/pegasus-notebook/pegasus/internal/server/auth"
	"github.com/pegasus-notebook/pegasus/internal/server/files"
	"github.com/pegasus-notebook/pegasus/internal/server/handlers"
	"github.com/pegasus-notebook/pegasus/internal/server/history"
	"github.com/pegasus-notebook/pegasus/internal/server/kernel"
	"github.com/pegasus-notebook/pegasus/internal/server/notebooks"
	"github.com/pegasus-notebook/pegasus/internal/server/watcher"
	"github.com/pegasus-notebook/pegasus/pkg/protocol"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and execution socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithPath(*cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			log, err := logger.NewLogger(cfg.Logging.ToLoggerConfig())
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = log.Sync() }()
			logger.SetDefault(log)

			tracing.Configure(cfg.Tracing.ToTracingOptions("pegasusd"))
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting pegasusd", zap.String("data_dir", cfg.Server.DataDir))

	authSvc, err := auth.NewService(cfg.Auth, log)
	if err != nil {
		return err
	}
	nbStore, err := notebooks.NewStore(cfg.Server.NotebookDir(), log)
	if err != nil {
		return err
	}
	fileStore, err := files.NewStore(cfg.Server.WorkspaceDir(), log)
	if err != nil {
		return err
	}
	hist, err := history.Open(cfg.History.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer func() { _ = hist.Close() }()

	runtime, err := kernel.NewDockerRuntime(cfg.Executor, cfg.Server.DataDir, log)
	if err != nil {
		return err
	}
	defer func() { _ = runtime.Close() }()
	if err := runtime.Ping(ctx); err != nil {
		// Sessions report the missing daemon to the client on connect.
		log.Warn("Docker daemon not available", zap.Error(err))
	} else if cfg.Executor.PullOnStart {
		if err := runtime.PullImage(ctx); err != nil {
			log.Warn("Image pull failed", zap.Error(err))
		}
	}

	hub := kernel.NewHub(log)
	k := kernel.New(runtime, hub, hist, fileStore, kernel.Options{
		Image:         cfg.Executor.Image,
		Timeout:       cfg.Executor.TimeoutDuration(),
		StatsInterval: cfg.Executor.StatsIntervalDuration(),
		MemoryLimitMB: float64(cfg.Executor.MemoryLimitMB),
		DiskLimitMB:   float64(cfg.Executor.DiskLimitMB),
	}, log)

	watch, err := watcher.New(fileStore.Dir(), func() {
		hub.Broadcast(protocol.TextFrame(protocol.FrameFilesystemUpdate, ""))
	}, watcher.DefaultDebounce, log)
	if err != nil {
		return err
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.NewHandlers(authSvc, nbStore, fileStore, hist, k, log)
	h.AppTitle = cfg.Server.AppTitle
	router := handlers.NewRouter(log)
	handlers.RegisterRoutes(router, h, auth.NewLimiter(cfg.Auth.LoginRate, cfg.Auth.LoginBurst))

	srv := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// No WriteTimeout: execution sockets are long lived.
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return watch.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		hub.CloseAll(websocket.CloseGoingAway, "Server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP shutdown", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
