// Command presence-service serves the presence read API and runs the reaper
// that turns expired heartbeats into offline transitions.
//
//	presence-service serve
//	presence-service reaper --all-shards --poll-interval 1s
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"chorus/pkg/broadcast"
	"chorus/pkg/db"
	"chorus/pkg/lock"
	"chorus/pkg/metrics"
	"chorus/pkg/middleware"
	"chorus/pkg/utils"
	"chorus/services/presence-service/config"
	"chorus/services/presence-service/handlers"
	"chorus/services/presence-service/services"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "presence-service",
		Short:        "Presence liveness tracking and offline reaping",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildReaperCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the presence status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func buildReaperCmd() *cobra.Command {
	var (
		alias string
		opts  = services.DefaultReaperOptions()
	)

	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Mark users offline once their heartbeat window has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReaper(cmd.Context(), alias, opts)
		},
	}
	cmd.Flags().StringVar(&alias, "redis-alias", "default", "Redis store alias (REDIS_URL_<ALIAS>)")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", opts.PollInterval, "Delay between reaper cycles")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", opts.BatchSize, "Maximum candidates per shard per cycle")
	cmd.Flags().IntVar(&opts.ShardID, "shard-id", opts.ShardID, "Shard to reap when sharded")
	cmd.Flags().BoolVar(&opts.AllShards, "all-shards", opts.AllShards, "Reap every shard each cycle")
	return cmd
}

// runtime holds what both commands share.
type runtime struct {
	cfg      *config.Config
	logger   *utils.Logger
	redis    *redis.Client
	bus      broadcast.Bus
	presence *services.PresenceService
}

func setup(ctx context.Context, component, redisAlias string) (*runtime, error) {
	cfg := config.LoadConfig()
	logger := utils.NewLogger(component, cfg.LogLevel)

	if err := cfg.Presence.Validate(); err != nil {
		return nil, fmt.Errorf("invalid presence config: %w", err)
	}

	redisClient, err := db.NewRedisClient(ctx, cfg.RedisURLForAlias(redisAlias), cfg.RedisDB)
	if err != nil {
		return nil, err
	}

	bus, err := broadcast.Open(cfg.BroadcastBackend, redisClient, cfg.NATSURL, logger)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		redis:    redisClient,
		bus:      bus,
		presence: services.NewPresenceService(redisClient, cfg.Presence, bus, logger),
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.bus.Close(); err != nil {
		rt.logger.Warn("Failed to close broadcast bus", "error", err)
	}
	if err := rt.redis.Close(); err != nil {
		rt.logger.Warn("Failed to close redis client", "error", err)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runServe(parent context.Context) error {
	ctx, stop := signalContext(parent)
	defer stop()

	rt, err := setup(ctx, "presence-service", "default")
	if err != nil {
		return err
	}
	defer rt.Close()

	presenceHandler := handlers.NewPresenceHandler(rt.presence, lock.New(rt.redis, rt.logger), rt.logger)

	if rt.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(rt.logger))

	router.GET("/health", handlers.HealthCheck(rt.redis))
	router.GET("/metrics", metrics.Handler())

	presence := router.Group("/presence")
	{
		presence.GET("/status/:user_id", presenceHandler.GetStatus)
		presence.GET("/online", presenceHandler.GetOnlineCount)
	}

	srv := &http.Server{
		Addr:         ":" + rt.cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("Starting Presence Service", "port", rt.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	rt.logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	rt.logger.Info("Server exited")
	return nil
}

func runReaper(parent context.Context, alias string, opts services.ReaperOptions) error {
	ctx, stop := signalContext(parent)
	defer stop()

	rt, err := setup(ctx, "presence-reaper", alias)
	if err != nil {
		return err
	}
	defer rt.Close()

	reaper, err := services.NewReaper(rt.presence, opts, rt.logger)
	if err != nil {
		return err
	}
	return reaper.Run(ctx)
}
