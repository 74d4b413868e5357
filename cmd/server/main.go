package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wallet-agent-hub/backend/api/handlers"
	"github.com/wallet-agent-hub/backend/internal/auth"
	"github.com/wallet-agent-hub/backend/internal/db"
	"github.com/wallet-agent-hub/backend/internal/engine"
	"github.com/wallet-agent-hub/backend/internal/hub"
	"github.com/wallet-agent-hub/backend/internal/registry"
	"github.com/wallet-agent-hub/backend/internal/repository"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet-agent-hub",
		Short: "Wallet-authenticated realtime agent hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "listen address")
	flags.String("db-path", "data/hub.db", "sqlite database path (empty for memory-only)")
	flags.Duration("session-max-idle", 60*time.Minute, "evict user contexts idle longer than this")
	flags.Duration("session-sweep-interval", 30*time.Minute, "how often the idle sweep runs")
	flags.Duration("ws-idle-timeout", 90*time.Second, "close sockets silent longer than this")
	flags.Int("rate-limit", 120, "requests per minute per client IP (0 disables)")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")

	viper.SetEnvPrefix("WAH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.BindPFlags(flags)

	return cmd
}

func run() error {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	// Storage is optional: with no database path the hub runs memory-only
	// and sessions simply do not survive a restart.
	var store repository.Store
	if dbPath := viper.GetString("db-path"); dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
		database, err := db.Open(dbPath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()
		store = repository.NewSQLiteStore(database)
		logger.Info().Str("path", dbPath).Msg("sqlite storage enabled")
	} else {
		logger.Warn().Msg("no database path configured, running memory-only")
	}

	verifier := auth.NewVerifier()
	connHub := hub.NewHub(logger)
	router := hub.NewRouter(connHub, logger)
	sessions := registry.New(store, router, engine.NewEchoEngine(), registry.Config{
		MaxIdle:       viper.GetDuration("session-max-idle"),
		SweepInterval: viper.GetDuration("session-sweep-interval"),
	}, logger)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sessions.Run(sweepCtx)

	wsHandler := hub.NewHandler(connHub, verifier, sessions,
		viper.GetDuration("ws-idle-timeout"), logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	if limit := viper.GetInt("rate-limit"); limit > 0 {
		rl := auth.NewRateLimiter(limit, time.Minute)
		r.Use(auth.RateLimitMiddleware(rl, logger))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": sessions.Len()})
	})

	api := r.Group("/api")
	handlers.NewWebSocketHandler(wsHandler).RegisterRoutes(api)

	authed := api.Group("", auth.Middleware(verifier, logger))
	handlers.NewConversationHandler(sessions, logger).RegisterRoutes(authed)

	srv := &http.Server{
		Addr:    viper.GetString("listen"),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
	stopSweep()
	sessions.Close()
	connHub.Close()
	return nil
}

// corsMiddleware allows browser clients from any origin. The signature
// check, not the origin, is the trust boundary.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, X-Solana-PublicKey, X-Solana-Nonce, X-Solana-Signature")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
