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

	"github.com/MarcoPoloResearchLab/signalhub/internal/auth"
	"github.com/MarcoPoloResearchLab/signalhub/internal/batchwriter"
	"github.com/MarcoPoloResearchLab/signalhub/internal/buffer"
	"github.com/MarcoPoloResearchLab/signalhub/internal/config"
	"github.com/MarcoPoloResearchLab/signalhub/internal/database"
	"github.com/MarcoPoloResearchLab/signalhub/internal/deadletter"
	"github.com/MarcoPoloResearchLab/signalhub/internal/gateway"
	"github.com/MarcoPoloResearchLab/signalhub/internal/liststore"
	"github.com/MarcoPoloResearchLab/signalhub/internal/logging"
	"github.com/MarcoPoloResearchLab/signalhub/internal/voice"
	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "signalhub",
		Short: "Real-time chat and voice signaling service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newReplayCommand(), newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Buffer store driver (redis, memory)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the message buffer")
	cmd.PersistentFlags().String("writer-url", "", "Persistence API batch endpoint")
	cmd.PersistentFlags().String("deadletter-database-path", defaults.GetString("deadletter.database_path"), "SQLite path for dead-lettered batches")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "writer.url", "writer-url")
	bindFlag(cmd, "deadletter.database_path", "deadletter-database-path")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, deadLetters, err := openDeadLetters(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := openBufferStore(ctx, appConfig)
	if err != nil {
		return err
	}

	writer, err := newBatchWriter(appConfig, logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	realClock := clock.New()
	bufferEngine, err := buffer.NewEngine(buffer.EngineConfig{
		Store:       store,
		Writer:      writer,
		DeadLetters: deadLetters,
		Policy:      appConfig.Buffer,
		Clock:       realClock,
		Logger:      logger.Named("buffer"),
	})
	if err != nil {
		_ = store.Close()
		return err
	}
	bufferEngine.Start()

	voiceEngine := voice.NewEngine(voice.EngineConfig{Clock: realClock, Logger: logger.Named("voice")})

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
	})
	if err != nil {
		return err
	}

	hub := gateway.NewHub(logger.Named("hub"))
	signalGateway, err := gateway.New(gateway.Config{
		Buffer: bufferEngine,
		Voice:  voiceEngine,
		Hub:    hub,
		Clock:  realClock,
		Logger: logger.Named("gateway"),
	})
	if err != nil {
		return err
	}

	sweeper := gateway.StartIdleSweeper(gateway.SweeperConfig{
		Gateway:   signalGateway,
		Clock:     realClock,
		Interval:  appConfig.VoiceCleanupInterval,
		Threshold: appConfig.VoiceIdleThreshold,
		Logger:    logger.Named("sweeper"),
	})

	gin.SetMode(gin.ReleaseMode)
	handler, err := gateway.NewHTTPHandler(gateway.Dependencies{
		Gateway:        signalGateway,
		Validator:      validator,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		sweeper.Stop()
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_driver", appConfig.StoreDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	hub.CloseAll()
	sweeper.Stop()
	if err := bufferEngine.Shutdown(shutdownCtx); err != nil {
		logger.Error("message buffer shutdown failed", zap.Error(err))
		if serveErr == nil {
			serveErr = err
		}
	}
	logger.Info("server stopped")
	return serveErr
}

func openDeadLetters(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, *deadletter.Store, error) {
	db, err := database.OpenSQLite(appConfig.DeadLetterDatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	store, err := deadletter.NewStore(deadletter.StoreConfig{Database: db, Logger: logger.Named("deadletter")})
	if err != nil {
		return nil, nil, err
	}
	return db, store, nil
}

func openBufferStore(ctx context.Context, appConfig config.AppConfig) (buffer.Store, error) {
	if appConfig.StoreDriver == config.StoreDriverMemory {
		return liststore.NewMemoryStore(), nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return liststore.NewRedisStore(pingCtx, liststore.RedisConfig{
		Address:  appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
}

func newBatchWriter(appConfig config.AppConfig, logger *zap.Logger) (*batchwriter.Client, error) {
	return batchwriter.NewClient(batchwriter.ClientConfig{
		EndpointURL:  appConfig.WriterURL,
		ServiceName:  appConfig.WriterServiceName,
		ServiceToken: appConfig.WriterServiceToken,
		HTTPClient:   &http.Client{Timeout: appConfig.Buffer.WriteTimeout},
		Logger:       logger.Named("batchwriter"),
	})
}

func newReplayCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-submit dead-lettered batches to the persistence API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, deadLetters, err := openDeadLetters(appConfig, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			writer, err := newBatchWriter(appConfig, logger)
			if err != nil {
				return err
			}
			replayer, err := deadletter.NewReplayer(deadletter.ReplayerConfig{
				Store:   deadLetters,
				Writer:  writer,
				Timeout: appConfig.Buffer.WriteTimeout,
				Logger:  logger.Named("replay"),
			})
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = appConfig.ReplayBatchLimit
			}
			report, err := replayer.Replay(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d replayed=%d failed=%d\n", report.Attempted, report.Replayed, report.Failed)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of batches to replay (defaults to deadletter.replay_limit)")
	return cmd
}

func newIssueTokenCommand() *cobra.Command {
	var (
		userID   string
		username string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint an access token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			configViper := viper.GetViper()
			tokenTTL := ttl
			if tokenTTL <= 0 {
				tokenTTL = configViper.GetDuration("auth.token_ttl")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(configViper.GetString("auth.signing_secret")),
				Issuer:        configViper.GetString("auth.issuer"),
				TokenTTL:      tokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueToken(userID, username)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_at=%s\n", token, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User identifier (required)")
	cmd.Flags().StringVar(&username, "username", "", "Display name carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to auth.token_ttl)")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
