package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/attachments"
	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/internal/blob"
	"github.com/MarcoPoloResearchLab/courier/internal/config"
	"github.com/MarcoPoloResearchLab/courier/internal/conversations"
	"github.com/MarcoPoloResearchLab/courier/internal/database"
	"github.com/MarcoPoloResearchLab/courier/internal/ident"
	"github.com/MarcoPoloResearchLab/courier/internal/logging"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/presence"
	"github.com/MarcoPoloResearchLab/courier/internal/server"
	"github.com/MarcoPoloResearchLab/courier/internal/sync"
	"github.com/MarcoPoloResearchLab/courier/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "courier-api",
		Short: "Courier chat backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("blob-bucket", defaults.GetString("blob.bucket"), "Attachment storage bucket")
	cmd.PersistentFlags().String("blob-endpoint", defaults.GetString("blob.endpoint"), "S3-compatible endpoint URL")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "blob.bucket", "blob-bucket")
	bindFlag(cmd, "blob.endpoint", "blob-endpoint")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "courier-auth",
		Audience:      "courier-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	authenticator, err := auth.NewRequestAuthenticator(tokenIssuer)
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	index, err := conversations.NewIndex(conversations.IndexConfig{
		Database:   db,
		IDProvider: ident.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	store, err := messages.NewStore(messages.StoreConfig{
		Database:   db,
		Index:      index,
		IDProvider: ident.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Writer: userService,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	var blobs blob.Store
	if appConfig.BlobBucket != "" {
		blobs, err = blob.NewS3Store(ctx, blob.S3Config{
			Region:        appConfig.BlobRegion,
			Bucket:        appConfig.BlobBucket,
			AccessKey:     appConfig.BlobAccessKey,
			SecretKey:     appConfig.BlobSecretKey,
			BaseEndpoint:  appConfig.BlobEndpoint,
			PublicBaseURL: appConfig.BlobPublicBaseURL,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no blob bucket configured, storing attachments in memory")
		blobs = blob.NewMemoryStore()
	}

	pipeline, err := attachments.NewPipeline(attachments.PipelineConfig{
		Blobs:         blobs,
		Messages:      store,
		Conversations: index,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	gateway, err := sync.NewGateway(sync.GatewayConfig{
		Messages:      store,
		Presence:      tracker,
		Conversations: index,
		IDProvider:    ident.NewUUIDProvider(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:        tokenIssuer,
		Authenticator: authenticator,
		Users:         userService,
		Conversations: index,
		Messages:      store,
		Presence:      tracker,
		Attachments:   pipeline,
		Gateway:       gateway,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
