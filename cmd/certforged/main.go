package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certforge/internal/acme"
	"github.com/blockadesystems/certforge/internal/certbot"
	"github.com/blockadesystems/certforge/internal/config"
	"github.com/blockadesystems/certforge/internal/keys"
	"github.com/blockadesystems/certforge/internal/provision"
	"github.com/blockadesystems/certforge/internal/queue"
	"github.com/blockadesystems/certforge/internal/server"
	"github.com/blockadesystems/certforge/internal/store"

	"github.com/labstack/echo/v4"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(l)
	logger = l.With(zap.String("package", "main"))
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("certforge starting...", zap.String("directory_url", cfg.DirectoryURL))

	// Make sure the data directory exists
	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		err = os.MkdirAll(cfg.DataDir, 0755)
		if err != nil {
			logger.Fatal("failed to create data directory", zap.Error(err), zap.String("data_dir", cfg.DataDir))
			os.Exit(1)
		}
		logger.Info("created data directory", zap.String("data_dir", cfg.DataDir))
	}

	// Initialize the request queue storage
	queueStore, err := queue.NewStorage(
		cfg.StorageType,
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
	)
	if err != nil {
		logger.Fatal("failed to initialize queue storage", zap.Error(err), zap.String("storage_type", cfg.StorageType))
		os.Exit(1)
	}
	defer queueStore.Close()
	logger.Info("queue storage initialized")

	// Account key: loaded if present, generated otherwise
	accountKey, err := keys.LoadOrCreateAccountKey(cfg.AccountKeyFile, cfg.CertKeyBits)
	if err != nil {
		logger.Fatal("failed to load account key", zap.Error(err), zap.String("path", cfg.AccountKeyFile))
		os.Exit(1)
	}
	backend, err := keys.NewLocalBackend(accountKey)
	if err != nil {
		logger.Fatal("account key is unusable for signing", zap.Error(err))
		os.Exit(1)
	}

	certStore, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		logger.Fatal("failed to initialize certificate store", zap.Error(err), zap.String("data_dir", cfg.DataDir))
		os.Exit(1)
	}

	var contact []string
	if cfg.ContactEmail != "" {
		contact = []string{"mailto:" + cfg.ContactEmail}
	}
	sessionCtx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	session, err := acme.NewSession(sessionCtx, acme.SessionConfig{
		DirectoryURL:         cfg.DirectoryURL,
		Contact:              contact,
		TermsOfServiceAgreed: cfg.TermsAgreed,
		OnlyReturnExisting:   cfg.OnlyExisting,
		Retry:                acme.Policy{MaxRetries: cfg.MaxRetries},
	}, backend)
	cancel()
	if err != nil {
		logger.Fatal("failed to establish ACME session", zap.Error(err), zap.String("directory_url", cfg.DirectoryURL))
		os.Exit(1)
	}

	thumb, err := session.Thumbprint()
	if err != nil {
		logger.Fatal("failed to compute account key thumbprint", zap.Error(err))
		os.Exit(1)
	}
	responder := provision.NewResponder()
	provisioner := provision.New(responder, nil, thumb)

	bot := certbot.New(session, provisioner, certStore, queueStore, cfg.PollInterval, cfg.PollTimeout)

	// Resubmit requests that were pending when the daemon last stopped.
	resubmitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pending, err := queueStore.ListPendingRequests(resubmitCtx)
	cancel()
	if err != nil {
		logger.Warn("failed to list pending requests", zap.Error(err))
	}
	for _, req := range pending {
		logger.Info("resubmitting pending request", zap.String("request_id", req.ID), zap.String("name", req.Name))
		bot.Submit(req)
	}

	httpInstance := echo.New()
	mgmtInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, queueStore, cfg, bot, zap.L())
	server.ApplyCommonMiddleware(mgmtInstance, queueStore, cfg, bot, zap.L())
	server.SetupRouter(httpInstance, mgmtInstance, responder, queueStore, cfg)

	go func() {
		logger.Info("http-01 responder listening", zap.String("address", cfg.HTTPAddress))
		if err := httpInstance.Start(cfg.HTTPAddress); err != nil {
			logger.Fatal("error starting HTTP server", zap.Error(err), zap.String("address", cfg.HTTPAddress))
			os.Exit(1)
		}
	}()

	logger.Info("management API listening", zap.String("address", cfg.ManagementAddr))
	if err := mgmtInstance.Start(cfg.ManagementAddr); err != nil {
		logger.Fatal("error starting management server", zap.Error(err), zap.String("address", cfg.ManagementAddr))
		os.Exit(1)
	}
}
