package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certsmith/internal/acme"
	"github.com/blockadesystems/certsmith/internal/ca"
	"github.com/blockadesystems/certsmith/internal/config"
	"github.com/blockadesystems/certsmith/internal/pipeline"
	"github.com/blockadesystems/certsmith/internal/server"
	"github.com/blockadesystems/certsmith/internal/storage"
	"github.com/blockadesystems/certsmith/internal/va"
)

var logger *zap.Logger

func init() {
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := zapCfg.Build()
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
	}
	logger.Info("Certsmith starting", zap.String("external_url", cfg.ExternalURL))

	store, err := storage.NewStorage(
		cfg.StorageType,
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
		cfg.DBCert,
		cfg.DBKey,
		cfg.DBRootCert,
	)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err), zap.String("storage_type", cfg.StorageType))
	}
	defer store.Close()
	logger.Info("storage initialized", zap.String("storage_type", cfg.StorageType))

	if err := seedAPIKeys(cfg, store); err != nil {
		logger.Fatal("failed to seed API keys", zap.Error(err))
	}

	caService, err := ca.New(cfg, store)
	if err != nil {
		logger.Fatal("failed to initialize CA service", zap.Error(err))
	}

	certFile, keyFile, err := ca.EnsureHTTPSCertificates(cfg)
	if err != nil {
		logger.Fatal("failed to ensure HTTPS certificates", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Protocol core and pipelines.
	nonces := acme.NewNonceService(store, cfg.NonceLifetime)
	verifier := acme.NewVerifier(store, nonces)
	validationQueue := pipeline.NewQueue()
	issuanceQueue := pipeline.NewQueue()
	csrValidator := ca.NewCSRValidator(cfg.CertificatePolicies, store)
	svc := acme.NewService(cfg, store, nonces, csrValidator, caService, validationQueue, issuanceQueue)

	validators := va.NewRegistry(cfg)
	validationWorker := pipeline.NewValidationWorker(validationQueue, store, store, validators)
	issuanceWorker := pipeline.NewIssuanceWorker(issuanceQueue, store, store, caService)
	go validationWorker.Run(ctx)
	go issuanceWorker.Run(ctx)
	go pipeline.NewValidationSweeper(store, validationQueue, cfg.ValidationSweepInterval).Run(ctx)
	go pipeline.NewIssuanceSweeper(store, issuanceQueue, cfg.IssuanceSweepInterval).Run(ctx)
	go pipeline.NewNonceJanitor(store, cfg.NonceSweepInterval).Run(ctx)

	// HTTP carries unauthenticated artifacts only; the protocol runs on HTTPS.
	httpInstance := echo.New()
	httpsInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, zap.L())
	server.ApplyCommonMiddleware(httpsInstance, zap.L())
	handler := server.NewHandler(svc, verifier, store, cfg)
	server.SetupRouter(httpInstance, httpsInstance, handler, store)

	go func() {
		logger.Info("HTTP listener starting", zap.String("address", cfg.HTTPAddress))
		if err := httpInstance.Start(cfg.HTTPAddress); err != nil {
			logger.Warn("HTTP listener stopped", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("HTTPS listener starting", zap.String("address", cfg.HTTPSAddress))
		if err := httpsInstance.StartTLS(cfg.HTTPSAddress, certFile, keyFile); err != nil {
			logger.Warn("HTTPS listener stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpsInstance.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTPS shutdown failed", zap.Error(err))
	}
	if err := httpInstance.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
}

// seedAPIKeys loads the configured management keys into storage so the auth
// middleware can resolve them.
func seedAPIKeys(cfg *config.Config, store storage.Storage) error {
	ctx := context.Background()
	for key, def := range cfg.APIKeys {
		if err := store.SaveAPIKey(ctx, key, def.Roles); err != nil {
			return err
		}
	}
	return nil
}
