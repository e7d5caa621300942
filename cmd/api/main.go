package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"approvals/api/internal/app"
	"approvals/api/internal/audit"
	"approvals/api/internal/auth"
	"approvals/api/internal/blob"
	"approvals/api/internal/bus"
	"approvals/api/internal/config"
	"approvals/api/internal/flighting"
	"approvals/api/internal/logging"
	"approvals/api/internal/notify"
	"approvals/api/internal/onboarding"
	"approvals/api/internal/outofsync"
	"approvals/api/internal/repush"
	"approvals/api/internal/search"
	"approvals/api/internal/store"
	"approvals/api/internal/tokencache"
)

func main() {
	cfg := config.Load()
	log := logging.New("approvals-api")
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	blobStore, err := blob.New(ctx, blob.Config{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		UseSSL:        cfg.MinioUseSSL,
		PrimaryBucket: cfg.PrimaryBucket,
		AuditBucket:   cfg.AuditBucket,
		AssetBucket:   cfg.AssetBucket,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("object storage connection failed")
	}

	broker, err := bus.Connect(cfg.NATSURL, cfg.ApprovalsTopic, log)
	if err != nil {
		log.Fatal().Err(err).Msg("message broker connection failed")
	}
	defer broker.Close()

	tokens, err := tokencache.NewRedisCache(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer tokens.Close()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	tokenProvider := auth.NewProvider(cfg.AuthTokenURL, cfg.AuthClientID, cfg.AuthClientSecret, cfg.TokenTTL, tokens, nil, log)
	tenantClient := &http.Client{Timeout: cfg.TenantAPITimeout}

	mailService := notify.NewService(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}, dataStore, log)
	if !mailService.IsConfigured() {
		log.Info().Msg("smtp not configured, notification mail disabled")
	}

	marker := outofsync.NewMarker(dataStore, log)
	rePusher := repush.New(dataStore, blobStore, broker, log)
	flightingService := flighting.NewService(dataStore, log)
	auditRetriever := audit.NewRetriever(dataStore)
	onboarder := onboarding.NewService(dataStore, blobStore, tokenProvider, tenantClient,
		cfg.ProvisioningURL, cfg.TestStubBaseURL, log)

	service := app.NewService(dataStore, marker, rePusher, broker, flightingService, auditRetriever, onboarder, searchService, mailService, log)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("approvals api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
