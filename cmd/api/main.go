package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"coscribe/api/internal/app"
	"coscribe/api/internal/blob"
	"coscribe/api/internal/config"
	"coscribe/api/internal/hub"
	"coscribe/api/internal/persist"
	"coscribe/api/internal/search"
	"coscribe/api/internal/session"
	"coscribe/api/internal/store"
	"coscribe/api/internal/token"
)

func main() {
	cfg := config.Load()
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	// Token revocation needs Redis; without it tokens stay valid
	// until they expire.
	var revocations token.RevocationStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		revocations = redisStore
		log.Info().Msg("token revocation enabled via redis")
	} else {
		log.Warn().Msg("REDIS_URL not set, token revocation disabled")
	}

	tokens, err := token.NewService(cfg.CollabTokenSecret, cfg.CollabTokenTTL, revocations, log)
	if err != nil {
		log.Fatal().Err(err).Msg("token service init failed")
	}

	var index *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		index = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer index.Close()
	}

	// Durable CRDT state lives in MinIO when configured, in Postgres
	// otherwise.
	blobs := dataStore.Blobs()
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := blob.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatal().Err(err).Msg("minio connection failed")
		}
		blobs = minioStore
		log.Info().Str("bucket", cfg.MinioBucket).Msg("document state stored in minio")
	}

	adapter := persist.New(dataStore, blobs, index, log)
	service := app.NewService(dataStore, tokens, log)
	collab := hub.New(hub.Config{
		Debounce: cfg.SaveDebounce,
		Ceiling:  cfg.SaveCeiling,
	}, tokens, service, adapter, log)

	httpServer := app.NewHTTPServer(service, collab.Handler(), cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("coscribe api listening")
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
