package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"holonote/api/internal/app"
	"holonote/api/internal/config"
	"holonote/api/internal/idp"
	"holonote/api/internal/metrics"
	"holonote/api/internal/search"
	"holonote/api/internal/session"
	"holonote/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	verifier := idp.NewVerifier(idp.Config{
		URL:       cfg.IDPURL,
		APIKey:    cfg.IDPAPIKey,
		JWTSecret: cfg.IDPJWTSecret,
	})

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for verified-claims caching")
		claimsCache, err := session.NewClaimsCache(cfg.RedisURL, cfg.ClaimsCacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer claimsCache.Close()
		service = app.NewWithClaimsCache(cfg, dataStore, verifier, claimsCache, searchService)
	} else {
		service = app.New(cfg, dataStore, verifier, searchService)
	}

	httpServer := app.NewHTTPServerWithMetrics(service, cfg.CORSOrigin, metrics.New())
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Holonote API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
