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

	"github.com/joho/godotenv"

	"showroom/api/internal/app"
	"showroom/api/internal/config"
	"showroom/api/internal/email"
	"showroom/api/internal/livestate"
	"showroom/api/internal/recorder"
	"showroom/api/internal/search"
	"showroom/api/internal/snapshot"
	"showroom/api/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgres(db)

	live, err := livestate.NewRedisRegistry(cfg.RedisURL, cfg.SessionTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer live.Close()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	var snapshots *snapshot.Archive
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		snapshots, err = snapshot.NewArchive(ctx, snapshot.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("snapshot archive failed: %v", err)
		}
		log.Printf("Annotation snapshots archived to bucket %s", cfg.MinioBucket)
	}

	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if emailService.IsConfigured() {
		log.Printf("Invite mail enabled via %s", cfg.SMTPHost)
	}

	rec, err := recorder.New(cfg.RedisURL, dataStore, searchService)
	if err != nil {
		log.Fatalf("recorder redis connection failed: %v", err)
	}
	if err := rec.Start(ctx); err != nil {
		log.Fatalf("recorder subscribe failed: %v", err)
	}
	defer rec.Close()

	var archive app.SnapshotArchive
	if snapshots != nil {
		archive = snapshots
	}
	service := app.NewService(cfg, dataStore, live, searchService, emailService, archive)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Showroom API listening on %s", cfg.Addr)
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
