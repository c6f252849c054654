package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/edsy/edsy/internal/billing"
	"github.com/edsy/edsy/internal/database"
	"github.com/edsy/edsy/internal/geoip"
	"github.com/edsy/edsy/internal/profile"
	"github.com/edsy/edsy/internal/server"
	"github.com/edsy/edsy/internal/storage"
)

func main() {
	port := getEnv("PORT", "8080")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, databaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(databaseURL); err != nil {
		log.Fatalf("database migration failed: %v", err)
	}
	log.Println("database migrations applied")

	baseURL := getEnv("BASE_URL", "http://localhost:8080")
	maxUploadBytes := getEnvInt64("MAX_UPLOAD_BYTES", 2*1024*1024*1024)

	store, err := storage.New(ctx, storage.Config{
		Endpoint:       getEnv("S3_ENDPOINT", "http://localhost:3900"),
		PublicEndpoint: os.Getenv("S3_PUBLIC_ENDPOINT"),
		Bucket:         getEnv("S3_BUCKET", "edsy"),
		AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		SecretKey:      os.Getenv("S3_SECRET_KEY"),
		Region:         getEnv("S3_REGION", "ap-south-1"),
		MaxUploadBytes: maxUploadBytes,
	})
	if err != nil {
		log.Fatalf("storage initialization failed: %v", err)
	}

	if err := store.EnsureBucket(ctx); err != nil {
		log.Fatalf("storage bucket check failed: %v", err)
	}
	if err := store.SetCORS(ctx, []string{baseURL}); err != nil {
		log.Printf("storage CORS setup failed (continuing): %v", err)
	}
	log.Println("storage bucket ready")

	var webFS fs.FS
	if dist := os.Getenv("WEB_DIST"); dist != "" {
		if _, err := os.Stat(dist); err == nil {
			webFS = os.DirFS(dist)
			log.Printf("serving frontend from %s", dist)
		} else {
			log.Printf("WEB_DIST %s not found, SPA serving disabled", dist)
		}
	}

	geoResolver, err := geoip.New(os.Getenv("GEOIP_DB_PATH"))
	if err != nil {
		log.Printf("geoip disabled: %v", err)
	}
	if geoResolver != nil {
		defer func() { _ = geoResolver.Close() }()
	}

	entitlements := profile.NewEntitlements(os.Getenv("ADMIN_EMAILS"), os.Getenv("PRO_EMAILS"))

	var creem *billing.Client
	creemAPIKey := os.Getenv("CREEM_API_KEY")
	if creemAPIKey != "" {
		creem = billing.New(creemAPIKey, os.Getenv("CREEM_API_URL"))
		log.Println("Creem billing enabled")
	}

	srv := server.New(server.Config{
		DB:               db.Pool,
		Pinger:           db,
		Storage:          store,
		WebFS:            webFS,
		JWTSecret:        jwtSecret,
		BaseURL:          baseURL,
		MaxUploadBytes:   maxUploadBytes,
		S3PublicEndpoint: os.Getenv("S3_PUBLIC_ENDPOINT"),
		Entitlements:     entitlements,
		GeoResolver:      geoResolver,
		Creem:            creem,
		ProProductID:     os.Getenv("CREEM_PRO_PRODUCT_ID"),
		WebhookSecret:    os.Getenv("CREEM_WEBHOOK_SECRET"),
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("edsy listening on :%s", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-shutdownCh
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
	log.Println("shutdown complete")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
