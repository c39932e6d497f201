package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/stacknote/stacknote/internal/bufferstore"
	"github.com/stacknote/stacknote/internal/httpapi"
	"github.com/stacknote/stacknote/internal/synchub"
)

func main() {
	addr := envOrDefault("STACKNOTE_ADDR", ":8080")
	dataDir := envOrDefault("STACKNOTE_DATA_DIR", ".stacknote")

	filesDir := strings.TrimSpace(os.Getenv("STACKNOTE_FILES_DIR"))
	if filesDir == "" {
		filesDir = filepath.Join(dataDir, "files")
	}
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		log.Fatalf("failed to create files directory: %v", err)
	}

	buffers, err := buildBufferBackendFromEnv(dataDir)
	if err != nil {
		log.Fatalf("failed to initialize buffer backend: %v", err)
	}
	defer func() {
		if err := buffers.Close(); err != nil {
			log.Printf("buffer backend close failed: %v", err)
		}
	}()

	api := httpapi.NewServerWithConfig(httpapi.NewFileStore(filesDir), buffers, httpapi.ServerConfig{
		AuthToken:       strings.TrimSpace(os.Getenv("STACKNOTE_AUTH_TOKEN")),
		RateLimitMax:    intEnv("STACKNOTE_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("STACKNOTE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("STACKNOTE_MAX_BODY_BYTES", 0),
	})
	hub := synchub.NewHub(synchub.HubOptions{
		OpLogLimit:     intEnv("STACKNOTE_SYNC_OPLOG_LIMIT", 0),
		CatchUpLimit:   intEnv("STACKNOTE_SYNC_CATCHUP_LIMIT", 0),
		OriginPatterns: splitList(os.Getenv("STACKNOTE_SYNC_ORIGINS")),
		Logger:         log.Default(),
	})

	mux := http.NewServeMux()
	mux.Handle("/v1/sync", hub)
	mux.Handle("/", api)

	server := &http.Server{Addr: addr, Handler: mux}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("stacknoted listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown failed: %v", err)
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}
}

func buildBufferBackendFromEnv(dataDir string) (bufferstore.Backend, error) {
	dsn := strings.TrimSpace(os.Getenv("STACKNOTE_BUFFER_DSN"))
	if dsn == "" {
		dsn = filepath.Join(dataDir, "buffers")
	}
	return bufferstore.BuildBackendFromDSN(dsn)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
