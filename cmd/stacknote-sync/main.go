package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stacknote/stacknote/internal/docsync"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("STACKNOTE_BASE_URL", "http://127.0.0.1:8080"), "stacknoted base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("STACKNOTE_TOKEN")), "bearer token")
	localDir := flag.String("local-dir", strings.TrimSpace(os.Getenv("STACKNOTE_LOCAL_DIR")), "local mirror directory")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("STACKNOTE_SYNC_STATE_FILE")), "state file path")
	interval := flag.Duration("interval", durationEnv("STACKNOTE_SYNC_INTERVAL", 30*time.Second), "periodic sync interval")
	timeout := flag.Duration("timeout", durationEnv("STACKNOTE_SYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	once := flag.Bool("once", false, "run one sync pass and exit")
	flag.Parse()

	if strings.TrimSpace(*localDir) == "" {
		log.Fatalf("local-dir is required (--local-dir or STACKNOTE_LOCAL_DIR)")
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	if err := os.MkdirAll(*localDir, 0o755); err != nil {
		log.Fatalf("failed to create local directory: %v", err)
	}

	client := docsync.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	syncer, err := docsync.NewSyncer(client, docsync.SyncerOptions{
		LocalRoot: *localDir,
		StateFile: *stateFile,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize syncer: %v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		if err := syncer.SyncOnce(rootCtx); err != nil {
			log.Fatalf("sync failed: %v", err)
		}
		log.Printf("sync completed")
		return
	}

	log.Printf("watching %s, syncing every %s", *localDir, *interval)
	if err := syncer.Watch(rootCtx, *interval); err != nil {
		log.Fatalf("watch failed: %v", err)
	}
	log.Printf("sync stopping")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
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
