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

	"github.com/xytext/xytext/internal/mirrorsync"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("XYTEXT_BASE_URL", "http://127.0.0.1:8080"), "xytext base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("XYTEXT_TOKEN")), "bearer token")
	owner := flag.String("workspace", strings.TrimSpace(os.Getenv("XYTEXT_WORKSPACE")), "workspace owner")
	remotePath := flag.String("remote-path", strings.TrimSpace(os.Getenv("XYTEXT_REMOTE_PATH")), "remote root path (defaults to the workspace root)")
	localDir := flag.String("local-dir", strings.TrimSpace(os.Getenv("XYTEXT_LOCAL_DIR")), "local mirror directory")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("XYTEXT_MIRROR_STATE_FILE")), "state file path")
	interval := flag.Duration("interval", durationEnv("XYTEXT_MIRROR_INTERVAL", 5*time.Second), "periodic sync interval")
	debounce := flag.Duration("debounce", durationEnv("XYTEXT_MIRROR_DEBOUNCE", 300*time.Millisecond), "settle time after a filesystem event")
	timeout := flag.Duration("timeout", durationEnv("XYTEXT_MIRROR_TIMEOUT", 15*time.Second), "per-sync timeout")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	noWatch := flag.Bool("no-watch", false, "disable the filesystem watcher, poll only")
	flag.Parse()

	if strings.TrimSpace(*owner) == "" {
		log.Fatalf("workspace is required (--workspace or XYTEXT_WORKSPACE)")
	}
	if strings.TrimSpace(*localDir) == "" {
		log.Fatalf("local-dir is required (--local-dir or XYTEXT_LOCAL_DIR)")
	}
	if *interval <= 0 {
		*interval = 5 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}

	client := mirrorsync.NewHTTPClient(*baseURL, *owner, *token, &http.Client{Timeout: *timeout})
	syncer, err := mirrorsync.NewSyncer(client, mirrorsync.SyncerOptions{
		Owner:      strings.TrimSpace(*owner),
		RemoteRoot: *remotePath,
		LocalRoot:  *localDir,
		StateFile:  *stateFile,
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize mirror syncer: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := syncer.SyncOnce(ctx); err != nil {
			log.Printf("mirror sync cycle failed: %v", err)
			return
		}
	}

	run()
	if *once {
		return
	}

	var trigger <-chan struct{}
	if !*noWatch {
		watcher, err := mirrorsync.NewWatcher(*localDir, log.Default())
		if err != nil {
			log.Fatalf("failed to start filesystem watcher: %v", err)
		}
		defer watcher.Close()
		go watcher.Run(rootCtx)
		trigger = watcher.Trigger()
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("mirror sync stopping: %v", rootCtx.Err())
			return
		case <-ticker.C:
			run()
		case <-trigger:
			// Let a burst of writes settle before syncing.
			time.Sleep(*debounce)
			drainTrigger(trigger)
			run()
		}
	}
}

func drainTrigger(trigger <-chan struct{}) {
	for {
		select {
		case <-trigger:
		default:
			return
		}
	}
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
