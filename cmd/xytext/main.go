package main

import (
	"net/http"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/xytext/xytext/internal/httpapi"
	"github.com/xytext/xytext/internal/logging"
	"github.com/xytext/xytext/internal/metrics"
	"github.com/xytext/xytext/internal/workspace"
)

func main() {
	if err := logging.Init(logging.Config{
		Level:  envOr("XYTEXT_LOG_LEVEL", "info"),
		Format: envOr("XYTEXT_LOG_FORMAT", "json"),
	}); err != nil {
		logging.InitDefault()
	}
	defer func() { _ = logging.Sync() }()

	addr := envOr("XYTEXT_ADDR", ":8080")
	dsn := os.Getenv("XYTEXT_DB_DSN")

	db, err := workspace.OpenDB(dsn)
	if err != nil {
		logging.Fatal("failed to open store", zap.String("dsn", dsn), zap.Error(err))
	}
	manager := workspace.NewManager(db)
	defer func() { _ = manager.Close() }()

	server := httpapi.NewServerWithConfig(manager, httpapi.ServerConfig{
		TokenSecret:  os.Getenv("XYTEXT_TOKEN_SECRET"),
		BaseURL:      envOr("XYTEXT_BASE_URL", "http://localhost:8080"),
		MaxBodyBytes: int64Env("XYTEXT_MAX_BODY_BYTES", 0),
	})

	handler := logging.Middleware(metrics.Middleware("api", server))
	logging.Info("xytext listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, handler); err != nil {
		logging.Fatal("server failed", zap.Error(err))
	}
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logging.Warn("invalid env value", zap.String("name", name), zap.String("value", raw))
		return fallback
	}
	return value
}
