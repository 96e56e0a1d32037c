package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/megalotto/jackpot-data/internal/client"
	"github.com/megalotto/jackpot-data/internal/config"
	"github.com/megalotto/jackpot-data/internal/session"
	"github.com/megalotto/jackpot-data/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/server.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting jackpot-data server",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"http_url", cfg.Endpoint.HTTPURL,
		"ws_url", cfg.Endpoint.WSURL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Session registry: the seam the tool protocol layer plugs into.
	registry := session.NewRegistry(64, logger)
	defer registry.Close()

	// Data client
	dataClient := client.New(*cfg, registry, logger)
	defer dataClient.Shutdown()

	// Health/debug server
	healthPort := 8080
	if cfg.Metrics.Port > 0 {
		healthPort = cfg.Metrics.Port
	}

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", healthPort),
		Handler: createHealthHandler(dataClient, registry, logger),
	}

	go func() {
		logger.Info("starting health server", "port", healthPort)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("jackpot-data server running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", healthPort),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)

	logger.Info("jackpot-data server stopped")
}

// createHealthHandler creates the HTTP handler for health checks and
// debugging endpoints.
func createHealthHandler(dataClient *client.Client, registry *session.Registry, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := dataClient.ConnectionStatus()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		health.Components["subscription_link"] = map[string]any{
			"connected":     status.Connected,
			"connecting":    status.Connecting,
			"subscriptions": status.SubscriptionCount,
		}
		if !status.Connected && status.SubscriptionCount > 0 {
			health.Status = "degraded"
		}

		health.Components["buffer"] = status.Buffer
		if status.Buffer.Buffering {
			health.Status = "degraded"
		}

		health.Components["sessions"] = map[string]any{
			"active": registry.Count(),
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/complexity", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := dataClient.GetComplexity(req.Query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"score":            res.Score,
			"field_count":      res.FieldCount,
			"max_depth":        res.MaxDepth,
			"list_field_count": res.ListFieldCount,
			"custom_costs":     res.CustomCosts,
		})
	})

	mux.HandleFunc("/debug/connections", func(w http.ResponseWriter, r *http.Request) {
		status := dataClient.ConnectionStatus()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"connections": status.Connections,
		})
	})

	mux.HandleFunc("/debug/buffer", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(dataClient.ConnectionStatus().Buffer)
	})

	mux.HandleFunc("/debug/clear-buffer", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}

		logger.Info("manual buffer clear requested", "remote", r.RemoteAddr)
		dataClient.ClearDisconnectionBuffer()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
	})

	return mux
}
