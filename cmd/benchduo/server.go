package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"benchduo/internal/agent"
	"benchduo/internal/api"
	"benchduo/internal/batch"
	"benchduo/internal/config"
	"benchduo/internal/duo"
	"benchduo/internal/engine"
	"benchduo/internal/events"
	"benchduo/internal/judge"
	"benchduo/internal/readiness"
	"benchduo/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the benchduo server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running benchduo server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show benchduo system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "benchduo.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "benchduo version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(os.Getenv("BENCHDUO_LOG_LEVEL"), "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Refuse a second instance: the health endpoint answering means one is up.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("benchduo is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("benchduo is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	registry := readiness.NewRegistry(readiness.Options{
		ProbeInterval: cfg.Readiness.ProbeInterval.Duration,
		LoadTimeout:   cfg.Readiness.LoadTimeout.Duration,
		Logger:        logger,
	})

	// Re-register stored models; their readiness starts fresh every boot.
	models, err := store.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("listing models: %w", err)
	}
	for _, m := range models {
		kind, err := engine.ParseKind(m.Kind)
		if err != nil {
			logger.Warn("skipping model with unknown engine kind", "model_id", m.ID, "kind", m.Kind)
			continue
		}
		ep := readiness.Endpoint{Host: m.Host, Port: m.Port, Kind: kind, ModelName: m.ModelName}
		if err := registry.Register(m.ID, ep); err != nil {
			logger.Warn("registering stored model failed", "model_id", m.ID, "error", err)
		}
	}
	logger.Info("models registered", "count", len(models))

	refresher, err := readiness.NewRefresher(registry, cfg.Readiness.RefreshCron, logger)
	if err != nil {
		return fmt.Errorf("building readiness refresher: %w", err)
	}
	refresher.Start()
	defer refresher.Stop()

	broker := events.NewBroker()
	defer broker.Close()

	turns := duo.NewTurnEngine(registry)
	orch := duo.NewOrchestrator(turns, store, broker, cfg.Duo.TurnTimeout.Duration, logger)
	manager := duo.NewManager(orch)

	ready := func(p duo.Participant) error {
		rec, err := registry.Snapshot(p.Config.ModelID)
		hasModel := err == nil
		active, haveActive := registry.ActiveKind()
		if !agent.Selectable(p.Config, rec, hasModel, active, haveActive, cfg.Compat.Strict) {
			return fmt.Errorf("agent %s is not selectable (status %s)",
				p.Config.ID, agent.Derive(p.Config, rec, hasModel))
		}
		return nil
	}
	batches := batch.NewEngine(orch, store, ready, cfg.Batch.MaxConcurrency, logger)

	evals := judge.NewEvaluator(registry, cfg.Duo.TurnTimeout.Duration, logger)

	deps := api.Deps{
		Store:           store,
		Registry:        registry,
		Broker:          broker,
		Duos:            manager,
		Batches:         batches,
		Evals:           evals,
		Token:           cfg.Server.Token,
		DefaultMaxTurns: cfg.Duo.DefaultMaxTurns,
		StrictCompat:    cfg.Compat.Strict,
		Logger:          logger,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	// MCP over stdio alongside HTTP.
	stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP stdio server error", "error", err)
		}
	}()
	logger.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "benchduo listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("benchduo is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop benchduo (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to benchduo (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running {
		apiClient, err := newAPIClient()
		if err == nil {
			ctx := context.Background()
			var models []struct {
				ID   string `json:"id"`
				Kind string `json:"kind"`
			}
			if resp, err := apiClient.get(ctx, "/models"); err == nil {
				if decodeJSON(resp, &models) == nil {
					printStatus("Models", "%d registered", len(models))
				}
			}
			var agents []struct {
				Status string `json:"status"`
			}
			if resp, err := apiClient.get(ctx, "/agents/status"); err == nil {
				if decodeJSON(resp, &agents) == nil {
					ready := 0
					for _, a := range agents {
						if a.Status == "ready" {
							ready++
						}
					}
					printStatus("Agents", "%d registered, %d ready", len(agents), ready)
				}
			}
		}
	}

	printStatus("Compat mode", "%s", compatLabel(cfg.Compat.Strict))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func compatLabel(strict bool) string {
	if strict {
		return "strict (one engine kind at a time)"
	}
	return "lax (pairs only need to match)"
}
