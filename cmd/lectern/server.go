package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lectern/internal/api"
	"github.com/kalambet/lectern/internal/config"
	"github.com/kalambet/lectern/internal/observe"
	"github.com/kalambet/lectern/internal/provider/ollama"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lectern server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("mcp")
		pull, _ := cmd.Flags().GetBool("pull-models")
		return runServer(stdio, pull)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running lectern server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lectern server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "serve MCP over stdin/stdout instead of HTTP on server.mcp_port")
	serveCmd.Flags().Bool("pull-models", false, "pull missing Ollama models before serving")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "lectern.pid")
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

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func runServer(mcpStdio, pullModels bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// stdout belongs to the MCP transport in stdio mode; logs go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)})))
	slog.Info("starting lectern", "version", version)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "lectern", ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	a, err := build(ctx, cfg, observe.DefaultMetrics())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("closing components", "error", err)
		}
	}()

	if a.ollama != nil && pullModels {
		if err := ollama.EnsureReady(ctx, a.ollama, os.Stderr); err != nil {
			slog.Warn("ollama not ready, continuing with remaining providers", "error", err)
		}
	}

	go a.deps.Cache.RunSweeper(ctx, cfg.Cache.SweepInterval)
	go a.deps.Sessions.RunSweeper(ctx, cfg.Session.SweepInterval)
	go api.RunJobPruner(ctx, a.deps, cfg.Cache.SweepInterval)

	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler:           api.NewHandler(a.deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	mcpSrv := api.NewMCPServer(a.deps, version)
	var mcpHTTP *http.Server
	if mcpStdio {
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	} else if cfg.Server.MCPPort > 0 {
		mux := chi.NewRouter()
		mux.Handle("/mcp", server.NewStreamableHTTPServer(mcpSrv))
		mcpHTTP = &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("lectern listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if mcpHTTP != nil {
		g.Go(func() error {
			slog.Info("MCP server listening", "addr", mcpHTTP.Addr, "path", "/mcp")
			if err := mcpHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("mcp server error: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if mcpHTTP != nil {
			err = errors.Join(err, mcpHTTP.Shutdown(shutdownCtx))
		}
		return err
	})
	return g.Wait()
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
		printError("lectern is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop lectern (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to lectern (PID %d)", pid)
	return nil
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.get(ctx, "/readyz")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	var ready readiness
	// /readyz answers 503 with the same body when a check fails.
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		ready.Status = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	resp.Body.Close()
	printStatus("Server", "%s on port %d", ready.Status, cfg.Server.Port)
	for name, state := range ready.Checks {
		printStatus("  "+name, "%s", state)
	}

	var providers providersResponse
	if resp, err := client.get(ctx, "/providers"); err == nil && decodeJSON(resp, &providers) == nil {
		for _, c := range providers.Capabilities {
			printStatus(c.Capability, "%s (order: %s)", orNone(c.Active), strings.Join(c.Order, ", "))
		}
	}

	var jobs []json.RawMessage
	if resp, err := client.get(ctx, "/pregenerate-audio/status"); err == nil && decodeJSON(resp, &jobs) == nil {
		printStatus("Pregen jobs", "%s", countLabel(len(jobs), 100))
	}

	printStatus("Cache", "%s", cfg.Cache.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return strconv.Itoa(count)
}
