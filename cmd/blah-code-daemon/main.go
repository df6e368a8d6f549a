// Command blah-code-daemon starts the daemon's HTTP API: the session store,
// tool runtime, approval broker, and agent step engine exposed over the
// routes described in the external interface, plus the background
// maintenance sweeper.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/blah-code/daemon/internal/approval"
	"github.com/blah-code/daemon/internal/config"
	"github.com/blah-code/daemon/internal/daemon"
	"github.com/blah-code/daemon/internal/eventstore"
	"github.com/blah-code/daemon/internal/logger"
	"github.com/blah-code/daemon/internal/maintenance"
	"github.com/blah-code/daemon/internal/tool"
	"github.com/blah-code/daemon/internal/transport"
)

// Version is the daemon's reported build version.
const Version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "blah-code home directory (default: ~/.blah-code)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("blah-code-daemon %s\n", Version)
		os.Exit(0)
	}

	if err := run(*dirFlag); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(dirFlag string) error {
	homeDir := resolveHomeDir(dirFlag)
	logDir := filepath.Join(homeDir, "logs")
	dbPath := filepath.Join(homeDir, "sessions.db")

	cfg, err := config.Load(homeDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rotateStartupLog(logDir)

	logCloser, err := logger.Init(logDir, cfg.Logging.Level, cfg.Logging.Print)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logCloser.Close() }()

	logPath := filepath.Join(logDir, "current.log")

	store, err := eventstore.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer func() { _ = store.Close() }()

	tools := tool.NewRuntime()
	defer func() { _ = tools.Close() }()
	for name, mc := range cfg.MCP {
		sc := tool.ServerConfig{Name: name, Enabled: mc.IsEnabled(), Command: mc.Command, Args: mc.Args, Env: mc.Env, Cwd: mc.Cwd}
		if err := tools.AddExternalServer(context.Background(), sc); err != nil {
			logger.Slog().Warn("external tool server not started", "server", name, "error", err)
		}
	}

	broker := approval.NewBroker()

	// TODO: wire a real provider transport once a model SDK dependency is
	// selected; an unconfigured daemon still serves every read-only route.
	tr := transport.NewScripted()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	srv := daemon.New(store, tools, broker, tr, cfg, cwd, dbPath, logPath)

	sweeper := maintenance.New(broker, maintenance.Config{LogDir: logDir}, logger.Slog())
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start maintenance sweeper: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	logger.Slog().Info("blah-code daemon starting", "addr", addr, "dbPath", dbPath, "logPath", logPath)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdownChan:
		logger.Slog().Info("received shutdown signal, draining", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Slog().Warn("http shutdown did not complete cleanly", "error", err)
		}
		sweeper.Stop()
		logger.Slog().Info("blah-code daemon stopped")
	}

	return nil
}

// resolveHomeDir picks the blah-code home directory: an explicit flag, then
// BLAH_CODE_HOME, then .blah-code under the user's home directory.
func resolveHomeDir(flagDir string) string {
	if flagDir != "" {
		if abs, err := filepath.Abs(flagDir); err == nil {
			return abs
		}
		return flagDir
	}
	if envDir := os.Getenv("BLAH_CODE_HOME"); envDir != "" {
		if abs, err := filepath.Abs(envDir); err == nil {
			return abs
		}
		return envDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blah-code"
	}
	return filepath.Join(home, ".blah-code")
}

// rotateStartupLog renames a non-empty current.log aside before logger.Init
// reopens it, per the external interface's "rotated on startup if non-empty"
// rule. Errors are non-fatal: a daemon should still start even if rotation
// fails on a read-only filesystem.
func rotateStartupLog(logDir string) {
	current := filepath.Join(logDir, "current.log")
	info, err := os.Stat(current)
	if err != nil || info.Size() == 0 {
		return
	}
	rotated := filepath.Join(logDir, "rotated-"+time.Now().UTC().Format("20060102T150405")+".log")
	_ = os.Rename(current, rotated)
}
