// The conductor server: persists projects, reacts to backlog changes, and
// drives unattended coding-agent tasks through their git lifecycle.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"conductor/pkg/config"
	"conductor/pkg/engine"
	"conductor/pkg/gitx"
	"conductor/pkg/hooks"
	"conductor/pkg/launch"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/version"
	"conductor/pkg/watch"
	"conductor/pkg/webui"
)

func main() {
	var configPath string
	var port int
	flag.StringVar(&configPath, "config", "", "Path to config file (YAML)")
	flag.IntVar(&port, "port", 0, "Override listen port")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONDUCTOR_CONFIG")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if port != 0 {
		cfg.Port = port
	}

	logger := logx.NewLogger("conductor")
	logger.Info("conductor %s (%s) starting", version.Version, version.Commit)

	db, err := persistence.InitializeDatabase(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() { _ = db.Close() }()
	store := persistence.NewStore(db)

	gitManager := gitx.NewManager(gitx.NewCLIRunner(), cfg.MainBranch)
	hookInstaller := hooks.NewInstaller(cfg.BaseURL)
	launcher := launch.NewTerminalLauncher(cfg.TempDir)
	recorder := metrics.NewRecorder()
	orchestrator := engine.New(store, gitManager, hookInstaller, launcher, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := watch.NewWatcher(store, orchestrator)
	if err != nil {
		log.Fatalf("Failed to create backlog watcher: %v", err)
	}
	if err := watcher.Start(ctx); err != nil {
		log.Fatalf("Failed to start backlog watcher: %v", err)
	}
	defer watcher.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal %v, initiating graceful shutdown", sig)
		cancel()
	}()

	server := webui.NewServer(store, orchestrator, gitManager)
	if err := server.Serve(ctx, cfg.Port); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("Shutdown complete")
}
