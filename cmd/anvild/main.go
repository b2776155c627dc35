// anvild is the worker daemon. It owns the session store, runs agent loops
// detached from any terminal, and serves the framed IPC protocol on a local
// socket. The anvil CLI starts it on demand; it is rarely run by hand.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/agent/providers"
	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/observability"
	"github.com/haasonsaas/anvil/internal/tools"
	"github.com/haasonsaas/anvil/internal/worker/lifecycle"
	"github.com/haasonsaas/anvil/internal/worker/server"
	"github.com/haasonsaas/anvil/internal/worker/store"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "anvild:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socketPath = flag.String("socket", "", "socket path (default ~/.anvil/worker.sock)")
		dbPath     = flag.String("db", "", "database path (default ~/.anvil/worker.db)")
		configPath = flag.String("config", "", "config file (default ~/.anvil/config.yaml)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	paths, err := lifecycle.DefaultPaths()
	if err != nil {
		return err
	}
	if cfg.Worker.Dir != "" {
		paths = lifecycle.Paths{
			Dir:    cfg.Worker.Dir,
			Socket: filepath.Join(cfg.Worker.Dir, "worker.sock"),
			DB:     filepath.Join(cfg.Worker.Dir, "worker.db"),
			PID:    filepath.Join(cfg.Worker.Dir, "worker.pid"),
			Log:    filepath.Join(cfg.Worker.Dir, "worker.log"),
		}
	}
	if *socketPath != "" {
		paths.Socket = *socketPath
	}
	if *dbPath != "" {
		paths.DB = *dbPath
	}
	if err := os.MkdirAll(paths.Dir, 0o700); err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: "json",
	})

	st, err := store.Open(paths.DB)
	if err != nil {
		return err
	}

	registry, _ := tools.NewRegistry(providers.New)
	runner := &server.LoopRunner{
		Registry: registry,
		LLM: agent.LLMConfig{
			Provider:       cfg.LLM.Provider,
			Model:          cfg.LLM.Model,
			APIKey:         cfg.LLM.APIKey,
			BaseURL:        cfg.LLM.BaseURL,
			MaxTokens:      cfg.LLM.MaxTokens,
			EnableThinking: cfg.LLM.Thinking.Enabled,
			ThinkingBudget: cfg.LLM.Thinking.Budget,
		},
		NewProvider: providers.New,
	}

	srv, err := server.New(server.Config{
		SocketPath:       paths.Socket,
		Store:            st,
		Runner:           runner,
		Logger:           logger,
		Version:          version,
		SessionRetention: cfg.Worker.SessionRetention,
		MaintenanceSpec:  cfg.Worker.Maintenance,
	})
	if err != nil {
		st.Close()
		return err
	}
	if err := srv.Start(); err != nil {
		st.Close()
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Info("signal received, shutting down", "signal", sig.String())
		srv.Shutdown()
	}()

	srv.Wait()
	return nil
}
