// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires the components into one server: config → bus →
// watcher → scanner → reader → supervisor → metadata/index → uploads →
// relay → listener. Everything is owned explicitly; there are no
// ambient singletons.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wingedpig/tether/internal/agent"
	"github.com/wingedpig/tether/internal/api"
	"github.com/wingedpig/tether/internal/config"
	"github.com/wingedpig/tether/internal/events"
	"github.com/wingedpig/tether/internal/metadata"
	"github.com/wingedpig/tether/internal/project"
	"github.com/wingedpig/tether/internal/relay"
	"github.com/wingedpig/tether/internal/srp"
	"github.com/wingedpig/tether/internal/transcript"
	"github.com/wingedpig/tether/internal/upload"
	"github.com/wingedpig/tether/internal/watcher"
)

// App is the main application container.
type App struct {
	configPath string
	version    string
	cfg        *config.Config

	bus        events.Bus
	scanner    *project.Scanner
	reader     *transcript.Reader
	store      *metadata.Store
	index      *metadata.Index
	supervisor *agent.Supervisor
	uploads    *upload.Manager
	creds      *srp.FileStore
	watch      *watcher.Watcher
	apiServer  *api.Server

	done     chan struct{}
	stopOnce sync.Once
}

// Options holds startup options.
type Options struct {
	ConfigPath string
	Host       string
	Port       int
	Version    string
}

// New loads configuration and creates the app.
func New(opts Options) (*App, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadWithDefaults(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port > 0 {
		cfg.Server.Port = opts.Port
	}

	return &App{
		configPath: opts.ConfigPath,
		version:    opts.Version,
		cfg:        cfg,
		done:       make(chan struct{}),
	}, nil
}

// Initialize builds and connects all components.
func (app *App) Initialize(ctx context.Context) error {
	cfg := app.cfg

	for _, dir := range []string{
		cfg.Paths.SessionDir,
		cfg.Paths.MetadataDir,
		cfg.Paths.IndexDir,
		app.uploadDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	app.bus = events.NewMemoryBus(events.MemoryBusConfig{
		HistoryMaxEvents: cfg.Events.HistoryMaxEvents,
		HistoryMaxAge:    config.ParseDuration(cfg.Events.HistoryMaxAge, time.Hour),
	})

	app.scanner = project.NewScanner(cfg.Paths.SessionDir)
	if _, err := app.scanner.Scan(); err != nil {
		log.Printf("Warning: project scan failed: %v", err)
	}

	provider := &agent.Provider{
		Name:    cfg.Agent.Provider,
		Command: cfg.Agent.Command,
		Model:   cfg.Agent.Model,
	}
	if cfg.Agent.Provider == "claude" {
		provider.Capabilities = agent.ClaudeProvider().Capabilities
	}

	app.reader = transcript.NewReader(cfg.Paths.SessionDir, provider.Capabilities.SupportsDAG)
	app.store = metadata.NewStore(cfg.Paths.MetadataDir)
	app.index = metadata.NewIndex(cfg.Paths.IndexDir, app.reader, app.store)

	app.supervisor = agent.NewSupervisor(agent.SupervisorConfig{
		Provider:      provider,
		Runner:        agent.NewExecRunner(),
		Bus:           app.bus,
		SessionRoot:   cfg.Paths.SessionDir,
		IdleGrace:     config.ParseDuration(cfg.Agent.IdleGrace, agent.DefaultIdleGrace),
		ExternalQuiet: config.ParseDuration(cfg.Agent.ExternalQuiet, agent.DefaultExternalQuiet),
		MaxHistory:    cfg.Agent.MaxHistory,
	})

	app.uploads = upload.NewManager(app.uploadDir(), cfg.Upload.MaxBytes)

	creds, err := srp.NewFileStore(cfg.Auth.CredentialsFile)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	app.creds = creds

	// Session transcript changes feed the external tracker and keep the
	// listing index fresh.
	app.bus.Subscribe("session.*", func(_ context.Context, event events.Event) error {
		if event.SessionID == "" {
			return nil
		}
		switch event.Type {
		case events.EventSessionDeleted:
			app.index.Remove(event.SessionID)
			return nil
		case events.EventSessionChanged, events.EventSessionCreated:
			app.supervisor.NoteSessionFileChanged(event.SessionID)
			projectID := app.projectIDForPath(event.Path)
			if _, err := app.index.Refresh(event.SessionID, projectID); err != nil &&
				!errors.Is(err, transcript.ErrSessionNotFound) {
				log.Printf("app: index refresh %s: %v", event.SessionID, err)
			}
		}
		return nil
	})

	// Credentials rotate without a restart.
	app.bus.Subscribe(events.EventCredentialsChanged, func(_ context.Context, _ events.Event) error {
		if err := app.creds.Reload(); err != nil {
			log.Printf("app: credentials reload: %v", err)
		}
		return nil
	})

	router := api.NewRouter(api.Dependencies{
		Scanner:    app.scanner,
		Reader:     app.reader,
		Supervisor: app.supervisor,
		Store:      app.store,
		Index:      app.index,
	})

	relayServer := relay.NewServer(relay.ServerConfig{
		Dispatcher:     relay.NewDispatcher(router),
		Supervisor:     app.supervisor,
		Bus:            app.bus,
		Uploads:        app.uploads,
		Credentials:    app.creds,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SessionTTL:     config.ParseDuration(cfg.Auth.SessionTTL, relay.DefaultSessionTTL),
	})
	router.Handle("/ws", relayServer)

	app.apiServer = api.NewServer(api.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		TLSCert:      cfg.Server.TLSCert,
		TLSKey:       cfg.Server.TLSKey,
		TLSTailscale: cfg.Server.TLSTailscale,
	}, router)

	w, err := watcher.New(app.bus, watcher.Config{
		SessionDir:      cfg.Paths.SessionDir,
		MetadataDir:     cfg.Paths.MetadataDir,
		SettingsPaths:   cfg.Paths.SettingsPaths,
		CredentialsPath: cfg.Auth.CredentialsFile,
		CoalesceWindow:  config.ParseDuration(cfg.Watch.Coalesce, 50*time.Millisecond),
	})
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	app.watch = w

	return nil
}

// uploadDir returns the configured or default upload directory.
func (app *App) uploadDir() string {
	if app.cfg.Paths.UploadDir != "" {
		return app.cfg.Paths.UploadDir
	}
	return filepath.Join(filepath.Dir(app.configPath), ".tether", "uploads")
}

// projectIDForPath maps a transcript path back to its project id.
func (app *App) projectIDForPath(path string) string {
	rel, err := filepath.Rel(app.cfg.Paths.SessionDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(rel, string(os.PathSeparator))
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

// Run starts everything and blocks until shutdown.
func (app *App) Run(ctx context.Context) error {
	if err := app.Initialize(ctx); err != nil {
		return err
	}

	app.watch.Start()

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := app.apiServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Printf("Received signal %v, shutting down...", sig)
		case <-runCtx.Done():
		case <-app.done:
			log.Printf("Shutdown requested...")
		}
		return app.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops components in reverse dependency order.
func (app *App) Shutdown(ctx context.Context) error {
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if app.apiServer != nil {
		if err := app.apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down API server: %v", err)
		}
	}
	if app.watch != nil {
		app.watch.Close()
	}
	if app.supervisor != nil {
		app.supervisor.Shutdown()
	}
	if app.bus != nil {
		app.bus.Close()
	}

	log.Println("Shutdown complete")
	return nil
}

// Stop signals the app to shut down. Safe to call multiple times.
func (app *App) Stop() {
	app.stopOnce.Do(func() {
		close(app.done)
	})
}
