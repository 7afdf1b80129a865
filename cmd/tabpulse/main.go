// tabpulse - cross-tab activity tracking and tab presence over a shared store
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabpulse/tabpulse/pkg/activity"
	"github.com/tabpulse/tabpulse/pkg/config"
	"github.com/tabpulse/tabpulse/pkg/logger"
	"github.com/tabpulse/tabpulse/pkg/relay"
	"github.com/tabpulse/tabpulse/pkg/storage"
	"github.com/tabpulse/tabpulse/pkg/tabs"
)

var (
	// Version information (set during build)
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:     "tabpulse",
		Short:   "Track user activity and tab presence across processes sharing a store",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		Long: `Tracks a single last-active timestamp, fires inactivity watchers after
configurable timeouts, and maintains a heartbeat-based registry of open
tabs. State is shared across tabs through a pluggable key-value backend,
with cross-tab change events carried by filesystem notifications or a
websocket relay.`,
		SilenceUsage: true,
	}

	config.RegisterFlags(rootCmd, cfg)

	var timeouts []time.Duration
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Register this tab and watch for inactivity (stdin lines mark activity)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Timeouts = timeouts
			return runWatch(cfg)
		},
	}
	watchCmd.Flags().DurationSliceVar(&timeouts, "timeout", []time.Duration{time.Minute},
		"Inactivity timeout to watch (repeatable)")

	touchCmd := &cobra.Command{
		Use:   "touch",
		Short: "Mark activity once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTouch(cfg)
		},
	}

	tabsCmd := &cobra.Command{
		Use:   "tabs",
		Short: "List tabs with a fresh heartbeat",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTabs(cfg)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a relay hub carrying change events between tabs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfg)
		},
	}
	serveCmd.Flags().StringVar(&cfg.ListenAddr, "addr", "127.0.0.1:7377",
		"Address for the relay hub to listen on")

	rootCmd.AddCommand(watchCmd, touchCmd, tabsCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is everything a subcommand needs to talk to the shared store.
type env struct {
	log    *logger.Logger
	store  *storage.Store
	feed   storage.ChangeFeed
	client *relay.Client
}

func (e *env) close() {
	if e.client != nil {
		e.client.Close()
	}
	e.store.Backend().Close()
}

// openEnv builds the storage backend and change feed from configuration.
// The file backend brings its own feed; with a relay configured, the
// relay carries change events instead and writes announce themselves on it.
func openEnv(cfg *config.Config) (*env, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	log := logger.New(cfg.LoggerConfig())

	var (
		backend storage.Backend
		feed    storage.ChangeFeed
		err     error
	)
	switch cfg.Backend {
	case config.BackendFile:
		dir, dirErr := storage.NewDir(filepath.Join(cfg.DataDir, "kv"), log)
		if dirErr != nil {
			return nil, dirErr
		}
		backend, feed = dir, dir
	case config.BackendSQLite:
		if err = os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		backend, err = storage.NewSQLite(filepath.Join(cfg.DataDir, "tabpulse.db"))
		if err != nil {
			return nil, err
		}
	case config.BackendMemory:
		backend = storage.NewMemory()
	}

	var client *relay.Client
	if cfg.RelayURL != "" {
		client, err = relay.Dial(cfg.RelayURL, log)
		if err != nil {
			backend.Close()
			return nil, err
		}
		backend = relay.Backend(backend, client)
		feed = client
	}

	return &env{
		log:    log,
		store:  storage.NewStore(backend, log),
		feed:   feed,
		client: client,
	}, nil
}

func runWatch(cfg *config.Config) error {
	e, err := openEnv(cfg)
	if err != nil {
		return err
	}
	defer e.close()

	e.log.StartupBanner(Version, map[string]interface{}{
		"backend":     cfg.Backend,
		"data_dir":    cfg.DataDir,
		"prefix":      cfg.Prefix,
		"sync":        !cfg.NoSync,
		"stale_after": cfg.StaleAfter.String(),
		"timeouts":    fmt.Sprint(cfg.Timeouts),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := tabs.New(tabs.Options{
		Store:      e.store,
		Session:    storage.NewStore(storage.NewMemory(), e.log),
		Prefix:     cfg.Prefix,
		StaleAfter: cfg.StaleAfter,
		Logger:     e.log,
	})
	registry.RegisterCurrentTab(ctx)

	tracker := activity.New(activity.Options{
		Store:       e.store,
		Feed:        e.feed,
		Prefix:      cfg.Prefix,
		DisableSync: cfg.NoSync,
		TabID:       registry.TabID(),
		Logger:      e.log,
	})
	defer tracker.Destroy()

	log := e.log.WithTab(registry.TabID())

	unsubscribe := tracker.Subscribe(func(ts time.Time) {
		log.Info("activity recorded",
			"last_active", ts.Format(time.RFC3339),
			"active_tabs", registry.ActiveTabCount())
	})
	defer unsubscribe()

	for _, timeout := range cfg.Timeouts {
		timeout := timeout
		defer tracker.SubscribeToInactivity(timeout, func() {
			log.Info("inactivity detected", "timeout", timeout)
		})()
	}

	tracker.MarkActive()

	// Every stdin line is one user action.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			tracker.MarkActive()
		}
	}()

	<-ctx.Done()
	registry.Deregister()
	log.ShutdownBanner("signal received")
	return nil
}

func runTouch(cfg *config.Config) error {
	e, err := openEnv(cfg)
	if err != nil {
		return err
	}
	defer e.close()

	registry := tabs.New(tabs.Options{
		Store:      e.store,
		Session:    storage.NewStore(storage.NewMemory(), e.log),
		Prefix:     cfg.Prefix,
		StaleAfter: cfg.StaleAfter,
		Logger:     e.log,
	})
	tracker := activity.New(activity.Options{
		Store:       e.store,
		Prefix:      cfg.Prefix,
		DisableSync: cfg.NoSync,
		TabID:       registry.TabID(),
		Logger:      e.log,
	})
	defer tracker.Destroy()

	tracker.MarkActive()
	fmt.Printf("last active: %s\n", tracker.LastActiveTime().Format(time.RFC3339))
	return nil
}

func runTabs(cfg *config.Config) error {
	e, err := openEnv(cfg)
	if err != nil {
		return err
	}
	defer e.close()

	registry := tabs.New(tabs.Options{
		Store:      e.store,
		Session:    storage.NewStore(storage.NewMemory(), e.log),
		Prefix:     cfg.Prefix,
		StaleAfter: cfg.StaleAfter,
		Logger:     e.log,
	})

	ids := registry.ActiveTabIDs()
	fmt.Printf("%d active tab(s)\n", len(ids))
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runServe(cfg *config.Config) error {
	if err := cfg.Normalize(); err != nil {
		return err
	}
	log := logger.New(cfg.LoggerConfig())

	hub := relay.NewServer(log)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: hub,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay hub listening", "addr", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.ShutdownBanner("signal received")
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
