// Package main is the CLI entry point for the relay proxy: a local
// multi-tenant reverse proxy that sits between coding-assistant clients
// and their upstream Claude/Codex-style APIs, applying channel
// selection, body filtering, routing, and load balancing per family.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/clprelay/relay/internal/catalog"
	"github.com/clprelay/relay/internal/filter"
	"github.com/clprelay/relay/internal/history"
	"github.com/clprelay/relay/internal/lb"
	"github.com/clprelay/relay/internal/livehub"
	"github.com/clprelay/relay/internal/relay"
	"github.com/clprelay/relay/internal/reload"
	"github.com/clprelay/relay/internal/routing"
	"github.com/clprelay/relay/internal/service"
	"github.com/clprelay/relay/internal/sysconfig"
	"github.com/clprelay/relay/internal/trafficlog"
)

var (
	version = "dev"
	commit  = "unknown"
)

var configDir string

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "proxyd",
	Short:   "relay: local reverse proxy for Claude/Codex-style coding-assistant APIs",
	Version: fmt.Sprintf("%s (commit %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "directory holding system and per-family config files")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("relay %s (commit %s)\n", version, commit)
		return nil
	},
}

var (
	probeChannel string
	probeFamily  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the claude and codex proxy listeners",
	RunE: func(cmd *cobra.Command, args []string) error {
		if probeChannel != "" {
			return runProbe(cmd.Context(), probeFamily, probeChannel)
		}
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&probeChannel, "probe", "", "run a connectivity self-test against <channel> instead of serving, then exit")
	serveCmd.Flags().StringVar(&probeFamily, "probe-family", "", "family (claude/codex) the --probe channel belongs to; required with --probe")
}

// familyHandle bundles the running state for one family's listener so
// serve can report diagnostics and shut everything down cleanly.
type familyHandle struct {
	name    string
	server  *http.Server
	svc     *service.Service
	hub     *livehub.Hub
	log     *trafficlog.Log
	watcher *reload.Watcher
}

func runServe() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	sysPath := filepath.Join(configDir, "system.yaml")
	if err := sysconfig.WriteDefault(sysPath); err != nil {
		return fmt.Errorf("writing default system config: %w", err)
	}
	cfg, err := sysconfig.Load(sysPath)
	if err != nil {
		return fmt.Errorf("loading system config: %w", err)
	}
	if cfg.SharedDir == "" {
		cfg.SharedDir = configDir
	}

	// router.json and lb.json are shared across families; a single Store
	// per file owns all reads and writes so one family's save can never
	// clobber the other family's section.
	routerPath := filepath.Join(cfg.SharedDir, "router.json")
	lbPath := filepath.Join(cfg.SharedDir, "lb.json")
	routerStore, err := routing.NewStore(routerPath)
	if err != nil {
		return fmt.Errorf("loading router config: %w", err)
	}
	lbStore, err := lb.NewStore(lbPath)
	if err != nil {
		return fmt.Errorf("loading lb config: %w", err)
	}

	sharedWatcher, err := reload.New()
	if err != nil {
		slog.Error("shared directory watcher unavailable, relying on TTL reload only", "error", err)
		sharedWatcher = nil
	} else {
		_ = sharedWatcher.Watch(routerPath, routerStore)
		_ = sharedWatcher.Watch(lbPath, lbStore)
		sharedWatcher.Start()
		defer sharedWatcher.Close()
	}

	var handles []*familyHandle
	for name, fc := range cfg.Families {
		h, err := startFamily(name, fc, routerStore, lbStore, cfg.LogLimit)
		if err != nil {
			return fmt.Errorf("starting %s family: %w", name, err)
		}
		handles = append(handles, h)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, len(handles))
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *familyHandle) {
			defer wg.Done()
			slog.Info("family listener starting", "family", h.name, "addr", h.server.Addr)
			if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", h.name, err)
			}
		}(h)
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down (signal received)")
	case err := <-errCh:
		slog.Error("listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, h := range handles {
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "family", h.name, "error", err)
		}
		if h.watcher != nil {
			h.watcher.Close()
		}
		h.svc.Flush()
		if err := h.log.Close(); err != nil {
			slog.Error("closing traffic log failed", "family", h.name, "error", err)
		}
		slog.Info("family stopped", "family", h.name, "records_retained", humanize.Comma(int64(h.hub.ActiveCount())))
	}

	wg.Wait()
	return nil
}

func startFamily(name string, fc sysconfig.FamilyConfig, routerStore *routing.Store, lbStore *lb.Store, logLimit int) (*familyHandle, error) {
	dir := fc.ConfigDir
	if dir == "" {
		dir = filepath.Join(configDir, name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	catalogPath := filepath.Join(dir, "catalog.json")
	filterPath := filepath.Join(dir, "filter.json")
	historyPath := filepath.Join(dir, "history.json")
	trafficPath := filepath.Join(dir, "traffic.jsonl")
	indexPath := filepath.Join(dir, "traffic.db")

	cat, err := catalog.New(catalogPath, 0)
	if err != nil {
		return nil, err
	}
	filt, err := filter.New(filterPath)
	if err != nil {
		return nil, err
	}
	router := routing.NewRouter(routerStore, name)
	selector := lb.NewSelector(lbStore, name)
	hist, err := history.New(historyPath)
	if err != nil {
		return nil, err
	}
	log, err := trafficlog.New(trafficPath, name, logLimit, hist, indexPath)
	if err != nil {
		return nil, err
	}

	// A catalog-editor UI renames a channel by writing a new key with the
	// same base_url/auth_token/api_key signature; cascade that rename into
	// every other file keyed by the old channel name.
	cat.SetRenameHook(func(oldName, newName string) {
		if err := hist.RenameChannel(name, oldName, newName); err != nil {
			slog.Error("history rename cascade failed", "family", name, "error", err)
		}
		if err := log.RenameChannel(oldName, newName); err != nil {
			slog.Error("traffic log rename cascade failed", "family", name, "error", err)
		}
		if err := router.RenameChannel(oldName, newName); err != nil {
			slog.Error("router rename cascade failed", "family", name, "error", err)
		}
		if err := selector.RenameChannel(oldName, newName); err != nil {
			slog.Error("lb rename cascade failed", "family", name, "error", err)
		}
		slog.Info("channel renamed, cascaded to history/log/router/lb", "family", name, "old", oldName, "new", newName)
	})

	hub := livehub.New(name)
	go hub.Run()

	svc := service.New(service.Config{
		Name:     name,
		Catalog:  cat,
		Filter:   filt,
		Router:   router,
		Selector: selector,
		Hub:      hub,
		Log:      log,
		Client:   relay.NewClient(),
	})

	watcher, err := reload.New()
	if err != nil {
		slog.Error("directory watcher unavailable, relying on TTL reload only", "family", name, "error", err)
		watcher = nil
	} else {
		_ = watcher.Watch(catalogPath, cat)
		_ = watcher.Watch(filterPath, filt)
		watcher.Start()
	}

	mux := http.NewServeMux()
	// Registered at "/" so any method and any path not claimed by the
	// endpoints below reaches Service.ServeHTTP and is forwarded with the
	// incoming path unchanged.
	mux.Handle("/", svc)
	mux.HandleFunc("/ws/realtime", withCORS(hub.ServeWS))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","family":%q}`, name)
	})
	mux.HandleFunc("/logs/query", func(w http.ResponseWriter, r *http.Request) {
		status, _ := strconv.Atoi(r.URL.Query().Get("status"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		rows, err := log.Query(trafficlog.QueryParams{
			Service:    name,
			Channel:    r.URL.Query().Get("channel"),
			StatusCode: status,
			Limit:      limit,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []trafficlog.IndexedEntry{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	})
	mux.HandleFunc("/usage", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(log.UsageTotal(r.URL.Query().Get("channel")))
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", fc.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &familyHandle{name: name, server: server, svc: svc, hub: hub, log: log, watcher: watcher}, nil
}

// runProbe implements the `serve --probe <channel> --probe-family <family>`
// diagnostic: it loads only the named family's catalog, looks up channel,
// and reports latency/status without starting any listener or touching
// the catalog, LB state, or traffic log.
func runProbe(ctx context.Context, family, channelName string) error {
	if family == "" {
		return fmt.Errorf("--probe requires --probe-family (claude/codex)")
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	sysPath := filepath.Join(configDir, "system.yaml")
	if err := sysconfig.WriteDefault(sysPath); err != nil {
		return fmt.Errorf("writing default system config: %w", err)
	}
	cfg, err := sysconfig.Load(sysPath)
	if err != nil {
		return fmt.Errorf("loading system config: %w", err)
	}

	fc, ok := cfg.Families[family]
	if !ok {
		return fmt.Errorf("unknown family %q", family)
	}
	dir := fc.ConfigDir
	if dir == "" {
		dir = filepath.Join(configDir, family)
	}
	cat, err := catalog.New(filepath.Join(dir, "catalog.json"), 0)
	if err != nil {
		return fmt.Errorf("loading %s catalog: %w", family, err)
	}
	channel, ok := cat.Get(channelName)
	if !ok {
		return fmt.Errorf("channel %q not found in %s catalog", channelName, family)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	result := relay.Probe(probeCtx, relay.NewClient(), channel.BaseURL, channel.AuthToken, channel.APIKey, "")

	if result.Err != "" {
		fmt.Printf("probe %s/%s: error: %s (after %dms)\n", family, channelName, result.Err, result.LatencyMs)
		return nil
	}
	fmt.Printf("probe %s/%s: status=%d latency=%dms\n", family, channelName, result.StatusCode, result.LatencyMs)
	return nil
}

// withCORS applies a narrow, same-machine CORS policy to the live-events
// endpoint: the allow-list is keyed on the Origin's hostname
// (localhost/127.0.0.1/::1, any port).
func withCORS(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if isLoopbackOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h(w, r)
	}
}

func isLoopbackOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
