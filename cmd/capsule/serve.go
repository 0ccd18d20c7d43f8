package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/capsule/launcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve capsules over HTTP",
	Long: `Start an HTTP server that launches capsule instances and drives them
through the facade.

Endpoints:
  POST   /capsules                 Launch an instance, returns {"id":"..."}
  GET    /capsules                 List live instances
  GET    /capsules/{id}            Describe one instance
  POST   /capsules/{id}/call/{op}  Call a module operation, body is the payload
  DELETE /capsules/{id}            Close an instance
  GET    /archives                 List archives in the served directory
  GET    /health                   Health check
  GET    /metrics                  Prometheus metrics

Relative archive paths in launch requests resolve against --dir. With
--watch the archive catalog follows directory changes live.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("dir", ".", "Directory the served archives live in")
	serveCmd.Flags().Duration("ttl", 15*time.Minute, "Idle instance lifetime")
	serveCmd.Flags().Bool("watch", false, "Watch --dir and keep the archive catalog current")
	rootCmd.AddCommand(serveCmd)
}

type launchRequest struct {
	Archive    string            `json:"archive"`
	Mode       string            `json:"mode,omitempty"`
	Wrapped    string            `json:"wrapped,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	CacheDir   string            `json:"cache_dir,omitempty"`
	Args       []string          `json:"args,omitempty"`
}

type launchResponse struct {
	ID      string              `json:"id"`
	Entry   launcher.EntryPoint `json:"entry"`
	Version string              `json:"version,omitempty"`
}

type capsuleDetail struct {
	ID         string              `json:"id"`
	Archive    string              `json:"archive"`
	Entry      launcher.EntryPoint `json:"entry"`
	Version    string              `json:"version,omitempty"`
	Properties map[string]string   `json:"properties,omitempty"`
}

type callResult struct {
	Result     string `json:"result"`
	DurationMs int64  `json:"duration_ms"`
}

type servedInstance struct {
	launcher *launcher.Launcher
	facade   *launcher.Facade
	archive  string
	lastUsed time.Time
}

type instanceManager struct {
	mu        sync.RWMutex
	instances map[string]*servedInstance
	ttl       time.Duration
	active    prometheus.Gauge
}

func newInstanceManager(ttl time.Duration, active prometheus.Gauge) *instanceManager {
	im := &instanceManager{
		instances: make(map[string]*servedInstance),
		ttl:       ttl,
		active:    active,
	}
	go im.cleanup()
	return im
}

func (im *instanceManager) create(ctx context.Context, path string, req launchRequest, opts []launcher.Option) (string, error) {
	l, err := launcher.Open(ctx, path, opts...)
	if err != nil {
		return "", err
	}
	for name, value := range req.Properties {
		l.SetProperty(name, value)
	}
	if req.CacheDir != "" {
		l.SetCacheDir(req.CacheDir)
	}

	launchOpts := []launcher.LaunchOption{launcher.WithMode(req.Mode), launcher.WithArgs(req.Args...)}
	if req.Wrapped != "" {
		launchOpts = append(launchOpts, launcher.WithWrapped(req.Wrapped))
	}
	f, err := l.Launch(ctx, launchOpts...)
	if err != nil {
		l.Close(ctx)
		return "", err
	}

	id := uuid.NewString()
	im.mu.Lock()
	im.instances[id] = &servedInstance{
		launcher: l,
		facade:   f,
		archive:  path,
		lastUsed: time.Now(),
	}
	im.mu.Unlock()
	im.active.Inc()
	return id, nil
}

func (im *instanceManager) get(id string) (*servedInstance, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()
	inst, ok := im.instances[id]
	if !ok {
		return nil, false
	}
	inst.lastUsed = time.Now()
	return inst, true
}

func (im *instanceManager) close(id string) bool {
	im.mu.Lock()
	inst, ok := im.instances[id]
	if ok {
		delete(im.instances, id)
	}
	im.mu.Unlock()
	if !ok {
		return false
	}
	inst.facade.Close(context.Background())
	inst.launcher.Close(context.Background())
	im.active.Dec()
	return true
}

func (im *instanceManager) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		im.mu.Lock()
		now := time.Now()
		var stale []string
		for id, inst := range im.instances {
			if now.Sub(inst.lastUsed) > im.ttl {
				stale = append(stale, id)
			}
		}
		im.mu.Unlock()
		for _, id := range stale {
			im.close(id)
		}
	}
}

func (im *instanceManager) closeAll() {
	im.mu.Lock()
	ids := make([]string, 0, len(im.instances))
	for id := range im.instances {
		ids = append(ids, id)
	}
	im.mu.Unlock()
	for _, id := range ids {
		im.close(id)
	}
}

// archiveCatalog tracks the capsule archives in the served directory.
type archiveCatalog struct {
	mu   sync.RWMutex
	dir  string
	info map[string]launcher.Info
	log  zerolog.Logger
}

func newArchiveCatalog(dir string, log zerolog.Logger) *archiveCatalog {
	return &archiveCatalog{dir: dir, info: make(map[string]launcher.Info), log: log}
}

func (c *archiveCatalog) scan(ctx context.Context) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Error().Err(err).Str("dir", c.dir).Msg("scan archive directory")
		return
	}
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".capsule" {
			c.refresh(ctx, e.Name())
		}
	}
}

func (c *archiveCatalog) refresh(ctx context.Context, name string) {
	info, err := launcher.Inspect(ctx, filepath.Join(c.dir, name))
	if err != nil {
		c.log.Warn().Err(err).Str("archive", name).Msg("archive rejected")
		c.remove(name)
		return
	}
	c.mu.Lock()
	c.info[name] = info
	c.mu.Unlock()
	c.log.Info().Str("archive", name).Str("entry", info.Entry.Name).Msg("archive cataloged")
}

func (c *archiveCatalog) remove(name string) {
	c.mu.Lock()
	delete(c.info, name)
	c.mu.Unlock()
}

func (c *archiveCatalog) list() map[string]launcher.Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]launcher.Info, len(c.info))
	for name, info := range c.info {
		out[name] = info
	}
	return out
}

func (c *archiveCatalog) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".capsule" {
				continue
			}
			name := filepath.Base(event.Name)
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				c.refresh(ctx, name)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				c.remove(name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.log.Error().Err(err).Msg("archive watcher")
		}
	}
}

type capsuleServer struct {
	log       zerolog.Logger
	dir       string
	openOpts  []launcher.Option
	instances *instanceManager
	catalog   *archiveCatalog
	registry  *prometheus.Registry
	launches  *prometheus.CounterVec
	callSecs  prometheus.Histogram
}

func newCapsuleServer(log zerolog.Logger, dir string, ttl time.Duration, openOpts []launcher.Option) *capsuleServer {
	registry := prometheus.NewRegistry()
	launches := promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "capsule_launches_total",
		Help: "Capsule launches by result.",
	}, []string{"status"})
	active := promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "capsule_instances_active",
		Help: "Capsule instances currently live.",
	})
	callSecs := promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "capsule_call_duration_seconds",
		Help:    "Module operation latency.",
		Buckets: prometheus.DefBuckets,
	})

	return &capsuleServer{
		log:       log,
		dir:       dir,
		openOpts:  openOpts,
		instances: newInstanceManager(ttl, active),
		catalog:   newArchiveCatalog(dir, log),
		registry:  registry,
		launches:  launches,
		callSecs:  callSecs,
	}
}

func (s *capsuleServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/capsules", s.handleLaunch)
	r.Get("/capsules", s.handleList)
	r.Get("/capsules/{id}", s.handleGet)
	r.Post("/capsules/{id}/call/{op}", s.handleCall)
	r.Delete("/capsules/{id}", s.handleClose)
	r.Get("/archives", s.handleArchives)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *capsuleServer) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Archive == "" {
		http.Error(w, "archive required", http.StatusBadRequest)
		return
	}

	path := req.Archive
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dir, path)
	}
	if req.Wrapped != "" && !filepath.IsAbs(req.Wrapped) {
		req.Wrapped = filepath.Join(s.dir, req.Wrapped)
	}

	id, err := s.instances.create(r.Context(), path, req, s.openOpts)
	if err != nil {
		s.launches.WithLabelValues("error").Inc()
		status := http.StatusInternalServerError
		if errors.Is(err, launcher.ErrInvalidCapsule) || errors.Is(err, launcher.ErrDelegationUnsupported) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.launches.WithLabelValues("ok").Inc()
	s.log.Info().Str("id", id).Str("archive", path).Msg("instance launched")

	inst, _ := s.instances.get(id)
	resp := launchResponse{ID: id, Entry: inst.facade.Entry()}
	if v, err := inst.facade.GetVersion(r.Context()); err == nil {
		resp.Version = v
	}
	writeJSON(w, resp)
}

func (s *capsuleServer) handleList(w http.ResponseWriter, _ *http.Request) {
	s.instances.mu.RLock()
	out := make([]capsuleDetail, 0, len(s.instances.instances))
	for id, inst := range s.instances.instances {
		out = append(out, capsuleDetail{ID: id, Archive: inst.archive, Entry: inst.facade.Entry()})
	}
	s.instances.mu.RUnlock()
	writeJSON(w, out)
}

func (s *capsuleServer) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instances.get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "capsule not found", http.StatusNotFound)
		return
	}

	detail := capsuleDetail{
		ID:      chi.URLParam(r, "id"),
		Archive: inst.archive,
		Entry:   inst.facade.Entry(),
	}
	if v, err := inst.facade.GetVersion(r.Context()); err == nil {
		detail.Version = v
	}
	if p, err := inst.facade.GetProperties(r.Context()); err == nil {
		detail.Properties = p
	}
	writeJSON(w, detail)
}

func (s *capsuleServer) handleCall(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instances.get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "capsule not found", http.StatusNotFound)
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	out, err := inst.facade.Call(r.Context(), chi.URLParam(r, "op"), payload)
	duration := time.Since(start)
	s.callSecs.Observe(duration.Seconds())

	if err != nil {
		if errors.Is(err, launcher.ErrUnsupported) {
			http.Error(w, err.Error(), http.StatusNotImplemented)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, callResult{Result: string(out), DurationMs: duration.Milliseconds()})
}

func (s *capsuleServer) handleClose(w http.ResponseWriter, r *http.Request) {
	if !s.instances.close(chi.URLParam(r, "id")) {
		http.Error(w, "capsule not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *capsuleServer) handleArchives(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.catalog.list())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func runServe(cmd *cobra.Command, args []string) {
	port, _ := cmd.Flags().GetInt("port")
	dir, _ := cmd.Flags().GetString("dir")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	watch, _ := cmd.Flags().GetBool("watch")

	log := newLogger(cmd)
	server := newCapsuleServer(log, dir, ttl, openOptions(cmd))
	defer server.instances.closeAll()

	ctx := cmd.Context()
	server.catalog.scan(ctx)

	if watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer watcher.Close()
		if err := watcher.Add(dir); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		go server.catalog.watch(ctx, watcher)
	}

	addr := fmt.Sprintf(":%d", port)
	fmt.Fprintf(os.Stderr, "capsule server listening on %s\n", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
