// Package api serves the HTTP admin interface of the file server.
package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/fileserver/pkg/auth"
	"github.com/psantana5/fileserver/pkg/logging"
	"github.com/psantana5/fileserver/pkg/protocol"
	"github.com/psantana5/fileserver/pkg/ratelimit"
	"github.com/psantana5/fileserver/pkg/server"
	"github.com/psantana5/fileserver/pkg/storage"
	"github.com/psantana5/fileserver/pkg/store"
	"github.com/psantana5/fileserver/pkg/tracing"
)

// FileServer is the part of *server.Server the admin API reads
type FileServer interface {
	Snapshot() (protocol.StatsFrame, error)
	MaxConnections() int
	Subscribers() []server.SubscriberInfo
}

// StatsResponse is returned by GET /stats
type StatsResponse struct {
	protocol.StatsFrame
	MaxConnections int                     `json:"max_connections"`
	Subscribers    []server.SubscriberInfo `json:"subscribers"`
	Downloads      map[string]int64        `json:"downloads"`
}

// FileResponse is one entry of GET /files
type FileResponse struct {
	storage.FileInfo
	Downloads int64 `json:"downloads"`
}

// AdminHandler serves the admin routes
type AdminHandler struct {
	server  FileServer
	store   store.Store
	root    *storage.Root
	metrics http.Handler
	logger  *logging.Logger
}

// NewAdminHandler creates the admin handler. metrics may be nil.
func NewAdminHandler(srv FileServer, st store.Store, root *storage.Root, metrics http.Handler, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &AdminHandler{
		server:  srv,
		store:   st,
		root:    root,
		metrics: metrics,
		logger:  logger.WithField("component", "admin"),
	}
}

// RegisterRoutes registers the admin routes on r
func (h *AdminHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/stats", h.Stats).Methods("GET")
	r.HandleFunc("/stats/reset", h.ResetStats).Methods("POST")
	r.HandleFunc("/files", h.ListFiles).Methods("GET")
	r.HandleFunc("/files/{name}", h.GetFile).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods("GET")
	}
}

// NewRouter wires the admin routes behind tracing, per-IP rate limiting and
// API key checks. /health stays reachable without a key.
func NewRouter(h *AdminHandler, key *auth.APIKey, limiter *ratelimit.Limiter, tracer *tracing.Provider) *mux.Router {
	router := mux.NewRouter()

	if tracer != nil {
		router.Use(tracing.HTTPMiddleware(tracer))
	}
	if limiter != nil {
		router.Use(limiter.Middleware(ratelimit.IPKeyFunc))
	}
	if key != nil && key.Enabled() {
		router.Use(key.Middleware("/health"))
	}

	h.RegisterRoutes(router)
	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Health reports whether the statistics store is reachable
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(); err != nil {
		h.logger.Warn("Health check failed", map[string]interface{}{"error": err})
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Stats returns the current statistics frame plus per-file counters
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	frame, err := h.server.Snapshot()
	if err != nil {
		http.Error(w, "failed to read statistics", http.StatusInternalServerError)
		return
	}
	downloads, err := h.store.All()
	if err != nil {
		http.Error(w, "failed to read statistics", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		StatsFrame:     frame,
		MaxConnections: h.server.MaxConnections(),
		Subscribers:    h.server.Subscribers(),
		Downloads:      downloads,
	})
}

// ResetStats clears every download counter
func (h *AdminHandler) ResetStats(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Reset(); err != nil {
		h.logger.Error("Failed to reset statistics", map[string]interface{}{"error": err})
		http.Error(w, "failed to reset statistics", http.StatusInternalServerError)
		return
	}
	h.logger.Info("Download statistics reset", map[string]interface{}{"remote": r.RemoteAddr})
	w.WriteHeader(http.StatusNoContent)
}

// ListFiles returns every servable file with its download count
func (h *AdminHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.root.List()
	if err != nil {
		h.logger.Error("Failed to list files", map[string]interface{}{"error": err})
		http.Error(w, "failed to list files", http.StatusInternalServerError)
		return
	}
	downloads, err := h.store.All()
	if err != nil {
		http.Error(w, "failed to read statistics", http.StatusInternalServerError)
		return
	}

	resp := make([]FileResponse, 0, len(files))
	for _, f := range files {
		resp = append(resp, FileResponse{FileInfo: f, Downloads: downloads[f.Name]})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": resp,
		"count": len(resp),
	})
}

// GetFile returns one file's details
func (h *AdminHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	f, size, err := h.root.Open(name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, storage.ErrInvalidName) {
			status = http.StatusNotFound
		}
		http.Error(w, "file not found", status)
		return
	}
	info, _ := f.Stat()
	f.Close()

	digest, err := h.root.Digest(name)
	if err != nil {
		http.Error(w, "failed to hash file", http.StatusInternalServerError)
		return
	}
	count, _ := h.store.Count(name)

	writeJSON(w, http.StatusOK, FileResponse{
		FileInfo:  storage.FileInfo{Name: name, Size: size, ModTime: info.ModTime(), Digest: digest},
		Downloads: count,
	})
}
