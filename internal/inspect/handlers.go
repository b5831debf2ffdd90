package inspect

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Handler serves the inspector over HTTP as JSON.
type Handler struct {
	inspector *Inspector
}

// NewHandler creates a new Handler.
func NewHandler(inspector *Inspector) *Handler {
	return &Handler{inspector: inspector}
}

// RegisterRoutes registers HTTP routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stats", h.handleStats)
	mux.HandleFunc("GET /api/queues", h.handleQueues)
	mux.HandleFunc("GET /api/queues/{name}", h.handleQueue)
	mux.HandleFunc("GET /api/workers", h.handleWorkers)
	mux.HandleFunc("GET /api/hosts", h.handleHosts)
	mux.HandleFunc("GET /api/failed", h.handleFailed)
	mux.HandleFunc("POST /api/failed/{index}/retry", h.handleRetry)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.inspector.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.render(w, stats)
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.inspector.Queues(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.render(w, queues)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	qname := r.PathValue("name")
	info, err := h.inspector.Queue(r.Context(), qname)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jobs, err := h.inspector.Jobs(r.Context(), qname, queryInt(r, "limit", 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.render(w, map[string]interface{}{
		"queue": info,
		"jobs":  jobs,
	})
}

func (h *Handler) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.inspector.Workers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.render(w, workers)
}

func (h *Handler) handleHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := h.inspector.Hosts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.render(w, hosts)
}

func (h *Handler) handleFailed(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	total, err := h.inspector.FailureCount(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	failures, err := h.inspector.Failures(r.Context(), key, queryInt(r, "offset", 0), queryInt(r, "limit", 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.render(w, map[string]interface{}{
		"total":    total,
		"failures": failures,
	})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseInt(r.PathValue("index"), 10, 64)
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	if err := h.inspector.RetryFailure(r.Context(), r.URL.Query().Get("key"), index); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) render(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v >= 0 {
		return v
	}
	return def
}
