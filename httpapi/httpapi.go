// Package httpapi exposes the acquisition manager over HTTP.
//
// Routes are bound on a goji mux under a configurable stem.  Everything
// speaks JSON except /live, which upgrades to a websocket carrying the
// live sample stream, and /metrics, which serves Prometheus text.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"goji.io"
	"goji.io/pat"

	"github.com/efield-lab/goaefi/acquire"
	"github.com/efield-lab/goaefi/export"
)

// Server adapts a Manager to HTTP.
type Server struct {
	mgr *acquire.Manager
	log *zap.Logger
	up  websocket.Upgrader
}

// NewServer wraps the manager.  log may be nil.
func NewServer(mgr *acquire.Manager, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{mgr: mgr, log: log}
}

// BindRoutes attaches the server's routes to mux.
func (s *Server) BindRoutes(mux *goji.Mux) {
	mux.HandleFunc(pat.Get("/status"), s.HTTPStatus)
	mux.HandleFunc(pat.Get("/config"), s.HTTPGetConfig)
	mux.HandleFunc(pat.Post("/config"), s.HTTPUpdateConfig)
	mux.HandleFunc(pat.Post("/start"), s.HTTPStart)
	mux.HandleFunc(pat.Post("/stop"), s.HTTPStop)
	mux.HandleFunc(pat.Post("/export/start"), s.HTTPBeginExport)
	mux.HandleFunc(pat.Post("/export/stop"), s.HTTPEndExport)
	mux.HandleFunc(pat.Get("/buffer"), s.HTTPBuffer)
	mux.HandleFunc(pat.Get("/live"), s.HTTPLive)
	mux.Handle(pat.Get("/metrics"), promhttp.Handler())
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HTTPStatus serves the manager state.
func (s *Server) HTTPStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.mgr.Status())
}

// HTTPGetConfig serves the live configuration.
func (s *Server) HTTPGetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.mgr.Config())
}

// HTTPUpdateConfig applies a partial configuration update.  A rejected
// update returns 422 with the rollback cause in the body.
func (s *Server) HTTPUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var p acquire.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := s.mgr.UpdateConfiguration(p); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	respondJSON(w, s.mgr.Config())
}

// HTTPStart launches the acquisition loop.  Starting a running manager
// returns 409.
func (s *Server) HTTPStart(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Start(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPStop shuts the acquisition down.
func (s *Server) HTTPStop(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// exportRequest mirrors acquire.ExportOptions with JSON-friendly fields.
type exportRequest struct {
	Dir             string  `json:"dir"`
	Name            string  `json:"name"`
	Format          string  `json:"format"`
	SwapThreshold   int     `json:"swapThreshold"`
	AppendWaitMs    int     `json:"appendWaitMs"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// HTTPBeginExport starts an export session and returns the output path.
func (s *Server) HTTPBeginExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer r.Body.Close()
	}
	opts := acquire.ExportOptions{
		Dir:           req.Dir,
		Name:          req.Name,
		Format:        req.Format,
		SwapThreshold: req.SwapThreshold,
	}
	if req.AppendWaitMs > 0 {
		opts.AppendWait = time.Duration(req.AppendWaitMs) * time.Millisecond
	}
	if req.DurationSeconds > 0 {
		opts.Duration = time.Duration(req.DurationSeconds * float64(time.Second))
	}
	path, err := s.mgr.BeginExport(opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	respondJSON(w, map[string]string{"path": path})
}

// HTTPEndExport finalizes the session and serves its summary.  The summary
// is served even when finalization failed, with a 500 status, so the
// partially written path is never lost.
func (s *Server) HTTPEndExport(w http.ResponseWriter, r *http.Request) {
	summary, err := s.mgr.EndExport()
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(struct {
			Error   string         `json:"error"`
			Summary export.Summary `json:"summary"`
		}{err.Error(), summary})
		return
	}
	respondJSON(w, summary)
}

// HTTPBuffer serves the live ring buffer contents.
func (s *Server) HTTPBuffer(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.mgr.Ring())
}

// HTTPLive upgrades to a websocket and forwards the live sample stream
// until the client goes away.
func (s *Server) HTTPLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	samples, cancel := s.mgr.Subscribe(256)
	defer cancel()
	for smp := range samples {
		if err := conn.WriteJSON(smp); err != nil {
			s.log.Debug("live client disconnected", zap.Error(err))
			return
		}
	}
}
