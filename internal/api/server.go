// Package api exposes the orchestrator over HTTP: record snapshots, batch
// requests, local-folder import, history, Prometheus metrics and a
// websocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/breeze-rmm/drivermgr/internal/health"
	"github.com/breeze-rmm/drivermgr/internal/journal"
	"github.com/breeze-rmm/drivermgr/internal/logging"
	"github.com/breeze-rmm/drivermgr/internal/orchestrator"
	"github.com/breeze-rmm/drivermgr/internal/pkgstore"
	"github.com/breeze-rmm/drivermgr/internal/repository"
)

var log = logging.L("api")

// Orchestrator is the part of *orchestrator.Orchestrator the API drives.
type Orchestrator interface {
	Records() []orchestrator.Snapshot
	Record(id string) (orchestrator.Snapshot, bool)
	Rescan(ctx context.Context) ([]orchestrator.Snapshot, error)
	Reclassify(ctx context.Context, ids ...string) ([]orchestrator.Snapshot, error)
	Update(ids []string) (string, []orchestrator.Rejection)
	Uninstall(ids []string) (string, []orchestrator.Rejection)
	InstallLocal(picks []orchestrator.LocalPick) (string, []orchestrator.Rejection)
	Batch(id string) (orchestrator.BatchStatus, bool)
	CancelBatch(id string) bool
	Subscribe() (<-chan orchestrator.Event, func())
}

// History reads the outcome journal.
type History interface {
	Outcomes(ctx context.Context, limit int) ([]journal.Entry, error)
	Batches(ctx context.Context, limit int) ([]journal.Batch, error)
}

type Server struct {
	orch    Orchestrator
	history History
	monitor *health.Monitor
	token   string
}

// Option configures a Server.
type Option func(*Server)

// WithAuthToken requires every /api request to carry the bearer token.
func WithAuthToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// New builds the API. history and monitor may be nil.
func New(orch Orchestrator, history History, monitor *health.Monitor, opts ...Option) *Server {
	s := &Server{orch: orch, history: history, monitor: monitor}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recoverJSON)
	r.Use(requestLogger)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(sameOrigin)
		api.Use(bearerAuth(s.token))
		api.Use(middleware.AllowContentType("application/json"))

		api.Get("/events", s.events)

		api.Group(func(g chi.Router) {
			g.Use(middleware.Timeout(30 * time.Second))

			g.Get("/records", s.listRecords)
			g.Get("/records/{id}", s.getRecord)
			g.Post("/rescan", s.rescan)
			g.Post("/reclassify", s.reclassify)

			g.Post("/batches", s.createBatch)
			g.Get("/batches/{id}", s.getBatch)
			g.Delete("/batches/{id}", s.cancelBatch)

			g.Post("/import/scan", s.scanFolder)
			g.Post("/import", s.importLocal)

			g.Get("/history", s.listOutcomes)
			g.Get("/history/batches", s.listBatches)
		})
	})
	return r
}

// health reports 503 only when a component is unreachable; a degraded
// repository still lets local imports and uninstalls run.
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	report := s.monitor.Report()
	code := http.StatusOK
	if report.Status == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) listRecords(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.orch.Records()})
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.orch.Record(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) rescan(w http.ResponseWriter, r *http.Request) {
	items, err := s.orch.Rescan(r.Context())
	if err != nil {
		writeError(w, statusFor(err), "rescan_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) reclassify(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
			return
		}
	}
	items, err := s.orch.Reclassify(r.Context(), req.IDs...)
	if err != nil {
		writeError(w, statusFor(err), "reclassify_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type batchRequest struct {
	Action orchestrator.Action `json:"action"`
	IDs    []string            `json:"ids"`
}

type batchResponse struct {
	BatchID  string                   `json:"batchId,omitempty"`
	Rejected []orchestrator.Rejection `json:"rejected"`
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "no_records", "ids must not be empty")
		return
	}
	var (
		id       string
		rejected []orchestrator.Rejection
	)
	switch req.Action {
	case orchestrator.ActionUpdate:
		id, rejected = s.orch.Update(req.IDs)
	case orchestrator.ActionUninstall:
		id, rejected = s.orch.Uninstall(req.IDs)
	default:
		writeError(w, http.StatusBadRequest, "invalid_action", "action must be update or uninstall")
		return
	}
	writeBatch(w, id, rejected)
}

func writeBatch(w http.ResponseWriter, id string, rejected []orchestrator.Rejection) {
	if rejected == nil {
		rejected = []orchestrator.Rejection{}
	}
	status := http.StatusAccepted
	if id == "" {
		status = http.StatusConflict
	}
	writeJSON(w, status, batchResponse{BatchID: id, Rejected: rejected})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	st, ok := s.orch.Batch(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Batch not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.orch.CancelBatch(id) {
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
		return
	}
	if _, ok := s.orch.Batch(id); ok {
		writeError(w, http.StatusConflict, "batch_finished", "Batch already completed")
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "Batch not found")
}

type scanRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

func (s *Server) scanFolder(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "path is required")
		return
	}
	seq, err := pkgstore.ScanFolder(req.Path, req.Recursive)
	if err != nil {
		writeError(w, http.StatusNotFound, "folder_not_found", err.Error())
		return
	}
	items := []repository.Descriptor{}
	for desc := range seq {
		if err := r.Context().Err(); err != nil {
			return
		}
		items = append(items, desc)
	}
	resp := map[string]any{"items": items}
	if len(items) == 0 {
		resp["message"] = "no drivers found in this folder"
	}
	writeJSON(w, http.StatusOK, resp)
}

type importRequest struct {
	Picks []struct {
		RecordID string `json:"recordId"`
		Path     string `json:"path"`
	} `json:"picks"`
}

func (s *Server) importLocal(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if len(req.Picks) == 0 {
		writeError(w, http.StatusBadRequest, "no_records", "picks must not be empty")
		return
	}
	picks := make([]orchestrator.LocalPick, 0, len(req.Picks))
	for _, p := range req.Picks {
		pick := orchestrator.LocalPick{RecordID: p.RecordID}
		if p.Path != "" {
			pick.Descriptor = pkgstore.Describe(p.Path)
		}
		picks = append(picks, pick)
	}
	id, rejected := s.orch.InstallLocal(picks)
	writeBatch(w, id, rejected)
}

func (s *Server) listOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history_disabled", "History is not recorded")
		return
	}
	items, err := s.history.Outcomes(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	if items == nil {
		items = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history_disabled", "History is not recorded")
		return
	}
	items, err := s.history.Batches(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	if items == nil {
		items = []journal.Batch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 100
	}
	return n
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// Run serves until ctx ends, then shuts the server down.
func Run(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", logging.KeyError, err)
		}
		return err
	}
}
