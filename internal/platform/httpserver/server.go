package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	prioritizationengine "quorum/contexts/workgroup-collaboration/prioritization-engine"
	domainerrors "quorum/contexts/workgroup-collaboration/prioritization-engine/domain/errors"
	prioritizationhttp "quorum/contexts/workgroup-collaboration/prioritization-engine/transport/http"
	"quorum/internal/platform/metrics"
)

type Server struct {
	mux            *http.ServeMux
	logger         *slog.Logger
	addr           string
	prioritization prioritizationengine.Module
}

func New(
	prioritization prioritizationengine.Module,
	logger *slog.Logger,
	addr string,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		mux:            http.NewServeMux(),
		logger:         logger,
		addr:           addr,
		prioritization: prioritization,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Start() error {
	s.logger.Info("http server starting",
		"event", "http_server_starting",
		"module", "internal/platform/httpserver",
		"layer", "platform",
		"addr", s.addr,
	)
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.route("GET /v1/workgroups/{workgroup_id}/prioritization", s.handlePrioritizationView)
	s.route("POST /v1/workgroups/{workgroup_id}/rankings", s.handleSubmitRanking)
	s.route("GET /v1/workgroups/{workgroup_id}/rankings/status", s.handleRankingStatus)
	s.route("POST /v1/workgroups/{workgroup_id}/items/{item_id}/stage", s.handleStageChange)
}

func (s *Server) route(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, metrics.InstrumentHandler(pattern, handler))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePrioritizationView(w http.ResponseWriter, r *http.Request) {
	memberID := r.Header.Get("X-User-Id")
	if strings.TrimSpace(memberID) == "" {
		writeError(w, http.StatusUnauthorized, "missing_user", "X-User-Id header is required")
		return
	}
	resp, err := s.prioritization.Handler.PrioritizationViewHandler(
		r.Context(),
		r.PathValue("workgroup_id"),
		memberID,
	)
	if err != nil {
		writePrioritizationDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitRanking(w http.ResponseWriter, r *http.Request) {
	memberID := r.Header.Get("X-User-Id")
	if strings.TrimSpace(memberID) == "" {
		writeError(w, http.StatusUnauthorized, "missing_user", "X-User-Id header is required")
		return
	}

	var req prioritizationhttp.SubmitRankingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := s.prioritization.Handler.SubmitRankingHandler(
		r.Context(),
		r.PathValue("workgroup_id"),
		memberID,
		req,
	)
	if err != nil {
		writePrioritizationDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRankingStatus(w http.ResponseWriter, r *http.Request) {
	memberID := r.Header.Get("X-User-Id")
	if strings.TrimSpace(memberID) == "" {
		writeError(w, http.StatusUnauthorized, "missing_user", "X-User-Id header is required")
		return
	}
	resp, err := s.prioritization.Handler.RankingStatusHandler(
		r.Context(),
		r.PathValue("workgroup_id"),
		memberID,
	)
	if err != nil {
		writePrioritizationDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStageChange(w http.ResponseWriter, r *http.Request) {
	var req prioritizationhttp.StageChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	resp, err := s.prioritization.Handler.StageChangeHandler(
		r.Context(),
		r.PathValue("workgroup_id"),
		r.PathValue("item_id"),
		req,
	)
	if err != nil {
		writePrioritizationDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writePrioritizationDomainError(w http.ResponseWriter, err error) {
	var invalid *domainerrors.InvalidSubmissionError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, prioritizationhttp.ErrorResponse{
			Code:          "invalid_submission",
			Message:       invalid.Error(),
			DuplicateIDs:  invalid.DuplicateIDs,
			IneligibleIDs: invalid.IneligibleIDs,
		})
	case errors.Is(err, domainerrors.ErrIncompleteSubmission):
		writeError(w, http.StatusUnprocessableEntity, "incomplete_submission", err.Error())
	case errors.Is(err, domainerrors.ErrInvalidInput),
		errors.Is(err, domainerrors.ErrUnknownStage):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domainerrors.ErrWorkgroupNotFound),
		errors.Is(err, domainerrors.ErrSnapshotNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domainerrors.ErrConcurrentModification),
		errors.Is(err, domainerrors.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, prioritizationhttp.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
