package server

import (
	"CohortLedger/internal/query"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// HistoryReader is the Postgres-backed part of the read API.
type HistoryReader interface {
	GetCohortHistory(ctx context.Context, cohortID string, limit int, beforeHeight *int64) ([]query.CohortMetricsResponse, error)
	GetChainState(ctx context.Context, height uint64) (*query.ChainStateResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 10_000
)

type statusResponse struct {
	InstanceID string `json:"instance_id"`
	Ready      bool   `json:"ready"`
	Uptime     string `json:"uptime"`
	NextHeight uint64 `json:"next_height"`
	TipHash    string `json:"tip_hash,omitempty"`
	StateHash  string `json:"state_hash,omitempty"`
	Cohorts    int    `json:"cohorts"`
}

func (s *GRPCServer) handleStatus(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	resp := statusResponse{
		InstanceID: s.deps.InstanceID,
		Ready:      s.deps.HealthChecker == nil || s.deps.HealthChecker.IsReady(),
		Uptime:     time.Since(s.deps.StartTime).Round(time.Second).String(),
		NextHeight: s.deps.Engine.NextHeight(),
		Cohorts:    len(s.deps.Engine.LatestAll()),
	}
	if cs, ok := s.deps.Engine.LastChainState(); ok {
		resp.TipHash = cs.BlockHash.String()
		resp.StateHash = cs.StateHash.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *GRPCServer) handleLatestAll(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.deps.Engine.LatestAll())
}

func (s *GRPCServer) handleLatest(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	rec, ok := s.deps.Engine.Latest(params["cohort"])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown cohort or no block applied yet")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *GRPCServer) handleHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid before")
			return
		}
		before = &n
	}

	rows, err := s.deps.History.GetCohortHistory(r.Context(), params["cohort"], limit, before)
	if err != nil {
		s.logger.Error().Err(err).Str("cohort", params["cohort"]).Msg("cohort history query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *GRPCServer) handleChainState(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	h, err := strconv.ParseUint(params["height"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid height")
		return
	}

	cs, err := s.deps.History.GetChainState(r.Context(), h)
	switch {
	case errors.Is(err, query.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.logger.Error().Err(err).Uint64("height", h).Msg("chain state query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
	default:
		writeJSON(w, http.StatusOK, cs)
	}
}

func (s *GRPCServer) handleIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	report, err := s.deps.History.VerifyIntegrity(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("integrity check failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
