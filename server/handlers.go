package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	graphagent "github.com/algowizzzz/graphdb-agent-sec"
	"github.com/algowizzzz/graphdb-agent-sec/export"
	"github.com/algowizzzz/graphdb-agent-sec/filing"
	"github.com/algowizzzz/graphdb-agent-sec/reqid"
	"github.com/algowizzzz/graphdb-agent-sec/retrieval"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// POST /query
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	var req struct {
		Question       string   `json:"question"`
		Critique       *bool    `json:"critique,omitempty"`
		MaxRefinements *int     `json:"max_refinements,omitempty"`
		ExcludedFiles  []string `json:"excluded_files,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Question == "" {
		writeError(w, r, http.StatusBadRequest, "question is required")
		return
	}

	var opts []graphagent.AskOption
	if req.Critique != nil {
		opts = append(opts, graphagent.WithCritique(*req.Critique))
	}
	if req.MaxRefinements != nil {
		if *req.MaxRefinements < 0 || *req.MaxRefinements > 5 {
			writeError(w, r, http.StatusBadRequest, "max_refinements must be between 0 and 5")
			return
		}
		opts = append(opts, graphagent.WithMaxRefinements(*req.MaxRefinements))
	}
	if len(req.ExcludedFiles) > 0 {
		opts = append(opts, graphagent.WithExcludedFiles(req.ExcludedFiles...))
	}

	answer, err := s.agent.Ask(ctx, req.Question, opts...)
	if err != nil {
		s.fail(w, r, "query", err)
		return
	}
	s.writeAnswer(w, r, answer)
}

// POST /search
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	var req struct {
		Query    string `json:"query"`
		Strategy string `json:"strategy,omitempty"`
		filing.Filters
		SectionIDs    []int64  `json:"section_ids,omitempty"`
		Concept       string   `json:"concept,omitempty"`
		ExcludedFiles []string `json:"excluded_files,omitempty"`
		Limit         int      `json:"limit,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, "query is required")
		return
	}
	strategy, err := retrieval.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	answer, err := s.agent.Search(ctx, req.Query, retrieval.Request{
		Strategy:      strategy,
		Filters:       req.Filters,
		SectionIDs:    req.SectionIDs,
		Concept:       req.Concept,
		ExcludedFiles: req.ExcludedFiles,
		Limit:         req.Limit,
	})
	if err != nil {
		s.fail(w, r, "search", err)
		return
	}
	s.writeAnswer(w, r, answer)
}

// POST /reindex
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	var req struct {
		Embed     bool `json:"embed"`
		Reset     bool `json:"reset"`
		PageSize  int  `json:"page_size,omitempty"`
		BatchSize int  `json:"batch_size,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	stats, err := s.agent.Reindex(ctx, graphagent.ReindexOptions{
		Embed:     req.Embed,
		Reset:     req.Reset,
		PageSize:  req.PageSize,
		BatchSize: req.BatchSize,
	})
	if err != nil {
		s.fail(w, r, "reindex", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /schema
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	summary, err := s.agent.Schema(r.Context())
	if err != nil {
		s.fail(w, r, "schema", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GET /queries?limit=20
func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	queries, err := s.agent.RecentQueries(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "queries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queries": queries})
}

// GET /info
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Info(r.Context()))
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeAnswer writes JSON, or a workbook for ?format=xlsx.
func (s *Server) writeAnswer(w http.ResponseWriter, r *http.Request, answer *graphagent.Answer) {
	if r.URL.Query().Get("format") != "xlsx" {
		writeJSON(w, http.StatusOK, answer)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="answer-%s.xlsx"`, answer.RequestID))
	err := export.WriteXLSX(w, export.Report{Query: answer.Query, Answer: answer.Text, Chunks: answer.Chunks})
	if err != nil {
		slog.ErrorContext(r.Context(), "export error", "error", err)
	}
}

// fail logs err and answers with the user-facing message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), op+" error", "error", err)
	} else {
		slog.InfoContext(r.Context(), op+" rejected", "error", err)
	}
	writeError(w, r, status, graphagent.UserMessage(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, graphagent.ErrNoEntityFound),
		errors.Is(err, graphagent.ErrNoContentAvailable),
		errors.Is(err, graphagent.ErrRetrievalEmpty):
		return http.StatusNotFound
	case errors.Is(err, graphagent.ErrPlanGeneration),
		errors.Is(err, retrieval.ErrEmptyConcept),
		errors.Is(err, retrieval.ErrNoCompany):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, graphagent.ErrClosed),
		errors.Is(err, graphagent.ErrNoVectorIndex),
		errors.Is(err, retrieval.ErrNoEmbedder):
		return http.StatusServiceUnavailable
	case errors.Is(err, graphagent.ErrSynthesis):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	body := map[string]string{"error": msg}
	if id := reqid.From(r.Context()); id != "" {
		body["request_id"] = id
	}
	writeJSON(w, status, body)
}
