package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	derrors "git.home.luguber.info/inful/specbench/internal/foundation/errors"
	"git.home.luguber.info/inful/specbench/internal/orchestrator"
	"git.home.luguber.info/inful/specbench/internal/store"
	"git.home.luguber.info/inful/specbench/internal/ticket"
	"git.home.luguber.info/inful/specbench/internal/workspace"
)

const maxBodyBytes = 4 << 20

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorAdapter.WriteProblem(w, r, derrors.BadRequestError("request body is not valid JSON").WithCause(err).Build())
		return false
	}
	return true
}

func (s *Server) handleUpsertFragment(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.UpsertRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.ProjectID = r.PathValue("projectID")

	result, err := s.opts.Orchestrator.UpsertFragment(r.Context(), req)
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, result)
}

func (s *Server) handleDeleteFragment(w http.ResponseWriter, r *http.Request) {
	result, err := s.opts.Orchestrator.DeleteFragment(r.Context(), orchestrator.DeleteRequest{
		ProjectID: r.PathValue("projectID"),
		Path:      r.PathValue("path"),
		Author:    r.URL.Query().Get("author"),
		TicketID:  r.URL.Query().Get("ticket_id"),
		PlanHash:  r.URL.Query().Get("plan_hash"),
	})
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.opts.Store.GetProject(r.Context(), r.PathValue("projectID"))
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, notFoundOrStore(err, "project not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListFragments(w http.ResponseWriter, r *http.Request) {
	fragments, err := s.opts.Store.ListFragments(r.Context(), r.PathValue("projectID"))
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, derrors.StoreError("list fragments").WithCause(err).Build())
		return
	}
	if fragments == nil {
		fragments = []store.Fragment{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"fragments": fragments})
}

func (s *Server) handleGetFragment(w http.ResponseWriter, r *http.Request) {
	path, err := workspace.NormalizePath(r.PathValue("path"))
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, err)
		return
	}
	f, err := s.opts.Store.GetFragment(r.Context(), r.PathValue("projectID"), path)
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, notFoundOrStore(err, "fragment not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := store.EventQuery{}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorAdapter.WriteProblem(w, r, derrors.BadRequestError("limit must be a non-negative integer").Build())
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorAdapter.WriteProblem(w, r, derrors.BadRequestError("since must be an RFC 3339 timestamp").Build())
			return
		}
		q.Since = ts
	}
	q.IncludeInactive = r.URL.Query().Get("include_inactive") == "true"

	events, err := s.opts.Journal.List(r.Context(), r.PathValue("projectID"), q)
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetHead(w http.ResponseWriter, r *http.Request) {
	head, ok, err := s.opts.Journal.Head(r.Context(), r.PathValue("projectID"))
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, err)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"head": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"head": head})
}

// handleSetHead moves the head. A null or absent event_id deactivates all
// events.
func (s *Server) handleSetHead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID string `json:"event_id"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	change, err := s.opts.Orchestrator.SetHead(r.Context(), r.PathValue("projectID"), req.EventID)
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventIDs []string `json:"event_ids"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	change, err := s.opts.Orchestrator.Revert(r.Context(), r.PathValue("projectID"), req.EventIDs)
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	versions, err := s.opts.Store.ListVersions(r.Context(), r.PathValue("projectID"), limit)
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, derrors.StoreError("list versions").WithCause(err).Build())
		return
	}
	if versions == nil {
		versions = []store.Version{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.opts.Store.ListArtifacts(r.Context(), r.PathValue("projectID"))
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, derrors.StoreError("list artifacts").WithCause(err).Build())
		return
	}
	if artifacts == nil {
		artifacts = []store.Artifact{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	gaps, err := s.opts.Orchestrator.Gaps(r.Context(), r.PathValue("projectID"))
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, gaps)
}

func (s *Server) handleFormat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	formatted, err := s.opts.Engine.FormatFragment(r.Context(), req.Content)
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"content": formatted})
}

func (s *Server) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanHash   string   `json:"plan_hash"`
		Scopes     []string `json:"scopes,omitempty"`
		TTLMinutes int      `json:"ttl_minutes,omitempty"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	t, err := s.opts.Tickets.Issue(ticket.IssueRequest{
		PlanHash: req.PlanHash,
		RepoSHA:  s.opts.GitInfo.HeadSHAOrFallback(),
		Scopes:   req.Scopes,
		TTL:      time.Duration(req.TTLMinutes) * time.Minute,
	})
	if err != nil {
		s.errorAdapter.WriteProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleVerifyTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TicketID string `json:"ticket_id"`
		PlanHash string `json:"plan_hash"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Tickets.Verify(req.TicketID, req.PlanHash))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.startedAt).String(),
		"connections": s.opts.Hub.ConnectionCount(),
		"tickets":     s.opts.Tickets.Live(),
	})
}

func notFoundOrStore(err error, msg string) error {
	if errors.Is(err, store.ErrNotFound) {
		return derrors.NotFoundError(msg).Build()
	}
	return derrors.StoreError("store read failed").WithCause(err).Build()
}
