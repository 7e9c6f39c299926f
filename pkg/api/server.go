package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/arbiter-systems/arbiter/pkg/audit"
	"github.com/arbiter-systems/arbiter/pkg/channel"
	"github.com/arbiter-systems/arbiter/pkg/contracts"
	"github.com/arbiter-systems/arbiter/pkg/governance"
)

// Server wires the governance engine, channel registry and audit store
// behind HTTP handlers. Construct with NewServer and mount Handler().
type Server struct {
	engine   *governance.Engine
	registry *channel.Registry
	store    audit.Store
}

// NewServer creates an API server. registry and store may be nil; the
// corresponding endpoints then return 404 / empty results.
func NewServer(engine *governance.Engine, registry *channel.Registry, store audit.Store) *Server {
	return &Server{engine: engine, registry: registry, store: store}
}

// Handler builds the route table with auth middleware applied.
func (s *Server) Handler(validator *JWTValidator) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/readiness", s.handleHealth)

	mux.HandleFunc("/api/v1/approvals", s.handleListApprovals)
	mux.HandleFunc("/api/v1/approvals/resolve", s.handleResolveApproval)
	mux.HandleFunc("/api/v1/audit", s.handleAuditQuery)
	mux.HandleFunc("/api/v1/channels", s.handleListChannels)
	mux.HandleFunc("/api/v1/channels/", s.handleGetChannel)
	mux.HandleFunc("/api/v1/agents/", s.handleAgent)

	return AuthMiddleware(validator)(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListApprovals handles GET /api/v1/approvals?agent_id=...
func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "use GET")
		return
	}

	var pending []contracts.ApprovalRequest
	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		pending = s.engine.PendingApprovals(agentID)
	} else {
		pending = s.engine.AllPendingApprovals()
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"approvals": pending,
		"count":     len(pending),
	})
}

// ResolveRequest is the body of POST /api/v1/approvals/resolve.
type ResolveRequest struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

// handleResolveApproval applies an operator verdict to a pending
// request. The operator identity comes from the JWT subject, never
// from the request body.
func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "use POST")
		return
	}

	operator, ok := OperatorFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "No authenticated operator")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.RequestID == "" {
		WriteBadRequest(w, "Missing required field: request_id")
		return
	}

	err := s.engine.ResolveApproval(r.Context(), req.RequestID, req.Approved, operator, req.Reason)
	switch {
	case err == nil:
	case errors.Is(err, governance.ErrRequestNotFound):
		WriteNotFound(w, err.Error())
		return
	case errors.Is(err, governance.ErrRequestTerminal):
		WriteConflict(w, err.Error())
		return
	case errors.Is(err, governance.ErrOperatorNotAllowed):
		WriteForbidden(w, err.Error())
		return
	default:
		WriteInternal(w, err)
		return
	}

	status := contracts.ApprovalRejected
	if req.Approved {
		status = contracts.ApprovalApproved
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"request_id":  req.RequestID,
		"status":      status,
		"resolved_by": operator,
	})
}

// handleAuditQuery handles GET /api/v1/audit with filter query params.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "use GET")
		return
	}
	if s.store == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"entries": []contracts.AuditLogEntry{}, "count": 0})
		return
	}

	q := r.URL.Query()
	filter := contracts.AuditFilter{
		AgentID:  q.Get("agent_id"),
		Action:   q.Get("action"),
		Category: contracts.ActionCategory(q.Get("category")),
		Outcome:  contracts.AuditOutcome(q.Get("outcome")),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "Invalid since timestamp (want RFC 3339)")
			return
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "Invalid until timestamp (want RFC 3339)")
			return
		}
		filter.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, "Invalid limit")
			return
		}
		filter.Limit = n
	}

	entries, err := s.store.Query(r.Context(), filter)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// handleListChannels handles GET /api/v1/channels.
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "use GET")
		return
	}
	if s.registry == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"channels": []*contracts.Channel{}, "count": 0})
		return
	}
	channels := s.registry.Channels()
	WriteJSON(w, http.StatusOK, map[string]any{"channels": channels, "count": len(channels)})
}

// handleGetChannel handles GET /api/v1/channels/{id}.
func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "use GET")
		return
	}
	id := r.URL.Path[len("/api/v1/channels/"):]
	if id == "" || s.registry == nil {
		WriteNotFound(w, "channel not found")
		return
	}
	ch := s.registry.Channel(id)
	if ch == nil {
		WriteNotFound(w, "channel not found")
		return
	}
	WriteJSON(w, http.StatusOK, ch)
}

// handleAgent handles GET /api/v1/agents/{id} — session state, pending
// approvals and the session audit trail for one agent.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "use GET")
		return
	}
	id := r.URL.Path[len("/api/v1/agents/"):]
	if id == "" {
		WriteNotFound(w, "agent not found")
		return
	}
	info, err := s.engine.Session(id)
	if err != nil {
		WriteNotFound(w, "no session for agent")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"session":   info,
		"approvals": s.engine.PendingApprovals(id),
		"audit_log": s.engine.AuditLog(id),
	})
}
