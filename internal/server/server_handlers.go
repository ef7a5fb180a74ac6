package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/netutil"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/session"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/store/sqlite"
)

const maxListLimit = 1000

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	nodeID := strings.TrimSpace(r.URL.Query().Get("node_id"))
	out := make([]domain.TunnelView, 0)
	for _, t := range s.tunnels.List() {
		if nodeID != "" && t.NodeID != nodeID {
			continue
		}
		out = append(out, t.View())
	}
	slices.SortFunc(out, func(a, b domain.TunnelView) int { return strings.Compare(a.ID, b.ID) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTunnel(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tunnels.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, domain.ErrTunnelNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t.View())
}

func (s *Server) handleDeleteTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tunnels.Deregister(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("tunnel deregistered by operator", "tunnel_id", id, "remote", netutil.ClientIP(r))
	w.WriteHeader(http.StatusNoContent)
}

type revokeResponse struct {
	NodeID  string `json:"node_id"`
	Evicted int    `json:"evicted_tunnels"`
}

func (s *Server) handleRevokeNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")
	if err := s.store.RevokeNode(r.Context(), nodeID); err != nil {
		writeError(w, err)
		return
	}
	evicted := s.tunnels.EvictNode(nodeID, "node token revoked")
	s.emitNodeRevoked(nodeID, "admin", evicted)
	s.log.Info("node revoked", "node_id", nodeID, "evicted", evicted, "remote", netutil.ClientIP(r))
	writeJSON(w, http.StatusOK, revokeResponse{NodeID: nodeID, Evicted: evicted})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if id.source.UserID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "BAD_REQUEST", "sessions are created on behalf of a user")
		return
	}
	var req domain.CreateSessionRequest
	if err := decodeJSONBody(w, r, maxJSONBodyBytes, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json body")
		return
	}
	req.NodeID = strings.TrimSpace(req.NodeID)
	if req.NodeID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "BAD_REQUEST", "node_id is required")
		return
	}
	app, ok := domain.ParseApplication(req.Application)
	if !ok {
		writeErrorMessage(w, http.StatusBadRequest, "BAD_REQUEST", "unknown application")
		return
	}
	if req.MaxDurationSeconds < 0 {
		writeErrorMessage(w, http.StatusBadRequest, "BAD_REQUEST", "max_duration_seconds must not be negative")
		return
	}

	created, err := s.gateway.CreateSession(r.Context(), session.CreateRequest{
		User:        id.source,
		NodeID:      req.NodeID,
		App:         app,
		MaxDuration: time.Duration(req.MaxDurationSeconds) * time.Second,
		Params:      req.Params,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	sess := created.Session
	writeJSON(w, http.StatusCreated, domain.CreateSessionResponse{
		SessionID:      sess.ID,
		Token:          created.Token,
		TokenExpiresAt: created.TokenExpiresAt,
		ExpiresAt:      sess.ExpiresAt,
		ConnectURL:     netutil.WebSocketBase(s.cfg.PublicURL, r) + "/v1/sessions/" + sess.ID + "/connect",
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	out := make([]domain.SessionView, 0)
	for _, sess := range s.sessions.List() {
		if !canSee(id, sess) {
			continue
		}
		out = append(out, sess.View())
	}
	slices.SortFunc(out, func(a, b domain.SessionView) int { return a.CreatedAt.Compare(b.CreatedAt) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.visibleSession(r)
	if !ok {
		writeError(w, domain.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.visibleSession(r)
	if !ok {
		writeError(w, domain.ErrSessionNotFound)
		return
	}
	reason := "terminated by user"
	if identityFrom(r.Context()).admin {
		reason = "terminated by admin"
	}
	if err := s.gateway.Terminate(r.Context(), sess.ID, reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) visibleSession(r *http.Request) (*session.Session, bool) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "id"))
	if !ok || !canSee(identityFrom(r.Context()), sess) {
		return nil, false
	}
	return sess, true
}

// canSee hides other users' sessions behind a not-found answer.
func canSee(id identity, sess *session.Session) bool {
	return id.admin || (id.source.UserID != "" && sess.UserID == id.source.UserID)
}

type auditEventView struct {
	Type      string             `json:"type"`
	At        time.Time          `json:"at"`
	NodeID    string             `json:"node_id,omitempty"`
	TunnelID  string             `json:"tunnel_id,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
	UserID    string             `json:"user_id,omitempty"`
	App       domain.Application `json:"application,omitempty"`
	Code      string             `json:"code,omitempty"`
	Detail    string             `json:"detail,omitempty"`
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	events, err := s.store.ListAuditEvents(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]auditEventView, 0, len(events))
	for _, ev := range events {
		out = append(out, auditEventView(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

type sessionHistoryView struct {
	ID          string               `json:"id"`
	TunnelID    string               `json:"tunnel_id"`
	NodeID      string               `json:"node_id"`
	UserID      string               `json:"user_id"`
	Application domain.Application   `json:"application"`
	Status      domain.SessionStatus `json:"status"`
	Reason      string               `json:"reason,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	FinishedAt  time.Time            `json:"finished_at"`
	BytesIn     int64                `json:"bytes_in"`
	BytesOut    int64                `json:"bytes_out"`
	Frames      int64                `json:"frames"`
	LatencyMS   int64                `json:"connect_latency_ms,omitempty"`
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	history, err := s.store.ListSessionHistory(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]sessionHistoryView, 0, len(history))
	for _, h := range history {
		out = append(out, sessionHistoryView{
			ID:          h.ID,
			TunnelID:    h.TunnelID,
			NodeID:      h.NodeID,
			UserID:      h.UserID,
			Application: h.App,
			Status:      h.Status,
			Reason:      h.Reason,
			CreatedAt:   h.CreatedAt,
			FinishedAt:  h.FinishedAt,
			BytesIn:     h.BytesIn,
			BytesOut:    h.BytesOut,
			Frames:      h.Frames,
			LatencyMS:   h.ConnectLatency.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > maxListLimit {
		writeErrorMessage(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be between 0 and "+strconv.Itoa(maxListLimit))
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

// writeError answers with the stable code and status of err's sentinel.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, sqlite.ErrNotFound) {
		writeErrorMessage(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeErrorMessage(w, domain.HTTPStatus(err), domain.Code(err), err.Error())
}

func writeErrorMessage(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg, ErrorCode: code})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
