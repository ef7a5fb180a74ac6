package server

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/acl"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/auth"
)

// Identity headers are set by the authenticating proxy in front of the
// hub. The user header name is configurable.
const (
	headerSourceNode = "X-Orizon-Source-Node"
	headerGroups     = "X-Orizon-Groups"
)

type identity struct {
	source acl.SourceContext
	admin  bool
}

type identityKey struct{}

func withIdentity(ctx context.Context, id identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey{}).(identity)
	return id
}

// requireUser resolves the caller from the trusted identity headers. An
// admin bearer is accepted too so operators can inspect every session.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.resolveUser(r)
		admin := s.isAdmin(r)
		if !ok && !admin {
			writeErrorMessage(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing user identity")
			return
		}
		id.admin = admin
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isAdmin(r) {
			writeErrorMessage(w, http.StatusUnauthorized, "UNAUTHENTICATED", "admin credentials required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity{admin: true})))
	})
}

func (s *Server) resolveUser(r *http.Request) (identity, bool) {
	userID := strings.TrimSpace(r.Header.Get(s.cfg.TrustedUserHeader))
	if userID == "" {
		return identity{}, false
	}
	src := acl.SourceContext{
		UserID: userID,
		NodeID: strings.TrimSpace(r.Header.Get(headerSourceNode)),
		Groups: splitGroups(r.Header.Get(headerGroups)),
	}
	stored, err := s.store.UserGroups(r.Context(), userID)
	if err != nil {
		s.log.Warn("user group lookup failed", "user_id", userID, "err", err)
	}
	for _, g := range stored {
		if !slices.Contains(src.Groups, g) {
			src.Groups = append(src.Groups, g)
		}
	}
	return identity{source: src}, true
}

func (s *Server) isAdmin(r *http.Request) bool {
	if s.adminKeyHash == "" {
		return false
	}
	key, ok := bearerToken(r)
	if !ok {
		return false
	}
	return auth.ConstantTimeHashEquals(auth.HashAPIKey(key, s.keyPepper), s.adminKeyHash)
}

func bearerToken(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func splitGroups(raw string) []string {
	var out []string
	for _, g := range strings.Split(raw, ",") {
		g = strings.TrimSpace(g)
		if g != "" && !slices.Contains(out, g) {
			out = append(out, g)
		}
	}
	return out
}
