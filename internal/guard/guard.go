// Package guard screens requests to the hub API for common attack
// patterns before they reach the router.
package guard

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/netutil"
)

const (
	maxURILength   = 8192
	maxHeaderCount = 64
)

// Block describes a screened request.
type Block struct {
	Rule       string
	Method     string
	RequestURI string
	RemoteAddr string
	UserAgent  string
}

// Config controls the guard.
type Config struct {
	Enabled bool
	// AuditOnly reports matches but lets the request through.
	AuditOnly bool
	// OnBlock is called for every match, blocked or not.
	OnBlock func(Block)
	// SkipQuery names query parameters that carry opaque credentials and
	// are never inspected.
	SkipQuery []string
}

// Headers that carry browser or transport values and only produce noise.
var quietHeaders = map[string]struct{}{
	"accept":                   {},
	"accept-encoding":          {},
	"accept-language":          {},
	"authorization":            {},
	"cache-control":            {},
	"connection":               {},
	"content-length":           {},
	"content-type":             {},
	"sec-websocket-extensions": {},
	"sec-websocket-key":        {},
	"sec-websocket-protocol":   {},
	"sec-websocket-version":    {},
	"upgrade":                  {},
}

var forbiddenBody = []byte(`{"error":"request blocked","error_code":"REQUEST_BLOCKED"}` + "\n")

type guard struct {
	cfg   Config
	rules []rule
	log   *slog.Logger
}

// NewMiddleware returns the screening middleware. /healthz is never
// screened. A disabled guard passes requests through untouched.
func NewMiddleware(cfg Config, logger *slog.Logger) func(http.Handler) http.Handler {
	g := &guard{cfg: cfg, rules: builtinRules(), log: logger}
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			name, hit := g.match(r)
			if !hit {
				next.ServeHTTP(w, r)
				return
			}
			b := Block{
				Rule:       name,
				Method:     r.Method,
				RequestURI: r.RequestURI,
				RemoteAddr: netutil.ClientIP(r),
				UserAgent:  r.UserAgent(),
			}
			msg := "request blocked"
			if g.cfg.AuditOnly {
				msg = "request matched guard rule"
			}
			g.log.Warn(msg, "rule", b.Rule, "method", b.Method, "uri", b.RequestURI, "remote", b.RemoteAddr, "ua", b.UserAgent)
			if g.cfg.OnBlock != nil {
				g.cfg.OnBlock(b)
			}
			if g.cfg.AuditOnly {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write(forbiddenBody)
		})
	}
}

// view is the request reduced to the strings rules inspect.
type view struct {
	rawURI  string
	path    string
	query   []string
	headers []string
	ua      string
}

func (g *guard) newView(r *http.Request) view {
	v := view{rawURI: r.RequestURI, path: r.URL.Path, ua: r.UserAgent()}
	for name, values := range r.Header {
		if _, quiet := quietHeaders[strings.ToLower(name)]; quiet {
			continue
		}
		v.headers = append(v.headers, values...)
	}
	for key, values := range r.URL.Query() {
		if slices.Contains(g.cfg.SkipQuery, key) {
			continue
		}
		v.query = append(v.query, key)
		for _, val := range values {
			v.query = append(v.query, val)
			// A second decode catches double-encoded payloads.
			if strings.Contains(val, "%") {
				if again, err := url.QueryUnescape(val); err == nil && again != val {
					v.query = append(v.query, again)
				}
			}
		}
	}
	return v
}

// match returns the first rule the request hits.
func (g *guard) match(r *http.Request) (string, bool) {
	if len(r.RequestURI) > maxURILength {
		return "uri-too-long", true
	}
	v := g.newView(r)
	if len(v.headers) > maxHeaderCount {
		return "too-many-headers", true
	}
	for _, rl := range g.rules {
		switch {
		case rl.scope&inRawURI != 0 && rl.re.MatchString(v.rawURI),
			rl.scope&inPath != 0 && rl.re.MatchString(v.path),
			rl.scope&inQuery != 0 && slices.ContainsFunc(v.query, rl.re.MatchString),
			rl.scope&inHeaders != 0 && slices.ContainsFunc(v.headers, rl.re.MatchString),
			rl.scope&inUserAgent != 0 && v.ua != "" && rl.re.MatchString(v.ua):
			return rl.name, true
		}
	}
	return "", false
}
