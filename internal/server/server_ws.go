package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	gws "github.com/gorilla/websocket"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/netutil"
)

const (
	agentWSReadLimit   = 4 << 20
	sessionWSReadLimit = 1 << 20
	wsControlTimeout   = time.Second
)

// Close codes in the private 4000-4999 range carry the failure class of a
// session connect attempt; the reason text is the stable error code.
const (
	closeUnauthorized = 4401
	closeForbidden    = 4403
	closeNotFound     = 4404
	closeConflict     = 4409
	closeUnavailable  = 4503
)

// handleSessionConnect upgrades the user's connection and hands it to the
// gateway. The single-use token comes from ?token= or a bearer header.
func (s *Server) handleSessionConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token, _ = bearerToken(r)
	}
	if token == "" {
		writeError(w, domain.ErrTokenInvalid)
		return
	}
	if !gws.IsWebSocketUpgrade(r) {
		writeErrorMessage(w, http.StatusBadRequest, "BAD_REQUEST", "websocket upgrade required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("session upgrade failed", "session_id", id, "err", err)
		return
	}
	conn.SetReadLimit(sessionWSReadLimit)

	stream := newWSStream(conn)
	if err := s.gateway.Connect(s.baseContext(), id, token, stream); err != nil {
		s.log.Info("session connect ended with error",
			"session_id", id,
			"remote", netutil.ClientIP(r),
			"code", domain.Code(err),
			"err", err,
		)
	}
}

// handleAgentConnect accepts agents that can only reach the hub over
// HTTP(S). The websocket is wrapped as a net.Conn and served exactly like
// a raw TCP tunnel connection.
func (s *Server) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	kind := domain.TunnelKindReverse
	if raw := strings.TrimSpace(r.URL.Query().Get("kind")); raw != "" {
		k, ok := domain.ParseTunnelKind(raw)
		if !ok {
			writeErrorMessage(w, http.StatusBadRequest, "BAD_REQUEST", "unknown tunnel kind")
			return
		}
		kind = k
	}

	var origins []string
	if host := netutil.PublicHost(s.cfg.PublicURL); host != "" {
		origins = []string{host}
	}
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		s.log.Debug("agent websocket accept failed", "remote", netutil.ClientIP(r), "err", err)
		return
	}
	wsConn.SetReadLimit(agentWSReadLimit)

	ctx := s.baseContext()
	conn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)
	if err := s.listener.HandleConn(ctx, conn, kind); err != nil {
		s.log.Debug("agent websocket connection ended", "remote", netutil.ClientIP(r), "err", err)
	}
}

// wsStream adapts a gorilla websocket to the byte stream the relay
// expects. Each Write is one binary message; reads drain messages in
// order, ignoring their boundaries.
type wsStream struct {
	conn *gws.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *gws.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for {
		if s.reader == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				if gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway, gws.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(gws.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal closure and closes the connection.
func (s *wsStream) Close() error {
	return s.closeWith(gws.CloseNormalClosure, "")
}

// CloseWithError tells the peer why its connect attempt failed.
func (s *wsStream) CloseWithError(err error) error {
	return s.closeWith(closeCodeFor(err), domain.Code(err))
}

func (s *wsStream) closeWith(code int, reason string) error {
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(gws.CloseMessage, gws.FormatCloseMessage(code, reason), time.Now().Add(wsControlTimeout))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func closeCodeFor(err error) int {
	switch domain.HTTPStatus(err) {
	case http.StatusUnauthorized:
		return closeUnauthorized
	case http.StatusForbidden:
		return closeForbidden
	case http.StatusNotFound:
		return closeNotFound
	case http.StatusConflict:
		return closeConflict
	case http.StatusServiceUnavailable:
		return closeUnavailable
	}
	return gws.CloseInternalServerErr
}
