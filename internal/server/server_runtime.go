package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/debughttp"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

const (
	httpReadHeaderTimeout = 10 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	httpMaxHeaderBytes    = 64 << 10
	listenerDrainTimeout  = 15 * time.Second
)

// Run binds every listener, starts the background loops and blocks until
// ctx is cancelled or a listener fails. Shutdown closes sessions before
// tunnels and flushes the audit queue last.
func (s *Server) Run(ctx context.Context) error {
	resetCount, err := s.store.ResetConnectedTunnels(ctx)
	if err != nil {
		return fmt.Errorf("reset connected tunnels: %w", err)
	}
	if resetCount > 0 {
		s.log.Info("reconciled stale connected tunnels", "count", resetCount)
	}

	tunnelLn, tlsLn, httpLn, err := s.bind()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.runCtx = runCtx
	s.mu.Unlock()

	// The audit worker outlives everything else so shutdown events land.
	auditCtx, stopAudit := context.WithCancel(context.Background())
	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		s.audit.Run(auditCtx)
	}()

	s.metrics.Publish()
	if _, err := debughttp.Start(runCtx, s.cfg.PprofListen, s.log); err != nil {
		closeListeners(tunnelLn, tlsLn, httpLn)
		stopAudit()
		<-auditDone
		return fmt.Errorf("debug listener: %w", err)
	}
	purge, err := s.startRetention()
	if err != nil {
		closeListeners(tunnelLn, tlsLn, httpLn)
		stopAudit()
		<-auditDone
		return err
	}

	var loops sync.WaitGroup
	loops.Add(3)
	go func() {
		defer loops.Done()
		s.monitor.Run(runCtx)
	}()
	go func() {
		defer loops.Done()
		s.sessions.Run(runCtx, s.cfg.SessionSweepInterval)
	}()
	go func() {
		defer loops.Done()
		s.gateway.Run(runCtx)
	}()

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    httpMaxHeaderBytes,
		ErrorLog:          log.New(newHTTPErrorLogWriter(s.log), "", 0),
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	g, gctx := errgroup.WithContext(runCtx)
	if tunnelLn != nil {
		g.Go(func() error {
			s.log.Info("starting tunnel listener", "addr", tunnelLn.Addr().String(), "kind", domain.TunnelKindReverse)
			return s.listener.Serve(gctx, tunnelLn, domain.TunnelKindReverse)
		})
	}
	if tlsLn != nil {
		g.Go(func() error {
			s.log.Info("starting tls tunnel listener", "addr", tlsLn.Addr().String(), "kind", domain.TunnelKindTLS)
			return s.listener.Serve(gctx, tlsLn, domain.TunnelKindTLS)
		})
	}
	g.Go(func() error {
		s.log.Info("starting HTTP server", "addr", httpLn.Addr().String())
		if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdownServer(httpServer, httpShutdownGrace)
	})

	close(s.ready)
	runErr := g.Wait()

	cancel()
	closed := s.sessions.Close("hub shutting down")
	s.tunnels.Close()
	if !s.listener.Wait(listenerDrainTimeout) {
		s.log.Warn("tunnel connections still draining at shutdown")
	}
	<-purge.Stop().Done()
	loops.Wait()
	stopAudit()
	<-auditDone
	s.log.Info("hub stopped", "sessions_closed", closed, "audit_dropped", s.audit.Dropped())

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func (s *Server) bind() (tunnelLn, tlsLn, httpLn net.Listener, err error) {
	if s.cfg.TunnelListen != "" {
		if tunnelLn, err = net.Listen("tcp", s.cfg.TunnelListen); err != nil {
			return nil, nil, nil, fmt.Errorf("tunnel listener: %w", err)
		}
	}
	if s.cfg.TLSTunnelListen != "" {
		cert, certErr := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if certErr != nil {
			closeListeners(tunnelLn)
			return nil, nil, nil, fmt.Errorf("load tls tunnel certificate: %w", certErr)
		}
		tlsLn, err = tls.Listen("tcp", s.cfg.TLSTunnelListen, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			closeListeners(tunnelLn)
			return nil, nil, nil, fmt.Errorf("tls tunnel listener: %w", err)
		}
	}
	if httpLn, err = net.Listen("tcp", s.cfg.HTTPListen); err != nil {
		closeListeners(tunnelLn, tlsLn)
		return nil, nil, nil, fmt.Errorf("http listener: %w", err)
	}

	s.mu.Lock()
	s.addrs = Addrs{HTTP: httpLn.Addr()}
	if tunnelLn != nil {
		s.addrs.Tunnel = tunnelLn.Addr()
	}
	if tlsLn != nil {
		s.addrs.TLSTunnel = tlsLn.Addr()
	}
	s.mu.Unlock()
	return tunnelLn, tlsLn, httpLn, nil
}

// startRetention schedules the audit purge. The returned cron must be
// stopped by the caller.
func (s *Server) startRetention() (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.AuditPurgeCron, s.purgeAudit); err != nil {
		return nil, fmt.Errorf("audit purge schedule %q: %w", s.cfg.AuditPurgeCron, err)
	}
	c.Start()
	return c, nil
}

func (s *Server) purgeAudit() {
	ctx, cancel := context.WithTimeout(s.baseContext(), time.Minute)
	defer cancel()
	cutoff := time.Now().Add(-s.cfg.AuditRetention)
	n, err := s.store.PurgeAuditBefore(ctx, cutoff)
	if err != nil {
		s.log.Warn("audit purge failed", "err", err)
		return
	}
	if n > 0 {
		s.log.Info("purged audit history", "rows", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
}

func closeListeners(lns ...net.Listener) {
	for _, ln := range lns {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// httpErrorLogWriter routes net/http's internal error log into slog,
// demoting handshake noise from scanners to debug.
type httpErrorLogWriter struct {
	log *slog.Logger
}

func newHTTPErrorLogWriter(logger *slog.Logger) *httpErrorLogWriter {
	return &httpErrorLogWriter{log: logger}
}

func (w *httpErrorLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	switch {
	case line == "":
	case strings.Contains(line, "TLS handshake error from "), strings.Contains(line, "connection reset by peer"):
		w.log.Debug("http connection dropped", "detail", line)
	default:
		w.log.Warn("http server error", "err", line)
	}
	return len(p), nil
}
