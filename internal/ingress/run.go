package ingress

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/exposebus/internal/channel"
	"github.com/koltyakov/exposebus/internal/config"
	"github.com/koltyakov/exposebus/internal/netutil"
)

const (
	readHeaderTimeout = 10 * time.Second
	serverIdleTimeout = 120 * time.Second
	maxHeaderBytes    = 64 * 1024
	shutdownTimeout   = 5 * time.Second
)

// Run serves public and control traffic and runs the janitor. It blocks
// until ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.runJanitor(ctx)

	if s.cfg.TLSMode != config.TLSModeAuto {
		srv := s.newHTTPServer(s.cfg.Listen, nil, false)
		s.log.Info("starting HTTP server", "addr", s.cfg.Listen, "domain", s.cfg.BaseDomain)
		return s.serve(ctx, []runner{{name: "http server", srv: srv, run: srv.ListenAndServe}}, nil)
	}

	manager := &autocert.Manager{
		Cache:      autocert.DirCache(s.cfg.CertCacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: s.hostPolicy,
	}
	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	var h3 *http3.Server
	handler := s.Handler()
	if s.cfg.HTTP3 {
		h3 = &http3.Server{
			Addr:      s.cfg.ListenHTTPS,
			Handler:   handler,
			TLSConfig: http3.ConfigureTLSConfig(tlsConfig.Clone()),
		}
		handler = advertiseHTTP3(h3, handler)
	}

	httpsServer := s.newHTTPServer(s.cfg.ListenHTTPS, tlsConfig, true)
	httpsServer.Handler = handler
	challengeServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           manager.HTTPHandler(http.NotFoundHandler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       serverIdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	runners := []runner{
		{name: "challenge server", srv: challengeServer, run: challengeServer.ListenAndServe},
		{name: "https server", srv: httpsServer, run: func() error { return httpsServer.ListenAndServeTLS("", "") }},
	}
	s.log.Info("starting ACME challenge server", "addr", s.cfg.Listen)
	s.log.Info("starting HTTPS server", "addr", s.cfg.ListenHTTPS, "domain", s.cfg.BaseDomain, "http3", h3 != nil)
	return s.serve(ctx, runners, h3)
}

type runner struct {
	name string
	srv  *http.Server
	run  func() error
}

func (s *Server) serve(ctx context.Context, runners []runner, h3 *http3.Server) error {
	errCh := make(chan error, len(runners)+1)
	for _, r := range runners {
		go func() {
			if err := r.run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", r.name, err)
			}
		}()
	}
	if h3 != nil {
		go func() {
			if err := h3.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http3 server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	var firstErr error
	for _, r := range runners {
		if err := shutdownServer(r.srv, shutdownTimeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h3 != nil {
		_ = h3.Close()
	}
	if runErr != nil {
		return runErr
	}
	return firstErr
}

func (s *Server) newHTTPServer(addr string, tlsConfig *tls.Config, dynamicACME bool) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       serverIdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		TLSConfig:         tlsConfig,
		ErrorLog:          log.New(newServerErrorLogWriter(s.log, dynamicACME), "", 0),
	}
}

// hostPolicy admits the base domain and hosts of registered tunnels.
func (s *Server) hostPolicy(ctx context.Context, host string) error {
	host = netutil.NormalizeHost(host)
	if host == s.cfg.BaseDomain {
		return nil
	}
	id, ok := channel.TunnelFromHost(host, s.cfg.BaseDomain)
	if !ok {
		return errors.New("host not allowed")
	}
	if _, err := s.lookups.Lookup(ctx, id); err != nil {
		return errors.New("host not allowed")
	}
	return nil
}

// advertiseHTTP3 sets Alt-Svc on every response served over TCP.
func advertiseHTTP3(h3 *http3.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor < 3 {
			_ = h3.SetQUICHeaders(w.Header())
		}
		next.ServeHTTP(w, r)
	})
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// serverErrorLogWriter routes net/http server errors into slog, demoting
// scanner noise on the TLS listener to debug.
type serverErrorLogWriter struct {
	log                  *slog.Logger
	dynamicACME          bool
	provisioningHintOnce sync.Once
}

func newServerErrorLogWriter(logger *slog.Logger, dynamicACME bool) *serverErrorLogWriter {
	return &serverErrorLogWriter{log: logger, dynamicACME: dynamicACME}
}

func (w *serverErrorLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	if w.logTLSHandshakeLine(line) {
		return len(p), nil
	}
	w.log.Warn("http server error", "err", line)
	return len(p), nil
}

func (w *serverErrorLogWriter) logTLSHandshakeLine(line string) bool {
	const marker = "TLS handshake error from "
	_, payload, found := strings.Cut(line, marker)
	if !found {
		return false
	}
	addr, reason, ok := strings.Cut(payload, ": ")
	if !ok {
		w.log.Debug("tls handshake dropped", "detail", payload)
		return true
	}
	addr = strings.TrimSpace(addr)
	reason = strings.TrimSpace(reason)
	switch {
	case isLikelyScannerTLSReason(reason):
		w.log.Debug("tls handshake rejected", "remote_addr", addr, "reason", reason)
	case w.dynamicACME && isLikelyTLSProvisioningReason(reason):
		w.provisioningHintOnce.Do(func() {
			w.log.Info("TLS certificate provisioning in progress for a new tunnel host; initial handshake retries are expected")
		})
		w.log.Info("tls handshake retried during certificate provisioning", "remote_addr", addr, "reason", reason)
	default:
		w.log.Warn("tls handshake failed", "remote_addr", addr, "reason", reason)
	}
	return true
}

func isLikelyTLSProvisioningReason(reason string) bool {
	reason = strings.ToLower(reason)
	return strings.Contains(reason, "bad certificate") ||
		strings.Contains(reason, "failed to verify certificate") ||
		strings.Contains(reason, "x509:")
}

func isLikelyScannerTLSReason(reason string) bool {
	reason = strings.ToLower(reason)
	if reason == "eof" {
		return true
	}
	for _, s := range []string{
		"missing server name",
		"unsupported application protocols",
		"offered only unsupported versions",
		"no cipher suite supported by both client and server",
		"host not allowed",
		"connection reset by peer",
		"i/o timeout",
		"first record does not look like a tls handshake",
		"http request to an https server",
	} {
		if strings.Contains(reason, s) {
			return true
		}
	}
	return false
}
