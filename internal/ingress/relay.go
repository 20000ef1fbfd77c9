package ingress

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/koltyakov/exposebus/internal/bus"
	"github.com/koltyakov/exposebus/internal/channel"
	"github.com/koltyakov/exposebus/internal/correlate"
	"github.com/koltyakov/exposebus/internal/domain"
	"github.com/koltyakov/exposebus/internal/netutil"
	"github.com/koltyakov/exposebus/internal/tunnelproto"
)

const requestIDHeader = "X-Exposebus-Request-Id"

var errInvalidStatus = errors.New("invalid response status")

// handlePublic relays one public request to the tunnel named by the host.
// Unknown and offline tunnels are answered before any bus traffic.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	started := s.now()
	tunnelID, _ := s.tunnelHost(r)
	if err := channel.ValidateTunnelID(tunnelID); err != nil {
		s.notFound.Add(1)
		http.Error(w, "unknown tunnel", http.StatusNotFound)
		return
	}

	rec, err := s.lookups.Lookup(r.Context(), tunnelID)
	if err != nil {
		if errors.Is(err, domain.ErrTunnelNotFound) {
			s.notFound.Add(1)
			http.Error(w, "unknown tunnel", http.StatusNotFound)
			return
		}
		s.log.Error("tunnel lookup failed", "tunnel_id", tunnelID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !rec.Available(s.now(), s.cfg.HeartbeatTimeout) {
		s.offline.Add(1)
		http.Error(w, "tunnel offline", http.StatusServiceUnavailable)
		return
	}
	if netutil.IsUpgradeRequest(r.Header) {
		http.Error(w, "protocol upgrade not supported", http.StatusNotImplemented)
		return
	}

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		body, err = io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			if isBodyTooLargeError(err) {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
	}

	cred, err := s.creds.Get(r.Context(), tunnelID)
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("tunnel credential unavailable", "tunnel_id", tunnelID, "err", err)
		http.Error(w, "tunnel credential unavailable", http.StatusBadGateway)
		return
	}

	headers := tunnelproto.CloneHeaders(r.Header)
	if headers == nil {
		headers = make(http.Header)
	}
	netutil.RemoveHopByHopHeaders(headers)
	netutil.SetForwardedHeaders(headers, r)

	env := tunnelproto.RequestEnvelope{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: headers,
		Body:    body,
	}
	sink := newResponseSink(w)
	out := s.engine.Do(r.Context(), bus.Guard(s.bus, cred), tunnelID, env, sink)
	s.finish(w, r, sink, tunnelID, out, started)
}

// finish maps a relay outcome onto the public response. Once headers have
// been written a failure can only abort the connection.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, sink *responseSink, tunnelID string, out correlate.Outcome, started time.Time) {
	logAttrs := []any{
		"tunnel_id", tunnelID,
		"request_id", out.RequestID,
		"method", r.Method,
		"path", r.URL.Path,
		"outcome", out.Kind.String(),
		"status", out.Status,
		"bytes", out.Bytes,
		"duration", time.Since(started).String(),
	}

	switch out.Kind {
	case correlate.OutcomeComplete:
		s.relayed.Add(1)
		s.log.Info("relayed request", logAttrs...)
		return
	case correlate.OutcomeCanceled:
		if !errors.Is(out.Err, errInvalidStatus) {
			s.canceled.Add(1)
			s.log.Debug("relay canceled", append(logAttrs, "err", out.Err)...)
			return
		}
		s.failed.Add(1)
	case correlate.OutcomeTimedOut:
		s.timedOut.Add(1)
	default:
		s.failed.Add(1)
	}

	s.log.Warn("relay failed", append(logAttrs, "err", out.Err)...)
	if sink.wroteHeader {
		panic(http.ErrAbortHandler)
	}
	status, msg := http.StatusBadGateway, "bad gateway: tunnel relay failed"
	if out.Kind == correlate.OutcomeTimedOut {
		status, msg = http.StatusGatewayTimeout, "gateway timeout: tunnel did not respond in time"
	}
	if out.RequestID != "" {
		w.Header().Set(requestIDHeader, out.RequestID)
		msg = fmt.Sprintf("%s (request %s)", msg, out.RequestID)
	}
	http.Error(w, msg, status)
}

// responseSink streams frames to the public client, flushing after each
// write.
type responseSink struct {
	w           http.ResponseWriter
	rc          *http.ResponseController
	wroteHeader bool
}

func newResponseSink(w http.ResponseWriter) *responseSink {
	return &responseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *responseSink) WriteMeta(status int, headers map[string][]string) error {
	if status < 200 || status > 599 {
		return fmt.Errorf("%w: %d", errInvalidStatus, status)
	}
	h := http.Header(tunnelproto.CloneHeaders(headers))
	netutil.RemoveHopByHopHeaders(h)
	dst := s.w.Header()
	for k, vals := range h {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
	s.w.WriteHeader(status)
	s.wroteHeader = true
	return s.flush()
}

func (s *responseSink) WriteChunk(data []byte) error {
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	return s.flush()
}

func (s *responseSink) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
