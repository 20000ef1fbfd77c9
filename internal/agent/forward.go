package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/exposebus/internal/bus"
	"github.com/koltyakov/exposebus/internal/channel"
	"github.com/koltyakov/exposebus/internal/correlate"
	"github.com/koltyakov/exposebus/internal/netutil"
	"github.com/koltyakov/exposebus/internal/tunnelproto"
)

var chunkPool = sync.Pool{
	New: func() any {
		b := make([]byte, tunnelproto.MaxChunkSize)
		return &b
	},
}

var errLocalTimeout = errors.New("local service timed out")

func newForwardHTTPTransport(maxConns int, responseHeaderTimeout time.Duration) *http.Transport {
	base, _ := http.DefaultTransport.(*http.Transport)
	tr := base.Clone()
	tr.Proxy = nil
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 100
	tr.MaxConnsPerHost = maxConns
	tr.IdleConnTimeout = 90 * time.Second
	tr.ResponseHeaderTimeout = responseHeaderTimeout
	tr.DisableCompression = true
	return tr
}

// forward performs one local exchange for env and publishes its frames.
// The local request is aborted when the ticket is canceled or expires. The
// ticket deadline bounds the wait for response headers; once streaming, it
// is pushed forward on every chunk so it only bounds idle gaps.
func (a *Agent) forward(ctx context.Context, ticket *correlate.Ticket, env tunnelproto.RequestEnvelope) {
	started := time.Now()
	localCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ticket.Done():
			cancel()
		case <-localCtx.Done():
		}
	}()

	fw := &frameWriter{
		ctx:   ctx,
		pub:   a.bus,
		topic: channel.ResponseTopic(a.cfg.TunnelID, env.ID),
		resp:  correlate.NewResponder(env.ID),
	}
	_ = fw.resp.Start()

	localReq, err := a.newLocalRequest(localCtx, env)
	if err != nil {
		a.finishSynthesized(fw, env, http.StatusBadGateway, "invalid request: "+err.Error(), started)
		return
	}

	resp, err := a.fwdClient.Do(localReq)
	if err != nil {
		switch {
		case errors.Is(ticket.Err(), correlate.ErrCanceled):
			a.log.Debug("local request aborted", "request_id", env.ID)
		case errors.Is(ticket.Err(), correlate.ErrExpired) || isTimeout(err):
			a.finishSynthesized(fw, env, http.StatusGatewayTimeout, errLocalTimeout.Error(), started)
		default:
			a.finishSynthesized(fw, env, http.StatusBadGateway, "local upstream unavailable: "+shortenError(err), started)
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	headers := tunnelproto.CloneHeaders(resp.Header)
	netutil.RemoveHopByHopHeaders(headers)
	if err := fw.meta(resp.StatusCode, headers); err != nil {
		a.log.Error("publish response meta failed", "request_id", env.ID, "err", err)
		return
	}
	a.reg.Extend(env.ID, a.cfg.LocalTimeout)

	bufp := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(bufp)
	buf := (*bufp)[:a.cfg.ChunkSize]
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			a.reg.Extend(env.ID, a.cfg.LocalTimeout)
			if err := fw.chunk(buf[:n]); err != nil {
				a.log.Error("publish response chunk failed", "request_id", env.ID, "err", err)
				return
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			switch {
			case errors.Is(ticket.Err(), correlate.ErrCanceled):
				a.log.Debug("local response aborted", "request_id", env.ID)
				return
			case errors.Is(ticket.Err(), correlate.ErrExpired) || isTimeout(rerr):
				a.finishEnd(fw, env, errLocalTimeout.Error())
			default:
				a.finishEnd(fw, env, "local body read failed: "+shortenError(rerr))
			}
			a.logForwardResult(env, resp.StatusCode, started)
			return
		}
	}
	a.finishEnd(fw, env, "")
	a.logForwardResult(env, resp.StatusCode, started)
}

func (a *Agent) newLocalRequest(ctx context.Context, env tunnelproto.RequestEnvelope) (*http.Request, error) {
	if !strings.HasPrefix(env.Path, "/") {
		return nil, fmt.Errorf("path %q is not absolute", env.Path)
	}
	target := &url.URL{Scheme: "http", Host: a.localHost}
	var body io.Reader = http.NoBody
	if len(env.Body) > 0 {
		body = bytes.NewReader(env.Body)
	}
	localReq, err := http.NewRequestWithContext(ctx, env.Method, target.String()+env.Path, body)
	if err != nil {
		return nil, err
	}

	headers := http.Header(tunnelproto.CloneHeaders(env.Headers))
	if headers == nil {
		headers = make(http.Header)
	}
	netutil.RemoveHopByHopHeaders(headers)
	publicHost := netutil.FirstHeaderCI(headers, "Host")
	netutil.DeleteHeaderCI(headers, "Host")
	if publicHost != "" && netutil.FirstHeaderCI(headers, "X-Forwarded-Host") == "" {
		headers.Set("X-Forwarded-Host", publicHost)
	}
	localReq.Header = headers
	localReq.Host = a.localHost
	return localReq, nil
}

// finishSynthesized answers a request the local service could not: a
// status, a plain-text diagnostic and a clean end.
func (a *Agent) finishSynthesized(fw *frameWriter, env tunnelproto.RequestEnvelope, status int, diagnostic string, started time.Time) {
	headers := map[string][]string{"Content-Type": {"text/plain; charset=utf-8"}}
	body := fmt.Sprintf("%s (request %s)\n", diagnostic, env.ID)
	err := fw.meta(status, headers)
	if err == nil {
		err = fw.chunk([]byte(body))
	}
	if err == nil {
		err = fw.end("")
	}
	if err != nil {
		a.log.Error("publish synthesized response failed", "request_id", env.ID, "status", status, "err", err)
		return
	}
	a.log.Warn("local service failed", "request_id", env.ID, "status", status, "reason", diagnostic)
	a.logForwardResult(env, status, started)
}

func (a *Agent) finishEnd(fw *frameWriter, env tunnelproto.RequestEnvelope, errText string) {
	if err := fw.end(errText); err != nil {
		a.log.Error("publish response end failed", "request_id", env.ID, "err", err)
		return
	}
	if errText != "" {
		a.log.Warn("response ended with error", "request_id", env.ID, "err", errText)
	}
}

// logForwardResult logs the forwarded request result.
func (a *Agent) logForwardResult(env tunnelproto.RequestEnvelope, status int, started time.Time) {
	a.log.Info("forwarded request",
		"request_id", env.ID,
		"method", env.Method,
		"path", env.Path,
		"status", status,
		"duration", time.Since(started).String(),
	)
}

// frameWriter publishes one request's frames in the order the responder
// allows.
type frameWriter struct {
	ctx   context.Context
	pub   bus.Bus
	topic string
	resp  *correlate.Responder
}

func (w *frameWriter) meta(status int, headers map[string][]string) error {
	f, err := w.resp.Meta(status, headers)
	if err != nil {
		return err
	}
	return w.publish(f)
}

func (w *frameWriter) chunk(data []byte) error {
	f, err := w.resp.Chunk(data)
	if err != nil {
		return err
	}
	return w.publish(f)
}

func (w *frameWriter) end(errText string) error {
	f, err := w.resp.End(errText)
	if err != nil {
		return err
	}
	return w.publish(f)
}

func (w *frameWriter) publish(f tunnelproto.ResponseFrame) error {
	payload, err := tunnelproto.EncodeFrame(f)
	if err != nil {
		return err
	}
	return w.pub.Publish(w.ctx, w.topic, payload)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// shortenError extracts the innermost meaningful message from nested network
// errors so diagnostics stay concise (e.g. "connection refused" instead of
// the full dial trace).
func shortenError(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Err != nil {
		return oe.Err.Error()
	}
	return err.Error()
}
