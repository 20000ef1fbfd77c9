package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koltyakov/exposebus/internal/bus"
	"github.com/koltyakov/exposebus/internal/channel"
	"github.com/koltyakov/exposebus/internal/config"
	"github.com/koltyakov/exposebus/internal/credential"
	"github.com/koltyakov/exposebus/internal/domain"
	"github.com/koltyakov/exposebus/internal/registry"
	"github.com/koltyakov/exposebus/internal/tunnelproto"
)

const testTunnel = "app"

type fakeControl struct {
	issuer      *credential.HMACIssuer
	ttl         time.Duration
	err         error
	registers   atomic.Int32
	heartbeats  atomic.Int32
	verified    atomic.Int32
	disconnects atomic.Int32

	// lost makes the next heartbeat report an unknown tunnel.
	lost atomic.Bool

	// scope overrides the pattern the issued credential grants.
	scope string
}

func newFakeControl(t *testing.T) *fakeControl {
	t.Helper()
	issuer, err := credential.NewHMACIssuer([]byte("0123456789abcdef0123456789abcdef"), "key_test")
	if err != nil {
		t.Fatal(err)
	}
	return &fakeControl{issuer: issuer, ttl: time.Hour}
}

func (f *fakeControl) Register(ctx context.Context, req domain.RegisterRequest) (domain.RegisterResponse, error) {
	f.registers.Add(1)
	if f.err != nil {
		return domain.RegisterResponse{}, f.err
	}
	pattern := channel.CapabilityPattern(req.TunnelID)
	if f.scope != "" {
		pattern = f.scope
	}
	cred, err := f.issuer.Issue(ctx, pattern, f.ttl)
	if err != nil {
		return domain.RegisterResponse{}, err
	}
	return domain.RegisterResponse{
		TunnelID:     req.TunnelID,
		PublicURL:    "http://" + req.TunnelID + ".example.com",
		RequestTopic: channel.RequestTopic(req.TunnelID),
		Credential:   cred.Token,
		Capability:   cred.Pattern,
		ExpiresAt:    cred.ExpiresAt,
	}, nil
}

func (f *fakeControl) Heartbeat(_ context.Context, _, token string) error {
	f.heartbeats.Add(1)
	if f.lost.CompareAndSwap(true, false) {
		return domain.ErrTunnelNotFound
	}
	if _, err := f.issuer.Verify(token); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCredential, err)
	}
	f.verified.Add(1)
	return nil
}

func (f *fakeControl) Disconnect(_ context.Context, _, token string) error {
	if _, err := f.issuer.Verify(token); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCredential, err)
	}
	f.disconnects.Add(1)
	return nil
}

func localPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	return srv.Listener.Addr().(*net.TCPAddr).Port
}

func testConfig(port int) config.AgentConfig {
	return config.AgentConfig{
		ServerURL:         "http://control.invalid",
		APIKey:            "k",
		TunnelID:          testTunnel,
		LocalPort:         port,
		ChunkSize:         tunnelproto.MaxChunkSize,
		LocalTimeout:      5 * time.Second,
		HeartbeatInterval: time.Hour,
		MaxConcurrent:     4,
		DedupeWindow:      128,
	}
}

// startAgent runs an agent on a fresh memory bus and waits until it
// listens.
func startAgent(t *testing.T, cfg config.AgentConfig) (*Agent, *bus.Memory) {
	t.Helper()
	mem := bus.NewMemory()
	a := New(cfg, mem, newFakeControl(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
		_ = mem.Close()
	})

	select {
	case <-a.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not subscribe")
	}
	return a, mem
}

type exchange struct {
	t   *testing.T
	sub bus.Subscription
}

// send subscribes to the response topic for env and publishes env.
func send(t *testing.T, mem *bus.Memory, env tunnelproto.RequestEnvelope) *exchange {
	t.Helper()
	sub, err := mem.Subscribe(context.Background(), channel.ResponseTopic(testTunnel, env.ID))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	publishMessage(t, mem, tunnelproto.NewRequestMessage(env))
	return &exchange{t: t, sub: sub}
}

func publishMessage(t *testing.T, mem *bus.Memory, m tunnelproto.Message) {
	t.Helper()
	payload, err := tunnelproto.EncodeMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.Publish(context.Background(), channel.RequestTopic(testTunnel), payload); err != nil {
		t.Fatal(err)
	}
}

// frames collects frames up to and including end.
func (x *exchange) frames() []tunnelproto.ResponseFrame {
	x.t.Helper()
	var out []tunnelproto.ResponseFrame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m := <-x.sub.Messages():
			f, err := tunnelproto.DecodeFrame(m.Payload)
			if err != nil {
				x.t.Fatal(err)
			}
			out = append(out, f)
			if f.Kind == tunnelproto.KindEnd {
				return out
			}
		case <-timeout:
			x.t.Fatalf("timed out waiting for end; got %d frames", len(out))
		}
	}
}

func (x *exchange) expectQuiet(d time.Duration) {
	x.t.Helper()
	select {
	case m := <-x.sub.Messages():
		x.t.Fatalf("unexpected extra frame (%d bytes)", len(m.Payload))
	case <-time.After(d):
	}
}

func envelope(t *testing.T, method, path string) tunnelproto.RequestEnvelope {
	t.Helper()
	rid, err := channel.NewRequestID()
	if err != nil {
		t.Fatal(err)
	}
	return tunnelproto.RequestEnvelope{
		ID:     rid,
		Method: method,
		Path:   path,
		Headers: map[string][]string{
			"Host":       {"app.example.com"},
			"Keep-Alive": {"timeout=5"},
			"X-Trace":    {"abc"},
		},
	}
}

func body(frames []tunnelproto.ResponseFrame) string {
	var b strings.Builder
	for _, f := range frames {
		if f.Kind == tunnelproto.KindChunk {
			b.Write(f.Data)
		}
	}
	return b.String()
}

func TestAgentForwardsInOneByteChunks(t *testing.T) {
	t.Parallel()

	seen := make(chan *http.Request, 1)
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Clone(context.Background())
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello"))
	}))
	defer local.Close()

	cfg := testConfig(localPort(t, local))
	cfg.ChunkSize = 1
	_, mem := startAgent(t, cfg)

	frames := send(t, mem, envelope(t, http.MethodGet, "/greet?name=x")).frames()

	if len(frames) != 7 {
		t.Fatalf("expected meta + 5 chunks + end, got %d frames", len(frames))
	}
	meta := frames[0]
	if meta.Kind != tunnelproto.KindMeta || meta.Status != http.StatusCreated {
		t.Fatalf("unexpected meta frame: %+v", meta)
	}
	if got := http.Header(meta.Headers).Get("X-Test"); got != "yes" {
		t.Fatalf("expected X-Test header, got %q", got)
	}
	for i, f := range frames[1:6] {
		if f.Kind != tunnelproto.KindChunk || len(f.Data) != 1 || f.Seq != uint64(i+1) {
			t.Fatalf("frame %d: unexpected chunk %+v", i+1, f)
		}
	}
	end := frames[6]
	if end.Kind != tunnelproto.KindEnd || end.Seq != 6 || end.Error != "" {
		t.Fatalf("unexpected end frame: %+v", end)
	}
	if got := body(frames); got != "hello" {
		t.Fatalf("expected body hello, got %q", got)
	}

	r := <-seen
	if !strings.HasPrefix(r.Host, "127.0.0.1:") {
		t.Fatalf("expected Host rewritten to local target, got %q", r.Host)
	}
	if got := r.Header.Get("X-Forwarded-Host"); got != "app.example.com" {
		t.Fatalf("expected X-Forwarded-Host app.example.com, got %q", got)
	}
	if got := r.Header.Get("Keep-Alive"); got != "" {
		t.Fatalf("expected hop-by-hop header stripped, got %q", got)
	}
	if r.Header.Get("X-Trace") != "abc" || r.URL.RawQuery != "name=x" {
		t.Fatalf("expected end-to-end header and query preserved, got %q %q", r.Header.Get("X-Trace"), r.URL.RawQuery)
	}
}

func TestAgentForwardsRequestBody(t *testing.T) {
	t.Parallel()

	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		_, _ = w.Write([]byte(r.Method + ":" + buf.String()))
	}))
	defer local.Close()

	_, mem := startAgent(t, testConfig(localPort(t, local)))
	env := envelope(t, http.MethodPost, "/echo")
	env.Body = []byte("payload")

	frames := send(t, mem, env).frames()
	if got := body(frames); got != "POST:payload" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestAgentIgnoresDuplicateEnvelope(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("once"))
	}))
	defer local.Close()

	a, mem := startAgent(t, testConfig(localPort(t, local)))
	env := envelope(t, http.MethodGet, "/")

	x := send(t, mem, env)
	publishMessage(t, mem, tunnelproto.NewRequestMessage(env))

	frames := x.frames()
	if got := body(frames); got != "once" {
		t.Fatalf("unexpected body %q", got)
	}
	x.expectQuiet(200 * time.Millisecond)

	publishMessage(t, mem, tunnelproto.NewRequestMessage(env))
	x.expectQuiet(200 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one local call, got %d", got)
	}
	if got := a.Stats().Duplicates; got != 2 {
		t.Fatalf("expected 2 duplicates, got %d", got)
	}
}

func TestAgentSynthesizesBadGatewayWhenLocalDown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	_, mem := startAgent(t, testConfig(port))
	env := envelope(t, http.MethodGet, "/")
	frames := send(t, mem, env).frames()

	if len(frames) != 3 {
		t.Fatalf("expected meta + diagnostic + end, got %d frames", len(frames))
	}
	if frames[0].Status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", frames[0].Status)
	}
	diag := body(frames)
	if !strings.Contains(diag, "local upstream unavailable") || !strings.Contains(diag, env.ID) {
		t.Fatalf("unexpected diagnostic %q", diag)
	}
	if frames[2].Error != "" {
		t.Fatalf("expected clean end after synthesized response, got %q", frames[2].Error)
	}
}

func TestAgentSynthesizesGatewayTimeoutBeforeMeta(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer local.Close()
	defer close(release)

	cfg := testConfig(localPort(t, local))
	cfg.LocalTimeout = 150 * time.Millisecond
	_, mem := startAgent(t, cfg)

	frames := send(t, mem, envelope(t, http.MethodGet, "/slow")).frames()
	if frames[0].Kind != tunnelproto.KindMeta || frames[0].Status != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 meta, got %+v", frames[0])
	}
	if !strings.Contains(body(frames), "timed out") {
		t.Fatalf("unexpected diagnostic %q", body(frames))
	}
}

func TestAgentEndsWithErrorOnTimeoutAfterMeta(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer local.Close()
	defer close(release)

	cfg := testConfig(localPort(t, local))
	cfg.LocalTimeout = 300 * time.Millisecond
	_, mem := startAgent(t, cfg)

	frames := send(t, mem, envelope(t, http.MethodGet, "/stream")).frames()
	if frames[0].Status != http.StatusOK {
		t.Fatalf("expected 200 meta, got %d", frames[0].Status)
	}
	if got := body(frames); got != "partial" {
		t.Fatalf("expected partial body, got %q", got)
	}
	if end := frames[len(frames)-1]; end.Error == "" {
		t.Fatal("expected end frame to carry an error")
	}
}

func TestAgentKeepsActiveStreamPastLocalTimeout(t *testing.T) {
	t.Parallel()

	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		for range 8 {
			_, _ = w.Write([]byte("x"))
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}))
	defer local.Close()

	cfg := testConfig(localPort(t, local))
	cfg.LocalTimeout = 300 * time.Millisecond
	_, mem := startAgent(t, cfg)

	frames := send(t, mem, envelope(t, http.MethodGet, "/drip")).frames()
	if got := body(frames); got != "xxxxxxxx" {
		t.Fatalf("expected full 8-byte stream, got %q", got)
	}
	if end := frames[len(frames)-1]; end.Error != "" {
		t.Fatalf("expected clean end, got error %q", end.Error)
	}
}

func TestAgentCancelAbortsLocalRequest(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	aborted := make(chan struct{})
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
		close(aborted)
	}))
	defer local.Close()

	a, mem := startAgent(t, testConfig(localPort(t, local)))
	env := envelope(t, http.MethodGet, "/wait")
	x := send(t, mem, env)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("local request never started")
	}
	publishMessage(t, mem, tunnelproto.NewCancelMessage(env.ID))

	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("local request was not aborted")
	}
	x.expectQuiet(200 * time.Millisecond)
	if got := a.Stats().Canceled; got != 1 {
		t.Fatalf("expected 1 canceled, got %d", got)
	}
}

func TestAgentRunStopsOnNonRetriableRegisterError(t *testing.T) {
	t.Parallel()

	control := newFakeControl(t)
	control.err = &registry.APIError{StatusCode: http.StatusUnauthorized, Code: "unauthorized", Message: "unauthorized"}
	mem := bus.NewMemory()
	defer func() { _ = mem.Close() }()

	a := New(testConfig(1), mem, control, nil)
	a.retryInitial = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Run(ctx)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if got := control.registers.Load(); got != 1 {
		t.Fatalf("expected a single register attempt, got %d", got)
	}
}

func TestAgentHeartbeatPresentsIssuedCredential(t *testing.T) {
	t.Parallel()

	control := newFakeControl(t)
	mem := bus.NewMemory()
	defer func() { _ = mem.Close() }()
	cfg := testConfig(1)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	a := New(cfg, mem, control, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	deadline := time.Now().Add(5 * time.Second)
	for control.verified.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected verified heartbeats, got %d of %d", control.verified.Load(), control.heartbeats.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := control.disconnects.Load(); got != 1 {
		t.Fatalf("expected one disconnect on shutdown, got %d", got)
	}
}

func TestAgentConfirmsSubscriptionBeforeReady(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		lost          bool
		wantRegisters int32
	}{
		{name: "known tunnel", wantRegisters: 1},
		{name: "registry lost tunnel", lost: true, wantRegisters: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			control := newFakeControl(t)
			control.lost.Store(tc.lost)
			mem := bus.NewMemory()
			defer func() { _ = mem.Close() }()
			cfg := testConfig(1)
			cfg.HeartbeatInterval = time.Hour
			a := New(cfg, mem, control, nil)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- a.Run(ctx) }()
			select {
			case <-a.Ready():
			case <-time.After(5 * time.Second):
				t.Fatal("agent never became ready")
			}
			if got := control.verified.Load(); got != 1 {
				t.Fatalf("verified heartbeats before ready = %d, want 1", got)
			}
			if got := control.registers.Load(); got != tc.wantRegisters {
				t.Fatalf("registers = %d, want %d", got, tc.wantRegisters)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestAgentRejectsCredentialForAnotherTunnel(t *testing.T) {
	t.Parallel()

	control := newFakeControl(t)
	control.scope = channel.CapabilityPattern("other")
	mem := bus.NewMemory()
	defer func() { _ = mem.Close() }()
	a := New(testConfig(1), mem, control, nil)

	err := a.registerOnce(context.Background())
	if !errors.Is(err, domain.ErrCredential) {
		t.Fatalf("expected ErrCredential, got %v", err)
	}
	if !a.cred.Expired(time.Now()) {
		t.Fatal("rejected credential must not be installed")
	}
	a.reg.Close()
}

func TestAgentCannotPublishOutsideItsTunnel(t *testing.T) {
	t.Parallel()

	local := httptest.NewServer(http.NotFoundHandler())
	defer local.Close()

	a, _ := startAgent(t, testConfig(localPort(t, local)))
	err := a.bus.Publish(context.Background(), channel.RequestTopic("other"), []byte("x"))
	if !errors.Is(err, bus.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCapabilityNeedsRefresh(t *testing.T) {
	t.Parallel()

	now := time.Now()
	var c capability
	if !c.needsRefresh(now) || !c.Expired(now) {
		t.Fatal("expected empty capability to need refresh and be expired")
	}
	c.set(credential.ScopedCredential{Pattern: channel.CapabilityPattern("app"), ExpiresAt: now.Add(10 * time.Hour)}, now)
	if c.needsRefresh(now.Add(7 * time.Hour)) {
		t.Fatal("expected no refresh with 30% lifetime left")
	}
	if !c.needsRefresh(now.Add(9 * time.Hour)) {
		t.Fatal("expected refresh with 10% lifetime left")
	}
	if !c.Allows(channel.ResponseTopic("app", strings.Repeat("a", 32))) {
		t.Fatal("expected own response topic to be allowed")
	}
}
