// Package agent runs next to a private service: it registers its tunnel,
// consumes envelopes from the tunnel's request topic, forwards them to the
// local port and streams the response frames back.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"
	"golang.org/x/sync/semaphore"

	"github.com/koltyakov/exposebus/internal/bus"
	"github.com/koltyakov/exposebus/internal/channel"
	"github.com/koltyakov/exposebus/internal/config"
	"github.com/koltyakov/exposebus/internal/correlate"
	"github.com/koltyakov/exposebus/internal/credential"
	"github.com/koltyakov/exposebus/internal/domain"
	"github.com/koltyakov/exposebus/internal/netutil"
	"github.com/koltyakov/exposebus/internal/registry"
	"github.com/koltyakov/exposebus/internal/tunnelproto"
	"github.com/koltyakov/exposebus/internal/versionutil"
)

const (
	disconnectTimeout     = 5 * time.Second
	reconnectInitialDelay = 500 * time.Millisecond
	reconnectMaxDelay     = 30 * time.Second

	// refreshFraction of the credential lifetime remaining triggers
	// re-registration.
	refreshFraction = 5
)

// Control is the part of the registry control API the agent calls.
type Control interface {
	Register(ctx context.Context, req domain.RegisterRequest) (domain.RegisterResponse, error)
	Heartbeat(ctx context.Context, id, credential string) error
	Disconnect(ctx context.Context, id, credential string) error
}

// Agent relays requests for one tunnel to a local service.
type Agent struct {
	cfg       config.AgentConfig
	log       *slog.Logger
	control   Control
	bus       *bus.Guarded
	cred      *capability
	reg       *correlate.Registry
	sem       *semaphore.Weighted
	fwdClient *http.Client
	localHost string

	retryInitial time.Duration
	retryMax     time.Duration

	wg        sync.WaitGroup
	readyOnce sync.Once
	ready     chan struct{}

	forwarded  atomic.Int64
	duplicates atomic.Int64
	canceled   atomic.Int64
}

// New builds an agent publishing through b. The caller owns b.
func New(cfg config.AgentConfig, b bus.Bus, control Control, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > tunnelproto.MaxChunkSize {
		cfg.ChunkSize = tunnelproto.MaxChunkSize
	}
	if cfg.LocalTimeout <= 0 {
		cfg.LocalTimeout = 2 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	cred := &capability{}
	return &Agent{
		cfg:          cfg,
		log:          logger.With("tunnel_id", cfg.TunnelID),
		control:      control,
		bus:          bus.Guard(b, cred),
		cred:         cred,
		reg:          correlate.NewRegistry(cfg.DedupeWindow),
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		fwdClient:    &http.Client{Transport: newForwardHTTPTransport(cfg.MaxConcurrent, cfg.LocalTimeout)},
		localHost:    netutil.LoopbackHost(cfg.LocalPort),
		retryInitial: reconnectInitialDelay,
		retryMax:     reconnectMaxDelay,
		ready:        make(chan struct{}),
	}
}

// Ready is closed once the request subscription is first confirmed.
func (a *Agent) Ready() <-chan struct{} { return a.ready }

// Stats is a snapshot of agent counters.
type Stats struct {
	InFlight   int   `json:"in_flight"`
	Forwarded  int64 `json:"forwarded"`
	Duplicates int64 `json:"duplicates"`
	Canceled   int64 `json:"canceled"`
}

func (a *Agent) Stats() Stats {
	return Stats{
		InFlight:   a.reg.Len(),
		Forwarded:  a.forwarded.Load(),
		Duplicates: a.duplicates.Load(),
		Canceled:   a.canceled.Load(),
	}
}

// Run registers the tunnel and serves requests until ctx is canceled. It
// waits for in-flight forwards before returning.
func (a *Agent) Run(ctx context.Context) error {
	defer a.reg.Close()

	if err := a.register(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		a.heartbeatLoop(ctx)
	}()

	err := a.consume(ctx)
	a.wg.Wait()
	<-hbDone
	a.disconnect()
	return err
}

// disconnect tells the registry the tunnel is going away. Failure only
// delays the offline flip until heartbeat expiry.
func (a *Agent) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := a.control.Disconnect(ctx, a.cfg.TunnelID, a.cred.token()); err != nil {
		a.log.Warn("tunnel disconnect failed", "err", err)
		return
	}
	a.log.Info("tunnel marked offline")
}

// register claims the tunnel and installs its credential, retrying with
// exponential backoff until ctx ends or the error is not retriable.
func (a *Agent) register(ctx context.Context) error {
	op := func() error {
		err := a.registerOnce(ctx)
		if err != nil && registry.IsNonRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.log.Warn("tunnel register failed", "err", err, "retry_in", wait.Round(time.Millisecond).String())
	}
	return backoff.RetryNotify(op, backoff.WithContext(a.newBackoff(), ctx), notify)
}

func (a *Agent) registerOnce(ctx context.Context) error {
	resp, err := a.control.Register(ctx, domain.RegisterRequest{
		TunnelID:     a.cfg.TunnelID,
		TargetPort:   a.cfg.LocalPort,
		AgentVersion: versionutil.String(),
	})
	if err != nil {
		return err
	}
	cred, err := credential.Parse(resp.Credential)
	if err != nil {
		return err
	}
	if resp.TunnelID != a.cfg.TunnelID || cred.Pattern != channel.CapabilityPattern(a.cfg.TunnelID) {
		return fmt.Errorf("%w: registry returned capability %q for tunnel %q", domain.ErrCredential, cred.Pattern, resp.TunnelID)
	}
	now := time.Now()
	if cred.Expired(now) {
		return fmt.Errorf("%w: registry returned an expired credential", domain.ErrCredential)
	}
	a.cred.set(cred, now)
	a.log.Info("tunnel registered", "public_url", resp.PublicURL, "expires_at", cred.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if a.cred.needsRefresh(time.Now()) {
			if err := a.reclaim(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("credential refresh failed", "err", err)
			}
			continue
		}
		a.beat(ctx)
	}
}

// beat sends one heartbeat, re-registering when the registry no longer
// knows the tunnel or rejects its credential.
func (a *Agent) beat(ctx context.Context) {
	err := a.control.Heartbeat(ctx, a.cfg.TunnelID, a.cred.token())
	switch {
	case err == nil:
	case ctx.Err() != nil:
	case errors.Is(err, domain.ErrTunnelNotFound), errors.Is(err, domain.ErrCredential):
		a.log.Warn("tunnel or credential rejected by registry; re-registering", "err", err)
		if err := a.reclaim(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("tunnel re-register failed", "err", err)
		}
	default:
		a.log.Warn("heartbeat failed", "err", err)
	}
}

// reclaim re-registers and, since registration leaves the tunnel pending,
// confirms the already live subscription with an immediate heartbeat.
func (a *Agent) reclaim(ctx context.Context) error {
	if err := a.registerOnce(ctx); err != nil {
		return err
	}
	return a.control.Heartbeat(ctx, a.cfg.TunnelID, a.cred.token())
}

// consume holds the request subscription, resubscribing with backoff when
// the bus drops it.
func (a *Agent) consume(ctx context.Context) error {
	topic := channel.RequestTopic(a.cfg.TunnelID)
	for {
		var sub bus.Subscription
		op := func() error {
			s, err := a.bus.Subscribe(ctx, topic)
			if err != nil {
				if errors.Is(err, bus.ErrForbidden) {
					return backoff.Permanent(err)
				}
				return err
			}
			sub = s
			return nil
		}
		notify := func(err error, wait time.Duration) {
			a.log.Warn("request subscription failed", "err", err, "retry_in", wait.Round(time.Millisecond).String())
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(a.newBackoff(), ctx), notify); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// The registry keeps the tunnel pending until a heartbeat shows the
		// subscription is live.
		a.beat(ctx)
		a.readyOnce.Do(func() { close(a.ready) })
		a.log.Info("listening for requests", "topic", topic, "local", a.localHost)
		a.serve(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("request subscription lost; resubscribing")
	}
}

func (a *Agent) serve(ctx context.Context, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.Messages():
			if !ok {
				return
			}
			a.handle(ctx, m.Payload)
		}
	}
}

func (a *Agent) handle(ctx context.Context, payload []byte) {
	msg, err := tunnelproto.DecodeMessage(payload)
	if err != nil {
		a.log.Warn("dropping undecodable request message", "err", err)
		return
	}
	switch msg.Kind {
	case tunnelproto.KindCancel:
		if a.reg.Cancel(msg.Cancel.ID) {
			a.canceled.Add(1)
			a.log.Debug("request canceled by ingress", "request_id", msg.Cancel.ID)
		}
	case tunnelproto.KindRequest:
		a.dispatch(ctx, *msg.Request)
	}
}

// dispatch starts one forward unless the id was already seen.
func (a *Agent) dispatch(ctx context.Context, env tunnelproto.RequestEnvelope) {
	ticket, err := a.reg.Begin(env.ID, a.cfg.LocalTimeout)
	if err != nil {
		if errors.Is(err, correlate.ErrDuplicate) {
			a.duplicates.Add(1)
			a.log.Debug("duplicate request ignored", "request_id", env.ID)
		}
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.reg.Finish(env.ID)
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer a.sem.Release(1)
		a.forwarded.Add(1)
		a.forward(ctx, ticket, env)
	}()
}

func (a *Agent) newBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.retryInitial
	eb.MaxInterval = a.retryMax
	eb.RandomizationFactor = 0.25
	eb.MaxElapsedTime = 0
	return eb
}

// capability is the swappable credential behind the agent's guarded bus.
type capability struct {
	v atomic.Pointer[heldCredential]
}

type heldCredential struct {
	cred     credential.ScopedCredential
	issuedAt time.Time
}

func (c *capability) set(cred credential.ScopedCredential, now time.Time) {
	c.v.Store(&heldCredential{cred: cred, issuedAt: now})
}

func (c *capability) token() string {
	if p := c.v.Load(); p != nil {
		return p.cred.Token
	}
	return ""
}

func (c *capability) Allows(topic string) bool {
	p := c.v.Load()
	return p != nil && p.cred.Allows(topic)
}

func (c *capability) Expired(now time.Time) bool {
	p := c.v.Load()
	return p == nil || p.cred.Expired(now)
}

// needsRefresh reports whether less than 1/refreshFraction of the
// credential's lifetime remains.
func (c *capability) needsRefresh(now time.Time) bool {
	p := c.v.Load()
	if p == nil {
		return true
	}
	lifetime := p.cred.ExpiresAt.Sub(p.issuedAt)
	return p.cred.ExpiresAt.Sub(now) < lifetime/refreshFraction
}
