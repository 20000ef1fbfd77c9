package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"golang.org/x/sync/singleflight"

	"github.com/koltyakov/exposebus/internal/channel"
	"github.com/koltyakov/exposebus/internal/domain"
)

const (
	DefaultTTL          = 5 * time.Minute
	DefaultMaxAttempts  = 3
	DefaultIssueTimeout = 10 * time.Second
)

// Cache hands out per-tunnel credentials, reissuing them once less than a
// quarter of their lifetime remains. Issuance is retried a bounded number
// of times; concurrent callers for the same tunnel share one attempt.
type Cache struct {
	issuer      Issuer
	ttl         time.Duration
	maxAttempts int
	initialWait time.Duration
	timeout     time.Duration
	log         *slog.Logger
	now         func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]ScopedCredential
}

type CacheOptions struct {
	TTL         time.Duration
	MaxAttempts int
	InitialWait time.Duration
	// IssueTimeout bounds one shared issuance, independent of any caller.
	IssueTimeout time.Duration
	Logger       *slog.Logger
}

func NewCache(issuer Issuer, opts CacheOptions) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialWait <= 0 {
		opts.InitialWait = 100 * time.Millisecond
	}
	if opts.IssueTimeout <= 0 {
		opts.IssueTimeout = DefaultIssueTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		issuer:      issuer,
		ttl:         opts.TTL,
		maxAttempts: opts.MaxAttempts,
		initialWait: opts.InitialWait,
		timeout:     opts.IssueTimeout,
		log:         opts.Logger,
		now:         time.Now,
		entries:     make(map[string]ScopedCredential),
	}
}

// Get returns a valid credential for tunnelID. Errors wrap
// [domain.ErrCredential]. The shared issuance is detached from ctx, so one
// caller going away does not fail the others waiting on it.
func (c *Cache) Get(ctx context.Context, tunnelID string) (ScopedCredential, error) {
	if cred, ok := c.fresh(tunnelID); ok {
		return cred, nil
	}
	ch := c.group.DoChan(tunnelID, func() (any, error) {
		if cred, ok := c.fresh(tunnelID); ok {
			return cred, nil
		}
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		cred, err := c.issue(flightCtx, tunnelID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[tunnelID] = cred
		c.mu.Unlock()
		return cred, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return ScopedCredential{}, res.Err
		}
		return res.Val.(ScopedCredential), nil
	case <-ctx.Done():
		return ScopedCredential{}, fmt.Errorf("%w: %w", domain.ErrCredential, ctx.Err())
	}
}

// Forget drops any cached credential for tunnelID.
func (c *Cache) Forget(tunnelID string) {
	c.mu.Lock()
	delete(c.entries, tunnelID)
	c.mu.Unlock()
}

func (c *Cache) fresh(tunnelID string) (ScopedCredential, bool) {
	c.mu.Lock()
	cred, ok := c.entries[tunnelID]
	c.mu.Unlock()
	if !ok {
		return ScopedCredential{}, false
	}
	if cred.ExpiresAt.Sub(c.now()) < c.ttl/4 {
		return ScopedCredential{}, false
	}
	return cred, true
}

func (c *Cache) issue(ctx context.Context, tunnelID string) (ScopedCredential, error) {
	pattern := channel.CapabilityPattern(tunnelID)
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialWait
	eb.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxAttempts-1)), ctx)

	var (
		cred    ScopedCredential
		attempt int
	)
	err := backoff.Retry(func() error {
		attempt++
		var err error
		cred, err = c.issuer.Issue(ctx, pattern, c.ttl)
		if err != nil {
			c.log.Warn("credential issue failed", "tunnel_id", tunnelID, "attempt", attempt, "err", err)
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
		}
		return err
	}, policy)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if errors.Is(err, domain.ErrCredential) {
			return ScopedCredential{}, fmt.Errorf("issue credential for %s after %d attempts: %w", tunnelID, attempt, err)
		}
		return ScopedCredential{}, fmt.Errorf("issue credential for %s after %d attempts: %w: %w", tunnelID, attempt, domain.ErrCredential, err)
	}
	return cred, nil
}
