package credential

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koltyakov/exposebus/internal/channel"
	"github.com/koltyakov/exposebus/internal/domain"
)

var testSecret = []byte(strings.Repeat("s", MinSecretLength))

func TestIssueAndVerify(t *testing.T) {
	t.Parallel()

	iss, err := NewHMACIssuer(testSecret, "k_owner")
	if err != nil {
		t.Fatal(err)
	}
	cred, err := iss.Issue(context.Background(), channel.CapabilityPattern("demo"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if cred.Pattern != "tunnel:demo:*" || cred.Subject != "k_owner" {
		t.Fatalf("unexpected credential %+v", cred)
	}
	if cred.TunnelID() != "demo" {
		t.Fatalf("TunnelID() = %q", cred.TunnelID())
	}

	got, err := Verify(testSecret, cred.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Pattern != cred.Pattern || got.Subject != cred.Subject || !got.ExpiresAt.Equal(cred.ExpiresAt) {
		t.Fatalf("verified credential mismatch: %+v vs %+v", got, cred)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	iss, _ := NewHMACIssuer(testSecret, "k")
	cred, err := iss.Issue(context.Background(), "tunnel:demo:*", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	other := []byte(strings.Repeat("x", MinSecretLength))
	if _, err := Verify(other, cred.Token); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestVerifyRejectsForgedAndExpiredTokens(t *testing.T) {
	t.Parallel()

	iss, _ := NewHMACIssuer(testSecret, "k")
	ctx := context.Background()
	demo, err := iss.Issue(ctx, "tunnel:demo:*", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	other, err := iss.Issue(ctx, "tunnel:other:*", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	// other's claims under demo's signature
	dp := strings.Split(demo.Token, ".")
	op := strings.Split(other.Token, ".")
	spliced := dp[0] + "." + op[1] + "." + dp[2]

	stale := iss.WithSubject("k")
	stale.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := stale.Issue(ctx, "tunnel:demo:*", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{name: "spliced claims", token: spliced},
		{name: "expired", token: expired.Token},
		{name: "garbage", token: "not-a-jwt"},
		{name: "empty", token: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := iss.Verify(tc.token); !errors.Is(err, domain.ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestParseReadsClaimsWithoutSecret(t *testing.T) {
	t.Parallel()

	iss, _ := NewHMACIssuer(testSecret, "k_owner")
	cred, err := iss.Issue(context.Background(), "tunnel:demo:*", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(cred.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Pattern != cred.Pattern || got.Subject != "k_owner" || !got.ExpiresAt.Equal(cred.ExpiresAt) {
		t.Fatalf("parsed %+v, issued %+v", got, cred)
	}
	if _, err := Parse("not-a-jwt"); !errors.Is(err, domain.ErrCredential) {
		t.Fatalf("expected ErrCredential, got %v", err)
	}
}

func TestIssueRejectsBroadPattern(t *testing.T) {
	t.Parallel()

	iss, _ := NewHMACIssuer(testSecret, "k")
	for _, p := range []string{"tunnel:*:*", "tunnel:demo", "queue:demo:*", ""} {
		if _, err := iss.Issue(context.Background(), p, time.Hour); !errors.Is(err, domain.ErrCredential) {
			t.Fatalf("Issue(%q) expected ErrCredential, got %v", p, err)
		}
	}
}

func TestNewHMACIssuerShortSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewHMACIssuer([]byte("short"), "k"); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestCredentialScope(t *testing.T) {
	t.Parallel()

	cred := ScopedCredential{Pattern: "tunnel:demo:*", ExpiresAt: time.Now().Add(time.Minute)}
	if !cred.Allows("tunnel/demo/request") {
		t.Fatal("expected own request topic to be allowed")
	}
	if cred.Allows("tunnel/other/request") {
		t.Fatal("expected foreign topic to be rejected")
	}
	if cred.Expired(time.Now()) {
		t.Fatal("credential should not be expired")
	}
	if !cred.Expired(cred.ExpiresAt) {
		t.Fatal("credential should be expired at ExpiresAt")
	}
}

type flakyIssuer struct {
	inner    Issuer
	failures int32
	calls    atomic.Int32
}

func (f *flakyIssuer) Issue(ctx context.Context, pattern string, ttl time.Duration) (ScopedCredential, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return ScopedCredential{}, errors.New("issuer unreachable")
	}
	return f.inner.Issue(ctx, pattern, ttl)
}

func TestCacheRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	iss, _ := NewHMACIssuer(testSecret, "ingress")
	flaky := &flakyIssuer{inner: iss, failures: 2}
	cache := NewCache(flaky, CacheOptions{InitialWait: time.Millisecond})

	cred, err := cache.Get(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	if cred.TunnelID() != "demo" {
		t.Fatalf("unexpected credential scope %q", cred.Pattern)
	}
	if got := flaky.calls.Load(); got != 3 {
		t.Fatalf("issuer calls = %d, want 3", got)
	}
	if _, err := cache.Get(context.Background(), "demo"); err != nil {
		t.Fatal(err)
	}
	if got := flaky.calls.Load(); got != 3 {
		t.Fatalf("cached Get reissued: calls = %d", got)
	}
}

func TestCacheGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	flaky := &flakyIssuer{failures: 100}
	cache := NewCache(flaky, CacheOptions{InitialWait: time.Millisecond})

	_, err := cache.Get(context.Background(), "demo")
	if !errors.Is(err, domain.ErrCredential) {
		t.Fatalf("expected ErrCredential, got %v", err)
	}
	if got := flaky.calls.Load(); got != DefaultMaxAttempts {
		t.Fatalf("issuer calls = %d, want %d", got, DefaultMaxAttempts)
	}
}

func TestCacheSharesConcurrentIssue(t *testing.T) {
	t.Parallel()

	iss, _ := NewHMACIssuer(testSecret, "ingress")
	counting := &flakyIssuer{inner: iss}
	cache := NewCache(counting, CacheOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background(), "demo"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if got := counting.calls.Load(); got > 2 {
		t.Fatalf("expected shared issuance, got %d calls", got)
	}
}

type gatedIssuer struct {
	inner   Issuer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedIssuer) Issue(ctx context.Context, pattern string, ttl time.Duration) (ScopedCredential, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return ScopedCredential{}, ctx.Err()
	}
	return g.inner.Issue(ctx, pattern, ttl)
}

func TestCacheSharedIssueSurvivesFirstCallerCancel(t *testing.T) {
	t.Parallel()

	iss, _ := NewHMACIssuer(testSecret, "ingress")
	gated := &gatedIssuer{inner: iss, entered: make(chan struct{}), release: make(chan struct{})}
	cache := NewCache(gated, CacheOptions{InitialWait: time.Millisecond})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Get(firstCtx, "demo")
		firstErr <- err
	}()
	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("issuer never called")
	}

	secondErr := make(chan error, 1)
	go func() {
		_, err := cache.Get(context.Background(), "demo")
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelFirst()
	if err := <-firstErr; !errors.Is(err, domain.ErrCredential) || !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller: err = %v", err)
	}
	close(gated.release)
	select {
	case err := <-secondErr:
		if err != nil {
			t.Fatalf("second caller failed with the first caller's cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never returned")
	}
}

func TestCacheForget(t *testing.T) {
	t.Parallel()

	iss, _ := NewHMACIssuer(testSecret, "ingress")
	counting := &flakyIssuer{inner: iss}
	cache := NewCache(counting, CacheOptions{})
	_, _ = cache.Get(context.Background(), "demo")
	cache.Forget("demo")
	_, _ = cache.Get(context.Background(), "demo")
	if got := counting.calls.Load(); got != 2 {
		t.Fatalf("issuer calls = %d, want 2", got)
	}
}
