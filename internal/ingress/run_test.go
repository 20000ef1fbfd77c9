package ingress

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/koltyakov/exposebus/internal/config"
	"github.com/koltyakov/exposebus/internal/domain"
)

func TestServerErrorLogWriter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		line        string
		dynamicACME bool
		wantLevel   string
		wantMsg     string
	}{
		{"scanner eof", "http: TLS handshake error from 1.2.3.4:5555: EOF", true, "DEBUG", "tls handshake rejected"},
		{"no sni", "http: TLS handshake error from 1.2.3.4:5555: acme/autocert: missing server name", true, "DEBUG", "tls handshake rejected"},
		{"provisioning", "http: TLS handshake error from 1.2.3.4:5555: remote error: tls: bad certificate", true, "INFO", "tls handshake retried during certificate provisioning"},
		{"bad cert static", "http: TLS handshake error from 1.2.3.4:5555: remote error: tls: bad certificate", false, "WARN", "tls handshake failed"},
		{"other", "http: panic serving 1.2.3.4: boom", false, "WARN", "http server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			w := newServerErrorLogWriter(logger, tt.dynamicACME)
			if _, err := w.Write([]byte(tt.line + "\n")); err != nil {
				t.Fatal(err)
			}
			out := buf.String()
			if !strings.Contains(out, "level="+tt.wantLevel) || !strings.Contains(out, tt.wantMsg) {
				t.Fatalf("log = %q, want %s %q", out, tt.wantLevel, tt.wantMsg)
			}
		})
	}
}

func TestHostPolicy(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	ctx := context.Background()
	if _, err := fx.store.Register(ctx, fx.keyID, "app", 3000, domain.TunnelStatusOnline); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		host string
		ok   bool
	}{
		{testDomain, true},
		{"APP." + testDomain, true},
		{"ghost." + testDomain, false},
		{"a.b." + testDomain, false},
		{"evil.example.org", false},
	}
	for _, tt := range tests {
		err := fx.srv.hostPolicy(ctx, tt.host)
		if (err == nil) != tt.ok {
			t.Errorf("hostPolicy(%q) err = %v, want ok=%v", tt.host, err, tt.ok)
		}
	}
}

func TestRunPlainHTTPStopsOnCancel(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, func(cfg *config.IngressConfig) {
		cfg.Listen = "127.0.0.1:0"
		cfg.HeartbeatCheckInterval = 10 * time.Millisecond
		cfg.HeartbeatTimeout = time.Millisecond
	})
	if _, err := fx.store.Register(context.Background(), fx.keyID, "app", 3000, domain.TunnelStatusOnline); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.srv.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := fx.store.Lookup(context.Background(), "app")
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status == "offline" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("janitor did not expire the silent tunnel")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop")
	}
}
