package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koltyakov/exposebus/internal/domain"
)

func TestClientRegister(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tunnels/register" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("Authorization = %q", got)
		}
		var req domain.RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(domain.RegisterResponse{
			TunnelID:     req.TunnelID,
			RequestTopic: "tunnel/" + req.TunnelID + "/request",
			Credential:   "tok",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "key")
	resp, err := c.Register(context.Background(), domain.RegisterRequest{TunnelID: "demo", TargetPort: 3000})
	if err != nil {
		t.Fatal(err)
	}
	if resp.TunnelID != "demo" || resp.Credential != "tok" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestClientStructuredError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(CredentialHeader); got != "tok" {
			t.Errorf("credential header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(domain.ErrorResponse{Error: "tunnel already registered", ErrorCode: "tunnel_exists"})
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "key").Heartbeat(context.Background(), "demo", "tok")
	if !errors.Is(err, domain.ErrTunnelExists) {
		t.Fatalf("expected ErrTunnelExists, got %v", err)
	}
	if !IsNonRetriable(err) {
		t.Fatal("409 should be non-retriable")
	}
}

func TestIsNonRetriable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), false},
		{&APIError{StatusCode: http.StatusUnauthorized}, true},
		{&APIError{StatusCode: http.StatusTooManyRequests}, false},
		{&APIError{StatusCode: http.StatusBadGateway}, false},
	}
	for _, tc := range cases {
		if got := IsNonRetriable(tc.err); got != tc.want {
			t.Fatalf("IsNonRetriable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
