package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/koltyakov/exposebus/internal/domain"
)

// APIError is a structured error from the control API.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control api: status %d", e.StatusCode)
	}
	return e.Message
}

// Unwrap maps well-known error codes back onto domain sentinels.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "tunnel_not_found":
		return domain.ErrTunnelNotFound
	case "tunnel_exists":
		return domain.ErrTunnelExists
	case "tunnel_limit":
		return domain.ErrTunnelLimitReached
	case "unauthorized":
		return domain.ErrUnauthorized
	case "rate_limited":
		return domain.ErrRateLimitExceeded
	case "invalid_credential":
		return domain.ErrCredential
	}
	return nil
}

// IsNonRetriable reports whether err should stop an agent's register loop.
func IsNonRetriable(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		// Backpressure and transient timeouts are retried.
		if ae.StatusCode == http.StatusTooManyRequests || ae.StatusCode == http.StatusRequestTimeout {
			return false
		}
		// Other 4xx statuses are auth or request-shape errors.
		return ae.StatusCode >= 400 && ae.StatusCode < 500
	}
	return false
}

// Client talks to the ingress control API on behalf of an agent.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) Register(ctx context.Context, req domain.RegisterRequest) (domain.RegisterResponse, error) {
	var out domain.RegisterResponse
	err := c.do(ctx, http.MethodPost, "/v1/tunnels/register", req, &out)
	return out, err
}

// CredentialHeader carries the agent credential on heartbeats.
const CredentialHeader = "X-Exposebus-Credential"

// Heartbeat refreshes id's liveness, presenting the agent credential issued
// at registration.
func (c *Client) Heartbeat(ctx context.Context, id, credential string) error {
	return c.doWithHeader(ctx, http.MethodPost, "/v1/tunnels/"+id+"/heartbeat", CredentialHeader, credential)
}

// Disconnect marks id offline, presenting the agent credential.
func (c *Client) Disconnect(ctx context.Context, id, credential string) error {
	return c.doWithHeader(ctx, http.MethodPost, "/v1/tunnels/"+id+"/disconnect", CredentialHeader, credential)
}

func (c *Client) List(ctx context.Context) ([]domain.TunnelView, error) {
	var out struct {
		Tunnels []domain.TunnelView `json:"tunnels"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/tunnels", nil, &out)
	return out.Tunnels, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/tunnels/"+id, nil, nil)
}

func (c *Client) doWithHeader(ctx context.Context, method, path, name, value string) error {
	return c.send(ctx, method, path, nil, nil, func(h http.Header) { h.Set(name, value) })
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.send(ctx, method, path, body, out, nil)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any, header func(http.Header)) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if header != nil {
		header(req.Header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		ae := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var errResp domain.ErrorResponse
		if json.Unmarshal(b, &errResp) == nil && errResp.Error != "" {
			ae.Message = errResp.Error
			ae.Code = errResp.ErrorCode
		}
		return ae
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
