package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/pflag"

	"github.com/koltyakov/exposebus/internal/agent"
	"github.com/koltyakov/exposebus/internal/bus/dial"
	"github.com/koltyakov/exposebus/internal/config"
	ilog "github.com/koltyakov/exposebus/internal/log"
	"github.com/koltyakov/exposebus/internal/registry"
	"github.com/koltyakov/exposebus/internal/versionutil"
)

const controlRequestTimeout = 15 * time.Second

func runAgent(ctx context.Context, args []string) int {
	loadDotEnv(".env")

	cfg, err := config.ParseAgentFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		errorf("agent config error: %v\n", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	b, err := dial.Open(ctx, cfg.BusURL)
	if err != nil {
		errorf("bus error: %v\n", err)
		return 1
	}
	defer func() { _ = b.Close() }()

	a := agent.New(cfg, b, newControlClient(cfg.ServerURL, cfg.APIKey, "agent"), logger)
	logger.Info("agent starting", "tunnel_id", cfg.TunnelID, "local_port", cfg.LocalPort, "version", versionutil.String())
	if err := a.Run(ctx); err != nil {
		errorf("agent error: %v\n", err)
		return 1
	}
	return 0
}

func newControlClient(serverURL, apiKey, component string) *registry.Client {
	return registry.NewClient(serverURL, apiKey).WithHTTPClient(&http.Client{
		Timeout:   controlRequestTimeout,
		Transport: userAgentTransport{base: http.DefaultTransport, ua: versionutil.UserAgent(component)},
	})
}

type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t userAgentTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(r)
}
