package cli

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/exposebus/internal/agent"
	"github.com/koltyakov/exposebus/internal/auth"
	"github.com/koltyakov/exposebus/internal/bus"
	"github.com/koltyakov/exposebus/internal/config"
	"github.com/koltyakov/exposebus/internal/debughttp"
	"github.com/koltyakov/exposebus/internal/ingress"
	ilog "github.com/koltyakov/exposebus/internal/log"
	"github.com/koltyakov/exposebus/internal/store/sqlite"
)

const devPepper = "exposebus-dev"

// runDev serves one local port through an ingress and an agent sharing an
// in-process memory bus and a throwaway database.
func runDev(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("dev", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		port      int
		tunnelID  string
		listen    string
		domain    string
		logLevel  string
		pprofAddr string
	)
	fs.IntVar(&port, "port", 0, "Local service port on 127.0.0.1")
	fs.StringVar(&tunnelID, "tunnel", "dev", "Tunnel identifier")
	fs.StringVar(&listen, "listen", "127.0.0.1:8080", "Ingress listen address")
	fs.StringVar(&domain, "domain", "localhost", "Base domain; tunnels are served at {tunnel}.{domain}")
	fs.StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&pprofAddr, "pprof-listen", "", "Debug listen address for pprof and stats")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	logger := ilog.New(logLevel, "text")

	secret, err := auth.GenerateSecret()
	if err != nil {
		errorf("dev error: %v\n", err)
		return 1
	}
	icfg := config.DefaultIngressConfig()
	icfg.Listen = listen
	icfg.BaseDomain = domain
	icfg.CredentialSecret = secret
	icfg.TLSMode = config.TLSModeOff
	icfg.HTTP3 = false
	icfg.LogLevel = logLevel
	if err := icfg.Validate(); err != nil {
		errorf("dev config error: %v\n", err)
		return 2
	}

	dir, err := os.MkdirTemp("", "exposebus-dev-")
	if err != nil {
		errorf("dev error: %v\n", err)
		return 1
	}
	defer func() { _ = os.RemoveAll(dir) }()
	store, err := sqlite.Open(filepath.Join(dir, "dev.db"))
	if err != nil {
		errorf("db error: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		errorf("dev error: %v\n", err)
		return 1
	}
	if _, err := store.IssueAPIKey(ctx, "dev", auth.HashAPIKey(apiKey, devPepper), -1); err != nil {
		errorf("dev error: %v\n", err)
		return 1
	}

	acfg := config.DefaultAgentConfig()
	acfg.ServerURL = "http://" + listen
	acfg.APIKey = apiKey
	acfg.TunnelID = tunnelID
	acfg.LocalPort = port
	acfg.LogLevel = logLevel
	if err := acfg.Validate(); err != nil {
		errorf("dev config error: %v\n", err)
		return 2
	}

	mem := bus.NewMemory()
	defer func() { _ = mem.Close() }()

	srv, err := ingress.New(icfg, store, mem, devPepper, logger.With("component", "ingress"))
	if err != nil {
		errorf("dev error: %v\n", err)
		return 1
	}
	defer srv.Close()
	a := agent.New(acfg, mem, newControlClient(acfg.ServerURL, apiKey, "dev"), logger.With("component", "agent"))

	if err := debughttp.StartServer(ctx, pprofAddr, logger, "dev", func() any {
		return map[string]any{"ingress": srv.Stats(), "agent": a.Stats()}
	}); err != nil {
		errorf("debug server error: %v\n", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error {
		select {
		case <-a.Ready():
			logger.Info("tunnel ready", "url", "http://"+tunnelID+"."+icfg.BaseDomain+portSuffix(listen), "local_port", port)
		case <-gctx.Done():
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errorf("dev error: %v\n", err)
		return 1
	}
	return 0
}

func portSuffix(listen string) string {
	_, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" || port == "80" {
		return ""
	}
	return ":" + port
}
