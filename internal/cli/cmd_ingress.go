package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/pflag"

	"github.com/koltyakov/exposebus/internal/bus/dial"
	"github.com/koltyakov/exposebus/internal/config"
	"github.com/koltyakov/exposebus/internal/debughttp"
	"github.com/koltyakov/exposebus/internal/ingress"
	ilog "github.com/koltyakov/exposebus/internal/log"
	"github.com/koltyakov/exposebus/internal/store/sqlite"
)

func runIngress(ctx context.Context, args []string) int {
	loadDotEnv(".env")

	cfg, err := config.ParseIngressFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		errorf("ingress config error: %v\n", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		errorf("db error: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	pepper, err := resolveServerPepper(ctx, store, cfg.APIKeyPepper)
	if err != nil {
		errorf("ingress config error: %v\n", err)
		return 2
	}

	b, err := dial.Open(ctx, cfg.BusURL)
	if err != nil {
		errorf("bus error: %v\n", err)
		return 1
	}
	defer func() { _ = b.Close() }()

	srv, err := ingress.New(cfg, store, b, pepper, logger)
	if err != nil {
		errorf("ingress config error: %v\n", err)
		return 2
	}
	defer srv.Close()

	if err := debughttp.StartServer(ctx, cfg.PprofListen, logger, "ingress", func() any { return srv.Stats() }); err != nil {
		errorf("debug server error: %v\n", err)
		return 1
	}
	if err := srv.Run(ctx); err != nil {
		errorf("ingress error: %v\n", err)
		return 1
	}
	return 0
}

// resolveServerPepper returns the pepper persisted in the database,
// seeding it from configured or a machine-derived value on first start.
func resolveServerPepper(ctx context.Context, store *sqlite.Store, configured string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		return store.ResolveServerPepper(ctx, configured)
	}

	current, exists, err := store.GetServerPepper(ctx)
	if err != nil {
		return "", err
	}
	if exists {
		return current, nil
	}
	return store.ResolveServerPepper(ctx, chooseServerPepper())
}

func chooseServerPepper() string {
	machineID := detectMachineID()
	if machineID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("exposebus-pepper:" + machineID))
	return hex.EncodeToString(sum[:])
}

func detectMachineID() string {
	for _, p := range []string{
		"/etc/machine-id",
		"/var/lib/dbus/machine-id",
	} {
		if b, err := os.ReadFile(p); err == nil {
			if v := strings.TrimSpace(string(b)); v != "" {
				return v
			}
		}
	}
	if runtime.GOOS == "darwin" {
		if out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output(); err == nil {
			if id := parseDarwinIOPlatformUUID(string(out)); id != "" {
				return id
			}
		}
	}
	return ""
}

func parseDarwinIOPlatformUUID(raw string) string {
	const marker = `"IOPlatformUUID" = "`
	_, rest, ok := strings.Cut(raw, marker)
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, `"`)
	if !ok {
		return ""
	}
	return strings.TrimSpace(id)
}
