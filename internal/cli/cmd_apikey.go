package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/koltyakov/exposebus/internal/auth"
	"github.com/koltyakov/exposebus/internal/domain"
	"github.com/koltyakov/exposebus/internal/store/sqlite"
)

const defaultTunnelLimit = 5

func runAPIKeyAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		errorf("usage: exposebus apikey <create|list|revoke> [flags]\n")
		return 2
	}
	loadDotEnv(".env")
	switch args[0] {
	case "create":
		return runAPIKeyCreate(ctx, args[1:])
	case "list":
		return runAPIKeyList(ctx, args[1:])
	case "revoke":
		return runAPIKeyRevoke(ctx, args[1:])
	default:
		errorf("unknown apikey command: %s\n", args[0])
		return 2
	}
}

func runAPIKeyCreate(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("apikey-create", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	var dbPath, name, pepper string
	var limit int
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&name, "name", "default", "key label")
	fs.IntVar(&limit, "tunnel-limit", defaultTunnelLimit, "maximum tunnels for this key (-1 = unlimited)")
	fs.StringVar(&pepper, "api-key-pepper", envOr(envPrefix+"API_KEY_PEPPER", ""), "hash pepper override")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if limit < -1 {
		errorf("--tunnel-limit must be -1 or greater\n")
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	resolvedPepper, err := resolveServerPepper(ctx, store, pepper)
	if err != nil {
		errorf("apikey create error: %v\n", err)
		return 1
	}

	plain, err := auth.GenerateAPIKey()
	if err != nil {
		errorf("generate key: %v\n", err)
		return 1
	}
	rec, err := store.IssueAPIKey(ctx, name, auth.HashAPIKey(plain, resolvedPepper), limit)
	if err != nil {
		errorf("create key: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "id:", rec.ID)
	_, _ = fmt.Fprintln(stdout, "name:", rec.Name)
	_, _ = fmt.Fprintln(stdout, "tunnel_limit:", formatLimit(rec.TunnelLimit))
	_, _ = fmt.Fprintln(stdout, "api_key:", plain)
	return 0
}

func runAPIKeyList(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("apikey-list", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	var dbPath string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		errorf("list keys: %v\n", err)
		return 1
	}
	for _, k := range keys {
		revoked := "false"
		if k.RevokedAt != nil {
			revoked = "true"
		}
		_, _ = fmt.Fprintf(stdout, "%s\t%s\ttunnels=%d/%s\tonline=%d\trevoked=%s\tcreated=%s\n",
			k.ID, k.Name, k.Tunnels, formatLimit(k.TunnelLimit), k.Online, revoked, k.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return 0
}

func runAPIKeyRevoke(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("apikey-revoke", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	var dbPath, id string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&id, "id", "", "key id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		errorf("missing --id\n")
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	tunnels, err := store.RevokeAPIKey(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrAPIKeyNotFound) {
			errorf("revoke key: %s not found or already revoked\n", id)
			return 1
		}
		errorf("revoke key: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "revoked:", id)
	if len(tunnels) > 0 {
		_, _ = fmt.Fprintln(stdout, "tunnels offline:", strings.Join(tunnels, ", "))
	}
	return 0
}

func formatLimit(n int) string {
	if n < 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}

func defaultDBPath() string {
	return envOr(envPrefix+"DB_PATH", "./exposebus.db")
}

func openSQLiteStoreOrExit(dbPath string) (*sqlite.Store, int) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		errorf("db error: %v\n", err)
		return nil, 1
	}
	return store, 0
}
