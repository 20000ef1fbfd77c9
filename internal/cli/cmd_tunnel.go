package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

func runTunnelAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		errorf("usage: exposebus tunnel <list|delete> [flags]\n")
		return 2
	}
	loadDotEnv(".env")

	fs := pflag.NewFlagSet("tunnel-"+args[0], pflag.ContinueOnError)
	fs.SetOutput(stderr)
	var serverURL, apiKey, id string
	fs.StringVar(&serverURL, "server", envOr(envPrefix+"SERVER", ""), "Ingress control API URL")
	fs.StringVar(&apiKey, "api-key", envOr(envPrefix+"API_KEY", ""), "API key")
	if args[0] == "delete" {
		fs.StringVar(&id, "id", "", "tunnel id")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if strings.TrimSpace(serverURL) == "" || strings.TrimSpace(apiKey) == "" {
		errorf("missing --server or --api-key\n")
		return 2
	}
	client := newControlClient(serverURL, apiKey, "cli")

	switch args[0] {
	case "list":
		views, err := client.List(ctx)
		if err != nil {
			errorf("list tunnels: %v\n", err)
			return 1
		}
		for _, v := range views {
			seen := "never"
			if v.LastHeartbeat != nil {
				seen = v.LastHeartbeat.UTC().Format(time.RFC3339)
			}
			_, _ = fmt.Fprintf(stdout, "%s\tport=%d\tstatus=%s\tlast_heartbeat=%s\n", v.ID, v.TargetPort, v.Status, seen)
		}
		return 0
	case "delete":
		if id == "" {
			errorf("missing --id\n")
			return 2
		}
		if err := client.Delete(ctx, id); err != nil {
			errorf("delete tunnel: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, "deleted:", id)
		return 0
	default:
		errorf("unknown tunnel command: %s\n", args[0])
		return 2
	}
}
