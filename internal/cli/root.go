// Package cli implements the exposebus command line: the ingress, the
// agent, a single-process dev mode and registry administration.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return run(ctx, args)
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "agent":
		return runAgent(ctx, args[1:])
	case "ingress":
		return runIngress(ctx, args[1:])
	case "dev":
		return runDev(ctx, args[1:])
	case "tunnel":
		return runTunnelAdmin(ctx, args[1:])
	case "apikey":
		return runAPIKeyAdmin(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		errorf("unknown command: %s\n", args[0])
		printUsage()
		return 2
	}
}
