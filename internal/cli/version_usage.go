package cli

import (
	"fmt"

	"github.com/koltyakov/exposebus/internal/versionutil"
)

func printUsage() {
	_, _ = fmt.Fprintln(stdout, `exposebus - HTTP tunnel relay over a pub/sub bus

Serve a local HTTP port at {tunnel}.{domain} through a shared message bus.

Usage:
  exposebus ingress [flags]                 Start the public ingress and control API
  exposebus agent --tunnel=app --port=3000  Relay a local port through the bus
  exposebus dev --port=3000                 Ingress and agent in one process (memory bus)
  exposebus tunnel list                     List tunnels owned by your API key
  exposebus tunnel delete --id=ID           Delete a tunnel
  exposebus apikey create --name NAME       Create a new API key
  exposebus apikey list                     List all API keys
  exposebus apikey revoke --id=ID           Revoke an API key
  exposebus version                         Print version
  exposebus help                            Show this help

Quick Start:
  1. exposebus ingress --domain example.com --bus-url redis://127.0.0.1:6379/0
  2. exposebus apikey create --name default
  3. exposebus agent --server https://example.com --api-key KEY --tunnel app --port 3000

Environment Variables:
  EXPOSEBUS_DOMAIN             Ingress base domain (e.g. example.com)
  EXPOSEBUS_BUS_URL            Bus URL: redis://, amqp:// or memory://
  EXPOSEBUS_CREDENTIAL_SECRET  HMAC secret for bus credentials (ingress)
  EXPOSEBUS_SERVER             Control API URL (agent)
  EXPOSEBUS_API_KEY            API key (agent, tunnel)
  EXPOSEBUS_TUNNEL             Tunnel identifier (agent)
  EXPOSEBUS_PORT               Local port (agent)
  EXPOSEBUS_DB_PATH            SQLite database path (default: ./exposebus.db)
  EXPOSEBUS_CONFIG             YAML config file
  EXPOSEBUS_LOG_LEVEL          Log level: debug|info|warn|error (default: info)
  EXPOSEBUS_LOG_FORMAT         Log format: text|json (default: text)

Variables are also read from ./.env when not already set.`)
}

func printVersion() {
	_, _ = fmt.Fprintln(stdout, "exposebus", versionutil.String())
}

func errorf(format string, args ...any) {
	_, _ = fmt.Fprintf(stderr, format, args...)
}
