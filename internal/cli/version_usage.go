package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`orizon - zero-trust reverse tunnel hub and session gateway

Nodes behind NAT dial the hub and keep a reverse channel open. Users get
short-lived, policy-checked sessions relayed to a node application over
that channel.

Usage:
  orizon hub                              Start the hub
  orizon agent --hub HOST:PORT --node ID --token T --apps VNC=5900
                                          Run the node agent
  orizon node add --name NAME [--id ID] [--tenant T] [--apps VNC=5900,TERMINAL]
                                          Register a node and print its token
  orizon node list                        List registered nodes
  orizon node rotate --id=ID              Issue a new token (clears revocation)
  orizon node revoke --id=ID              Revoke a node token
  orizon policy import -f policy.yml      Import nodes, groups and rules
  orizon version                          Print version
  orizon help                             Show this help

Quick Start:
  1. orizon policy import -f policy.yml                 # nodes, groups, rules
  2. orizon hub --admin-api-key KEY                     # start hub
  3. orizon agent --hub hub:7000 --node edge-1 --token T --apps VNC=5900
  4. curl -H 'X-Orizon-User: alice' -d '{"node_id":"edge-1","application":"VNC"}' \
       http://hub:8080/v1/sessions

Environment Variables:
  ORIZON_TUNNEL_LISTEN      Agent tunnel listen address (default: :7000)
  ORIZON_HTTP_LISTEN        HTTP API listen address (default: :8080)
  ORIZON_PORT_RANGE         Hub-side port range (default: 40000-40999)
  ORIZON_DB_PATH            SQLite database path (default: ./orizon.db)
  ORIZON_SIGNING_KEY        Session token signing key (generated on first start)
  ORIZON_ADMIN_API_KEY      Bearer key for admin endpoints
  ORIZON_PUBLIC_URL         Public base URL used in connect links
  ORIZON_AGENT_HUB          Hub address for the agent
  ORIZON_AGENT_NODE_ID      Node id for the agent
  ORIZON_AGENT_TOKEN        Node token for the agent
  ORIZON_LOG_LEVEL          Log level: debug|info|warn|error (default: info)
  ORIZON_LOG_FORMAT         Log format: text|json (default: text)

Every hub and agent flag has an ORIZON_ variable; run "orizon hub -h" for
the full list.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	// Release builds strip the "v" that git describe keeps.
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("orizon", Version)
}
