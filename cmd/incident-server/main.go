// The incident-server binary exposes the incident-manager tools over stdio,
// for orchestrators configured with a child-process endpoint. Running it
// standalone means there is no shared bus; incidents are tracked locally.
package main

import (
	"log"

	"github.com/mark3labs/mcp-go/server"

	"toolmesh/internal/servers"
)

func main() {
	incident := servers.NewIncidentServer(nil)
	if err := server.ServeStdio(incident.MCPServer()); err != nil {
		log.Fatalf("incident-server: %v", err)
	}
}
