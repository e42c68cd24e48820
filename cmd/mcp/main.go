// Releasegate MCP server: exposes the bill workflow as MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/fiatlock/releasegate/internal/mcpserver"
)

var version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("RELEASEGATE_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("RELEASEGATE_TOKEN"),
		UserID: os.Getenv("RELEASEGATE_USER_ID"),
	}

	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "RELEASEGATE_TOKEN is required")
		os.Exit(1)
	}
	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "RELEASEGATE_USER_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
