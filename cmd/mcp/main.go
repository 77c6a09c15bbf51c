// Fixture toolbox MCP server.
// Exposes toolbox tools over MCP stdio transport.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/Consensys/defi-fuzzing-toolbox/internal/mcp"
)

func main() {
	toolboxURL := os.Getenv("TOOLBOX_URL")
	if toolboxURL == "" {
		toolboxURL = "http://localhost:3002"
	}

	// stdout is the MCP transport
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	s := server.NewMCPServer(
		"defi-fuzzing-toolbox",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(toolboxURL)
	mcptools.RegisterTools(s, client)

	logger.Info("Serving MCP over stdio", slog.String("toolbox_url", toolboxURL))
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
