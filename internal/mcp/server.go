package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/recordsync/internal/audit"
	"github.com/bull/recordsync/internal/indexer"
	"github.com/bull/recordsync/internal/query"
)

// Version is reported to MCP clients.
const Version = "v0.1.0"

// Server wraps the MCP server with dependencies.
type Server struct {
	server *mcp.Server
}

// Config holds server dependencies. A nil dependency leaves its tool out.
type Config struct {
	Query    *query.Service
	Auditor  *audit.Auditor
	Ingestor *indexer.Ingestor
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) *Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "recordsync", Version: Version}, nil)

	if cfg.Query != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "search_records",
			Description: "Semantic search over ingested CSV records. Returns the matching records with their full metadata.",
		}, makeSearchHandler(cfg.Query))

		mcp.AddTool(server, &mcp.Tool{
			Name:        "ask_records",
			Description: "Answer a question from the ingested records. The answer cites record codes; sources are returned alongside.",
		}, makeAskHandler(cfg.Query))
	}

	if cfg.Auditor != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "audit_stores",
			Description: "Compare the document store with the vector store per file and report drift and orphaned vectors. Read only.",
		}, makeAuditHandler(cfg.Auditor))
	}

	if cfg.Ingestor != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "job_status",
			Description: "Get the status of an ingestion job, or list the most recent jobs.",
		}, makeJobStatusHandler(cfg.Ingestor))
	}

	return &Server{server: server}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
