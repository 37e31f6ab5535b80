package mcpserver

import (
	"context"

	"docload/internal/query"

	"github.com/mark3labs/mcp-go/server"
	log "github.com/sirupsen/logrus"
)

// Store is the document database the server answers questions about.
type Store interface {
	query.Inspector
	query.Store
}

// Server is the MCP server for a structured document database.
// It exposes the schema and a validated query tool so an assistant can
// translate questions into queries and run them.
type Server struct {
	mcp      *server.MCPServer
	store    Store
	executor *query.Executor
	database string
}

// Deps holds what the server needs from the caller.
type Deps struct {
	Store Store
	// Database names the store in tool descriptions and logs.
	Database string
	// Limit caps the documents one query returns; zero means query.DefaultLimit.
	Limit int64
	// Forbidden replaces the default operator denylist when set.
	Forbidden []string
}

// New creates and configures a new MCP server with all tools, resources and prompts.
func New(deps Deps) *Server {
	s := &Server{
		store:    deps.Store,
		database: deps.Database,
		executor: &query.Executor{
			Store:     deps.Store,
			Validator: query.Validator{Forbidden: deps.Forbidden},
			Limit:     deps.Limit,
		},
	}

	s.mcp = server.NewMCPServer(
		"docload-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(true),
	)

	s.registerQueryTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	log.WithField("database", s.database).Info("mcp: starting stdio server")
	return server.ServeStdio(s.mcp)
}

// overview renders the schema description shared by the resource and the prompt.
func (s *Server) overview(ctx context.Context) (string, error) {
	ov, err := query.BuildOverview(ctx, s.store)
	if err != nil {
		return "", err
	}
	return ov.String(), nil
}
