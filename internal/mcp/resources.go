package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// SchemaURI is the resource holding the schema overview.
const SchemaURI = "docload://schema"

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(
		SchemaURI,
		"Database Schema",
		mcp.WithResourceDescription("Collections with their index names and one sample document each"),
		mcp.WithMIMEType("text/plain"),
	), s.handleSchemaResource)
}

func (s *Server) handleSchemaResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	text, err := s.overview(ctx)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      SchemaURI,
			MIMEType: "text/plain",
			Text:     text,
		},
	}, nil
}
