package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"docload/internal/query"

	"github.com/mark3labs/mcp-go/mcp"
	log "github.com/sirupsen/logrus"
)

func (s *Server) registerQueryTools() {
	s.mcp.AddTool(mcp.NewTool("list_collections",
		mcp.WithDescription("List the collections of the document database"),
	), s.handleListCollections)

	s.mcp.AddTool(mcp.NewTool("describe_collection",
		mcp.WithDescription("Show the index names and one sample document of a collection"),
		mcp.WithString("collection", mcp.Description("Collection name"), mcp.Required()),
	), s.handleDescribeCollection)

	s.mcp.AddTool(mcp.NewTool("run_query",
		mcp.WithDescription(`Run a read-only query record against the document database. `+
			`The record is JSON: {"collection", "operation": "find"|"aggregate", "filter", "projection", "pipeline", "limit"}. `+
			`$where, $function and $accumulator are refused.`),
		mcp.WithString("query", mcp.Description("Query record as JSON"), mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Maximum documents to return (optional)")),
	), s.handleRunQuery)
}

func (s *Server) handleListCollections(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := s.store.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	sort.Strings(names)
	return jsonResult(names)
}

func (s *Server) handleDescribeCollection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	coll := req.GetString("collection", "")
	if coll == "" {
		return nil, fmt.Errorf("collection is required")
	}
	info, err := query.Describe(ctx, s.store, coll)
	if err != nil {
		return nil, fmt.Errorf("describe: %w", err)
	}
	return jsonResult(info)
}

func (s *Server) handleRunQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := req.GetString("query", "")
	if raw == "" {
		return nil, fmt.Errorf("query is required")
	}

	q, err := query.Parse([]byte(raw))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if limit := int64(req.GetFloat("limit", 0)); limit > 0 {
		q.Limit = limit
	}

	logger := log.WithFields(log.Fields{"collection": q.Collection, "operation": q.Operation})
	docs, err := s.executor.Execute(ctx, q)
	switch {
	case errors.Is(err, query.ErrForbiddenOperator),
		errors.Is(err, query.ErrUnsupportedOperation),
		errors.Is(err, query.ErrInvalidQuery):
		logger.WithError(err).Warn("mcp: query refused")
		return mcp.NewToolResultError(err.Error()), nil
	case err != nil:
		return nil, fmt.Errorf("run query: %w", err)
	}

	logger.WithField("documents", len(docs)).Info("mcp: query executed")
	return extJSONResult(docs)
}
