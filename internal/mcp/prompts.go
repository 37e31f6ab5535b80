package mcpserver

import (
	"context"
	"fmt"

	"docload/internal/query"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("ask_database",
		mcp.WithPromptDescription("Translate a question about the data into a query record, then run it with run_query"),
		mcp.WithArgument("question",
			mcp.ArgumentDescription("The question to answer"),
			mcp.RequiredArgument(),
		),
	), s.handleAskPrompt)
}

func (s *Server) handleAskPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	question := req.Params.Arguments["question"]
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}
	schema, err := s.overview(ctx)
	if err != nil {
		return nil, err
	}
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Answer: %s", question),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: query.BuildPrompt(question, schema) + "\n\nThen pass the record to run_query and summarise the documents it returns.",
				},
			},
		},
	}, nil
}
