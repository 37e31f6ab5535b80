package mcpserver

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// extJSONResult renders documents as relaxed Extended JSON so dates and
// object ids survive the trip to the client.
func extJSONResult(docs []bson.M) (*mcp.CallToolResult, error) {
	arr := make(bson.A, len(docs))
	for i, d := range docs {
		arr[i] = d
	}
	data, err := bson.MarshalExtJSONIndent(bson.D{
		{Key: "count", Value: len(docs)},
		{Key: "documents", Value: arr},
	}, false, false, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal documents: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
