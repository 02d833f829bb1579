package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/nanoclaw/internal/tools"
)

// BridgeTool adapts a remote MCP tool to the registry Tool interface.
// Registered names carry the server prefix so tools from different
// servers never collide.
type BridgeTool struct {
	server     string
	tool       mcpgo.Tool
	client     *mcpclient.Client
	timeoutSec int
	connected  *atomic.Bool
}

func newBridgeTool(server string, tool mcpgo.Tool, client *mcpclient.Client, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	return &BridgeTool{
		server:     server,
		tool:       tool,
		client:     client,
		timeoutSec: timeoutSec,
		connected:  connected,
	}
}

func (b *BridgeTool) Name() string {
	return b.server + "_" + b.tool.Name
}

// OriginalName is the tool name as the server declares it.
func (b *BridgeTool) OriginalName() string {
	return b.tool.Name
}

func (b *BridgeTool) Description() string {
	if b.tool.Description == "" {
		return fmt.Sprintf("Tool %s from MCP server %s", b.tool.Name, b.server)
	}
	return b.tool.Description
}

func (b *BridgeTool) Parameters() map[string]interface{} {
	params := map[string]interface{}{
		"type": "object",
	}
	if b.tool.InputSchema.Type != "" {
		params["type"] = b.tool.InputSchema.Type
	}
	if len(b.tool.InputSchema.Properties) > 0 {
		params["properties"] = b.tool.InputSchema.Properties
	} else {
		params["properties"] = map[string]interface{}{}
	}
	if len(b.tool.InputSchema.Required) > 0 {
		params["required"] = b.tool.InputSchema.Required
	}
	return params
}

// Execute forwards the call to the MCP server with the configured timeout.
func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if b.connected != nil && !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("Error: MCP server %s is not connected", b.server))
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(b.timeoutSec)*time.Second)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.tool.Name
	req.Params.Arguments = args

	result, err := b.client.CallTool(callCtx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("Error: MCP tool %s failed: %v", b.Name(), err))
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return tools.ErrorResult("Error: " + text)
	}
	if text == "" {
		text = "(no output)"
	}
	return tools.NewResult(text)
}

// flattenContent joins MCP content blocks into one text payload. Non-text
// blocks are summarized rather than dropped.
func flattenContent(blocks []mcpgo.Content) string {
	var parts []string
	for _, block := range blocks {
		switch c := block.(type) {
		case mcpgo.TextContent:
			parts = append(parts, c.Text)
		case mcpgo.ImageContent:
			parts = append(parts, fmt.Sprintf("[image: %s, %d bytes base64]", c.MIMEType, len(c.Data)))
		case mcpgo.EmbeddedResource:
			if data, err := json.Marshal(c.Resource); err == nil {
				parts = append(parts, string(data))
			}
		default:
			if data, err := json.Marshal(block); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}
