package rpc

import (
	"context"
	"encoding/json"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/samber/lo"
)

const methodInitialized = "notifications/initialized"

// maxToolPages guards against a server that never stops paginating.
const maxToolPages = 100

// ToolDefinition is a tool advertised by the server, with its input schema
// flattened to a plain JSON-schema map.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Ping checks that the peer is responsive.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.SendRequest(ctx, string(mcp.MethodPing), nil)
	return err
}

// ListTools returns every tool the server advertises, following pagination.
func (s *Session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	op := string(mcp.MethodToolsList)
	var tools []mcp.Tool
	var cursor mcp.Cursor
	for page := 0; page < maxToolPages; page++ {
		var params any
		if cursor != "" {
			params = mcp.PaginatedParams{Cursor: cursor}
		}
		raw, err := s.SendRequest(ctx, op, params)
		if err != nil {
			return nil, err
		}
		var result mcp.ListToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, llm.NewProtocolError(op, "malformed tools/list result", err)
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			s.logger.Info().Str("method", "ListTools").Int("tool_count", len(tools)).Msg("Received tools from server")
			return tools, nil
		}
		cursor = result.NextCursor
	}
	return nil, llm.NewProtocolError(op, "tools/list pagination did not terminate", nil)
}

// ListToolDefinitions is ListTools with schemas flattened into maps.
func (s *Session) ListToolDefinitions(ctx context.Context) ([]ToolDefinition, error) {
	tools, err := s.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(tools, func(tool mcp.Tool, _ int) ToolDefinition {
		schema := map[string]any{"type": tool.InputSchema.Type}
		if tool.InputSchema.Properties != nil {
			schema["properties"] = tool.InputSchema.Properties
		}
		if len(tool.InputSchema.Required) > 0 {
			schema["required"] = tool.InputSchema.Required
		}
		if len(tool.InputSchema.Defs) > 0 {
			schema["$defs"] = tool.InputSchema.Defs
		}
		return ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		}
	}), nil
}

// CallTool invokes a tool.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	op := string(mcp.MethodToolsCall)
	raw, err := s.SendRequest(ctx, op, mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, llm.NewProtocolError(op, "malformed tools/call result", err)
	}
	return result, nil
}

// ToolText joins the text content of a tool result.
func ToolText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	texts := lo.FilterMap(result.Content, func(c mcp.Content, _ int) (string, bool) {
		if tc, ok := mcp.AsTextContent(c); ok {
			return tc.Text, true
		}
		text := mcp.GetTextFromContent(c)
		return text, text != ""
	})
	return strings.Join(texts, "\n")
}

// ReadResource reads a resource by URI.
func (s *Session) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	op := string(mcp.MethodResourcesRead)
	raw, err := s.SendRequest(ctx, op, mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	result, err := mcp.ParseReadResourceResult(&raw)
	if err != nil {
		return nil, llm.NewProtocolError(op, "malformed resources/read result", err)
	}
	return result, nil
}

// ResourceText joins the text contents of a resource. HTML resources are
// converted to Markdown, which chat models read more reliably; if conversion
// fails the raw HTML is kept. Blob contents are skipped.
func ResourceText(result *mcp.ReadResourceResult) string {
	if result == nil {
		return ""
	}
	texts := lo.FilterMap(result.Contents, func(c mcp.ResourceContents, _ int) (string, bool) {
		tc, ok := mcp.AsTextResourceContents(c)
		if !ok {
			return "", false
		}
		if strings.HasPrefix(tc.MIMEType, "text/html") {
			if md, err := htmltomarkdown.ConvertString(tc.Text); err == nil {
				return md, true
			}
		}
		return tc.Text, true
	})
	return strings.Join(texts, "\n")
}

// GetPrompt renders a prompt template.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	op := string(mcp.MethodPromptsGet)
	raw, err := s.SendRequest(ctx, op, mcp.GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	result, err := mcp.ParseGetPromptResult(&raw)
	if err != nil {
		return nil, llm.NewProtocolError(op, "malformed prompts/get result", err)
	}
	return result, nil
}
