package server

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	mcpName     = "sandbox"
	mcpPath     = "/mcp"
	runCodeTool = "run_code"
)

// RunCodeArgs is the input of the run_code tool.
type RunCodeArgs struct {
	Code string `json:"code" jsonschema:"Python source to execute in the persistent kernel"`
}

// RunCodeResult is the structured output of the run_code tool.
type RunCodeResult struct {
	Results []ToolResult `json:"results" jsonschema:"values and displays in the order they were produced"`
	Stdout  string       `json:"stdout"`
	Stderr  string       `json:"stderr" jsonschema:"stderr output followed by the traceback of an uncaught exception"`
}

// ToolResult is one output of run_code. Image is base64 PNG.
type ToolResult struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

// newMCPServer exposes svc as a Model Context Protocol tool server.
func newMCPServer(svc *SandboxService, version string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: mcpName, Version: version}, nil)
	mcp.AddTool(srv, &mcp.Tool{
		Name: runCodeTool,
		Description: "Execute Python code in a stateful Jupyter kernel. Variables and imports " +
			"persist between calls. Returns expression values, displayed figures, stdout and stderr.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args RunCodeArgs) (*mcp.CallToolResult, RunCodeResult, error) {
		resp, err := svc.Run(ctx, args.Code)
		if err != nil {
			return nil, RunCodeResult{}, err
		}

		out := RunCodeResult{
			Results: make([]ToolResult, 0, len(resp.Results)),
			Stdout:  resp.Stdout,
			Stderr:  resp.Stderr,
		}
		var content []mcp.Content
		for _, r := range resp.Results {
			tr := ToolResult{Text: r.Text}
			if r.Text != "" {
				content = append(content, &mcp.TextContent{Text: r.Text})
			}
			if r.Image != nil {
				tr.Image = base64.StdEncoding.EncodeToString(r.Image)
				content = append(content, &mcp.ImageContent{Data: r.Image, MIMEType: "image/png"})
			}
			out.Results = append(out.Results, tr)
		}
		if resp.Stdout != "" {
			content = append(content, &mcp.TextContent{Text: resp.Stdout})
		}
		if resp.Stderr != "" {
			content = append(content, &mcp.TextContent{Text: resp.Stderr})
		}
		if len(content) == 0 {
			content = []mcp.Content{&mcp.TextContent{Text: ""}}
		}
		return &mcp.CallToolResult{Content: content}, out, nil
	})
	return srv
}

// newMCPHandler serves srv over the streamable HTTP transport.
func newMCPHandler(srv *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
}
