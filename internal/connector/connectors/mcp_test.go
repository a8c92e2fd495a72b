package connectors

import (
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestFormatMCPCallResultPassesThroughValidJSON(t *testing.T) {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: `{"temp_c":21}`}},
	}
	data, err := formatMCPCallResult(result)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if string(data) != `{"temp_c":21}` {
		t.Fatalf("expected passthrough JSON, got %s", data)
	}
}

func TestFormatMCPCallResultWrapsPlainText(t *testing.T) {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "no results found"}},
	}
	data, err := formatMCPCallResult(result)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if string(data) != `{"text":"no results found"}` {
		t.Fatalf("expected wrapped text, got %s", data)
	}
}

func TestFormatMCPCallResultHandlesMultipleBlocks(t *testing.T) {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: "part one"},
			&mcp.TextContent{Text: "part two"},
		},
	}
	data, err := formatMCPCallResult(result)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if string(data) != `{"content":[{"text":"part one","type":"text"},{"text":"part two","type":"text"}]}` {
		t.Fatalf("unexpected multi-block encoding: %s", data)
	}
}

func TestFormatMCPCallResultNilResult(t *testing.T) {
	data, err := formatMCPCallResult(nil)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if string(data) != "{}" {
		t.Fatalf("expected empty object, got %s", data)
	}
}
