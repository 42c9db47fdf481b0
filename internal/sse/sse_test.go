package sse

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func readAll(t *testing.T, r io.Reader) []string {
	t.Helper()
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return lines
}

func TestNativePassthroughStripsToolUsePrefix(t *testing.T) {
	input := strings.Join([]string{
		`data: {"type":"message_start","message":{"usage":{"input_tokens":10}}}`,
		``,
		`data: {"type":"content_block_start","content_block":{"type":"tool_use","name":"mcp_search"}}`,
		``,
		`data: {"type":"message_delta","usage":{"output_tokens":5}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	var gotUsage Usage
	reader := NativePassthrough(strings.NewReader(input), func(u Usage) { gotUsage = u })
	lines := readAll(t, reader)

	var found bool
	for _, line := range lines {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &parsed); err != nil {
			continue
		}
		if parsed["type"] == "content_block_start" {
			found = true
			cb := parsed["content_block"].(map[string]any)
			if cb["name"] != "search" {
				t.Errorf("content_block.name = %v, want mcp_ prefix stripped", cb["name"])
			}
		}
	}
	if !found {
		t.Fatal("content_block_start event not found in passthrough output")
	}
	if gotUsage.InputTokens != 10 || gotUsage.OutputTokens != 5 {
		t.Errorf("usage = %+v, want input=10 output=5", gotUsage)
	}
}

func TestNativePassthroughRelaysNonDataLinesVerbatim(t *testing.T) {
	input := "event: ping\ndata: {\"type\":\"message_stop\"}\n\n"
	reader := NativePassthrough(strings.NewReader(input), func(Usage) {})
	lines := readAll(t, reader)

	var sawEventLine bool
	for _, line := range lines {
		if line == "event: ping" {
			sawEventLine = true
		}
	}
	if !sawEventLine {
		t.Error("non-data SSE lines should be relayed verbatim")
	}
}

func TestAnthropicToOpenAITextDelta(t *testing.T) {
	input := strings.Join([]string{
		`data: {"type":"message_start","message":{"usage":{"input_tokens":3}}}`,
		``,
		`data: {"type":"content_block_start","content_block":{"type":"text","text":""}}`,
		``,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	var gotUsage Usage
	reader := AnthropicToOpenAI(strings.NewReader(input), "claude-sonnet-4-5", func(u Usage) { gotUsage = u })
	lines := readAll(t, reader)

	var sawContent, sawDone, sawFinish bool
	for _, line := range lines {
		if line == "data: [DONE]" {
			sawDone = true
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		choices, ok := chunk["choices"].([]any)
		if !ok || len(choices) == 0 {
			continue
		}
		choice := choices[0].(map[string]any)
		delta, _ := choice["delta"].(map[string]any)
		if delta != nil && delta["content"] == "hi" {
			sawContent = true
		}
		if fr, _ := choice["finish_reason"].(string); fr == "stop" {
			sawFinish = true
		}
	}
	if !sawContent {
		t.Error("expected a content delta chunk with \"hi\"")
	}
	if !sawFinish {
		t.Error("expected a terminal chunk with finish_reason=stop")
	}
	if !sawDone {
		t.Error("expected the stream to end with data: [DONE]")
	}
	if gotUsage.InputTokens != 3 || gotUsage.OutputTokens != 2 {
		t.Errorf("usage = %+v, want input=3 output=2", gotUsage)
	}
}

func TestAnthropicToOpenAIToolCallDelta(t *testing.T) {
	input := strings.Join([]string{
		`data: {"type":"content_block_start","content_block":{"type":"tool_use","id":"toolu_1","name":"mcp_search"}}`,
		``,
		`data: {"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`,
		``,
		`data: {"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}`,
		``,
		`data: {"type":"content_block_stop"}`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	reader := AnthropicToOpenAI(strings.NewReader(input), "claude-sonnet-4-5", func(Usage) {})
	lines := readAll(t, reader)

	var sawToolName, sawFinishToolCalls bool
	var argsBuilder strings.Builder
	for _, line := range lines {
		if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
			continue
		}
		var chunk map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		choices, _ := chunk["choices"].([]any)
		if len(choices) == 0 {
			continue
		}
		choice := choices[0].(map[string]any)
		if fr, _ := choice["finish_reason"].(string); fr == "tool_calls" {
			sawFinishToolCalls = true
		}
		delta, _ := choice["delta"].(map[string]any)
		if delta == nil {
			continue
		}
		tcs, _ := delta["tool_calls"].([]any)
		for _, rawTC := range tcs {
			tc := rawTC.(map[string]any)
			fn, _ := tc["function"].(map[string]any)
			if fn == nil {
				continue
			}
			if name, ok := fn["name"].(string); ok {
				if name == "search" {
					sawToolName = true
				}
			}
			if args, ok := fn["arguments"].(string); ok {
				argsBuilder.WriteString(args)
			}
		}
	}
	if !sawToolName {
		t.Error("expected the tool name (mcp_ prefix stripped) in the first tool_calls delta")
	}
	if argsBuilder.String() != `{"q":"go"}` {
		t.Errorf("accumulated arguments = %q, want {\"q\":\"go\"}", argsBuilder.String())
	}
	if !sawFinishToolCalls {
		t.Error("expected finish_reason=tool_calls")
	}
}
