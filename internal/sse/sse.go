// Package sse implements the two Server-Sent-Events stream translators:
// native Anthropic passthrough (with mcp_ tool-name stripping) and
// Anthropic-to-OpenAI event translation. Both inject a 15-second keep-alive
// comment on an otherwise-idle channel and report accumulated token usage
// once the upstream stream completes.
//
// Grounded on the teacher's ConvertSSEStream/ConvertAnthropicSSEToOpenAI
// (io.Pipe + goroutine + bufio.Scanner with an enlarged buffer); the
// heartbeat ticker has no teacher analog and is built directly on the
// standard library's time.Ticker + select idiom.
package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

const keepAliveInterval = 15 * time.Second

// Usage is the running token count accumulated across a stream, reported
// to the caller once the upstream connection closes.
type Usage struct {
	InputTokens             int64
	OutputTokens            int64
	CacheCreationInputTokens int64
	CacheReadInputTokens    int64
}

func getStr(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getFloat(m map[string]any, key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func toMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	if m == nil {
		return map[string]any{}
	}
	return m
}

const mcpPrefix = "mcp_"

func stripMCPPrefix(name string) string {
	return strings.TrimPrefix(name, mcpPrefix)
}

// sseLine is one line read from the raw scanner, tagged with whether it
// carried a "data: " payload worth inspecting.
type sseLine struct {
	raw     string
	isData  bool
	payload string
}

// scanLines reads from r and sends each line to out, closing out when r is
// exhausted or errors. Runs on its own goroutine so the writer side can
// interleave keep-alive ticks.
func scanLines(r io.Reader, out chan<- sseLine) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "data: ") {
			out <- sseLine{raw: line, isData: true, payload: trimmed[6:]}
		} else {
			out <- sseLine{raw: line}
		}
	}
}

// NativePassthrough relays an Anthropic SSE stream verbatim except for
// stripping the mcp_ prefix from tool_use content_block_start events, and
// reports the accumulated Usage via onDone once the stream completes.
func NativePassthrough(reader io.Reader, onDone func(Usage)) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()
		lines := make(chan sseLine, 16)
		go scanLines(reader, lines)

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		var usage Usage
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					onDone(usage)
					return
				}
				ticker.Reset(keepAliveInterval)
				if !line.isData || line.payload == "" {
					fmt.Fprintf(pw, "%s\n", line.raw)
					continue
				}
				var parsed map[string]any
				if err := json.Unmarshal([]byte(line.payload), &parsed); err != nil {
					fmt.Fprintf(pw, "%s\n", line.raw)
					continue
				}
				accumulateUsage(&usage, parsed)

				if getStr(parsed, "type") == "content_block_start" {
					cb := toMap(parsed["content_block"])
					if getStr(cb, "type") == "tool_use" {
						cb["name"] = stripMCPPrefix(getStr(cb, "name"))
						b, _ := json.Marshal(parsed)
						fmt.Fprintf(pw, "data: %s\n", b)
						continue
					}
				}
				fmt.Fprintf(pw, "%s\n", line.raw)
			case <-ticker.C:
				if len(lines) > 0 {
					continue
				}
				fmt.Fprint(pw, ":keep-alive\n\n")
			}
		}
	}()

	return pr
}

func accumulateUsage(u *Usage, parsed map[string]any) {
	switch getStr(parsed, "type") {
	case "message_start":
		usage := toMap(toMap(parsed["message"])["usage"])
		u.InputTokens += int64(getFloat(usage, "input_tokens"))
		u.CacheCreationInputTokens += int64(getFloat(usage, "cache_creation_input_tokens"))
		u.CacheReadInputTokens += int64(getFloat(usage, "cache_read_input_tokens"))
	case "message_delta":
		usage := toMap(parsed["usage"])
		u.OutputTokens += int64(getFloat(usage, "output_tokens"))
	}
}

func writeDataLine(w io.Writer, data map[string]any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		if reason == "" {
			return "stop"
		}
		return reason
	}
}

// AnthropicToOpenAI translates an Anthropic SSE stream into an OpenAI SSE
// stream, reporting accumulated Usage via onDone once the stream completes.
func AnthropicToOpenAI(reader io.Reader, model string, onDone func(Usage)) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()
		lines := make(chan sseLine, 16)
		go scanLines(reader, lines)

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		messageID := fmt.Sprintf("chatcmpl-%d", time.Now().Unix())
		toolCallIndex := 0
		currentToolCallID := ""
		var usage Usage

		chunkBase := func() map[string]any {
			return map[string]any{
				"id": messageID, "object": "chat.completion.chunk",
				"created": time.Now().Unix(), "model": model,
			}
		}

		for {
			select {
			case line, ok := <-lines:
				if !ok {
					onDone(usage)
					return
				}
				ticker.Reset(keepAliveInterval)
				if !line.isData || line.payload == "" {
					continue
				}
				var parsed map[string]any
				if err := json.Unmarshal([]byte(line.payload), &parsed); err != nil {
					continue
				}
				accumulateUsage(&usage, parsed)

				switch getStr(parsed, "type") {
				case "content_block_start":
					cb := toMap(parsed["content_block"])
					if getStr(cb, "type") == "tool_use" {
						currentToolCallID = getStr(cb, "id")
						chunk := chunkBase()
						chunk["choices"] = []any{map[string]any{
							"index": float64(0),
							"delta": map[string]any{
								"tool_calls": []any{map[string]any{
									"index": float64(toolCallIndex),
									"id":    currentToolCallID,
									"type":  "function",
									"function": map[string]any{
										"name": stripMCPPrefix(getStr(cb, "name")), "arguments": "",
									},
								}},
							},
							"finish_reason": nil,
						}}
						writeDataLine(pw, chunk)
					}

				case "content_block_delta":
					delta := toMap(parsed["delta"])
					switch getStr(delta, "type") {
					case "text_delta":
						if text := getStr(delta, "text"); text != "" {
							chunk := chunkBase()
							chunk["choices"] = []any{map[string]any{
								"index": float64(0), "delta": map[string]any{"content": text}, "finish_reason": nil,
							}}
							writeDataLine(pw, chunk)
						}
					case "thinking_delta":
						if thinking := getStr(delta, "thinking"); thinking != "" {
							chunk := chunkBase()
							chunk["choices"] = []any{map[string]any{
								"index": float64(0), "delta": map[string]any{"reasoning_content": thinking}, "finish_reason": nil,
							}}
							writeDataLine(pw, chunk)
						}
					case "input_json_delta":
						if partial := getStr(delta, "partial_json"); partial != "" {
							chunk := chunkBase()
							chunk["choices"] = []any{map[string]any{
								"index": float64(0),
								"delta": map[string]any{
									"tool_calls": []any{map[string]any{
										"index":    float64(toolCallIndex),
										"function": map[string]any{"arguments": partial},
									}},
								},
								"finish_reason": nil,
							}}
							writeDataLine(pw, chunk)
						}
					}

				case "content_block_stop":
					if currentToolCallID != "" {
						toolCallIndex++
						currentToolCallID = ""
					}

				case "message_delta":
					delta := toMap(parsed["delta"])
					if stopReason := getStr(delta, "stop_reason"); stopReason != "" {
						chunk := chunkBase()
						chunk["choices"] = []any{map[string]any{
							"index": float64(0), "delta": map[string]any{}, "finish_reason": mapStopReason(stopReason),
						}}
						writeDataLine(pw, chunk)
					}

				case "message_stop":
					fmt.Fprint(pw, "data: [DONE]\n\n")
				}
			case <-ticker.C:
				if len(lines) > 0 {
					continue
				}
				fmt.Fprint(pw, ":keep-alive\n\n")
			}
		}
	}()

	return pr
}
