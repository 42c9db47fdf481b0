// Package adapter converts between the OpenAI Chat Completions wire format
// and the Anthropic Messages wire format, in both directions, plus the
// model-suffix/reasoning-effort parsing that drives thinking-config
// injection. JSON is walked as map[string]any/[]any, mirroring the
// teacher's own convert.go idiom for this kind of optional-field-heavy
// adapter code.
package adapter

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var dataURIRe = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)

var suffixRe = regexp.MustCompile(`^(.*)\((none|off|disabled|low|minimal|medium|med|high|xhigh|max|auto|\d+)\)$`)

const (
	defaultMaxTokens  = 16000
	opus46Ceiling     = 128000
	otherClaudeCeiling = 64000
)

func getStr(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func getFloat(m map[string]any, key string) (float64, bool) {
	f, ok := m[key].(float64)
	return f, ok
}

func getBool(m map[string]any, key string) (bool, bool) {
	b, ok := m[key].(bool)
	return b, ok
}

func getSlice(m map[string]any, key string) ([]any, bool) {
	s, ok := m[key].([]any)
	return s, ok
}

func getMap(m map[string]any, key string) (map[string]any, bool) {
	m2, ok := m[key].(map[string]any)
	return m2, ok
}

func toMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	if m == nil {
		return map[string]any{}
	}
	return m
}

func toJSONString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
func nowUnix() int64   { return time.Now().Unix() }

func generateID() string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

// ResolvedModel holds the outcome of stripping a model suffix and computing
// its thinking configuration.
type ResolvedModel struct {
	BaseModel string
	Effort    string // raw effort hint: the suffix text or reasoning_effort value, "" if none
}

var adaptiveModelRe = regexp.MustCompile(`^claude-(opus|sonnet)-4-6`)

func isAdaptive(model string) bool {
	return adaptiveModelRe.MatchString(model)
}

func isOpus46(model string) bool {
	return strings.HasPrefix(model, "claude-opus-4-6")
}

// ParseModelSuffix splits "<base>(<suffix>)" into base model and effort
// hint. reasoning_effort in the request, when present, overrides any
// suffix found on the model string itself.
func ParseModelSuffix(model, reasoningEffort string) ResolvedModel {
	base := model
	effort := ""
	if m := suffixRe.FindStringSubmatch(model); m != nil {
		base = m[1]
		effort = m[2]
	}
	if reasoningEffort != "" {
		effort = reasoningEffort
	}
	return ResolvedModel{BaseModel: base, Effort: effort}
}

// thinkingConfig is what resolveThinking computes: whether thinking is
// enabled, adaptive vs manual, and the resulting budget/level.
type thinkingConfig struct {
	enabled  bool
	adaptive bool
	level    string // adaptive level: low/medium/high/max
	budget   int64  // manual budget_tokens
}

func resolveThinking(rm ResolvedModel) thinkingConfig {
	effort := rm.Effort
	adaptive := isAdaptive(rm.BaseModel)

	if effort == "" {
		return thinkingConfig{}
	}
	if n, err := strconv.ParseInt(effort, 10, 64); err == nil {
		if adaptive {
			var level string
			switch {
			case n <= 2048:
				level = "low"
			case n <= 16384:
				level = "medium"
			case n <= 49152:
				level = "high"
			default:
				level = "max"
			}
			return thinkingConfig{enabled: true, adaptive: true, level: level}
		}
		return thinkingConfig{enabled: true, adaptive: false, budget: n}
	}

	switch effort {
	case "none", "off", "disabled":
		return thinkingConfig{}
	case "low", "minimal":
		if adaptive {
			return thinkingConfig{enabled: true, adaptive: true, level: "low"}
		}
		return thinkingConfig{enabled: true, budget: 1024}
	case "medium", "med", "auto":
		if adaptive {
			return thinkingConfig{enabled: true, adaptive: true, level: "medium"}
		}
		return thinkingConfig{enabled: true, budget: 8192}
	case "high":
		if adaptive {
			return thinkingConfig{enabled: true, adaptive: true, level: "high"}
		}
		return thinkingConfig{enabled: true, budget: 32000}
	case "xhigh", "max":
		if adaptive {
			return thinkingConfig{enabled: true, adaptive: true, level: "max"}
		}
		return thinkingConfig{enabled: true, budget: 64000}
	default:
		return thinkingConfig{}
	}
}

func modelCeiling(model string) int64 {
	if isOpus46(model) {
		return opus46Ceiling
	}
	return otherClaudeCeiling
}

// applyMaxTokens implements the default/raise/cap rules from §4.8.
func applyMaxTokens(current int64, tc thinkingConfig, ceiling int64) int64 {
	result := current
	if result == 0 {
		result = defaultMaxTokens
	}
	if tc.enabled && !tc.adaptive && result <= tc.budget {
		result = tc.budget + 1000
	}
	if tc.enabled && tc.adaptive && result < 32000 {
		result = 32000
	}
	if result > ceiling {
		result = ceiling
	}
	return result
}

// OpenAIToAnthropicRequest converts an OpenAI Chat Completions request body
// into an Anthropic Messages request body, resolving the model suffix and
// injecting the resulting thinking configuration.
func OpenAIToAnthropicRequest(body map[string]any) map[string]any {
	result := map[string]any{}
	var messages []any
	var systemParts []string

	if msgs, ok := getSlice(body, "messages"); ok {
		for _, rawMsg := range msgs {
			msg := toMap(rawMsg)
			role := getStr(msg, "role")

			switch role {
			case "system":
				if s, ok := msg["content"].(string); ok {
					systemParts = append(systemParts, s)
				} else {
					systemParts = append(systemParts, toJSONString(msg["content"]))
				}

			case "tool":
				messages = append(messages, map[string]any{
					"role": "user",
					"content": []any{
						map[string]any{
							"type":        "tool_result",
							"tool_use_id": getStr(msg, "tool_call_id"),
							"content":     msg["content"],
						},
					},
				})

			default:
				messages = append(messages, convertOpenAIMessage(msg, role))
			}
		}
	}
	if len(systemParts) > 0 {
		result["system"] = strings.Join(systemParts, "\n\n")
	}
	result["messages"] = messages

	resolved := ParseModelSuffix(getStr(body, "model"), getStr(body, "reasoning_effort"))
	result["model"] = resolved.BaseModel
	tc := resolveThinking(resolved)

	var maxTokens int64
	if v, ok := getFloat(body, "max_tokens"); ok {
		maxTokens = int64(v)
	}
	maxTokens = applyMaxTokens(maxTokens, tc, modelCeiling(resolved.BaseModel))
	result["max_tokens"] = float64(maxTokens)

	if tc.enabled {
		if tc.adaptive {
			result["thinking"] = map[string]any{"type": "adaptive"}
			result["output_config"] = map[string]any{"effort": tc.level}
		} else {
			result["thinking"] = map[string]any{"type": "enabled", "budget_tokens": float64(tc.budget)}
		}
	}

	if v, ok := body["temperature"]; ok {
		result["temperature"] = v
	}
	if v, ok := body["top_p"]; ok {
		result["top_p"] = v
	}
	if v, ok := body["stream"]; ok {
		result["stream"] = v
	}
	if stopVal, ok := body["stop"]; ok {
		if stopSlice, ok := stopVal.([]any); ok {
			result["stop_sequences"] = stopSlice
		} else {
			result["stop_sequences"] = []any{stopVal}
		}
	}

	if tools, ok := getSlice(body, "tools"); ok && len(tools) > 0 {
		var anthropicTools []any
		for _, rawTool := range tools {
			tool := toMap(rawTool)
			fn := toMap(tool["function"])
			name := getStr(fn, "name")
			desc := getStr(fn, "description")
			params := fn["parameters"]
			if params == nil {
				params = map[string]any{}
			}
			anthropicTools = append(anthropicTools, map[string]any{
				"name": name, "description": desc, "input_schema": params,
			})
		}
		result["tools"] = anthropicTools
	}

	if tc2, ok := body["tool_choice"]; ok {
		switch v := tc2.(type) {
		case string:
			switch v {
			case "auto":
				result["tool_choice"] = map[string]any{"type": "auto"}
			case "required":
				result["tool_choice"] = map[string]any{"type": "any"}
			}
		case map[string]any:
			fn := toMap(v["function"])
			if name := getStr(fn, "name"); name != "" {
				result["tool_choice"] = map[string]any{"type": "tool", "name": name}
			}
		}
	}

	return result
}

func convertOpenAIMessage(msg map[string]any, role string) map[string]any {
	converted := map[string]any{"role": role}

	if tcs, ok := getSlice(msg, "tool_calls"); ok && len(tcs) > 0 {
		var blocks []any
		if s, ok := msg["content"].(string); ok && s != "" {
			blocks = append(blocks, map[string]any{"type": "text", "text": s})
		}
		for _, rawTC := range tcs {
			tc := toMap(rawTC)
			fn := toMap(tc["function"])
			id := getStr(tc, "id")
			if id == "" {
				id = fmt.Sprintf("toolu_%d_%s", nowMillis(), generateID())
			}
			var input any
			if argsStr := getStr(fn, "arguments"); argsStr != "" {
				if err := json.Unmarshal([]byte(argsStr), &input); err != nil {
					input = map[string]any{}
				}
			} else {
				input = map[string]any{}
			}
			blocks = append(blocks, map[string]any{
				"type": "tool_use", "id": id, "name": getStr(fn, "name"), "input": input,
			})
		}
		converted["content"] = blocks
		return converted
	}

	if contentSlice, ok := msg["content"].([]any); ok {
		var parts []any
		for _, rawPart := range contentSlice {
			part := toMap(rawPart)
			switch getStr(part, "type") {
			case "text":
				parts = append(parts, map[string]any{"type": "text", "text": getStr(part, "text")})
			case "image_url":
				imageURL := toMap(part["image_url"])
				url := getStr(imageURL, "url")
				if m := dataURIRe.FindStringSubmatch(url); m != nil {
					parts = append(parts, map[string]any{
						"type":   "image",
						"source": map[string]any{"type": "base64", "media_type": m[1], "data": m[2]},
					})
				} else {
					parts = append(parts, map[string]any{"type": "image", "source": map[string]any{"type": "url", "url": url}})
				}
			default:
				parts = append(parts, map[string]any{"type": "text", "text": toJSONString(part)})
			}
		}
		converted["content"] = parts
		return converted
	}

	content := msg["content"]
	if content == nil {
		content = ""
	}
	converted["content"] = content
	return converted
}

// AnthropicToOpenAIResponse converts a buffered Anthropic Messages response
// into an OpenAI Chat Completions response, per §4.8's exact mapping.
// stripMCPPrefix is applied by the caller before tool name formatting if
// desired; this function assumes names are already display-ready.
func AnthropicToOpenAIResponse(body map[string]any, model string) map[string]any {
	var textParts, thinkingParts []string
	var toolCalls []any

	for _, rawBlock := range mustSlice(body["content"]) {
		block := toMap(rawBlock)
		switch getStr(block, "type") {
		case "text":
			textParts = append(textParts, getStr(block, "text"))
		case "thinking":
			thinkingParts = append(thinkingParts, getStr(block, "thinking"))
		case "tool_use":
			input := block["input"]
			if input == nil {
				input = map[string]any{}
			}
			toolCalls = append(toolCalls, map[string]any{
				"id": getStr(block, "id"), "type": "function",
				"function": map[string]any{"name": getStr(block, "name"), "arguments": toJSONString(input)},
			})
		}
	}

	var finishReason string
	switch getStr(body, "stop_reason") {
	case "end_turn":
		finishReason = "stop"
	case "tool_use":
		finishReason = "tool_calls"
	case "max_tokens":
		finishReason = "length"
	default:
		finishReason = getStr(body, "stop_reason")
		if finishReason == "" {
			finishReason = "stop"
		}
	}

	message := map[string]any{"role": "assistant"}
	if joined := strings.Join(textParts, ""); joined != "" {
		message["content"] = joined
	} else {
		message["content"] = nil
	}
	if joined := strings.Join(thinkingParts, ""); joined != "" {
		message["reasoning_content"] = joined
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	usage := toMap(body["usage"])
	inputTokens, _ := getFloat(usage, "input_tokens")
	outputTokens, _ := getFloat(usage, "output_tokens")
	usageOut := map[string]any{
		"prompt_tokens":     inputTokens,
		"completion_tokens": outputTokens,
		"total_tokens":      inputTokens + outputTokens,
	}
	if v, ok := usage["cache_creation_input_tokens"]; ok {
		usageOut["cache_creation_input_tokens"] = v
	}
	if v, ok := usage["cache_read_input_tokens"]; ok {
		usageOut["cache_read_input_tokens"] = v
	}

	return map[string]any{
		"id":      fmt.Sprintf("chatcmpl-%d", nowMillis()),
		"object":  "chat.completion",
		"created": nowUnix(),
		"model":   model,
		"choices": []any{
			map[string]any{"index": float64(0), "message": message, "finish_reason": finishReason},
		},
		"usage": usageOut,
	}
}

func mustSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
