package adapter

import (
	"encoding/json"
	"testing"
)

func TestParseModelSuffixNoSuffix(t *testing.T) {
	rm := ParseModelSuffix("claude-sonnet-4-5", "")
	if rm.BaseModel != "claude-sonnet-4-5" || rm.Effort != "" {
		t.Errorf("ParseModelSuffix = %+v, want base unchanged and empty effort", rm)
	}
}

func TestParseModelSuffixWithSuffix(t *testing.T) {
	rm := ParseModelSuffix("claude-opus-4-6(high)", "")
	if rm.BaseModel != "claude-opus-4-6" || rm.Effort != "high" {
		t.Errorf("ParseModelSuffix = %+v, want base=claude-opus-4-6 effort=high", rm)
	}
}

func TestParseModelSuffixNumericSuffix(t *testing.T) {
	rm := ParseModelSuffix("claude-opus-4-1(12000)", "")
	if rm.BaseModel != "claude-opus-4-1" || rm.Effort != "12000" {
		t.Errorf("ParseModelSuffix = %+v", rm)
	}
}

func TestParseModelSuffixReasoningEffortOverridesSuffix(t *testing.T) {
	rm := ParseModelSuffix("claude-opus-4-6(low)", "max")
	if rm.Effort != "max" {
		t.Errorf("Effort = %q, want max (reasoning_effort field overrides suffix)", rm.Effort)
	}
	if rm.BaseModel != "claude-opus-4-6" {
		t.Errorf("BaseModel = %q, want claude-opus-4-6", rm.BaseModel)
	}
}

func TestResolveThinkingAdaptiveLevels(t *testing.T) {
	tests := []struct {
		effort string
		level  string
	}{
		{"low", "low"}, {"minimal", "low"},
		{"medium", "medium"}, {"med", "medium"}, {"auto", "medium"},
		{"high", "high"},
		{"xhigh", "max"}, {"max", "max"},
	}
	for _, tt := range tests {
		rm := ResolvedModel{BaseModel: "claude-opus-4-6", Effort: tt.effort}
		tc := resolveThinking(rm)
		if !tc.enabled || !tc.adaptive || tc.level != tt.level {
			t.Errorf("effort=%q: tc=%+v, want adaptive level %q", tt.effort, tc, tt.level)
		}
	}
}

func TestResolveThinkingManualBudgets(t *testing.T) {
	tests := []struct {
		effort string
		budget int64
	}{
		{"low", 1024}, {"medium", 8192}, {"high", 32000}, {"max", 64000},
	}
	for _, tt := range tests {
		rm := ResolvedModel{BaseModel: "claude-opus-4-1", Effort: tt.effort}
		tc := resolveThinking(rm)
		if !tc.enabled || tc.adaptive || tc.budget != tt.budget {
			t.Errorf("effort=%q: tc=%+v, want manual budget %d", tt.effort, tc, tt.budget)
		}
	}
}

func TestResolveThinkingNoneDisables(t *testing.T) {
	for _, effort := range []string{"none", "off", "disabled"} {
		tc := resolveThinking(ResolvedModel{BaseModel: "claude-opus-4-6", Effort: effort})
		if tc.enabled {
			t.Errorf("effort=%q should disable thinking", effort)
		}
	}
}

func TestResolveThinkingEmptyEffort(t *testing.T) {
	tc := resolveThinking(ResolvedModel{BaseModel: "claude-opus-4-6", Effort: ""})
	if tc.enabled {
		t.Error("empty effort should leave thinking disabled")
	}
}

func TestResolveThinkingIntegerEffortBucketing(t *testing.T) {
	tests := []struct {
		n     int64
		level string
	}{
		{2000, "low"}, {10000, "medium"}, {40000, "high"}, {90000, "max"},
	}
	for _, tt := range tests {
		rm := ResolvedModel{BaseModel: "claude-sonnet-4-6", Effort: itoa(tt.n)}
		tc := resolveThinking(rm)
		if !tc.adaptive || tc.level != tt.level {
			t.Errorf("n=%d: tc=%+v, want adaptive level %q", tt.n, tc, tt.level)
		}
	}
}

func TestResolveThinkingIntegerEffortManualOnNonAdaptive(t *testing.T) {
	rm := ResolvedModel{BaseModel: "claude-opus-4-1", Effort: "5000"}
	tc := resolveThinking(rm)
	if tc.adaptive || !tc.enabled || tc.budget != 5000 {
		t.Errorf("tc = %+v, want manual budget 5000 on a non-adaptive model", tc)
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestApplyMaxTokensDefault(t *testing.T) {
	got := applyMaxTokens(0, thinkingConfig{}, otherClaudeCeiling)
	if got != defaultMaxTokens {
		t.Errorf("applyMaxTokens(0, ...) = %d, want default %d", got, defaultMaxTokens)
	}
}

func TestApplyMaxTokensRaisedForManualThinking(t *testing.T) {
	tc := thinkingConfig{enabled: true, budget: 20000}
	got := applyMaxTokens(5000, tc, opus46Ceiling)
	if got != 21000 {
		t.Errorf("applyMaxTokens = %d, want budget+1000 = 21000", got)
	}
}

func TestApplyMaxTokensNotLoweredWhenAlreadyAboveManualBudget(t *testing.T) {
	tc := thinkingConfig{enabled: true, budget: 1000}
	got := applyMaxTokens(50000, tc, opus46Ceiling)
	if got != 50000 {
		t.Errorf("applyMaxTokens = %d, want unchanged 50000", got)
	}
}

func TestApplyMaxTokensRaisedForAdaptiveThinking(t *testing.T) {
	tc := thinkingConfig{enabled: true, adaptive: true, level: "high"}
	got := applyMaxTokens(1000, tc, opus46Ceiling)
	if got != 32000 {
		t.Errorf("applyMaxTokens = %d, want 32000 floor for adaptive thinking", got)
	}
}

func TestApplyMaxTokensCappedAtCeiling(t *testing.T) {
	got := applyMaxTokens(999999, thinkingConfig{}, otherClaudeCeiling)
	if got != otherClaudeCeiling {
		t.Errorf("applyMaxTokens = %d, want capped at %d", got, otherClaudeCeiling)
	}
}

func TestModelCeiling(t *testing.T) {
	if modelCeiling("claude-opus-4-6") != opus46Ceiling {
		t.Error("claude-opus-4-6 should use the opus-4.6 ceiling")
	}
	if modelCeiling("claude-sonnet-4-5") != otherClaudeCeiling {
		t.Error("non-opus-4.6 models should use the lower ceiling")
	}
}

func TestOpenAIToAnthropicRequestBasic(t *testing.T) {
	body := map[string]any{
		"model": "claude-sonnet-4-5",
		"messages": []any{
			map[string]any{"role": "system", "content": "be helpful"},
			map[string]any{"role": "user", "content": "hi"},
		},
		"temperature": 0.7,
	}
	out := OpenAIToAnthropicRequest(body)

	if out["system"] != "be helpful" {
		t.Errorf("system = %v, want \"be helpful\"", out["system"])
	}
	msgs := out["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("len(messages) = %d, want 1 (system message should be extracted)", len(msgs))
	}
	if out["model"] != "claude-sonnet-4-5" {
		t.Errorf("model = %v", out["model"])
	}
	if out["max_tokens"] != float64(defaultMaxTokens) {
		t.Errorf("max_tokens = %v, want default", out["max_tokens"])
	}
	if out["temperature"] != 0.7 {
		t.Errorf("temperature = %v, want 0.7", out["temperature"])
	}
}

func TestOpenAIToAnthropicRequestToolMessage(t *testing.T) {
	body := map[string]any{
		"model": "claude-sonnet-4-5",
		"messages": []any{
			map[string]any{"role": "tool", "tool_call_id": "call_1", "content": "42"},
		},
	}
	out := OpenAIToAnthropicRequest(body)
	msgs := out["messages"].([]any)
	msg := msgs[0].(map[string]any)
	if msg["role"] != "user" {
		t.Errorf("tool message role = %v, want user", msg["role"])
	}
	content := msg["content"].([]any)
	block := content[0].(map[string]any)
	if block["type"] != "tool_result" || block["tool_use_id"] != "call_1" {
		t.Errorf("converted tool block = %+v", block)
	}
}

func TestOpenAIToAnthropicRequestToolCalls(t *testing.T) {
	body := map[string]any{
		"model": "claude-sonnet-4-5",
		"messages": []any{
			map[string]any{
				"role": "assistant",
				"tool_calls": []any{
					map[string]any{"id": "call_1", "function": map[string]any{"name": "search", "arguments": `{"q":"go"}`}},
				},
			},
		},
	}
	out := OpenAIToAnthropicRequest(body)
	msgs := out["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].([]any)
	block := content[0].(map[string]any)
	if block["type"] != "tool_use" || block["name"] != "search" {
		t.Errorf("tool_use block = %+v", block)
	}
	input := block["input"].(map[string]any)
	if input["q"] != "go" {
		t.Errorf("input = %+v", input)
	}
}

func TestOpenAIToAnthropicRequestThinkingFromSuffix(t *testing.T) {
	body := map[string]any{
		"model":    "claude-opus-4-6(high)",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}
	out := OpenAIToAnthropicRequest(body)
	if out["model"] != "claude-opus-4-6" {
		t.Errorf("model = %v, want suffix stripped", out["model"])
	}
	thinking := out["thinking"].(map[string]any)
	if thinking["type"] != "adaptive" {
		t.Errorf("thinking = %+v, want adaptive", thinking)
	}
	oc := out["output_config"].(map[string]any)
	if oc["effort"] != "high" {
		t.Errorf("output_config = %+v, want effort=high", oc)
	}
}

func TestOpenAIToAnthropicRequestToolsAndToolChoice(t *testing.T) {
	body := map[string]any{
		"model": "claude-sonnet-4-5",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
		"tools": []any{
			map[string]any{"function": map[string]any{"name": "search", "description": "search stuff", "parameters": map[string]any{"type": "object"}}},
		},
		"tool_choice": "required",
	}
	out := OpenAIToAnthropicRequest(body)
	tools := out["tools"].([]any)
	tool := tools[0].(map[string]any)
	if tool["name"] != "search" || tool["description"] != "search stuff" {
		t.Errorf("tool = %+v", tool)
	}
	tc := out["tool_choice"].(map[string]any)
	if tc["type"] != "any" {
		t.Errorf("tool_choice = %+v, want type=any for \"required\"", tc)
	}
}

func TestAnthropicToOpenAIResponseTextOnly(t *testing.T) {
	body := map[string]any{
		"content":     []any{map[string]any{"type": "text", "text": "hello there"}},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": float64(10), "output_tokens": float64(5)},
	}
	out := AnthropicToOpenAIResponse(body, "claude-sonnet-4-5")
	choices := out["choices"].([]any)
	choice := choices[0].(map[string]any)
	if choice["finish_reason"] != "stop" {
		t.Errorf("finish_reason = %v, want stop", choice["finish_reason"])
	}
	msg := choice["message"].(map[string]any)
	if msg["content"] != "hello there" {
		t.Errorf("content = %v", msg["content"])
	}
	usage := out["usage"].(map[string]any)
	if usage["total_tokens"] != float64(15) {
		t.Errorf("total_tokens = %v, want 15", usage["total_tokens"])
	}
}

func TestAnthropicToOpenAIResponseToolUse(t *testing.T) {
	body := map[string]any{
		"content": []any{
			map[string]any{"type": "tool_use", "id": "toolu_1", "name": "search", "input": map[string]any{"q": "go"}},
		},
		"stop_reason": "tool_use",
		"usage":       map[string]any{"input_tokens": float64(1), "output_tokens": float64(1)},
	}
	out := AnthropicToOpenAIResponse(body, "claude-sonnet-4-5")
	choice := out["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "tool_calls" {
		t.Errorf("finish_reason = %v, want tool_calls", choice["finish_reason"])
	}
	msg := choice["message"].(map[string]any)
	calls := msg["tool_calls"].([]any)
	call := calls[0].(map[string]any)
	fn := call["function"].(map[string]any)
	if fn["name"] != "search" {
		t.Errorf("function name = %v", fn["name"])
	}
}

func TestAnthropicToOpenAIResponseMaxTokens(t *testing.T) {
	body := map[string]any{
		"content":     []any{map[string]any{"type": "text", "text": "cut off"}},
		"stop_reason": "max_tokens",
		"usage":       map[string]any{"input_tokens": float64(1), "output_tokens": float64(1)},
	}
	out := AnthropicToOpenAIResponse(body, "claude-sonnet-4-5")
	choice := out["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "length" {
		t.Errorf("finish_reason = %v, want length", choice["finish_reason"])
	}
}

func TestAnthropicToOpenAIResponseThinkingBlock(t *testing.T) {
	body := map[string]any{
		"content": []any{
			map[string]any{"type": "thinking", "thinking": "let me consider"},
			map[string]any{"type": "text", "text": "answer"},
		},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": float64(1), "output_tokens": float64(1)},
	}
	out := AnthropicToOpenAIResponse(body, "claude-opus-4-6")
	msg := out["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)
	if msg["reasoning_content"] != "let me consider" {
		t.Errorf("reasoning_content = %v", msg["reasoning_content"])
	}
	if msg["content"] != "answer" {
		t.Errorf("content = %v", msg["content"])
	}
}
