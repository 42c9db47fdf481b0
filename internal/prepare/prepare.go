// Package prepare implements the request-preparer pipeline applied to every
// outbound Anthropic Messages request: beta extraction, forced-tool-use
// thinking suppression, fake user-id injection, mcp_ tool-name rewriting,
// system-prompt injection/sanitization, cache_control budgeting, and
// unsupported-field stripping.
//
// Grounded step-for-step on the upstream's own prepare/common/tool_names
// transforms; JSON is walked as map[string]any/[]any rather than typed
// structs, matching the teacher's own adapter idiom for shapes this
// optional-field-heavy.
package prepare

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const systemPrefix = "You are Claude Code, Anthropic's official CLI for Claude."

// Prepared is the pipeline's output: the mutated body plus the beta flags
// extracted from it (the upstream client merges these into Anthropic-Beta).
type Prepared struct {
	Body  map[string]any
	Betas []string
}

// Anthropic runs the full 7-step pipeline for /v1/messages requests.
// cloak controls whether the fake user id and system-prefix injection run;
// when false only sanitization (no prefix) and the remaining steps run.
func Anthropic(body map[string]any, cloak bool) Prepared {
	betas := extractBetas(body)

	disableThinkingIfForced(body)
	if cloak {
		injectFakeUserID(body)
	}

	addMCPPrefixes(body)

	if cloak {
		injectSystemMessage(body)
	} else {
		sanitizeSystemOnly(body)
	}

	ensureCacheControl(body)
	stripUnsupportedFields(body)

	return Prepared{Body: body, Betas: betas}
}

// CountTokens runs the 3-step subset used for /v1/messages/count_tokens:
// extract betas, mcp_ prefixing, system sanitize/inject. Forced-tool-use
// thinking suppression and fake-user-id injection are skipped — token
// counting never reaches a model that cares about either.
func CountTokens(body map[string]any, cloak bool) Prepared {
	betas := extractBetas(body)

	addMCPPrefixes(body)

	if cloak {
		injectSystemMessage(body)
	} else {
		sanitizeSystemOnly(body)
	}

	return Prepared{Body: body, Betas: betas}
}

// extractBetas pulls "betas" out of the body, accepting an array of
// strings, a single string, or an absent field; entries are trimmed and
// empty entries dropped.
func extractBetas(body map[string]any) []string {
	raw, ok := body["betas"]
	delete(body, "betas")
	if !ok {
		return nil
	}

	var out []string
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					out = append(out, trimmed)
				}
			}
		}
	case string:
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// disableThinkingIfForced removes "thinking" when tool_choice forces tool
// use (type exactly "any" or "tool"); a forced tool call leaves no room for
// the model to emit a thinking block.
func disableThinkingIfForced(body map[string]any) {
	tc, ok := body["tool_choice"].(map[string]any)
	if !ok {
		return
	}
	t, _ := tc["type"].(string)
	if t == "any" || t == "tool" {
		delete(body, "thinking")
	}
}

// injectFakeUserID sets metadata.user_id to a fake-but-validly-shaped id
// when the caller didn't supply a properly-shaped one of their own — a
// real user id would deanonymize the request to the upstream account.
func injectFakeUserID(body map[string]any) {
	meta, ok := body["metadata"].(map[string]any)
	if !ok {
		meta = map[string]any{}
		body["metadata"] = meta
	}
	if existing, ok := meta["user_id"].(string); ok && isValidUserID(existing) {
		return
	}
	meta["user_id"] = generateFakeUserID()
}

func generateFakeUserID() string {
	raw := make([]byte, 32)
	_, _ = rand.Read(raw)
	sum := sha256.Sum256(raw)
	return "user_" + hex.EncodeToString(sum[:]) + "_account__session_" + uuid.NewString()
}

func isValidUserID(id string) bool {
	const infix = "_account__session_"
	idx := strings.Index(id, infix)
	if idx < 0 {
		return false
	}
	prefix, session := id[:idx], id[idx+len(infix):]
	if !strings.HasPrefix(prefix, "user_") {
		return false
	}
	hexPart := strings.TrimPrefix(prefix, "user_")
	if len(hexPart) != 64 {
		return false
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return false
	}
	return len(session) == 36 && strings.Count(session, "-") == 4
}

const mcpPrefix = "mcp_"

func addMCPPrefix(name string) string {
	if strings.HasPrefix(name, mcpPrefix) {
		return name
	}
	return mcpPrefix + name
}

func stripMCPPrefix(name string) string {
	return strings.TrimPrefix(name, mcpPrefix)
}

// addMCPPrefixes rewrites tool names in tools[], tool_choice.name, and any
// tool_use blocks in messages[].content[] to carry the mcp_ prefix. Built-in
// tools (identified by a non-empty "type" field) are left untouched.
func addMCPPrefixes(body map[string]any) {
	if tools, ok := body["tools"].([]any); ok {
		for _, t := range tools {
			tool, ok := t.(map[string]any)
			if !ok {
				continue
			}
			if ty, _ := tool["type"].(string); ty != "" {
				continue
			}
			if name, ok := tool["name"].(string); ok {
				tool["name"] = addMCPPrefix(name)
			}
		}
	}

	if tc, ok := body["tool_choice"].(map[string]any); ok {
		if t, _ := tc["type"].(string); t == "tool" {
			if name, ok := tc["name"].(string); ok && name != "" && !strings.HasPrefix(name, mcpPrefix) {
				tc["name"] = addMCPPrefix(name)
			}
		}
	}

	for _, msg := range asSlice(body["messages"]) {
		m, ok := msg.(map[string]any)
		if !ok {
			continue
		}
		for _, block := range asSlice(m["content"]) {
			b, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if ty, _ := b["type"].(string); ty == "tool_use" {
				if name, ok := b["name"].(string); ok {
					b["name"] = addMCPPrefix(name)
				}
			}
		}
	}
}

// StripResponseMCPPrefixes undoes the mcp_ prefix on tool_use blocks in a
// response body's content[], for display back to the caller.
func StripResponseMCPPrefixes(body map[string]any) {
	for _, block := range asSlice(body["content"]) {
		b, ok := block.(map[string]any)
		if !ok {
			continue
		}
		if ty, _ := b["type"].(string); ty == "tool_use" {
			if name, ok := b["name"].(string); ok {
				b["name"] = stripMCPPrefix(name)
			}
		}
	}
}

// injectSystemMessage prepends the Claude Code system prefix to whatever
// shape "system" currently has (missing, string, or array), then sanitizes
// the result.
func injectSystemMessage(body map[string]any) {
	switch sys := body["system"].(type) {
	case nil:
		body["system"] = systemPrefix
	case string:
		body["system"] = systemPrefix + "\n\n" + sys
	case []any:
		prefixBlock := map[string]any{"type": "text", "text": systemPrefix}
		body["system"] = append([]any{prefixBlock}, sys...)
	default:
		body["system"] = systemPrefix
	}
	sanitizeSystemValue(body)
}

// sanitizeSystemOnly runs sanitization without injecting the prefix — the
// cloak=false path, used when the caller's own identity should pass through.
func sanitizeSystemOnly(body map[string]any) {
	sanitizeSystemValue(body)
}

func sanitizeSystemValue(body map[string]any) {
	switch sys := body["system"].(type) {
	case string:
		body["system"] = sanitizeSystem(sys)
	case []any:
		for _, block := range sys {
			b, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := b["text"].(string); ok {
				b["text"] = sanitizeSystem(text)
			}
		}
	}
}

// sanitizeSystem replaces every mention of "OpenCode" (in its four
// observed casings) with the Claude Code branding, in this exact order.
func sanitizeSystem(s string) string {
	s = strings.ReplaceAll(s, "OpenCode", "Claude Code")
	s = strings.ReplaceAll(s, "opencode", "Claude")
	s = strings.ReplaceAll(s, "Opencode", "Claude")
	s = strings.ReplaceAll(s, "OPENCODE", "Claude")
	return s
}

const cacheControlBudget = 4

// ensureCacheControl adds cache_control:{type:"ephemeral"} markers up to a
// total budget of 4, in priority order: the last tools[] entry, the last
// system[] block, and the second-to-last user-role message's first content
// block. Existing markers count against the budget; targets that already
// carry one, or that don't exist, are skipped.
func ensureCacheControl(body map[string]any) {
	remaining := cacheControlBudget - countCacheControlMarkers(body)
	if remaining <= 0 {
		return
	}

	if tools := asSlice(body["tools"]); len(tools) > 0 {
		if t, ok := tools[len(tools)-1].(map[string]any); ok {
			if remaining > 0 && !hasCacheControl(t) {
				t["cache_control"] = ephemeralMarker()
				remaining--
			}
		}
	}

	if sysBlocks, ok := body["system"].([]any); ok && len(sysBlocks) > 0 {
		if b, ok := sysBlocks[len(sysBlocks)-1].(map[string]any); ok {
			if remaining > 0 && !hasCacheControl(b) {
				b["cache_control"] = ephemeralMarker()
				remaining--
			}
		}
	}

	userMsgs := userMessages(body)
	if len(userMsgs) >= 2 {
		target := userMsgs[len(userMsgs)-2]
		if content := asSlice(target["content"]); len(content) > 0 {
			if b, ok := content[0].(map[string]any); ok {
				if remaining > 0 && !hasCacheControl(b) {
					b["cache_control"] = ephemeralMarker()
				}
			}
		}
	}
}

func ephemeralMarker() map[string]any {
	return map[string]any{"type": "ephemeral"}
}

func hasCacheControl(m map[string]any) bool {
	_, ok := m["cache_control"]
	return ok
}

func countCacheControlMarkers(body map[string]any) int {
	count := 0
	for _, t := range asSlice(body["tools"]) {
		if m, ok := t.(map[string]any); ok && hasCacheControl(m) {
			count++
		}
	}
	switch sys := body["system"].(type) {
	case []any:
		for _, b := range sys {
			if m, ok := b.(map[string]any); ok && hasCacheControl(m) {
				count++
			}
		}
	}
	for _, msg := range asSlice(body["messages"]) {
		m, ok := msg.(map[string]any)
		if !ok {
			continue
		}
		for _, block := range asSlice(m["content"]) {
			if b, ok := block.(map[string]any); ok && hasCacheControl(b) {
				count++
			}
		}
	}
	return count
}

func userMessages(body map[string]any) []map[string]any {
	var out []map[string]any
	for _, msg := range asSlice(body["messages"]) {
		m, ok := msg.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := m["role"].(string); role == "user" {
			out = append(out, m)
		}
	}
	return out
}

// stripUnsupportedFields removes fields the proxy never forwards upstream.
func stripUnsupportedFields(body map[string]any) {
	delete(body, "context_management")
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
