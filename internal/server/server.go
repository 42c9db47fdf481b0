// Package server wires the component pipeline (client-key validation,
// quota admission, request preparation, dialect adaptation, upstream
// forwarding, and response/stream translation) into the four core HTTP
// routes spec.md names.
//
// Grounded on the teacher's internal/proxy/handler.go for route-table
// shape (http.ServeMux, withCORS, dialect-aware writeError) narrowed to
// this proxy's single upstream and single-tenant model — the teacher's
// multi-tenant/routing/cooldown/failover machinery has no role here.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"claude-key-proxy/internal/adapter"
	"claude-key-proxy/internal/clientkey"
	"claude-key-proxy/internal/modelcatalog"
	"claude-key-proxy/internal/oauth"
	"claude-key-proxy/internal/prepare"
	"claude-key-proxy/internal/proxyerr"
	"claude-key-proxy/internal/quota"
	"claude-key-proxy/internal/sse"
	"claude-key-proxy/internal/upstream"
)

// Deps collects every component the HTTP layer needs. Built once at
// startup and closed over by the route handlers.
type Deps struct {
	Keys     *clientkey.Store
	Quota    *quota.Engine
	Models   *modelcatalog.Catalog
	OAuth    *oauth.Manager
	Upstream *upstream.Client
	Version  string
}

func Handler(d *Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handleHealth(d))
	mux.HandleFunc("GET /v1/models", handleModels(d))
	mux.HandleFunc("POST /v1/chat/completions", handleRequest(d, "openai", false))
	mux.HandleFunc("POST /v1/messages", handleRequest(d, "anthropic", false))
	mux.HandleFunc("POST /v1/messages/count_tokens", handleRequest(d, "anthropic", true))

	return withCORS(mux)
}

func handleHealth(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","timestamp":%q,"version":%q}`,
			time.Now().UTC().Format(time.RFC3339), d.Version)
	}
}

func handleModels(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := d.Models.ListEnabled()
		if err != nil {
			writeProxyError(w, "anthropic", proxyerr.New(proxyerr.Database, "could not list models"))
			return
		}
		var data []map[string]any
		for _, m := range models {
			data = append(data, map[string]any{
				"id": m.ID, "object": "model", "owned_by": "anthropic",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
	}
}

// handleRequest returns the handler shared by all three forwarding routes.
// dialect is "openai" or "anthropic"; countTokens selects the lighter
// 3-step preparer pipeline and the count_tokens upstream path.
func handleRequest(d *Deps, dialect string, countTokens bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented := extractAPIKey(r)
		if presented == "" {
			writeProxyError(w, dialect, proxyerr.New(proxyerr.AuthMissing, "no API key presented"))
			return
		}

		key, err := d.Keys.Validate(presented)
		if err != nil {
			writeProxyError(w, dialect, proxyerr.New(proxyerr.Database, "key lookup failed"))
			return
		}
		if key == nil {
			writeProxyError(w, dialect, proxyerr.New(proxyerr.AuthInvalid, "invalid API key"))
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			writeProxyError(w, dialect, proxyerr.New(proxyerr.Parse, "failed to read request body"))
			return
		}

		var body map[string]any
		if len(bodyBytes) > 0 {
			if err := json.Unmarshal(bodyBytes, &body); err != nil {
				writeProxyError(w, dialect, proxyerr.New(proxyerr.Parse, "invalid JSON in request body"))
				return
			}
		}
		if body == nil {
			body = map[string]any{}
		}

		var anthropicBody map[string]any
		var originalModel string
		if dialect == "openai" {
			originalModel, _ = body["model"].(string)
			anthropicBody = adapter.OpenAIToAnthropicRequest(body)
		} else {
			anthropicBody = body
			originalModel, _ = body["model"].(string)
		}

		model, _ := anthropicBody["model"].(string)
		if model == "" {
			model = originalModel
		}

		if err := d.Quota.Check(key, model); err != nil {
			writeProxyError(w, dialect, err)
			return
		}

		accessToken, err := d.OAuth.RefreshIfNeeded()
		if err != nil {
			writeProxyError(w, dialect, proxyerr.New(proxyerr.OAuth, "token refresh failed"))
			return
		}
		if accessToken == "" {
			writeProxyError(w, dialect, proxyerr.New(proxyerr.NoUpstreamAuth, "no usable upstream credential"))
			return
		}

		stream, _ := anthropicBody["stream"].(bool)

		var prepared prepare.Prepared
		if countTokens {
			prepared = prepare.CountTokens(anthropicBody, true)
		} else {
			prepared = prepare.Anthropic(anthropicBody, true)
		}

		payload, err := json.Marshal(prepared.Body)
		if err != nil {
			writeProxyError(w, dialect, proxyerr.New(proxyerr.Parse, "failed to encode upstream request"))
			return
		}

		resp, err := d.Upstream.Send(upstream.Request{
			AccessToken: accessToken,
			Body:        payload,
			Betas:       prepared.Betas,
			Stream:      stream,
			CountTokens: countTokens,
		})
		if err != nil {
			writeProxyError(w, dialect, proxyerr.New(proxyerr.UpstreamNetwork, "could not reach Anthropic"))
			return
		}

		if resp.StatusCode >= 300 {
			relayUpstreamError(w, dialect, resp)
			return
		}

		contentType := resp.Header.Get("Content-Type")
		if strings.Contains(contentType, "text/event-stream") {
			streamResponse(w, d, key, model, dialect, resp.Body)
			return
		}

		bufferedResponse(w, d, key, model, dialect, resp.Body)
	}
}

func bufferedResponse(w http.ResponseWriter, d *Deps, key *clientkey.ClientKey, model, dialect string, body io.ReadCloser) {
	raw, err := upstream.ReadAll(body)
	if err != nil {
		writeProxyError(w, dialect, proxyerr.New(proxyerr.UpstreamNetwork, "upstream connection dropped"))
		return
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		writeProxyError(w, dialect, proxyerr.New(proxyerr.Parse, "could not parse upstream response"))
		return
	}
	prepare.StripResponseMCPPrefixes(parsed)

	usage := toMapUsage(parsed["usage"])
	if err := d.Quota.RecordUsage(key, model, usage.input, usage.output, usage.cacheRead, usage.cacheWrite); err != nil {
		log.Printf("[server] record usage failed: %v", err)
	}

	var out map[string]any
	if dialect == "openai" {
		out = adapter.AnthropicToOpenAIResponse(parsed, model)
	} else {
		out = parsed
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func streamResponse(w http.ResponseWriter, d *Deps, key *clientkey.ClientKey, model, dialect string, body io.ReadCloser) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	onDone := func(u sse.Usage) {
		_ = body.Close()
		if err := d.Quota.RecordUsage(key, model, u.InputTokens, u.OutputTokens, u.CacheReadInputTokens, u.CacheCreationInputTokens); err != nil {
			log.Printf("[server] record stream usage failed: %v", err)
		}
	}

	var translated io.ReadCloser
	if dialect == "openai" {
		translated = sse.AnthropicToOpenAI(body, model, onDone)
	} else {
		translated = sse.NativePassthrough(body, onDone)
	}
	defer translated.Close()

	buf := make([]byte, 4096)
	for {
		n, err := translated.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func relayUpstreamError(w http.ResponseWriter, dialect string, resp *http.Response) {
	raw, _ := upstream.ReadAll(resp.Body)
	perr := proxyerr.Newf(proxyerr.UpstreamStatus, "upstream returned %d: %s", resp.StatusCode, string(raw)).
		WithStatus(resp.StatusCode)
	writeProxyError(w, dialect, perr)
}

type usageTotals struct {
	input, output, cacheRead, cacheWrite int64
}

func toMapUsage(v any) usageTotals {
	m, _ := v.(map[string]any)
	get := func(key string) int64 {
		f, _ := m[key].(float64)
		return int64(f)
	}
	return usageTotals{
		input:      get("input_tokens"),
		output:     get("output_tokens"),
		cacheRead:  get("cache_read_input_tokens"),
		cacheWrite: get("cache_creation_input_tokens"),
	}
}

func writeProxyError(w http.ResponseWriter, dialect string, err error) {
	perr, ok := proxyerr.As(err)
	if !ok {
		perr = proxyerr.New(proxyerr.Database, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(perr.HTTPStatus())
	if dialect == "openai" {
		_ = json.NewEncoder(w).Encode(perr.OpenAIBody())
	} else {
		_ = json.NewEncoder(w).Encode(perr.AnthropicBody())
	}
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
