// Package upstream builds and sends the authenticated HTTP request to
// Anthropic's Messages API, presenting headers that mimic the Claude Code
// CLI so OAuth-authenticated requests are accepted.
//
// Grounded on the teacher's internal/provider/anthropic.go ForwardAnthropic
// (buildURL, beta-header merge/de-dup via splitBeta/containsBeta, OAuth
// header set), narrowed to the single Anthropic provider this proxy
// targets — the teacher's provider-dispatch abstraction for OpenAI/Gemini-
// compat backends has no role here and is dropped.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultRetryAfterSec = 60

// sendTimeout bounds the upstream Messages/count_tokens call per spec.md's
// timeout section, covering the full duration of a streamed response.
const sendTimeout = 5 * time.Minute

// ParseRetryAfter parses a Retry-After header value (seconds or an
// HTTP-date) into a seconds count. An absent value yields 0; an unparsable,
// non-positive or already-past value yields defaultRetryAfterSec.
// Folded in from the teacher's cooldown package, whose multi-account
// failover machinery this single-account proxy otherwise has no use for.
func ParseRetryAfter(headerValue string) int {
	if headerValue == "" {
		return 0
	}
	if n, err := strconv.Atoi(headerValue); err == nil && n > 0 {
		return n
	}
	if t, err := time.Parse(time.RFC1123, headerValue); err == nil {
		if sec := int(time.Until(t).Seconds()); sec > 0 {
			return sec
		}
	}
	return defaultRetryAfterSec
}

const (
	baseURL          = "https://api.anthropic.com"
	messagesPath     = "/v1/messages?beta=true"
	countTokensPath  = "/v1/messages/count_tokens?beta=true"
	anthropicVersion = "2023-06-01"
	userAgent        = "claude-cli/2.1.32 (external, cli)"

	baseBetaHeader = "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14," +
		"fine-grained-tool-streaming-2025-05-14,prompt-caching-scope-2026-01-05,adaptive-thinking-2026-01-28"
)

// Client forwards prepared request bodies to Anthropic with OAuth headers.
type Client struct {
	http *http.Client
}

func New(httpClient *http.Client) *Client {
	return &Client{http: httpClient}
}

// Request describes one outbound call.
type Request struct {
	AccessToken string
	Body        []byte
	Betas       []string // additional betas extracted from the request body
	Stream      bool
	CountTokens bool
}

// Send issues the POST and returns the raw *http.Response for the caller
// to either buffer or pipe through the SSE translators.
func (c *Client) Send(req Request) (*http.Response, error) {
	path := messagesPath
	if req.CountTokens {
		path = countTokensPath
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, strings.NewReader(string(req.Body)))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)
	httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	httpReq.Header.Set("Anthropic-Beta", mergeBetas(baseBetaHeader, req.Betas))
	httpReq.Header.Set("Anthropic-Dangerous-Direct-Browser-Access", "true")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("X-App", "cli")
	httpReq.Header.Set("X-Stainless-Lang", "js")
	httpReq.Header.Set("X-Stainless-Runtime", "node")
	httpReq.Header.Set("X-Stainless-Package-Version", "0.65.0")

	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("send upstream request: %w", err)
	}
	resp.Body = cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnCloseBody releases a request's context.CancelFunc only once the
// caller has finished reading the response (buffered read or SSE pump),
// not on return from Send — a streamed response can run for the whole
// 5-minute budget.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// mergeBetas appends the request-body betas onto the fixed base list,
// de-duplicating while preserving the base list's order.
func mergeBetas(base string, extra []string) string {
	parts := splitBeta(base)
	for _, b := range extra {
		if b != "" && !containsBeta(parts, b) {
			parts = append(parts, b)
		}
	}
	return strings.Join(parts, ",")
}

func splitBeta(beta string) []string {
	if beta == "" {
		return nil
	}
	parts := strings.Split(beta, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func containsBeta(parts []string, target string) bool {
	for _, p := range parts {
		if p == target {
			return true
		}
	}
	return false
}

// ReadAll drains and closes a response body, for the buffered (non-SSE)
// response path.
func ReadAll(body io.ReadCloser) ([]byte, error) {
	defer body.Close()
	return io.ReadAll(body)
}
