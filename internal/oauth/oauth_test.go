package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"claude-key-proxy/internal/credential"
	"claude-key-proxy/internal/store"
)

func openTestManager(t *testing.T, client *http.Client) (*Manager, *credential.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "oauth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	creds := credential.New(s.Conn(), "test-secret")
	return New(creds, client), creds
}

// redirectTransport rewrites every outbound request to target ts, so tests
// can exercise the package's hardcoded tokenURL without reaching the network.
type redirectTransport struct {
	target *url.URL
}

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func testClient(t *testing.T, ts *httptest.Server) *http.Client {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	return &http.Client{Transport: redirectTransport{target: u}}
}

func TestStartFlowBuildsAuthorizeURL(t *testing.T) {
	m, _ := openTestManager(t, http.DefaultClient)
	raw := m.StartFlow()

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("StartFlow produced unparsable URL: %v", err)
	}
	if u.Scheme+"://"+u.Host+u.Path != authorizeURL {
		t.Errorf("base URL = %s, want %s", u.Scheme+"://"+u.Host+u.Path, authorizeURL)
	}
	q := u.Query()
	if q.Get("client_id") != clientID {
		t.Errorf("client_id = %s, want %s", q.Get("client_id"), clientID)
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Error("code_challenge_method should be S256")
	}
	if q.Get("state") == "" {
		t.Error("state should be set")
	}

	challenge := generateChallenge(q.Get("state"))
	if q.Get("code_challenge") != challenge {
		t.Error("code_challenge should be SHA-256(state) per the PKCE contract this package uses")
	}
}

func TestGenerateVerifierIsUnique(t *testing.T) {
	a := generateVerifier()
	b := generateVerifier()
	if a == b {
		t.Error("generateVerifier should not produce repeated output")
	}
	if len(a) == 0 {
		t.Error("generateVerifier should not be empty")
	}
}

func TestExchangeCodeWithoutFlowInProgress(t *testing.T) {
	m, _ := openTestManager(t, http.DefaultClient)
	if err := m.ExchangeCode("some-code"); err == nil {
		t.Error("ExchangeCode should fail when no flow was started")
	}
}

func TestRefreshIfNeededNoCredential(t *testing.T) {
	m, _ := openTestManager(t, http.DefaultClient)
	token, err := m.RefreshIfNeeded()
	if err != nil {
		t.Fatalf("RefreshIfNeeded: %v", err)
	}
	if token != "" {
		t.Errorf("token = %q, want empty with no stored credential", token)
	}
}

func TestRefreshIfNeededAPIKeyPassthrough(t *testing.T) {
	m, creds := openTestManager(t, http.DefaultClient)
	if err := creds.Set("anthropic", credential.Credential{Kind: credential.KindAPI, APIKey: "sk-static"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	token, err := m.RefreshIfNeeded()
	if err != nil {
		t.Fatalf("RefreshIfNeeded: %v", err)
	}
	if token != "sk-static" {
		t.Errorf("token = %q, want sk-static", token)
	}
}

func TestRefreshIfNeededFreshTokenSkipsRefresh(t *testing.T) {
	m, creds := openTestManager(t, http.DefaultClient)
	expires := time.Now().Add(1 * time.Hour).UnixMilli()
	if err := creds.Set("anthropic", credential.Credential{
		Kind: credential.KindOAuth, Access: "still-fresh", Refresh: "r", ExpiresMs: expires,
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	token, err := m.RefreshIfNeeded()
	if err != nil {
		t.Fatalf("RefreshIfNeeded: %v", err)
	}
	if token != "still-fresh" {
		t.Errorf("token = %q, want still-fresh (within margin, no refresh should fire)", token)
	}
}

func TestRefreshIfNeededRefreshesNearExpiry(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 3600,
		})
	}))
	defer ts.Close()

	m, creds := openTestManager(t, testClient(t, ts))
	expired := time.Now().Add(-10 * time.Minute).UnixMilli()
	if err := creds.Set("anthropic", credential.Credential{
		Kind: credential.KindOAuth, Access: "old-access", Refresh: "old-refresh", ExpiresMs: expired,
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	token, err := m.RefreshIfNeeded()
	if err != nil {
		t.Fatalf("RefreshIfNeeded: %v", err)
	}
	if token != "new-access" {
		t.Errorf("token = %q, want new-access", token)
	}

	stored, err := creds.Get("anthropic")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Access != "new-access" || stored.Refresh != "new-refresh" {
		t.Error("refreshed tokens should be persisted")
	}
}

func TestRefreshIfNeededInvalidGrantDeletesCredential(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
	}))
	defer ts.Close()

	m, creds := openTestManager(t, testClient(t, ts))
	expired := time.Now().Add(-10 * time.Minute).UnixMilli()
	if err := creds.Set("anthropic", credential.Credential{
		Kind: credential.KindOAuth, Access: "old-access", Refresh: "revoked-refresh", ExpiresMs: expired,
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	token, err := m.RefreshIfNeeded()
	if err != nil {
		t.Fatalf("RefreshIfNeeded should not surface invalid_grant as an error, got %v", err)
	}
	if token != "" {
		t.Errorf("token = %q, want empty on invalid_grant", token)
	}
	if creds.Has("anthropic") {
		t.Error("invalid_grant should delete the stored credential")
	}
}

func TestRefreshDedupedConcurrentCallsShareOneRefresh(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "shared-access", RefreshToken: "shared-refresh", ExpiresIn: 3600})
	}))
	defer ts.Close()

	m, creds := openTestManager(t, testClient(t, ts))
	expired := time.Now().Add(-10 * time.Minute).UnixMilli()
	if err := creds.Set("anthropic", credential.Credential{
		Kind: credential.KindOAuth, Access: "old", Refresh: "r", ExpiresMs: expired,
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	done := make(chan string, 2)
	go func() {
		tok, _ := m.RefreshIfNeeded()
		done <- tok
	}()
	go func() {
		tok, _ := m.RefreshIfNeeded()
		done <- tok
	}()

	a := <-done
	b := <-done
	if a != "shared-access" || b != "shared-access" {
		t.Errorf("both callers should see the refreshed token, got %q and %q", a, b)
	}
	if calls != 1 {
		t.Errorf("refresh endpoint called %d times, want exactly 1 (dedup)", calls)
	}
}

func TestLogout(t *testing.T) {
	m, creds := openTestManager(t, http.DefaultClient)
	if err := creds.Set("anthropic", credential.Credential{Kind: credential.KindAPI, APIKey: "sk-x"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if m.IsAuthenticated() {
		t.Error("IsAuthenticated should be false after Logout")
	}
}

func TestExchangeCodeSplitsStateOnHash(t *testing.T) {
	var gotBody map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "a", RefreshToken: "b", ExpiresIn: 60})
	}))
	defer ts.Close()

	m, _ := openTestManager(t, testClient(t, ts))
	_ = m.StartFlow() // sets the verifier the exchange will validate against

	if err := m.ExchangeCode("the-code#the-state"); err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if gotBody["code"] != "the-code" {
		t.Errorf("code = %q, want the-code", gotBody["code"])
	}
	if gotBody["state"] != "the-state" {
		t.Errorf("state = %q, want the-state", gotBody["state"])
	}
	if !strings.Contains(gotBody["grant_type"], "authorization_code") {
		t.Errorf("grant_type = %q", gotBody["grant_type"])
	}
}
