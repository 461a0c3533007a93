package workersdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
)

func testClient(srv *httptest.Server) *Client {
	return NewClient(AccountConfig{
		AccountID: "acct-1",
		APIToken:  "tok-secret",
		APIBase:   srv.URL,
	})
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	env := apiEnvelope{Success: true, Result: raw}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func TestClientVerifyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/user/token/verify" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-secret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("User-Agent"); !strings.HasPrefix(got, "workerctl/") {
			t.Errorf("User-Agent = %q", got)
		}
		writeEnvelope(t, w, TokenInfo{AccountID: "acct-1", AccountName: "Example Co", Status: "active"})
	}))
	defer srv.Close()

	info, err := testClient(srv).VerifyToken(context.Background())
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if info.AccountName != "Example Co" || info.Status != "active" {
		t.Errorf("unexpected token info: %+v", info)
	}
}

func TestClientAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"success":false,"errors":[{"code":10000,"message":"invalid token"}]}`)
	}))
	defer srv.Close()

	_, err := testClient(srv).VerifyToken(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("want ErrAuth, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid token") {
		t.Errorf("error should carry server detail, got %v", err)
	}
}

func TestClientNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"success":false,"errors":[{"code":10007,"message":"script not found"}]}`)
	}))
	defer srv.Close()

	_, err := testClient(srv).ListDeploys(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestClientEnvelopeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"errors":[{"code":8001,"message":"name taken"},{"code":8002,"message":"quota exceeded"}]}`)
	}))
	defer srv.Close()

	_, err := testClient(srv).CreateD1Database(context.Background(), "orders")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"name taken", "quota exceeded", "8001"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %v should mention %q", err, want)
		}
	}
}

func TestClientRetriesOnce(t *testing.T) {
	oldWait := retryBaseWait
	retryBaseWait = time.Millisecond
	defer func() { retryBaseWait = oldWait }()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeEnvelope(t, w, []Deployment{})
	}))
	defer srv.Close()

	if _, err := testClient(srv).ListDeploys(context.Background(), "api"); err != nil {
		t.Fatalf("ListDeploys after retry: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestClientRetryGivesUp(t *testing.T) {
	oldWait := retryBaseWait
	retryBaseWait = time.Millisecond
	defer func() { retryBaseWait = oldWait }()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv).ListDeploys(context.Background(), "api")
	if err == nil {
		t.Fatal("expected error after second 429")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (exactly one retry)", calls)
	}
}

func TestClientCreateDeploy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/v1/accounts/acct-1/workers/api/deploys" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var dr DeployRequest
		if err := json.NewDecoder(r.Body).Decode(&dr); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if dr.CompatibilityDate != "2025-01-01" {
			t.Errorf("compatibility_date = %q", dr.CompatibilityDate)
		}
		if dr.NodeMode != "v2" {
			t.Errorf("node_mode = %q", dr.NodeMode)
		}
		writeEnvelope(t, w, Deployment{ID: "dep-123", ScriptName: "api", NodeMode: "v2"})
	}))
	defer srv.Close()

	d, err := testClient(srv).CreateDeploy(context.Background(), "api", &DeployRequest{
		Script:            "export default {}",
		CompatibilityDate: "2025-01-01",
		NodeMode:          "v2",
	})
	if err != nil {
		t.Fatalf("CreateDeploy: %v", err)
	}
	if d.ID != "dep-123" {
		t.Errorf("deploy ID = %q", d.ID)
	}
}

func TestClientRollbackDeploy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "/v1/accounts/acct-1/workers/api/deploys/dep-9/rollback"
		if r.URL.Path != want {
			t.Errorf("path = %q, want %q", r.URL.Path, want)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "bad release") {
			t.Errorf("body should carry message, got %s", body)
		}
		writeEnvelope(t, w, Deployment{ID: "dep-9"})
	}))
	defer srv.Close()

	if _, err := testClient(srv).RollbackDeploy(context.Background(), "api", "dep-9", "bad release"); err != nil {
		t.Fatalf("RollbackDeploy: %v", err)
	}
}

func TestClientSecrets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["name"] != "API_KEY" || body["text"] != "hunter2" || body["type"] != SecretTypeText {
				t.Errorf("unexpected body: %v", body)
			}
			writeEnvelope(t, w, Secret{Name: "API_KEY", Type: SecretTypeText})
		case r.Method == http.MethodDelete:
			if !strings.HasSuffix(r.URL.Path, "/secrets/API_KEY") {
				t.Errorf("delete path = %q", r.URL.Path)
			}
			writeEnvelope(t, w, nil)
		default:
			writeEnvelope(t, w, []Secret{{Name: "API_KEY", Type: SecretTypeText}})
		}
	}))
	defer srv.Close()

	c := testClient(srv)
	if _, err := c.PutSecret(context.Background(), "api", "API_KEY", "hunter2"); err != nil {
		t.Fatalf("PutSecret: %v", err)
	}
	secrets, err := c.ListSecrets(context.Background(), "api")
	if err != nil {
		t.Fatalf("ListSecrets: %v", err)
	}
	if len(secrets) != 1 || secrets[0].Name != "API_KEY" {
		t.Errorf("secrets = %+v", secrets)
	}
	if err := c.DeleteSecret(context.Background(), "api", "API_KEY"); err != nil {
		t.Fatalf("DeleteSecret: %v", err)
	}
}

func TestClientD1DatabaseFromName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, []D1DatabaseInfo{
			{UUID: "aaaaaaaa-1111-2222-3333-444444444444", Name: "orders"},
			{UUID: "bbbbbbbb-1111-2222-3333-444444444444", Name: "sessions"},
		})
	}))
	defer srv.Close()

	c := testClient(srv)
	db, err := c.D1DatabaseFromName(context.Background(), "sessions")
	if err != nil {
		t.Fatalf("D1DatabaseFromName: %v", err)
	}
	if db.UUID != "bbbbbbbb-1111-2222-3333-444444444444" {
		t.Errorf("UUID = %q", db.UUID)
	}

	if _, err := c.D1DatabaseFromName(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound for unknown name, got %v", err)
	}
}

func TestClientQueryD1Database(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["sql"] != "SELECT * FROM users WHERE id = ?" {
			t.Errorf("sql = %v", body["sql"])
		}
		params, ok := body["params"].([]any)
		if !ok || len(params) != 1 {
			t.Errorf("params = %v", body["params"])
		}
		writeEnvelope(t, w, []D1QueryResult{{
			Results: []map[string]any{{"id": float64(7), "name": "ada"}},
			Success: true,
		}})
	}))
	defer srv.Close()

	results, err := testClient(srv).QueryD1Database(context.Background(),
		"aaaaaaaa-1111-2222-3333-444444444444", "SELECT * FROM users WHERE id = ?", []any{7})
	if err != nil {
		t.Fatalf("QueryD1Database: %v", err)
	}
	if len(results) != 1 || len(results[0].Results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Results[0]["name"] != "ada" {
		t.Errorf("row = %v", results[0].Results[0])
	}
}

func TestClientUploadAssetBrotli(t *testing.T) {
	content := []byte(strings.Repeat("the same line of html over and over\n", 200))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Encoding"); got != "br" {
			t.Errorf("Content-Encoding = %q, want br", got)
		}
		if got := r.Header.Get("X-Asset-Hash"); got != "abc123" {
			t.Errorf("X-Asset-Hash = %q", got)
		}
		decoded, err := io.ReadAll(brotli.NewReader(r.Body))
		if err != nil {
			t.Fatalf("brotli decode: %v", err)
		}
		if string(decoded) != string(content) {
			t.Error("decompressed body does not match original")
		}
		writeEnvelope(t, w, nil)
	}))
	defer srv.Close()

	err := testClient(srv).UploadAsset(context.Background(), "api",
		AssetFile{Path: "index.html", Hash: "abc123", Size: int64(len(content))}, content)
	if err != nil {
		t.Fatalf("UploadAsset: %v", err)
	}
}

func TestClientUploadAssetSmallStaysRaw(t *testing.T) {
	content := []byte("tiny")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Encoding"); got != "" {
			t.Errorf("Content-Encoding = %q, want none", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "tiny" {
			t.Errorf("body = %q", body)
		}
		writeEnvelope(t, w, nil)
	}))
	defer srv.Close()

	err := testClient(srv).UploadAsset(context.Background(), "api",
		AssetFile{Path: "robots.txt", Hash: "def456", Size: 4}, content)
	if err != nil {
		t.Fatalf("UploadAsset: %v", err)
	}
}

func TestClientWorkflowSignals(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		writeEnvelope(t, w, nil)
	}))
	defer srv.Close()

	c := testClient(srv)
	ctx := context.Background()
	if err := c.TerminateWorkflowInstance(ctx, "billing", "wf-1"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := c.PauseWorkflowInstance(ctx, "billing", "wf-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := c.ResumeWorkflowInstance(ctx, "billing", "wf-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	want := []string{
		"POST /v1/accounts/acct-1/workflows/billing/instances/wf-1/terminate",
		"POST /v1/accounts/acct-1/workflows/billing/instances/wf-1/pause",
		"POST /v1/accounts/acct-1/workflows/billing/instances/wf-1/resume",
	}
	for i, w := range want {
		if i >= len(paths) || paths[i] != w {
			t.Errorf("call %d = %v, want %q", i, paths, w)
		}
	}
}

func TestEscapeAssetPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"index.html", "index.html"},
		{"css/main.css", "css/main.css"},
		{"img/logo 2x.png", "img/logo%202x.png"},
	}
	for _, tt := range tests {
		if got := escapeAssetPath(tt.in); got != tt.want {
			t.Errorf("escapeAssetPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
