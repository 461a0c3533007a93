package workersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// DefaultAPIBase is the public platform endpoint.
const DefaultAPIBase = "https://api.hostedat.dev"

const (
	userAgent        = "workerctl/1.0"
	maxResponseBytes = 10 << 20 // 10 MB
	// brotliMinSize is the smallest asset worth compressing on upload.
	brotliMinSize = 1024
)

// Sentinel errors for the two failure classes callers branch on.
var (
	ErrNotFound = errors.New("not found")
	ErrAuth     = errors.New("authentication failed")
)

// Client talks to the platform's REST API. All methods are safe for
// concurrent use.
type Client struct {
	base    string
	account string
	token   string
	http    *http.Client
}

// NewClient builds a client from account credentials.
func NewClient(ac AccountConfig) *Client {
	base := ac.APIBase
	if base == "" {
		base = DefaultAPIBase
	}
	return &Client{
		base:    strings.TrimSuffix(base, "/"),
		account: ac.AccountID,
		token:   ac.APIToken,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiEnvelope is the wrapper every API response uses.
type apiEnvelope struct {
	Success  bool            `json:"success"`
	Errors   []apiError      `json:"errors"`
	Messages []string        `json:"messages"`
	Result   json.RawMessage `json:"result"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// accountPath joins path segments under the account scope, escaping each.
func (c *Client) accountPath(parts ...string) string {
	segs := make([]string, 0, len(parts)+3)
	segs = append(segs, "v1", "accounts", url.PathEscape(c.account))
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return "/" + strings.Join(segs, "/")
}

// do runs one API call: marshal body, send with auth headers, retry once on
// throttling or a bad gateway, decode the envelope, unmarshal result into
// out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("User-Agent", userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		if attempt == 0 && retryableStatus(resp.StatusCode) {
			wait := retryAfter(resp)
			logger.Debug().Int("status", resp.StatusCode).Dur("wait", wait).Msg("retrying request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		return decodeResponse(method, path, resp.StatusCode, respBody, out)
	}
}

// retryableStatus reports whether one retry is worth it.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryBaseWait is the fallback retry delay. Variable so tests can shrink it.
var retryBaseWait = time.Second

// retryAfter honors the Retry-After header, capping at ten seconds so a
// throttled CLI stays responsive to ^C.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			if secs > 10 {
				secs = 10
			}
			return time.Duration(secs) * time.Second
		}
	}
	return retryBaseWait
}

func decodeResponse(method, path string, status int, body []byte, out any) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuth, apiErrorDetail(body))
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%s %s: HTTP %d with unparseable body", method, path, status)
	}
	if !env.Success {
		return fmt.Errorf("%s %s: %s", method, path, joinAPIErrors(env.Errors))
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
	}
	return nil
}

// apiErrorDetail extracts the first error message from an envelope body, for
// statuses handled before envelope parsing.
func apiErrorDetail(body []byte) string {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Errors) > 0 {
		return env.Errors[0].Message
	}
	return "check your API token"
}

func joinAPIErrors(errs []apiError) string {
	if len(errs) == 0 {
		return "request failed"
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	return strings.Join(msgs, "; ")
}

// VerifyToken checks the configured token and reports which account it
// belongs to.
func (c *Client) VerifyToken(ctx context.Context) (*TokenInfo, error) {
	var info TokenInfo
	if err := c.do(ctx, http.MethodGet, "/v1/user/token/verify", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CreateDeploy uploads a new deployment of script.
func (c *Client) CreateDeploy(ctx context.Context, script string, dr *DeployRequest) (*Deployment, error) {
	var d Deployment
	if err := c.do(ctx, http.MethodPost, c.accountPath("workers", script, "deploys"), dr, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeploys returns the deploy history for script, newest first.
func (c *Client) ListDeploys(ctx context.Context, script string) ([]Deployment, error) {
	var ds []Deployment
	if err := c.do(ctx, http.MethodGet, c.accountPath("workers", script, "deploys"), nil, &ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// RollbackDeploy makes a previous deployment live again.
func (c *Client) RollbackDeploy(ctx context.Context, script, deployID, message string) (*Deployment, error) {
	body := map[string]string{}
	if message != "" {
		body["message"] = message
	}
	var d Deployment
	if err := c.do(ctx, http.MethodPost, c.accountPath("workers", script, "deploys", deployID, "rollback"), body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// PutSecret creates or replaces a secret on script.
func (c *Client) PutSecret(ctx context.Context, script, name, value string) (*Secret, error) {
	body := map[string]string{"name": name, "text": value, "type": SecretTypeText}
	var s Secret
	if err := c.do(ctx, http.MethodPut, c.accountPath("workers", script, "secrets"), body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSecrets returns the secret names bound to script. Values are never
// returned.
func (c *Client) ListSecrets(ctx context.Context, script string) ([]Secret, error) {
	var ss []Secret
	if err := c.do(ctx, http.MethodGet, c.accountPath("workers", script, "secrets"), nil, &ss); err != nil {
		return nil, err
	}
	return ss, nil
}

// DeleteSecret removes a secret from script.
func (c *Client) DeleteSecret(ctx context.Context, script, name string) error {
	return c.do(ctx, http.MethodDelete, c.accountPath("workers", script, "secrets", name), nil, nil)
}

// CreatePubSubNamespace registers a new Pub/Sub namespace.
func (c *Client) CreatePubSubNamespace(ctx context.Context, name string) (*PubSubNamespace, error) {
	var ns PubSubNamespace
	if err := c.do(ctx, http.MethodPost, c.accountPath("pubsub", "namespaces"), map[string]string{"name": name}, &ns); err != nil {
		return nil, err
	}
	return &ns, nil
}

// ListPubSubNamespaces lists the account's Pub/Sub namespaces.
func (c *Client) ListPubSubNamespaces(ctx context.Context) ([]PubSubNamespace, error) {
	var ns []PubSubNamespace
	if err := c.do(ctx, http.MethodGet, c.accountPath("pubsub", "namespaces"), nil, &ns); err != nil {
		return nil, err
	}
	return ns, nil
}

// DeletePubSubNamespace removes a namespace and everything under it.
func (c *Client) DeletePubSubNamespace(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.accountPath("pubsub", "namespaces", name), nil, nil)
}

// CreatePubSubBroker creates a broker under namespace. Only Name and
// AuthType are read from b; the rest is server-assigned.
func (c *Client) CreatePubSubBroker(ctx context.Context, namespace string, b *PubSubBroker) (*PubSubBroker, error) {
	body := map[string]string{"name": b.Name, "auth_type": b.AuthType}
	var created PubSubBroker
	if err := c.do(ctx, http.MethodPost, c.accountPath("pubsub", "namespaces", namespace, "brokers"), body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListPubSubBrokers lists the brokers under namespace.
func (c *Client) ListPubSubBrokers(ctx context.Context, namespace string) ([]PubSubBroker, error) {
	var bs []PubSubBroker
	if err := c.do(ctx, http.MethodGet, c.accountPath("pubsub", "namespaces", namespace, "brokers"), nil, &bs); err != nil {
		return nil, err
	}
	return bs, nil
}

// GetPubSubBroker fetches one broker by name.
func (c *Client) GetPubSubBroker(ctx context.Context, namespace, name string) (*PubSubBroker, error) {
	var b PubSubBroker
	if err := c.do(ctx, http.MethodGet, c.accountPath("pubsub", "namespaces", namespace, "brokers", name), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdatePubSubBroker patches a broker's mutable fields.
func (c *Client) UpdatePubSubBroker(ctx context.Context, namespace string, b *PubSubBroker) (*PubSubBroker, error) {
	body := map[string]string{"auth_type": b.AuthType, "on_publish_url": b.OnPublishURL}
	var updated PubSubBroker
	if err := c.do(ctx, http.MethodPatch, c.accountPath("pubsub", "namespaces", namespace, "brokers", b.Name), body, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeletePubSubBroker removes a broker.
func (c *Client) DeletePubSubBroker(ctx context.Context, namespace, name string) error {
	return c.do(ctx, http.MethodDelete, c.accountPath("pubsub", "namespaces", namespace, "brokers", name), nil, nil)
}

// ListD1Databases lists the account's D1 databases.
func (c *Client) ListD1Databases(ctx context.Context) ([]D1DatabaseInfo, error) {
	var dbs []D1DatabaseInfo
	if err := c.do(ctx, http.MethodGet, c.accountPath("d1", "databases"), nil, &dbs); err != nil {
		return nil, err
	}
	return dbs, nil
}

// D1DatabaseFromName resolves a database name to its record. The API has no
// name lookup, so this lists and filters.
func (c *Client) D1DatabaseFromName(ctx context.Context, name string) (*D1DatabaseInfo, error) {
	dbs, err := c.ListD1Databases(ctx)
	if err != nil {
		return nil, err
	}
	for i := range dbs {
		if dbs[i].Name == name {
			return &dbs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: d1 database %q", ErrNotFound, name)
}

// CreateD1Database provisions a new D1 database.
func (c *Client) CreateD1Database(ctx context.Context, name string) (*D1DatabaseInfo, error) {
	var db D1DatabaseInfo
	if err := c.do(ctx, http.MethodPost, c.accountPath("d1", "databases"), map[string]string{"name": name}, &db); err != nil {
		return nil, err
	}
	return &db, nil
}

// QueryD1Database runs SQL against a hosted database. Multiple statements
// return one result each.
func (c *Client) QueryD1Database(ctx context.Context, databaseID, sql string, params []any) ([]D1QueryResult, error) {
	body := map[string]any{"sql": sql}
	if len(params) > 0 {
		body["params"] = params
	}
	var results []D1QueryResult
	if err := c.do(ctx, http.MethodPost, c.accountPath("d1", "databases", databaseID, "query"), body, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// ListAssets returns the asset manifest currently stored for script.
func (c *Client) ListAssets(ctx context.Context, script string) ([]AssetFile, error) {
	var files []AssetFile
	if err := c.do(ctx, http.MethodGet, c.accountPath("workers", script, "assets"), nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// UploadAsset stores one static file for script. Bodies above brotliMinSize
// are brotli-compressed on the wire.
func (c *Client) UploadAsset(ctx context.Context, script string, file AssetFile, content []byte) error {
	path := c.accountPath("workers", script, "assets") + "/" + escapeAssetPath(file.Path)

	body := content
	encoding := ""
	if len(content) >= brotliMinSize {
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		if _, err := bw.Write(content); err == nil && bw.Close() == nil && buf.Len() < len(content) {
			body = buf.Bytes()
			encoding = "br"
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Asset-Hash", file.Hash)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", file.Path, err)
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	return decodeResponse(http.MethodPut, path, resp.StatusCode, respBody, nil)
}

// escapeAssetPath escapes each segment of a slash-separated asset path.
func escapeAssetPath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// CreateTailSession opens a live log stream for script.
func (c *Client) CreateTailSession(ctx context.Context, script string) (*TailSession, error) {
	var ts TailSession
	if err := c.do(ctx, http.MethodPost, c.accountPath("workers", script, "tails"), nil, &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}

// ListWorkflowInstances lists the instances of one workflow.
func (c *Client) ListWorkflowInstances(ctx context.Context, workflow string) ([]WorkflowInstance, error) {
	var ws []WorkflowInstance
	if err := c.do(ctx, http.MethodGet, c.accountPath("workflows", workflow, "instances"), nil, &ws); err != nil {
		return nil, err
	}
	return ws, nil
}

// GetWorkflowInstance fetches one workflow instance.
func (c *Client) GetWorkflowInstance(ctx context.Context, workflow, instanceID string) (*WorkflowInstance, error) {
	var w WorkflowInstance
	if err := c.do(ctx, http.MethodGet, c.accountPath("workflows", workflow, "instances", instanceID), nil, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// TerminateWorkflowInstance stops an instance for good.
func (c *Client) TerminateWorkflowInstance(ctx context.Context, workflow, instanceID string) error {
	return c.signalWorkflow(ctx, workflow, instanceID, "terminate")
}

// PauseWorkflowInstance suspends a running instance.
func (c *Client) PauseWorkflowInstance(ctx context.Context, workflow, instanceID string) error {
	return c.signalWorkflow(ctx, workflow, instanceID, "pause")
}

// ResumeWorkflowInstance continues a paused instance.
func (c *Client) ResumeWorkflowInstance(ctx context.Context, workflow, instanceID string) error {
	return c.signalWorkflow(ctx, workflow, instanceID, "resume")
}

func (c *Client) signalWorkflow(ctx context.Context, workflow, instanceID, signal string) error {
	return c.do(ctx, http.MethodPost, c.accountPath("workflows", workflow, "instances", instanceID, signal), nil, nil)
}

// SendEvent posts one telemetry event. Callers treat failures as advisory;
// see Reporter.
func (c *Client) SendEvent(ctx context.Context, ev *MetricsEvent) error {
	return c.do(ctx, http.MethodPost, "/v1/events", ev, nil)
}
