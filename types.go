package workersdk

import "time"

// WorkerRequest represents an HTTP request handed to a worker's fetch
// handler.
type WorkerRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// WorkerResponse represents the HTTP response a worker produced.
type WorkerResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// WorkerResult wraps a response with execution metadata.
type WorkerResult struct {
	Response *WorkerResponse
	Logs     []LogEntry
	Error    error
	Duration time.Duration
}

// LogEntry is a single console.log/warn/error captured from a worker.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// TailEvent is one execution report streamed over a tail session.
type TailEvent struct {
	ScriptName string     `json:"scriptName"`
	Logs       []LogEntry `json:"logs"`
	Exceptions []string   `json:"exceptions"`
	Outcome    string     `json:"outcome"`
	Timestamp  time.Time  `json:"timestamp"`
}

// DeployRequest is the payload for creating a deployment. The script name
// travels in the URL, not the body.
type DeployRequest struct {
	Script    string `json:"script"`
	DeployKey string `json:"deploy_key"`

	CompatibilityDate  string   `json:"compatibility_date,omitempty"`
	CompatibilityFlags []string `json:"compatibility_flags,omitempty"`
	// NodeMode is the resolved Node.js compatibility mode the bundle was
	// built for, so the runtime serves the matching builtin set.
	NodeMode string `json:"node_mode"`
	// NodeModules lists the builtins the bundle left external.
	NodeModules []string `json:"node_modules,omitempty"`

	Vars          map[string]string `json:"vars,omitempty"`
	KVBindings    map[string]string `json:"kv_bindings,omitempty"`
	D1Bindings    map[string]string `json:"d1_bindings,omitempty"`
	R2Bindings    map[string]string `json:"r2_bindings,omitempty"`
	QueueBindings map[string]string `json:"queue_bindings,omitempty"`
	DOBindings    map[string]string `json:"do_bindings,omitempty"`
	Crons         []string          `json:"crons,omitempty"`
	Routes        []string          `json:"routes,omitempty"`
	CPULimitMs    int               `json:"cpu_limit_ms,omitempty"`

	// AssetManifest lists the static files this deployment serves, with
	// their content hashes. Files already on the platform keep their
	// stored copy.
	AssetManifest []AssetFile `json:"asset_manifest,omitempty"`

	Message string `json:"message,omitempty"`
}

// Deployment describes one deployed version of a script.
type Deployment struct {
	ID                 string    `json:"id"`
	ScriptName         string    `json:"script_name"`
	DeployKey          string    `json:"deploy_key"`
	NodeMode           string    `json:"node_mode,omitempty"`
	CompatibilityDate  string    `json:"compatibility_date,omitempty"`
	CompatibilityFlags []string  `json:"compatibility_flags,omitempty"`
	Message            string    `json:"message,omitempty"`
	Author             string    `json:"author,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// SecretTypeText is the only secret type the platform currently stores.
const SecretTypeText = "secret_text"

// Secret is a named secret bound to a script. Values are write-only; the
// API never returns them.
type Secret struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// PubSubBroker is an MQTT broker under a Pub/Sub namespace.
type PubSubBroker struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	AuthType     string    `json:"auth_type"`
	OnPublishURL string    `json:"on_publish_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ModifiedAt   time.Time `json:"modified_at"`
}

// PubSubNamespace groups brokers under one DNS zone.
type PubSubNamespace struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// D1DatabaseInfo describes a hosted D1 database.
type D1DatabaseInfo struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	Version   string    `json:"version,omitempty"`
	NumTables int       `json:"num_tables"`
	FileSize  int64     `json:"file_size"`
	CreatedAt time.Time `json:"created_at"`
}

// D1QueryResult is one statement's outcome from the remote query endpoint.
type D1QueryResult struct {
	Results []map[string]any `json:"results"`
	Success bool             `json:"success"`
	Meta    D1Meta           `json:"meta"`
}

// AssetFile is one static file in a deployment's asset manifest.
type AssetFile struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// TailSession is a live log stream handle returned by the API. Connect to
// the WebSocket URL to receive TailEvents.
type TailSession struct {
	ID           string    `json:"id"`
	WebSocketURL string    `json:"websocket_url"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TokenInfo is the verification result for the configured API token.
type TokenInfo struct {
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
	Status      string `json:"status"`
}
