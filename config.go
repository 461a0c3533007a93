package workersdk

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProjectConfigFile is the config file name looked up from the project root.
const ProjectConfigFile = "worker.yaml"

// ErrNoProject is returned when no worker.yaml exists in the start directory
// or any parent.
var ErrNoProject = errors.New("no worker.yaml found in this or any parent directory")

// ProjectConfig is the parsed worker.yaml for one project.
type ProjectConfig struct {
	// Name is the script name on the platform. Required.
	Name string `yaml:"name"`
	// Main is the worker entry point, relative to the config file.
	Main string `yaml:"main"`

	CompatibilityDate  string   `yaml:"compatibility_date"`
	CompatibilityFlags []string `yaml:"compatibility_flags"`
	// NodeCompat is the old bundler-polyfill opt-in, kept for projects that
	// predate the nodejs_* flags.
	NodeCompat bool `yaml:"node_compat"`

	Vars map[string]string `yaml:"vars"`

	Assets         AssetsConfig          `yaml:"assets"`
	Triggers       TriggersConfig        `yaml:"triggers"`
	KVNamespaces   []KVNamespaceConfig   `yaml:"kv_namespaces"`
	D1Databases    []D1DatabaseConfig    `yaml:"d1_databases"`
	R2Buckets      []R2BucketConfig      `yaml:"r2_buckets"`
	Queues         QueuesConfig          `yaml:"queues"`
	DurableObjects []DurableObjectConfig `yaml:"durable_objects"`

	// Routes are the hostname/path patterns the platform maps to this
	// worker. Empty means workers.dev only.
	Routes []string     `yaml:"routes"`
	Limits LimitsConfig `yaml:"limits"`

	Dev DevConfig `yaml:"dev"`
}

// AssetsConfig points at a directory of static files uploaded alongside the
// worker. Ignore patterns use doublestar globs.
type AssetsConfig struct {
	Directory string   `yaml:"directory"`
	Ignore    []string `yaml:"ignore"`
}

// TriggersConfig holds the cron triggers for the scheduled handler.
type TriggersConfig struct {
	Crons []string `yaml:"crons"`
}

// KVNamespaceConfig binds a KV namespace ID to a name on the worker's env.
type KVNamespaceConfig struct {
	Binding string `yaml:"binding"`
	ID      string `yaml:"id"`
}

// D1DatabaseConfig binds a D1 database to a name on the worker's env. Either
// the database ID or its name must be set; the name is looked up remotely.
type D1DatabaseConfig struct {
	Binding      string `yaml:"binding"`
	DatabaseName string `yaml:"database_name"`
	DatabaseID   string `yaml:"database_id"`
}

// R2BucketConfig binds an R2 bucket to a name on the worker's env.
type R2BucketConfig struct {
	Binding    string `yaml:"binding"`
	BucketName string `yaml:"bucket_name"`
}

// QueuesConfig holds the queue producer bindings. Consumers are attached on
// the platform side, never in worker.yaml.
type QueuesConfig struct {
	Producers []QueueProducerConfig `yaml:"producers"`
}

// QueueProducerConfig binds a queue the worker can send messages to.
type QueueProducerConfig struct {
	Binding string `yaml:"binding"`
	Queue   string `yaml:"queue"`
}

// DurableObjectConfig binds a durable object namespace to its class.
type DurableObjectConfig struct {
	Binding   string `yaml:"binding"`
	ClassName string `yaml:"class_name"`
}

// LimitsConfig caps per-request resources. Zero means platform default.
type LimitsConfig struct {
	CPUMs int `yaml:"cpu_ms"`
}

// DevConfig configures the local dev server.
type DevConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	LiveReload bool   `yaml:"live_reload"`
}

// DefaultProjectConfig returns a ProjectConfig with defaults applied. Name
// stays empty: it has no sensible default and Validate requires it.
func DefaultProjectConfig() *ProjectConfig {
	return &ProjectConfig{
		Main: "src/index.js",
		Dev: DevConfig{
			Host:       "127.0.0.1",
			Port:       8787,
			LiveReload: true,
		},
	}
}

// LoadProjectConfig reads and validates a worker.yaml.
func LoadProjectConfig(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ProjectConfigFile, err)
	}

	cfg := DefaultProjectConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ProjectConfigFile, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FindProjectConfig walks from dir upward and returns the path of the first
// worker.yaml it finds.
func FindProjectConfig(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		p := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoProject
		}
		dir = parent
	}
}

// Validate checks the config for problems that should stop a deploy before
// any network traffic happens.
func (c *ProjectConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if err := validateScriptName(c.Name); err != nil {
		return err
	}
	if c.Main == "" {
		return fmt.Errorf("main is required")
	}
	if c.CompatibilityDate != "" {
		if err := ValidateCompatDate(c.CompatibilityDate); err != nil {
			return err
		}
	}
	if containsFlag(c.CompatibilityFlags, "nodejs_compat") && containsFlag(c.CompatibilityFlags, "nodejs_compat_v2") {
		return fmt.Errorf("compatibility flags nodejs_compat and nodejs_compat_v2 cannot be combined; use nodejs_compat with a compatibility date of %s or later", nodeCompatV2Date)
	}
	for _, cron := range c.Triggers.Crons {
		if err := ValidateCron(cron); err != nil {
			return fmt.Errorf("invalid cron trigger %q: %w", cron, err)
		}
	}
	seen := map[string]bool{}
	for _, kv := range c.KVNamespaces {
		if kv.Binding == "" {
			return fmt.Errorf("kv_namespaces entries need a binding name")
		}
		if seen[kv.Binding] {
			return fmt.Errorf("duplicate binding %q", kv.Binding)
		}
		seen[kv.Binding] = true
	}
	for _, d1 := range c.D1Databases {
		if d1.Binding == "" {
			return fmt.Errorf("d1_databases entries need a binding name")
		}
		if seen[d1.Binding] {
			return fmt.Errorf("duplicate binding %q", d1.Binding)
		}
		seen[d1.Binding] = true
		if d1.DatabaseID == "" && d1.DatabaseName == "" {
			return fmt.Errorf("d1 binding %q needs database_id or database_name", d1.Binding)
		}
	}
	for _, r2 := range c.R2Buckets {
		if r2.Binding == "" {
			return fmt.Errorf("r2_buckets entries need a binding name")
		}
		if seen[r2.Binding] {
			return fmt.Errorf("duplicate binding %q", r2.Binding)
		}
		seen[r2.Binding] = true
		if r2.BucketName == "" {
			return fmt.Errorf("r2 binding %q needs bucket_name", r2.Binding)
		}
	}
	for _, q := range c.Queues.Producers {
		if q.Binding == "" {
			return fmt.Errorf("queues.producers entries need a binding name")
		}
		if seen[q.Binding] {
			return fmt.Errorf("duplicate binding %q", q.Binding)
		}
		seen[q.Binding] = true
		if q.Queue == "" {
			return fmt.Errorf("queue binding %q needs a queue name", q.Binding)
		}
	}
	for _, do := range c.DurableObjects {
		if do.Binding == "" {
			return fmt.Errorf("durable_objects entries need a binding name")
		}
		if seen[do.Binding] {
			return fmt.Errorf("duplicate binding %q", do.Binding)
		}
		seen[do.Binding] = true
		if do.ClassName == "" {
			return fmt.Errorf("durable object binding %q needs class_name", do.Binding)
		}
	}
	for _, r := range c.Routes {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("routes entries cannot be empty")
		}
	}
	if c.Limits.CPUMs < 0 {
		return fmt.Errorf("limits.cpu_ms cannot be negative")
	}
	if c.Dev.Port < 0 || c.Dev.Port > 65535 {
		return fmt.Errorf("dev.port %d out of range", c.Dev.Port)
	}
	return nil
}

// validateScriptName enforces the platform's script naming rules: lowercase
// alphanumerics, dashes and underscores, not starting with a dash, at most
// 63 characters.
func validateScriptName(name string) error {
	if len(name) > 63 {
		return fmt.Errorf("name %q is longer than 63 characters", name)
	}
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= '0' && ch <= '9':
		case ch == '_':
		case ch == '-' && i > 0:
		default:
			return fmt.Errorf("name %q may only contain lowercase letters, digits, dashes and underscores", name)
		}
	}
	return nil
}

// Merge applies other on top of c; non-zero fields win. Used to layer CLI
// flags over the file config.
func (c *ProjectConfig) Merge(other *ProjectConfig) {
	if other == nil {
		return
	}
	if other.Name != "" {
		c.Name = other.Name
	}
	if other.Main != "" {
		c.Main = other.Main
	}
	if other.CompatibilityDate != "" {
		c.CompatibilityDate = other.CompatibilityDate
	}
	if len(other.CompatibilityFlags) > 0 {
		c.CompatibilityFlags = other.CompatibilityFlags
	}
	if other.NodeCompat {
		c.NodeCompat = true
	}
	for k, v := range other.Vars {
		if c.Vars == nil {
			c.Vars = map[string]string{}
		}
		c.Vars[k] = v
	}
	if other.Assets.Directory != "" {
		c.Assets.Directory = other.Assets.Directory
	}
	if len(other.Assets.Ignore) > 0 {
		c.Assets.Ignore = other.Assets.Ignore
	}
	if len(other.Triggers.Crons) > 0 {
		c.Triggers.Crons = other.Triggers.Crons
	}
	if len(other.KVNamespaces) > 0 {
		c.KVNamespaces = other.KVNamespaces
	}
	if len(other.D1Databases) > 0 {
		c.D1Databases = other.D1Databases
	}
	if len(other.R2Buckets) > 0 {
		c.R2Buckets = other.R2Buckets
	}
	if len(other.Queues.Producers) > 0 {
		c.Queues.Producers = other.Queues.Producers
	}
	if len(other.DurableObjects) > 0 {
		c.DurableObjects = other.DurableObjects
	}
	if len(other.Routes) > 0 {
		c.Routes = other.Routes
	}
	if other.Limits.CPUMs != 0 {
		c.Limits.CPUMs = other.Limits.CPUMs
	}
	if other.Dev.Host != "" {
		c.Dev.Host = other.Dev.Host
	}
	if other.Dev.Port != 0 {
		c.Dev.Port = other.Dev.Port
	}
	if other.Dev.LiveReload {
		c.Dev.LiveReload = true
	}
}

// SaveToFile writes the config as YAML, creating parent directories.
func (c *ProjectConfig) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// NodeCompatFlags resolves the project's Node.js compatibility mode.
func (c *ProjectConfig) NodeCompatFlags() CompatFlags {
	return ResolveNodeCompat(c.CompatibilityDate, c.CompatibilityFlags, c.NodeCompat)
}

// CronExpressions returns the configured cron triggers, nil when there are
// none.
func (c *ProjectConfig) CronExpressions() []string {
	return c.Triggers.Crons
}

// UnknownCompatFlags returns the configured flags the toolchain does not
// recognize. They are forwarded to the platform anyway; callers use this to
// warn about likely typos.
func (c *ProjectConfig) UnknownCompatFlags() []string {
	var unknown []string
	for _, f := range c.CompatibilityFlags {
		if !IsKnownCompatFlag(f) {
			unknown = append(unknown, f)
		}
	}
	return unknown
}

// DevVarsFile holds local-only secrets next to worker.yaml, one KEY=value
// per line. It is meant to be gitignored.
const DevVarsFile = ".dev.vars"

// LoadDevVars parses dir's .dev.vars file. A missing file is not an error.
func LoadDevVars(dir string) (map[string]string, error) {
	f, err := os.Open(filepath.Join(dir, DevVarsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	vars := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' && value[len(value)-1] == '"' ||
			value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
		if key != "" {
			vars[key] = value
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", DevVarsFile, err)
	}
	return vars, nil
}

// Environment variable names for platform credentials.
const (
	EnvAccountID = "WORKERS_ACCOUNT_ID"
	EnvAPIToken  = "WORKERS_API_TOKEN"
	EnvAPIBase   = "WORKERS_API_BASE"
)

// AccountConfig carries the credentials for talking to the platform API.
type AccountConfig struct {
	AccountID string
	APIToken  string
	APIBase   string
}

// LoadAccountConfig reads credentials from the environment. APIBase falls
// back to the public endpoint when unset.
func LoadAccountConfig() (AccountConfig, error) {
	ac := AccountConfig{
		AccountID: os.Getenv(EnvAccountID),
		APIToken:  os.Getenv(EnvAPIToken),
		APIBase:   os.Getenv(EnvAPIBase),
	}
	if ac.APIBase == "" {
		ac.APIBase = DefaultAPIBase
	}
	if ac.AccountID == "" || ac.APIToken == "" {
		return ac, fmt.Errorf("missing platform credentials: set %s and %s", EnvAccountID, EnvAPIToken)
	}
	return ac, nil
}
