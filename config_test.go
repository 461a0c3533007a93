package workersdk

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `name: edge-api
main: src/worker.js
compatibility_date: "2024-10-01"
compatibility_flags:
  - nodejs_compat
vars:
  API_VERSION: "7"
assets:
  directory: public
  ignore:
    - "**/*.map"
triggers:
  crons:
    - "*/5 * * * *"
kv_namespaces:
  - binding: CACHE
    id: 0f2ac74b498b48028cb68387c421e279
d1_databases:
  - binding: DB
    database_name: edge-api-db
r2_buckets:
  - binding: UPLOADS
    bucket_name: edge-api-uploads
queues:
  producers:
    - binding: JOBS
      queue: edge-api-jobs
routes:
  - "api.example.com/*"
limits:
  cpu_ms: 50
dev:
  port: 9000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ProjectConfigFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadProjectConfig(t *testing.T) {
	cfg, err := LoadProjectConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadProjectConfig: %v", err)
	}
	if cfg.Name != "edge-api" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.Main != "src/worker.js" {
		t.Errorf("Main = %q", cfg.Main)
	}
	if cfg.CompatibilityDate != "2024-10-01" {
		t.Errorf("CompatibilityDate = %q", cfg.CompatibilityDate)
	}
	if len(cfg.KVNamespaces) != 1 || cfg.KVNamespaces[0].Binding != "CACHE" {
		t.Errorf("KVNamespaces = %+v", cfg.KVNamespaces)
	}
	if len(cfg.R2Buckets) != 1 || cfg.R2Buckets[0].BucketName != "edge-api-uploads" {
		t.Errorf("R2Buckets = %+v", cfg.R2Buckets)
	}
	if len(cfg.Queues.Producers) != 1 || cfg.Queues.Producers[0].Queue != "edge-api-jobs" {
		t.Errorf("Queues = %+v", cfg.Queues)
	}
	if len(cfg.Routes) != 1 || cfg.Limits.CPUMs != 50 {
		t.Errorf("Routes = %v, Limits = %+v", cfg.Routes, cfg.Limits)
	}
	// File set the port; the other dev defaults survive.
	if cfg.Dev.Port != 9000 {
		t.Errorf("Dev.Port = %d", cfg.Dev.Port)
	}
	if cfg.Dev.Host != "127.0.0.1" || !cfg.Dev.LiveReload {
		t.Errorf("dev defaults not applied: %+v", cfg.Dev)
	}
}

func TestLoadProjectConfig_Defaults(t *testing.T) {
	cfg, err := LoadProjectConfig(writeConfig(t, "name: tiny\n"))
	if err != nil {
		t.Fatalf("LoadProjectConfig: %v", err)
	}
	if cfg.Main != "src/index.js" {
		t.Errorf("Main default = %q", cfg.Main)
	}
	if cfg.Dev.Port != 8787 {
		t.Errorf("Dev.Port default = %d", cfg.Dev.Port)
	}
}

func TestLoadProjectConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{"missing name", "main: src/index.js\n"},
		{"bad script name", "name: Edge API\n"},
		{"bad date", "name: w\ncompatibility_date: 2024-9-1\n"},
		{"conflicting node flags", "name: w\ncompatibility_flags: [nodejs_compat, nodejs_compat_v2]\n"},
		{"bad cron", "name: w\ntriggers:\n  crons: [\"61 * * * *\"]\n"},
		{"kv without binding", "name: w\nkv_namespaces:\n  - id: abc\n"},
		{"duplicate binding", "name: w\nkv_namespaces:\n  - binding: DB\n    id: a\nd1_databases:\n  - binding: DB\n    database_id: b\n"},
		{"d1 without target", "name: w\nd1_databases:\n  - binding: DB\n"},
		{"r2 without bucket", "name: w\nr2_buckets:\n  - binding: UPLOADS\n"},
		{"queue binding reuses kv binding", "name: w\nkv_namespaces:\n  - binding: JOBS\n    id: a\nqueues:\n  producers:\n    - binding: JOBS\n      queue: q\n"},
		{"durable object without class", "name: w\ndurable_objects:\n  - binding: ROOM\n"},
		{"blank route", "name: w\nroutes: [\"\"]\n"},
		{"negative cpu limit", "name: w\nlimits:\n  cpu_ms: -5\n"},
		{"port out of range", "name: w\ndev:\n  port: 70000\n"},
		{"not yaml", "{{{\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadProjectConfig(writeConfig(t, tt.config)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ProjectConfigFile), []byte("name: w\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "src", "handlers")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := FindProjectConfig(nested)
	if err != nil {
		t.Fatalf("FindProjectConfig: %v", err)
	}
	if got != filepath.Join(root, ProjectConfigFile) {
		t.Errorf("FindProjectConfig = %q", got)
	}

	_, err = FindProjectConfig(t.TempDir())
	if !errors.Is(err, ErrNoProject) {
		t.Errorf("expected ErrNoProject, got %v", err)
	}
}

func TestProjectConfigMerge(t *testing.T) {
	base := DefaultProjectConfig()
	base.Name = "edge-api"
	base.CompatibilityFlags = []string{"nodejs_als"}
	base.Vars = map[string]string{"A": "1"}

	base.Merge(&ProjectConfig{
		CompatibilityDate:  "2025-01-01",
		CompatibilityFlags: []string{"nodejs_compat"},
		Vars:               map[string]string{"B": "2"},
		Dev:                DevConfig{Port: 8080},
	})

	if base.Name != "edge-api" {
		t.Errorf("Name = %q", base.Name)
	}
	if base.CompatibilityDate != "2025-01-01" {
		t.Errorf("CompatibilityDate = %q", base.CompatibilityDate)
	}
	if len(base.CompatibilityFlags) != 1 || base.CompatibilityFlags[0] != "nodejs_compat" {
		t.Errorf("CompatibilityFlags = %v", base.CompatibilityFlags)
	}
	if base.Vars["A"] != "1" || base.Vars["B"] != "2" {
		t.Errorf("Vars = %v", base.Vars)
	}
	if base.Dev.Port != 8080 || base.Dev.Host != "127.0.0.1" {
		t.Errorf("Dev = %+v", base.Dev)
	}

	base.Merge(nil) // must be a no-op
	if base.Dev.Port != 8080 {
		t.Error("Merge(nil) changed the config")
	}
}

func TestValidateScriptName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"edge-api", false},
		{"my_worker2", false},
		{"a", false},
		{"-leading-dash", true},
		{"UpperCase", true},
		{"has space", true},
		{"dot.name", true},
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true}, // 64 chars
	}
	for _, tt := range tests {
		if err := validateScriptName(tt.name); (err != nil) != tt.wantErr {
			t.Errorf("validateScriptName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestLoadDevVars(t *testing.T) {
	dir := t.TempDir()
	content := "# local secrets\nAPI_KEY=abc123\nQUOTED=\"hello world\"\nSINGLE='x'\n\nBROKEN LINE\nEMPTY=\n"
	if err := os.WriteFile(filepath.Join(dir, DevVarsFile), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	vars, err := LoadDevVars(dir)
	if err != nil {
		t.Fatalf("LoadDevVars: %v", err)
	}
	want := map[string]string{"API_KEY": "abc123", "QUOTED": "hello world", "SINGLE": "x", "EMPTY": ""}
	if len(vars) != len(want) {
		t.Errorf("got %d vars, want %d: %v", len(vars), len(want), vars)
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("vars[%q] = %q, want %q", k, vars[k], v)
		}
	}

	// Missing file is fine.
	vars, err = LoadDevVars(t.TempDir())
	if err != nil || len(vars) != 0 {
		t.Errorf("missing file: vars=%v err=%v", vars, err)
	}
}

func TestLoadAccountConfig(t *testing.T) {
	t.Setenv(EnvAccountID, "acct_123")
	t.Setenv(EnvAPIToken, "tok_456")
	t.Setenv(EnvAPIBase, "")

	ac, err := LoadAccountConfig()
	if err != nil {
		t.Fatalf("LoadAccountConfig: %v", err)
	}
	if ac.AccountID != "acct_123" || ac.APIToken != "tok_456" {
		t.Errorf("AccountConfig = %+v", ac)
	}
	if ac.APIBase != DefaultAPIBase {
		t.Errorf("APIBase = %q, want default", ac.APIBase)
	}

	t.Setenv(EnvAPIToken, "")
	if _, err := LoadAccountConfig(); err == nil {
		t.Error("expected error with missing token")
	}
}

func TestProjectConfigNodeCompatFlags(t *testing.T) {
	cfg := &ProjectConfig{
		Name:               "w",
		CompatibilityDate:  "2024-09-23",
		CompatibilityFlags: []string{"nodejs_compat"},
	}
	if got := cfg.NodeCompatFlags().Mode; got != NodeCompatV2 {
		t.Errorf("Mode = %v, want %v", got, NodeCompatV2)
	}
}

func TestUnknownCompatFlags(t *testing.T) {
	cfg := &ProjectConfig{
		CompatibilityFlags: []string{"nodejs_compat", "no_nodejs_als", "formdata_parser_supports_files"},
	}
	got := cfg.UnknownCompatFlags()
	if len(got) != 1 || got[0] != "formdata_parser_supports_files" {
		t.Errorf("UnknownCompatFlags = %v", got)
	}
}
