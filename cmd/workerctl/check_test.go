package main

import (
	"os"
	"path/filepath"
	"testing"

	workersdk "github.com/peterson8992/workers-sdk"
)

func TestDescribeCompat(t *testing.T) {
	tests := []struct {
		name  string
		date  string
		flags []string
		want  string
	}{
		{"none", "2024-01-01", nil, "none"},
		{"v1 only", "2024-01-01", []string{"nodejs_compat"}, "v1 (nodejs_compat)"},
		{"v2 implied", "2024-09-23", []string{"nodejs_compat"}, "v2 (nodejs_compat_v2, nodejs_compat)"},
		{"als", "2024-01-01", []string{"nodejs_als"}, "als (nodejs_als)"},
		{"experimental shown", "2024-01-01", []string{"experimental:nodejs_compat_v2"},
			"none (experimental:nodejs_compat_v2)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := describeCompat(workersdk.ResolveNodeCompat(tt.date, tt.flags, false))
			if got != tt.want {
				t.Errorf("describeCompat = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestInitScaffold verifies the generated project parses with the real
// config loader and carries the chosen name.
func TestInitScaffold(t *testing.T) {
	t.Chdir(t.TempDir())

	if err := runInit(initCmd, []string{"demo-worker"}); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	cfg, err := workersdk.LoadProjectConfig(workersdk.ProjectConfigFile)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Name != "demo-worker" {
		t.Errorf("name = %q", cfg.Name)
	}
	if _, err := os.Stat(filepath.Join("src", "index.js")); err != nil {
		t.Errorf("entry point missing: %v", err)
	}

	// Running init again must not clobber the existing project.
	if err := runInit(initCmd, []string{"other"}); err == nil {
		t.Error("second init succeeded; want refusal")
	}
}
