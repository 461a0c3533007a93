package workersdk

import (
	"strings"
	"testing"
)

func TestIsNodeBuiltin(t *testing.T) {
	tests := []struct {
		specifier string
		want      bool
	}{
		{"fs", true},
		{"node:fs", true},
		{"fs/promises", true},
		{"node:fs/promises", true},
		{"buffer", true},
		{"worker_threads", true},
		{"lodash", false},
		{"node:lodash", false},
		{"@scope/pkg", false},
		{"", false},
		{"node:", false},
	}
	for _, tt := range tests {
		if got := isNodeBuiltin(tt.specifier); got != tt.want {
			t.Errorf("isNodeBuiltin(%q) = %v, want %v", tt.specifier, got, tt.want)
		}
	}
}

func TestBuiltinName(t *testing.T) {
	tests := []struct {
		specifier string
		want      string
	}{
		{"node:fs/promises", "fs"},
		{"fs/promises", "fs"},
		{"node:crypto", "crypto"},
		{"crypto", "crypto"},
	}
	for _, tt := range tests {
		if got := builtinName(tt.specifier); got != tt.want {
			t.Errorf("builtinName(%q) = %q, want %q", tt.specifier, got, tt.want)
		}
	}
}

func TestCheckNodeImport(t *testing.T) {
	tests := []struct {
		name    string
		mode    NodeCompatMode
		module  string
		wantErr string // substring of the error, empty for allowed
	}{
		{"v2 core module", NodeCompatV2, "fs", ""},
		{"v2 exotic module", NodeCompatV2, "worker_threads", ""},
		{"v1 in set", NodeCompatV1, "buffer", ""},
		{"v1 outside set", NodeCompatV1, "dns", "nodejs_compat_v2"},
		{"als async_hooks", NodeCompatALS, "async_hooks", ""},
		{"als anything else", NodeCompatALS, "fs", "nodejs_als"},
		{"none rejects", NodeCompatNone, "path", "nodejs_compat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkNodeImport(CompatFlags{Mode: tt.mode}, tt.module)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("checkNodeImport(%v, %q) = %v, want nil", tt.mode, tt.module, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("checkNodeImport(%v, %q) = %v, want error containing %q", tt.mode, tt.module, err, tt.wantErr)
			}
		})
	}
}

func TestV1ModulesAreBuiltins(t *testing.T) {
	for _, mod := range nodeCompatV1Modules {
		if !nodeBuiltinModules[mod] {
			t.Errorf("v1 module %q missing from the builtin table", mod)
		}
	}
}

func TestBuiltinRecorder(t *testing.T) {
	var r builtinRecorder
	r.add("fs")
	r.add("buffer")
	r.add("fs")

	got := r.list()
	if len(got) != 2 || got[0] != "buffer" || got[1] != "fs" {
		t.Errorf("list() = %v, want [buffer fs]", got)
	}

	var empty builtinRecorder
	if got := empty.list(); len(got) != 0 {
		t.Errorf("empty list() = %v", got)
	}
}
