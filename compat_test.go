package workersdk

import "testing"

func TestResolveNodeCompat(t *testing.T) {
	tests := []struct {
		name   string
		date   string
		flags  []string
		legacy bool
		want   NodeCompatMode
	}{
		{"no inputs", "", nil, false, NodeCompatNone},
		{"legacy fallback", "", nil, true, NodeCompatLegacy},
		{"als only", "2000-01-01", []string{"nodejs_als"}, false, NodeCompatALS},
		{"v1 before cutover", "2024-09-22", []string{"nodejs_compat"}, false, NodeCompatV1},
		{"v1 becomes v2 at cutover", "2024-09-23", []string{"nodejs_compat"}, false, NodeCompatV2},
		{"v1 after cutover", "2025-01-01", []string{"nodejs_compat"}, false, NodeCompatV2},
		{"direct v2 ignores date", "2000-01-01", []string{"nodejs_compat_v2"}, false, NodeCompatV2},
		{"v2 beats als", "2024-09-23", []string{"nodejs_compat_v2", "nodejs_als"}, false, NodeCompatV2},
		{"v1 beats als", "2000-01-01", []string{"nodejs_compat", "nodejs_als"}, false, NodeCompatV1},
		{"flags beat legacy", "2000-01-01", []string{"nodejs_als"}, true, NodeCompatALS},
		{"negated v1", "2025-01-01", []string{"nodejs_compat", "no_nodejs_compat"}, false, NodeCompatNone},
		{"negation order irrelevant", "2025-01-01", []string{"no_nodejs_compat", "nodejs_compat"}, false, NodeCompatNone},
		{"negated direct v2", "2000-01-01", []string{"nodejs_compat_v2", "no_nodejs_compat_v2"}, false, NodeCompatNone},
		{"negation beats duplicates", "2025-01-01", []string{"nodejs_compat", "nodejs_compat", "no_nodejs_compat"}, false, NodeCompatNone},
		{"unknown flags ignored", "2025-01-01", []string{"url_standard", "streams_enable_constructors"}, false, NodeCompatNone},
		{"empty date blocks implication", "", []string{"nodejs_compat"}, false, NodeCompatV1},
		{"malformed low date blocks implication", "1999-13-99", []string{"nodejs_compat"}, false, NodeCompatV1},
		{"date compare is plain string order", "9999", []string{"nodejs_compat"}, false, NodeCompatV2},
		{"experimental token never picks a mode", "2000-01-01", []string{"experimental:nodejs_compat_v2"}, false, NodeCompatNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveNodeCompat(tt.date, tt.flags, tt.legacy)
			if got.Mode != tt.want {
				t.Errorf("ResolveNodeCompat(%q, %v, %v).Mode = %v, want %v",
					tt.date, tt.flags, tt.legacy, got.Mode, tt.want)
			}
		})
	}
}

func TestResolveNodeCompat_FlagReport(t *testing.T) {
	// Implication sets the V2 bool even though the flag was never listed.
	got := ResolveNodeCompat("2024-09-23", []string{"nodejs_compat"}, false)
	want := CompatFlags{Mode: NodeCompatV2, V1: true, V2: true}
	if got != want {
		t.Errorf("implied v2: got %+v, want %+v", got, want)
	}

	// The experimental token is reported on the side, never via Mode.
	got = ResolveNodeCompat("2000-01-01", []string{"experimental:nodejs_compat_v2", "nodejs_als"}, false)
	want = CompatFlags{Mode: NodeCompatALS, ALS: true, ExperimentalV2: true}
	if got != want {
		t.Errorf("experimental with als: got %+v, want %+v", got, want)
	}

	// No negation form exists for the experimental token.
	got = ResolveNodeCompat("2000-01-01", []string{"experimental:nodejs_compat_v2", "no_experimental:nodejs_compat_v2"}, false)
	if !got.ExperimentalV2 {
		t.Error("no_experimental:nodejs_compat_v2 should not clear the experimental flag")
	}
}

func TestResolveNodeCompat_Idempotent(t *testing.T) {
	once := []string{"nodejs_compat", "nodejs_als", "experimental:nodejs_compat_v2"}
	twice := append(append([]string{}, once...), once...)

	a := ResolveNodeCompat("2024-09-23", once, true)
	b := ResolveNodeCompat("2024-09-23", twice, true)
	if a != b {
		t.Errorf("duplicated flags changed the result: %+v vs %+v", a, b)
	}
}

func TestNodeCompatModeString(t *testing.T) {
	tests := []struct {
		mode NodeCompatMode
		want string
	}{
		{NodeCompatNone, "none"},
		{NodeCompatLegacy, "legacy"},
		{NodeCompatALS, "als"},
		{NodeCompatV1, "v1"},
		{NodeCompatV2, "v2"},
		{NodeCompatMode(99), "none"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("NodeCompatMode(%d).String() = %q, want %q", int(tt.mode), got, tt.want)
		}
	}
}

func TestIsKnownCompatFlag(t *testing.T) {
	tests := []struct {
		flag string
		want bool
	}{
		{"nodejs_compat", true},
		{"no_nodejs_compat", true},
		{"nodejs_compat_v2", true},
		{"nodejs_als", true},
		{"experimental:nodejs_compat_v2", true},
		{"url_standard", false},
		{"no_", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsKnownCompatFlag(tt.flag); got != tt.want {
			t.Errorf("IsKnownCompatFlag(%q) = %v, want %v", tt.flag, got, tt.want)
		}
	}
}

func TestValidateCompatDate(t *testing.T) {
	tests := []struct {
		name    string
		date    string
		wantErr bool
	}{
		{"valid", "2024-09-23", false},
		{"leap day", "2024-02-29", false},
		{"non leap year", "2023-02-29", true},
		{"not zero padded", "2024-9-23", true},
		{"empty", "", true},
		{"trailing junk", "2024-09-23x", true},
		{"month out of range", "2024-13-01", true},
		{"day out of range", "2024-04-31", true},
		{"wrong separators", "2024/09/23", true},
		{"words", "not-a-date", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCompatDate(tt.date)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCompatDate(%q) error = %v, wantErr %v", tt.date, err, tt.wantErr)
			}
		})
	}
}
