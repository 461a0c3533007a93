package workersdk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestKV(t *testing.T) *LocalKV {
	t.Helper()
	kv, err := NewLocalKVMemory("test")
	if err != nil {
		t.Fatalf("NewLocalKVMemory: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestLocalKV_PutGet(t *testing.T) {
	kv := newTestKV(t)

	if err := kv.Put("greeting", "hello", nil, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, err := kv.Get("greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val == nil || *val != "hello" {
		t.Errorf("Get = %v, want hello", val)
	}

	missing, err := kv.Get("absent")
	if err != nil {
		t.Fatalf("Get absent: %v", err)
	}
	if missing != nil {
		t.Errorf("Get absent = %v, want nil", *missing)
	}
}

func TestLocalKV_GetWithMetadata(t *testing.T) {
	kv := newTestKV(t)

	meta := `{"uploaded_by":"ci"}`
	if err := kv.Put("with-meta", "v1", &meta, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := kv.Put("no-meta", "v2", nil, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := kv.GetWithMetadata("with-meta")
	if err != nil {
		t.Fatalf("GetWithMetadata: %v", err)
	}
	if got == nil || got.Value != "v1" {
		t.Fatalf("got = %+v", got)
	}
	if got.Metadata == nil || *got.Metadata != meta {
		t.Errorf("metadata = %v, want %q", got.Metadata, meta)
	}

	got, err = kv.GetWithMetadata("no-meta")
	if err != nil {
		t.Fatalf("GetWithMetadata: %v", err)
	}
	if got == nil || got.Metadata != nil {
		t.Errorf("no-meta entry = %+v, want nil metadata", got)
	}

	got, err = kv.GetWithMetadata("absent")
	if err != nil {
		t.Fatalf("GetWithMetadata absent: %v", err)
	}
	if got != nil {
		t.Errorf("absent = %+v, want nil", got)
	}
}

func TestLocalKV_Overwrite(t *testing.T) {
	kv := newTestKV(t)

	meta := `{"v":1}`
	if err := kv.Put("key", "first", &meta, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Overwrite without metadata clears the stored metadata.
	if err := kv.Put("key", "second", nil, nil); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}

	got, err := kv.GetWithMetadata("key")
	if err != nil {
		t.Fatalf("GetWithMetadata: %v", err)
	}
	if got == nil || got.Value != "second" {
		t.Fatalf("value = %+v, want second", got)
	}
	if got.Metadata != nil {
		t.Errorf("metadata = %q, want cleared", *got.Metadata)
	}
}

func TestLocalKV_Delete(t *testing.T) {
	kv := newTestKV(t)

	if err := kv.Put("doomed", "x", nil, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := kv.Delete("doomed"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	val, err := kv.Get("doomed")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val != nil {
		t.Errorf("Get after delete = %v, want nil", *val)
	}

	// Deleting an absent key is not an error.
	if err := kv.Delete("never-existed"); err != nil {
		t.Errorf("Delete absent: %v", err)
	}
}

func TestLocalKV_TTLExpiry(t *testing.T) {
	kv := newTestKV(t)

	oldNow := kvNow
	defer func() { kvNow = oldNow }()
	base := time.Now()
	kvNow = func() time.Time { return base }

	ttl := 60
	if err := kv.Put("session", "data", nil, &ttl); err != nil {
		t.Fatalf("Put with ttl: %v", err)
	}

	val, err := kv.Get("session")
	if err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}
	if val == nil {
		t.Fatal("value should be visible before expiry")
	}

	kvNow = func() time.Time { return base.Add(61 * time.Second) }

	val, err = kv.Get("session")
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if val != nil {
		t.Errorf("Get after expiry = %v, want nil", *val)
	}

	list, err := kv.List("", 0, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list.Keys) != 0 {
		t.Errorf("expired key still listed: %v", list.Keys)
	}
}

func TestLocalKV_TTLTooSmall(t *testing.T) {
	kv := newTestKV(t)

	ttl := 30
	err := kv.Put("key", "value", nil, &ttl)
	if err == nil {
		t.Fatal("expected error for ttl below minimum")
	}
	if !strings.Contains(err.Error(), "60") {
		t.Errorf("error should name the minimum, got %v", err)
	}
}

func TestLocalKV_ValueTooLarge(t *testing.T) {
	kv := newTestKV(t)

	big := strings.Repeat("x", maxKVValueSize+1)
	if err := kv.Put("big", big, nil, nil); err == nil {
		t.Fatal("expected error for oversized value")
	}

	// Exactly at the limit is allowed.
	exact := strings.Repeat("x", maxKVValueSize)
	if err := kv.Put("exact", exact, nil, nil); err != nil {
		t.Errorf("Put at size limit: %v", err)
	}
}

func TestLocalKV_EmptyKeyRejected(t *testing.T) {
	kv := newTestKV(t)
	if err := kv.Put("", "value", nil, nil); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestLocalKV_List(t *testing.T) {
	kv := newTestKV(t)

	for _, key := range []string{"user:alice", "user:bob", "user:carol", "post:1", "post:2"} {
		if err := kv.Put(key, "v", nil, nil); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	all, err := kv.List("", 0, "")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all.Keys) != 5 {
		t.Fatalf("keys = %d, want 5", len(all.Keys))
	}
	if !all.ListComplete {
		t.Error("full listing should be complete")
	}
	if all.Keys[0]["name"] != "post:1" {
		t.Errorf("first key = %v, want post:1 (key order)", all.Keys[0]["name"])
	}

	users, err := kv.List("user:", 0, "")
	if err != nil {
		t.Fatalf("List prefix: %v", err)
	}
	if len(users.Keys) != 3 {
		t.Errorf("user keys = %d, want 3", len(users.Keys))
	}
}

func TestLocalKV_ListPagination(t *testing.T) {
	kv := newTestKV(t)

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		if err := kv.Put(key, "v", nil, nil); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	page1, err := kv.List("", 2, "")
	if err != nil {
		t.Fatalf("List page 1: %v", err)
	}
	if len(page1.Keys) != 2 || page1.ListComplete || page1.Cursor == "" {
		t.Fatalf("page 1 = %+v, want 2 keys and a cursor", page1)
	}

	page2, err := kv.List("", 2, page1.Cursor)
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(page2.Keys) != 2 || page2.ListComplete {
		t.Fatalf("page 2 = %+v, want 2 keys and a cursor", page2)
	}

	page3, err := kv.List("", 2, page2.Cursor)
	if err != nil {
		t.Fatalf("List page 3: %v", err)
	}
	if len(page3.Keys) != 1 || !page3.ListComplete || page3.Cursor != "" {
		t.Fatalf("page 3 = %+v, want final single key", page3)
	}

	got := []string{
		page1.Keys[0]["name"].(string), page1.Keys[1]["name"].(string),
		page2.Keys[0]["name"].(string), page2.Keys[1]["name"].(string),
		page3.Keys[0]["name"].(string),
	}
	want := []string{"a", "b", "c", "d", "e"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("paged keys = %v, want %v", got, want)
			break
		}
	}
}

func TestLocalKV_ListPrefixCaseSensitive(t *testing.T) {
	kv := newTestKV(t)

	_ = kv.Put("apple", "1", nil, nil)
	_ = kv.Put("Apple", "2", nil, nil)

	result, err := kv.List("a", 0, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(result.Keys) != 1 || result.Keys[0]["name"] != "apple" {
		t.Errorf("prefix match should be case-sensitive, got %v", result.Keys)
	}
}

func TestLocalKV_ListMetadataParsed(t *testing.T) {
	kv := newTestKV(t)

	meta := `{"size":42}`
	if err := kv.Put("file", "blob", &meta, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	result, err := kv.List("", 0, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(result.Keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(result.Keys))
	}
	parsed, ok := result.Keys[0]["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("metadata = %#v, want parsed object", result.Keys[0]["metadata"])
	}
	if parsed["size"] != float64(42) {
		t.Errorf("metadata.size = %v, want 42", parsed["size"])
	}
}

func TestOpenLocalKV_Persists(t *testing.T) {
	tmpDir := t.TempDir()

	kv1, err := OpenLocalKV(tmpDir, "cache")
	if err != nil {
		t.Fatalf("OpenLocalKV (1st): %v", err)
	}
	if err := kv1.Put("durable", "yes", nil, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_ = kv1.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, "kv", "cache.sqlite3")); os.IsNotExist(err) {
		t.Fatal("namespace file should exist")
	}

	kv2, err := OpenLocalKV(tmpDir, "cache")
	if err != nil {
		t.Fatalf("OpenLocalKV (2nd): %v", err)
	}
	defer func() { _ = kv2.Close() }()

	val, err := kv2.Get("durable")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val == nil || *val != "yes" {
		t.Errorf("Get = %v, want yes", val)
	}
}

func TestOpenLocalKV_BadNamespaces(t *testing.T) {
	tmpDir := t.TempDir()
	cases := []string{"", "..", "../etc", "a/b", "a\\b", "ns\x00"}
	for _, ns := range cases {
		if _, err := OpenLocalKV(tmpDir, ns); err == nil {
			t.Errorf("OpenLocalKV(_, %q) = nil error, want rejection", ns)
		}
	}
}

func TestKVCursorRoundTrip(t *testing.T) {
	for _, offset := range []int{0, 1, 42, 10000} {
		if got := decodeCursor(encodeCursor(offset)); got != offset {
			t.Errorf("round trip %d = %d", offset, got)
		}
	}
	// Garbage cursors degrade to the start.
	for _, c := range []string{"", "not base64!", "aGVsbG8="} {
		if got := decodeCursor(c); got != 0 {
			t.Errorf("decodeCursor(%q) = %d, want 0", c, got)
		}
	}
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
		ok     bool
	}{
		{"abc", "abd", true},
		{"user:", "user;", true},
		{"a\xff", "b", true},
		{"\xff\xff", "", false},
	}
	for _, tt := range tests {
		got, ok := prefixUpperBound(tt.prefix)
		if got != tt.want || ok != tt.ok {
			t.Errorf("prefixUpperBound(%q) = %q, %v; want %q, %v", tt.prefix, got, ok, tt.want, tt.ok)
		}
	}
}
