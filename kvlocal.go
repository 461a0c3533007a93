package workersdk

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// KVStore backs a single KV namespace.
type KVStore interface {
	Get(key string) (*string, error)
	GetWithMetadata(key string) (*KVValueWithMetadata, error)
	Put(key, value string, metadata *string, ttl *int) error
	Delete(key string) error
	List(prefix string, limit int, cursor string) (*KVListResult, error)
}

// KVValueWithMetadata holds a value and its associated metadata.
type KVValueWithMetadata struct {
	Value    string
	Metadata *string
}

// KVListResult holds the result of a List operation with pagination info.
type KVListResult struct {
	Keys         []map[string]any
	ListComplete bool
	Cursor       string // base64-encoded offset, empty when list is complete
}

const (
	// maxKVValueSize is the maximum size of a KV value (1 MB).
	maxKVValueSize = 1 << 20
	// minKVTTL is the smallest allowed expiration TTL in seconds.
	minKVTTL = 60
	// maxKVListLimit caps one List page.
	maxKVListLimit = 1000
)

// kvNow is the clock used for TTL expiry. Variable so tests can travel in time.
var kvNow = time.Now

// LocalKV is a local stand-in for a hosted KV namespace, backed by a SQLite
// file under the project data directory. It implements KVStore.
type LocalKV struct {
	db        *sql.DB
	Namespace string
}

// ValidateNamespaceName rejects namespace names that contain path traversal
// characters, null bytes, or are empty/too long.
func ValidateNamespaceName(name string) error {
	if name == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if len(name) > 128 {
		return fmt.Errorf("namespace too long")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("namespace contains path traversal")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("namespace contains path separator")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("namespace contains null byte")
	}
	return nil
}

// OpenLocalKV opens (or creates) the local store for the given namespace.
// The file is stored at {dataDir}/kv/{namespace}.sqlite3.
func OpenLocalKV(dataDir, namespace string) (*LocalKV, error) {
	if err := ValidateNamespaceName(namespace); err != nil {
		return nil, err
	}
	kvDir := filepath.Join(dataDir, "kv")
	if err := os.MkdirAll(kvDir, 0755); err != nil {
		return nil, fmt.Errorf("creating kv directory: %w", err)
	}
	dbPath := filepath.Join(kvDir, namespace+".sqlite3")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening local kv namespace %q: %w", namespace, err)
	}
	return initLocalKV(db, namespace)
}

// NewLocalKVMemory creates an in-memory namespace, used by tests and by dev
// sessions that opt out of persistence.
func NewLocalKVMemory(namespace string) (*LocalKV, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory kv namespace: %w", err)
	}
	return initLocalKV(db, namespace)
}

func initLocalKV(db *sql.DB, namespace string) (*LocalKV, error) {
	// Enable WAL mode for better concurrent access.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		metadata   TEXT,
		expires_at INTEGER
	)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing kv schema: %w", err)
	}
	return &LocalKV{db: db, Namespace: namespace}, nil
}

// Close closes the underlying database connection.
func (s *LocalKV) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the value for key, or nil when the key is absent or expired.
func (s *LocalKV) Get(key string) (*string, error) {
	row := s.db.QueryRow("SELECT value, expires_at FROM kv WHERE key = ?", key)
	var value string
	var expiresAt sql.NullInt64
	if err := row.Scan(&value, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("kv: get %q: %w", key, err)
	}
	if expired(expiresAt) {
		_, _ = s.db.Exec("DELETE FROM kv WHERE key = ?", key)
		return nil, nil
	}
	return &value, nil
}

// GetWithMetadata returns the value and metadata for key, or nil when absent.
func (s *LocalKV) GetWithMetadata(key string) (*KVValueWithMetadata, error) {
	row := s.db.QueryRow("SELECT value, metadata, expires_at FROM kv WHERE key = ?", key)
	var value string
	var metadata sql.NullString
	var expiresAt sql.NullInt64
	if err := row.Scan(&value, &metadata, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("kv: get %q: %w", key, err)
	}
	if expired(expiresAt) {
		_, _ = s.db.Exec("DELETE FROM kv WHERE key = ?", key)
		return nil, nil
	}
	result := &KVValueWithMetadata{Value: value}
	if metadata.Valid {
		m := metadata.String
		result.Metadata = &m
	}
	return result, nil
}

// Put stores a value under key, optionally with JSON metadata and a TTL in
// seconds. TTLs below one minute are rejected, matching the hosted service.
func (s *LocalKV) Put(key, value string, metadata *string, ttl *int) error {
	if key == "" {
		return fmt.Errorf("kv: key must not be empty")
	}
	if len(value) > maxKVValueSize {
		return fmt.Errorf("kv: value for %q exceeds %d bytes", key, maxKVValueSize)
	}
	var expiresAt any
	if ttl != nil {
		if *ttl < minKVTTL {
			return fmt.Errorf("kv: expirationTtl must be at least %d seconds", minKVTTL)
		}
		expiresAt = kvNow().Unix() + int64(*ttl)
	}
	var meta any
	if metadata != nil {
		meta = *metadata
	}
	_, err := s.db.Exec(`INSERT INTO kv (key, value, metadata, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, metadata = excluded.metadata, expires_at = excluded.expires_at`,
		key, value, meta, expiresAt)
	if err != nil {
		return fmt.Errorf("kv: put %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *LocalKV) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("kv: delete %q: %w", key, err)
	}
	return nil
}

// List returns up to limit keys (name plus parsed metadata) matching prefix,
// in key order. The cursor from a truncated result resumes the listing.
func (s *LocalKV) List(prefix string, limit int, cursor string) (*KVListResult, error) {
	if limit <= 0 || limit > maxKVListLimit {
		limit = maxKVListLimit
	}
	offset := decodeCursor(cursor)

	// Range scan rather than LIKE: SQLite's LIKE is case-insensitive for
	// ASCII, which would corrupt prefix semantics.
	query := "SELECT key, metadata FROM kv WHERE (expires_at IS NULL OR expires_at > ?)"
	args := []any{kvNow().Unix()}
	if prefix != "" {
		query += " AND key >= ?"
		args = append(args, prefix)
		if upper, ok := prefixUpperBound(prefix); ok {
			query += " AND key < ?"
			args = append(args, upper)
		}
	}
	// Fetch one extra row to learn whether the listing is complete.
	query += " ORDER BY key LIMIT ? OFFSET ?"
	args = append(args, limit+1, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("kv: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []map[string]any
	for rows.Next() {
		var key string
		var metadata sql.NullString
		if err := rows.Scan(&key, &metadata); err != nil {
			return nil, fmt.Errorf("kv: list scan: %w", err)
		}
		entry := map[string]any{"name": key}
		if metadata.Valid {
			var parsed any
			if json.Unmarshal([]byte(metadata.String), &parsed) == nil {
				entry["metadata"] = parsed
			} else {
				entry["metadata"] = metadata.String
			}
		}
		keys = append(keys, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv: list: %w", err)
	}

	result := &KVListResult{ListComplete: true}
	if len(keys) > limit {
		keys = keys[:limit]
		result.ListComplete = false
		result.Cursor = encodeCursor(offset + limit)
	}
	result.Keys = keys
	return result, nil
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix. ok is false when no such bound exists (the prefix
// is all 0xff bytes); key >= prefix alone is then already exact.
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

func expired(expiresAt sql.NullInt64) bool {
	return expiresAt.Valid && expiresAt.Int64 <= kvNow().Unix()
}

// decodeCursor decodes a base64-encoded cursor to an integer offset.
func decodeCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0
	}
	offset, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return offset
}

// encodeCursor encodes an integer offset to a base64 cursor string.
func encodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}
