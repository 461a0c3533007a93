package workersdk

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	// Pure-Go SQLite driver for database/sql (used by LocalD1).
	_ "github.com/glebarez/sqlite"
)

// LocalD1 is a local stand-in for a hosted D1 database, backed by a SQLite
// file under the project data directory. Each configured database gets its
// own file, isolated from every other binding.
type LocalD1 struct {
	db   *sql.DB
	Name string
}

// D1Meta holds metadata about a query execution.
type D1Meta struct {
	ChangedDB   bool  `json:"changed_db"`
	Changes     int64 `json:"changes"`
	LastRowID   int64 `json:"last_row_id"`
	RowsRead    int   `json:"rows_read"`
	RowsWritten int   `json:"rows_written"`
}

// ValidateDatabaseName rejects database names that contain path traversal
// characters, null bytes, or are empty/too long.
func ValidateDatabaseName(name string) error {
	if name == "" {
		return fmt.Errorf("database name must not be empty")
	}
	if len(name) > 128 {
		return fmt.Errorf("database name too long")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("database name contains path traversal")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("database name contains path separator")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("database name contains null byte")
	}
	return nil
}

// OpenLocalD1 opens (or creates) the local database for the given name. The
// file is stored at {dataDir}/d1/{name}.sqlite3.
func OpenLocalD1(dataDir, name string) (*LocalD1, error) {
	if err := ValidateDatabaseName(name); err != nil {
		return nil, err
	}
	d1Dir := filepath.Join(dataDir, "d1")
	if err := os.MkdirAll(d1Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating d1 directory: %w", err)
	}
	dbPath := filepath.Join(d1Dir, name+".sqlite3")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening local d1 database %q: %w", name, err)
	}
	// Enable WAL mode for better concurrent access.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	return &LocalD1{db: db, Name: name}, nil
}

// NewLocalD1Memory creates an in-memory database, used by tests and by dev
// sessions that opt out of persistence.
func NewLocalD1Memory(name string) (*LocalD1, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory d1 database: %w", err)
	}
	return &LocalD1{db: db, Name: name}, nil
}

// Close closes the underlying database connection.
func (d *LocalD1) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Exec runs one SQL statement with optional bindings. Rows come back as
// column-keyed maps, matching what the hosted query endpoint returns.
func (d *LocalD1) Exec(sqlStr string, bindings []any) (*D1QueryResult, error) {
	upperSQL := strings.TrimSpace(strings.ToUpper(sqlStr))

	// Block SQL that could escape the per-binding sandbox.
	for _, blocked := range []string{"ATTACH", "DETACH"} {
		if strings.HasPrefix(upperSQL, blocked) {
			return nil, fmt.Errorf("d1: %s statements are not allowed", blocked)
		}
	}

	// Block dangerous PRAGMAs (allow only safe introspection ones).
	if strings.HasPrefix(upperSQL, "PRAGMA") {
		allowed := []string{"PRAGMA TABLE_INFO", "PRAGMA TABLE_LIST", "PRAGMA INDEX_LIST",
			"PRAGMA INDEX_INFO", "PRAGMA FOREIGN_KEY_LIST", "PRAGMA JOURNAL_MODE"}
		isAllowed := false
		for _, a := range allowed {
			if strings.HasPrefix(upperSQL, a) {
				isAllowed = true
				break
			}
		}
		if !isAllowed {
			return nil, fmt.Errorf("d1: this PRAGMA is not allowed")
		}
	}

	isQuery := strings.HasPrefix(upperSQL, "SELECT") ||
		strings.HasPrefix(upperSQL, "PRAGMA") ||
		strings.HasPrefix(upperSQL, "WITH")

	if isQuery {
		rows, err := d.db.Query(sqlStr, bindings...)
		if err != nil {
			return nil, fmt.Errorf("d1: query error: %w", err)
		}
		defer func() { _ = rows.Close() }()

		columns, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("d1: columns error: %w", err)
		}

		var results []map[string]any
		for rows.Next() {
			values := make([]any, len(columns))
			valuePtrs := make([]any, len(columns))
			for i := range values {
				valuePtrs[i] = &values[i]
			}
			if err := rows.Scan(valuePtrs...); err != nil {
				return nil, fmt.Errorf("d1: scan error: %w", err)
			}
			row := make(map[string]any, len(columns))
			for i, col := range columns {
				if b, ok := values[i].([]byte); ok {
					row[col] = string(b)
				} else {
					row[col] = values[i]
				}
			}
			results = append(results, row)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("d1: rows iteration error: %w", err)
		}

		return &D1QueryResult{
			Results: results,
			Success: true,
			Meta: D1Meta{
				ChangedDB: false,
				RowsRead:  len(results),
			},
		}, nil
	}

	// Non-query (INSERT, UPDATE, DELETE, CREATE, DROP, etc.)
	result, err := d.db.Exec(sqlStr, bindings...)
	if err != nil {
		return nil, fmt.Errorf("d1: exec error: %w", err)
	}

	changes, _ := result.RowsAffected()
	lastID, _ := result.LastInsertId()

	return &D1QueryResult{
		Success: true,
		Meta: D1Meta{
			ChangedDB:   changes > 0,
			Changes:     changes,
			LastRowID:   lastID,
			RowsWritten: int(changes),
		},
	}, nil
}

// ExecBatch runs each statement of a multi-statement script in order and
// returns one result per statement. Execution stops at the first error.
func (d *LocalD1) ExecBatch(script string) ([]D1QueryResult, error) {
	stmts := SplitSQLStatements(script)
	results := make([]D1QueryResult, 0, len(stmts))
	for _, stmt := range stmts {
		res, err := d.Exec(stmt, nil)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// SplitSQLStatements splits a script on semicolons, ignoring semicolons
// inside single- or double-quoted strings and dropping line comments. Empty
// statements are skipped.
func SplitSQLStatements(script string) []string {
	var stmts []string
	var buf strings.Builder
	var quote byte

	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			stmts = append(stmts, s)
		}
		buf.Reset()
	}

	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case quote != 0:
			buf.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			buf.WriteByte(c)
		case c == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			buf.WriteByte('\n')
		case c == ';':
			flush()
		default:
			buf.WriteByte(c)
		}
	}
	flush()
	return stmts
}
