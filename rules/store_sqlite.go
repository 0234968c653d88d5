package rules

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go).
// The watcher process and manual CLI invocations open the same file, so
// the database runs in WAL mode with a busy timeout.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Pragmas in the DSN apply to every pooled connection, not just the first.
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open rules database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize rules schema: %w", err)
	}
	return s, nil
}

// busyTimeout is how long a connection waits on another process's write lock.
const busyTimeout = 5 * time.Second

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeout.Milliseconds())
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS forward_rules (
		workspace      TEXT NOT NULL,
		host_port      INTEGER NOT NULL,
		container_port INTEGER NOT NULL,
		sidecar_id     TEXT NOT NULL,
		origin         TEXT NOT NULL,
		created_at     DATETIME NOT NULL,
		PRIMARY KEY (workspace, host_port)
	);

	CREATE INDEX IF NOT EXISTS idx_rules_sidecar ON forward_rules(sidecar_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put creates or replaces a rule.
func (s *SQLiteStore) Put(rule ForwardRule) error {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO forward_rules (workspace, host_port, container_port, sidecar_id, origin, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace, host_port) DO UPDATE SET
		   container_port = excluded.container_port,
		   sidecar_id     = excluded.sidecar_id,
		   origin         = excluded.origin,
		   created_at     = excluded.created_at`,
		rule.Workspace, int(rule.HostPort), int(rule.ContainerPort), rule.SidecarID, string(rule.Origin), rule.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store rule for port %d: %w", rule.HostPort, err)
	}
	return nil
}

// Get returns the rule for a host port.
func (s *SQLiteStore) Get(workspace string, hostPort uint16) (ForwardRule, error) {
	row := s.db.QueryRow(
		`SELECT workspace, host_port, container_port, sidecar_id, origin, created_at
		 FROM forward_rules WHERE workspace = ? AND host_port = ?`,
		workspace, int(hostPort),
	)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ForwardRule{}, ErrRuleNotFound
	}
	return rule, err
}

// List returns the rules of a workspace ordered by host port.
func (s *SQLiteStore) List(workspace string) ([]ForwardRule, error) {
	rows, err := s.db.Query(
		`SELECT workspace, host_port, container_port, sidecar_id, origin, created_at
		 FROM forward_rules WHERE workspace = ? ORDER BY host_port`,
		workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []ForwardRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// Delete removes the rule for a host port.
func (s *SQLiteStore) Delete(workspace string, hostPort uint16) error {
	_, err := s.db.Exec(`DELETE FROM forward_rules WHERE workspace = ? AND host_port = ?`, workspace, int(hostPort))
	if err != nil {
		return fmt.Errorf("failed to delete rule for port %d: %w", hostPort, err)
	}
	return nil
}

// DeleteAll removes every rule of a workspace.
func (s *SQLiteStore) DeleteAll(workspace string) error {
	_, err := s.db.Exec(`DELETE FROM forward_rules WHERE workspace = ?`, workspace)
	if err != nil {
		return fmt.Errorf("failed to delete rules: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (ForwardRule, error) {
	var (
		rule                    ForwardRule
		hostPort, containerPort int
		origin                  string
	)
	if err := row.Scan(&rule.Workspace, &hostPort, &containerPort, &rule.SidecarID, &origin, &rule.CreatedAt); err != nil {
		return ForwardRule{}, err
	}
	rule.HostPort = uint16(hostPort)
	rule.ContainerPort = uint16(containerPort)
	rule.Origin = Origin(origin)
	return rule, nil
}
