package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite connection pool and owns schema migration.
type DB struct {
	*sql.DB
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, `CREATE TABLE projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL DEFAULT 'other',
		status TEXT NOT NULL DEFAULT 'active',
		web_path TEXT,
		app_path TEXT,
		context TEXT,
		db_host TEXT,
		db_name TEXT,
		db_user TEXT,
		db_password TEXT,
		agent_model TEXT,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		total_duration_seconds INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`},
	{2, `CREATE TABLE tickets (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		number INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		context TEXT,
		priority TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL,
		model_override TEXT,
		stuck_reason TEXT,
		close_reason TEXT,
		review_deadline DATETIME,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		total_duration_seconds INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(project_id, number)
	)`},
	{3, `CREATE INDEX idx_tickets_project_status ON tickets(project_id, status)`},
	{4, `CREATE TABLE tags (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		name TEXT NOT NULL,
		UNIQUE(project_id, name)
	)`},
	{5, `CREATE INDEX idx_tags_project ON tags(project_id)`},
	{6, `CREATE TABLE conversation_messages (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		session_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_name TEXT,
		tool_input TEXT,
		token_count INTEGER NOT NULL DEFAULT 0,
		is_summarized INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`},
	{7, `CREATE INDEX idx_conv_msg_ticket ON conversation_messages(ticket_id, created_at)`},
	{8, `CREATE TABLE conversation_extractions (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		decisions TEXT NOT NULL DEFAULT '[]',
		problems_solved TEXT NOT NULL DEFAULT '[]',
		files_modified TEXT NOT NULL DEFAULT '[]',
		blocking_issues TEXT NOT NULL DEFAULT '[]',
		important_notes TEXT NOT NULL DEFAULT '[]',
		error_patterns TEXT NOT NULL DEFAULT '[]',
		current_status TEXT NOT NULL DEFAULT '',
		covers_msg_from_id TEXT NOT NULL,
		covers_msg_to_id TEXT NOT NULL,
		messages_summarized INTEGER NOT NULL DEFAULT 0,
		tokens_before INTEGER NOT NULL DEFAULT 0,
		tokens_after INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`},
	{9, `CREATE INDEX idx_extractions_ticket ON conversation_extractions(ticket_id, created_at)`},
	{10, `CREATE TABLE execution_sessions (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		model TEXT NOT NULL,
		status TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		api_calls INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	)`},
	{11, `CREATE INDEX idx_sessions_ticket ON execution_sessions(ticket_id)`},
	{12, `CREATE INDEX idx_sessions_status ON execution_sessions(status)`},
	{13, `CREATE TABLE usage_records (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		ticket_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		api_calls INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`},
	{14, `CREATE INDEX idx_usage_project ON usage_records(project_id)`},
	{15, `CREATE TABLE user_messages (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		body TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'message',
		processed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`},
	{16, `CREATE INDEX idx_user_messages_ticket_unprocessed ON user_messages(ticket_id, processed, created_at)`},
	{17, `CREATE TABLE project_knowledge (
		project_id TEXT PRIMARY KEY REFERENCES projects(id),
		known_gotchas TEXT NOT NULL DEFAULT '[]',
		error_solutions TEXT NOT NULL DEFAULT '[]',
		architecture_decisions TEXT NOT NULL DEFAULT '[]',
		learned_from_tickets TEXT NOT NULL DEFAULT '[]',
		updated_at DATETIME NOT NULL
	)`},
	{18, `CREATE TABLE project_maps (
		project_id TEXT PRIMARY KEY REFERENCES projects(id),
		structure_summary TEXT NOT NULL DEFAULT '',
		tech_stack TEXT NOT NULL DEFAULT '[]',
		entry_points TEXT NOT NULL DEFAULT '[]',
		primary_language TEXT NOT NULL DEFAULT '',
		generated_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	)`},
	{19, `CREATE TABLE daemon_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		level TEXT NOT NULL,
		component TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`},
	{20, `CREATE INDEX idx_daemon_log_created ON daemon_log(created_at)`},
	{21, `CREATE TABLE config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`},
}

// Open creates (if needed) the database directory, opens a pooled
// connection to the sqlite file at dbPath with WAL journaling and
// foreign keys enabled, and applies any pending migrations.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating db directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)

	d := &DB{DB: sqlDB}

	if _, err := d.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("store: enabling WAL: %w", err)
	}
	if _, err := d.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("store: enabling foreign keys: %w", err)
	}

	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}

	return d, nil
}

func (d *DB) migrate() error {
	// schema_migrations is created up front rather than by the last
	// migration, so a fresh database and an upgraded one bootstrap the
	// same way.
	_, err := d.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}

	applied := map[int]bool{}
	rows, err := d.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := d.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: recording: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", m.version, err)
		}
	}
	return nil
}
