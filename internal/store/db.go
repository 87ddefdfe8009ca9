// Package store owns the kernel's embedded SQLite database: schema,
// additive migrations, transactional persistence, and one service per
// table group. Persistence failures on audit and history paths are
// fail-safe: logged, with neutral values returned, so the kernel never
// goes down because a log write did.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ordo-sh/ordo/internal/log"
)

// schema is the v1 table set. Later columns arrive through the additive
// migration list below, so databases created by any prior release converge
// on the same shape.
const schema = `
CREATE TABLE IF NOT EXISTS execution_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_type TEXT NOT NULL,
	module TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	completed_at INTEGER,
	status TEXT NOT NULL DEFAULT 'pending',
	input_summary TEXT NOT NULL DEFAULT '',
	output_summary TEXT NOT NULL DEFAULT '',
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_execution_history_status ON execution_history(status);
CREATE INDEX IF NOT EXISTS idx_execution_history_started_at ON execution_history(started_at);

CREATE TABLE IF NOT EXISTS activity_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL DEFAULT '',
	entity_id TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT 'info',
	module TEXT NOT NULL DEFAULT '',
	short_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_activity_log_timestamp ON activity_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_activity_log_action ON activity_log(action);

CREATE TABLE IF NOT EXISTS contracts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	contract_number TEXT NOT NULL DEFAULT '',
	contract_name TEXT NOT NULL DEFAULT '',
	client_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	total_amount REAL,
	currency TEXT,
	start_date TEXT,
	end_date TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contracts_status ON contracts(status);

CREATE TABLE IF NOT EXISTS payment_stages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	contract_id INTEGER NOT NULL,
	stage_number INTEGER NOT NULL DEFAULT 0,
	stage_name TEXT NOT NULL DEFAULT '',
	amount REAL,
	due_date TEXT,
	status TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (contract_id) REFERENCES contracts(id)
);
CREATE INDEX IF NOT EXISTS idx_payment_stages_contract ON payment_stages(contract_id);

CREATE TABLE IF NOT EXISTS workflow_execution (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL UNIQUE,
	workflow_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	completed_at INTEGER,
	initial_context TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_workflow_execution_status ON workflow_execution(status);
CREATE INDEX IF NOT EXISTS idx_workflow_execution_workflow ON workflow_execution(workflow_id);

CREATE TABLE IF NOT EXISTS workflow_step_execution (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	step_type TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER,
	completed_at INTEGER,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_workflow_step_execution_execution ON workflow_step_execution(execution_id);
CREATE INDEX IF NOT EXISTS idx_workflow_step_execution_step ON workflow_step_execution(step_id);
CREATE INDEX IF NOT EXISTS idx_workflow_step_execution_status ON workflow_step_execution(status);

CREATE TABLE IF NOT EXISTS workflow_approval (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	allowed_actions TEXT NOT NULL DEFAULT 'APPROVE,REJECT',
	decision TEXT,
	actor_id TEXT,
	comment TEXT,
	requested_at INTEGER NOT NULL,
	resolved_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_workflow_approval_execution ON workflow_approval(execution_id);
CREATE INDEX IF NOT EXISTS idx_workflow_approval_decision ON workflow_approval(decision);

CREATE TABLE IF NOT EXISTS ai_suggestion_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	suggestion_id TEXT NOT NULL,
	suggestion_type TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	level TEXT NOT NULL DEFAULT 'low',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_suggestion_audit_context ON ai_suggestion_audit(context);

CREATE TABLE IF NOT EXISTS ai_guardrail_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	suggestion_id TEXT NOT NULL,
	decision TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_guardrail_audit_context ON ai_guardrail_audit(context);

CREATE TABLE IF NOT EXISTS ai_draft_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	draft_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft-only',
	content_hash TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`

// columnMigration is one additive schema change. Applying it to a database
// that already has the column is a no-op.
type columnMigration struct {
	table  string
	column string
	decl   string
}

// additiveMigrations lists every column added after v1, in order.
var additiveMigrations = []columnMigration{
	{"execution_history", "contract_id", "INTEGER"},
	{"workflow_step_execution", "result", "TEXT"},
	{"activity_log", "metadata", "TEXT"},
	{"contracts", "data", "TEXT"},
	{"payment_stages", "data", "TEXT"},
}

// Open opens (creating if necessary) the database at path, makes a .bak
// copy of any existing file before migrating, and applies the schema plus
// additive migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	if err := backupExisting(path); err != nil {
		// A failed backup is not fatal; migrations are additive.
		log.Warn(log.CatStore, "pre-migration backup failed", "path", path, "error", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info(log.CatStore, "database open", "path", path)
	return New(db), nil
}

// Migrate applies the schema and the additive column migrations. Exported
// for test databases that open their own connection.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	for _, m := range additiveMigrations {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.decl)
		if _, err := db.Exec(stmt); err != nil {
			if isDuplicateColumn(err) {
				continue
			}
			return fmt.Errorf("adding column %s.%s: %w", m.table, m.column, err)
		}
		log.Debug(log.CatStore, "column added", "table", m.table, "column", m.column)
	}
	return nil
}

// backupExisting copies a non-empty database file to <path>.bak.
func backupExisting(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() == 0 {
		return nil
	}

	src, err := os.Open(path) //nolint:gosec // G304: kernel's own database path
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path+".bak", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return err
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column")
}
