package policy

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the current policy database schema version.
const SchemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL,
	description TEXT
);

CREATE TABLE IF NOT EXISTS agent_modes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	icon TEXT,
	description TEXT,
	has_approval_gate INTEGER DEFAULT 0,
	display_order INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS trust_levels (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	icon TEXT,
	description TEXT,
	applies_to_mode TEXT REFERENCES agent_modes(id),
	display_order INTEGER
);

CREATE TABLE IF NOT EXISTS tool_categories (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT
);

CREATE TABLE IF NOT EXISTS tool_types (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	category_id TEXT REFERENCES tool_categories(id),
	permissions TEXT CHECK(permissions IN ('R','W','X','RW','RX','WX','RWX')),
	base_risk TEXT CHECK(base_risk IN ('safe','moderate','dangerous')),
	description TEXT
);

CREATE TABLE IF NOT EXISTS tool_classifications (
	id TEXT PRIMARY KEY,
	tool_type_id TEXT NOT NULL REFERENCES tool_types(id),
	name TEXT NOT NULL,
	operation TEXT CHECK(operation IN ('read','write','delete','execute')),
	base_risk TEXT CHECK(base_risk IN ('safe','moderate','dangerous')),
	description TEXT
);

CREATE TABLE IF NOT EXISTS approval_rules (
	classification_id TEXT NOT NULL REFERENCES tool_classifications(id),
	mode_id TEXT NOT NULL REFERENCES agent_modes(id),
	trust_id TEXT NOT NULL REFERENCES trust_levels(id),
	in_workdir INTEGER NOT NULL,
	needs_approval INTEGER NOT NULL,
	allow_save_pattern INTEGER DEFAULT 1,
	rationale TEXT,
	PRIMARY KEY (classification_id, mode_id, trust_id, in_workdir)
);

CREATE TABLE IF NOT EXISTS tool_mode_availability (
	tool_type_id TEXT NOT NULL REFERENCES tool_types(id),
	mode_id TEXT NOT NULL REFERENCES agent_modes(id),
	is_available INTEGER NOT NULL,
	alternative_tool_id TEXT REFERENCES tool_types(id),
	PRIMARY KEY (tool_type_id, mode_id)
);

CREATE TABLE IF NOT EXISTS compound_command_rules (
	separator TEXT PRIMARY KEY,
	strategy TEXT CHECK(strategy IN ('all','highest_risk','first')),
	description TEXT
);

CREATE TABLE IF NOT EXISTS pattern_validators (
	tool_type_id TEXT PRIMARY KEY REFERENCES tool_types(id),
	max_length INTEGER,
	forbidden_patterns TEXT,
	require_workdir_prefix INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS classification_config (
	tool_type_id TEXT PRIMARY KEY REFERENCES tool_types(id),
	strategy TEXT CHECK(strategy IN ('operation_based','static')),
	default_classification_id TEXT REFERENCES tool_classifications(id),
	config_json TEXT
);

CREATE TABLE IF NOT EXISTS approval_patterns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tool_type_id TEXT NOT NULL REFERENCES tool_types(id),
	pattern TEXT NOT NULL,
	match_type TEXT CHECK(match_type IN ('exact','prefix','glob')),
	is_denial INTEGER DEFAULT 0,
	is_persistent INTEGER DEFAULT 1,
	session_id TEXT,
	created_at TEXT NOT NULL,
	description TEXT
);

CREATE TABLE IF NOT EXISTS mcp_tool_policies (
	server_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	risk_level TEXT CHECK(risk_level IN ('safe','moderate','dangerous')),
	needs_approval INTEGER NOT NULL,
	allow_save_pattern INTEGER DEFAULT 1,
	description TEXT,
	source TEXT NOT NULL CHECK(source IN ('user','workspace')),
	created_at TEXT NOT NULL,
	PRIMARY KEY (server_id, tool_name)
);

CREATE TABLE IF NOT EXISTS mcp_approval_patterns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	server_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	pattern TEXT NOT NULL,
	match_type TEXT CHECK(match_type IN ('exact','prefix','glob')),
	is_denial INTEGER DEFAULT 0,
	source TEXT NOT NULL CHECK(source IN ('user','workspace','session')),
	created_at TEXT NOT NULL,
	description TEXT
);

CREATE TABLE IF NOT EXISTS approval_audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	tool_id TEXT NOT NULL,
	command TEXT NOT NULL,
	classification_id TEXT,
	mode_id TEXT NOT NULL,
	trust_id TEXT,
	decision TEXT CHECK(decision IN (
		'auto_approved','user_approved','user_denied',
		'pattern_matched','pattern_denied','blocked'
	)),
	matched_pattern_id INTEGER,
	session_id TEXT,
	working_directory TEXT
);

CREATE TABLE IF NOT EXISTS integrity_metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_classifications_tool ON tool_classifications(tool_type_id);
CREATE INDEX IF NOT EXISTS idx_classifications_priority ON tool_classifications(tool_type_id, base_risk);
CREATE INDEX IF NOT EXISTS idx_patterns_tool ON approval_patterns(tool_type_id, is_denial, is_persistent);
CREATE INDEX IF NOT EXISTS idx_patterns_session ON approval_patterns(session_id) WHERE session_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_mcp_patterns_lookup ON mcp_approval_patterns(server_id, tool_name, is_denial);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON approval_audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_session ON approval_audit_log(session_id);
`

// protectionTriggers stops anything short of a migration from touching the
// builtin tables that seedBuiltin populates.
const protectionTriggers = `
CREATE TRIGGER IF NOT EXISTS protect_modes_update BEFORE UPDATE ON agent_modes
BEGIN SELECT RAISE(ABORT, 'cannot modify builtin modes'); END;
CREATE TRIGGER IF NOT EXISTS protect_modes_delete BEFORE DELETE ON agent_modes
BEGIN SELECT RAISE(ABORT, 'cannot delete builtin modes'); END;

CREATE TRIGGER IF NOT EXISTS protect_trust_update BEFORE UPDATE ON trust_levels
BEGIN SELECT RAISE(ABORT, 'cannot modify builtin trust levels'); END;
CREATE TRIGGER IF NOT EXISTS protect_trust_delete BEFORE DELETE ON trust_levels
BEGIN SELECT RAISE(ABORT, 'cannot delete builtin trust levels'); END;

CREATE TRIGGER IF NOT EXISTS protect_tools_update BEFORE UPDATE ON tool_types
BEGIN SELECT RAISE(ABORT, 'cannot modify builtin tools'); END;
CREATE TRIGGER IF NOT EXISTS protect_tools_delete BEFORE DELETE ON tool_types
BEGIN SELECT RAISE(ABORT, 'cannot delete builtin tools'); END;

CREATE TRIGGER IF NOT EXISTS protect_classifications_update BEFORE UPDATE ON tool_classifications
BEGIN SELECT RAISE(ABORT, 'cannot modify builtin classifications'); END;
CREATE TRIGGER IF NOT EXISTS protect_classifications_delete BEFORE DELETE ON tool_classifications
BEGIN SELECT RAISE(ABORT, 'cannot delete builtin classifications'); END;

CREATE TRIGGER IF NOT EXISTS protect_rules_update BEFORE UPDATE ON approval_rules
BEGIN SELECT RAISE(ABORT, 'cannot modify builtin approval rules'); END;
CREATE TRIGGER IF NOT EXISTS protect_rules_delete BEFORE DELETE ON approval_rules
BEGIN SELECT RAISE(ABORT, 'cannot delete builtin approval rules'); END;
`

func createTables(db *sql.DB) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("policy: create tables: %w", err)
	}
	if _, err := db.Exec(protectionTriggers); err != nil {
		return fmt.Errorf("policy: create protection triggers: %w", err)
	}
	return nil
}
