package policy

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Decision records how the audit log categorizes an approval outcome.
type Decision string

const (
	DecisionAutoApproved   Decision = "auto_approved"
	DecisionUserApproved   Decision = "user_approved"
	DecisionUserDenied     Decision = "user_denied"
	DecisionPatternMatched Decision = "pattern_matched"
	DecisionPatternDenied  Decision = "pattern_denied"
	DecisionBlocked        Decision = "blocked"
)

// Engine is the embedded policy database: classification tables, approval
// rules, and the audit log. One Engine per workspace, backed by a single
// SQLite file under .tark/policy.db.
type Engine struct {
	db *sql.DB
}

// Open opens (creating and seeding if necessary) the policy database at path.
// path may be ":memory:" for tests.
func Open(path string) (*Engine, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("policy: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite connections aren't safe to share under write contention

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := seedBuiltin(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Engine{db: db}, nil
}

// Close releases the underlying database handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// ModeAvailability reports whether toolTypeID is available in modeID, and
// names a substitute tool if the database records one.
func (e *Engine) ModeAvailability(toolTypeID, modeID string) (available bool, alternative string, err error) {
	var alt sql.NullString
	row := e.db.QueryRow(
		`SELECT is_available, alternative_tool_id FROM tool_mode_availability WHERE tool_type_id = ? AND mode_id = ?`,
		toolTypeID, modeID,
	)
	if err := row.Scan(&available, &alt); err != nil {
		if err == sql.ErrNoRows {
			return false, "", nil
		}
		return false, "", fmt.Errorf("policy: mode availability for %s/%s: %w", toolTypeID, modeID, err)
	}
	return available, alt.String, nil
}

// StaticClassification returns the single classification row for a
// non-shell tool, keyed "<toolTypeID>-<baseRisk>".
func (e *Engine) StaticClassification(toolTypeID string) (Classification, error) {
	row := e.db.QueryRow(
		`SELECT id, operation, base_risk FROM tool_classifications WHERE tool_type_id = ? LIMIT 1`,
		toolTypeID,
	)
	var c Classification
	var op, risk string
	if err := row.Scan(&c.ClassificationID, &op, &risk); err != nil {
		return Classification{}, fmt.Errorf("policy: static classification for %s: %w", toolTypeID, err)
	}
	c.Operation = Operation(op)
	c.RiskLevel = RiskLevel(risk)
	c.InWorkdir = true
	return c, nil
}

// Decide looks up the approval_rules row for a classification under the
// given mode and trust level, returning whether the call needs user
// approval and whether an approved/denied decision may be saved as a
// pattern for future calls.
func (e *Engine) Decide(classification Classification, modeID, trustID string) (needsApproval, allowSavePattern bool, err error) {
	row := e.db.QueryRow(
		`SELECT needs_approval, allow_save_pattern FROM approval_rules
		 WHERE classification_id = ? AND mode_id = ? AND trust_id = ? AND in_workdir = ?`,
		classification.ClassificationID, modeID, trustID, classification.InWorkdir,
	)
	if err := row.Scan(&needsApproval, &allowSavePattern); err != nil {
		if err == sql.ErrNoRows {
			// No rule on record: fail closed, ask, and allow saving the decision.
			return true, true, nil
		}
		return false, false, fmt.Errorf("policy: decide for %s: %w", classification.ClassificationID, err)
	}
	return needsApproval, allowSavePattern, nil
}

// RecordAudit appends a row to approval_audit_log.
func (e *Engine) RecordAudit(toolID, command, classificationID, modeID, trustID string, decision Decision, matchedPatternID *int64, sessionID, workdir string) error {
	_, err := e.db.Exec(
		`INSERT INTO approval_audit_log
		 (timestamp, tool_id, command, classification_id, mode_id, trust_id, decision, matched_pattern_id, session_id, working_directory)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), toolID, command, classificationID, modeID, trustID, string(decision), matchedPatternID, sessionID, workdir,
	)
	if err != nil {
		return fmt.Errorf("policy: record audit: %w", err)
	}
	return nil
}

// CompoundStrategy returns the reduction strategy configured for a
// compound-command separator ("&&", "||", ";", "|").
func (e *Engine) CompoundStrategy(separator string) (string, error) {
	var strategy string
	err := e.db.QueryRow(`SELECT strategy FROM compound_command_rules WHERE separator = ?`, separator).Scan(&strategy)
	if err == sql.ErrNoRows {
		return "highest_risk", nil
	}
	if err != nil {
		return "", fmt.Errorf("policy: compound strategy for %q: %w", separator, err)
	}
	return strategy, nil
}
