package policy

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed seed/modes.toml
var modesConfig []byte

//go:embed seed/trust.toml
var trustConfig []byte

//go:embed seed/tools.toml
var toolsConfig []byte

//go:embed seed/defaults.toml
var defaultsConfig []byte

type modesFile struct {
	Version int `toml:"version"`
	Modes   []struct {
		ID              string `toml:"id"`
		Name            string `toml:"name"`
		Icon            string `toml:"icon"`
		Description     string `toml:"description"`
		HasApprovalGate bool   `toml:"has_approval_gate"`
		DisplayOrder    int    `toml:"display_order"`
	} `toml:"modes"`
}

type trustFile struct {
	Version     int `toml:"version"`
	TrustLevels []struct {
		ID            string `toml:"id"`
		Name          string `toml:"name"`
		Icon          string `toml:"icon"`
		Description   string `toml:"description"`
		AppliesToMode string `toml:"applies_to_mode"`
		DisplayOrder  int    `toml:"display_order"`
	} `toml:"trust_levels"`
}

type toolsFile struct {
	Version    int `toml:"version"`
	Categories []struct {
		ID          string `toml:"id"`
		Name        string `toml:"name"`
		Description string `toml:"description"`
	} `toml:"categories"`
	Tools []struct {
		ID             string   `toml:"id"`
		Name           string   `toml:"name"`
		Category       string   `toml:"category"`
		BaseRisk       string   `toml:"base_risk"`
		Classification string   `toml:"classification"`
		Operation      string   `toml:"operation"`
		Modes          []string `toml:"modes"`
	} `toml:"tools"`
}

type defaultsFile struct {
	Version          int               `toml:"version"`
	ApprovalDefaults map[string]string `toml:"approval_defaults"`
	CompoundRules    []struct {
		Separator   string `toml:"separator"`
		Strategy    string `toml:"strategy"`
		Description string `toml:"description"`
	} `toml:"compound_rules"`
}

// seedBuiltin populates the builtin policy tables from the embedded TOML
// configs, exactly once. A non-empty agent_modes table means a prior process
// already seeded this database file.
func seedBuiltin(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("policy: begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM agent_modes").Scan(&count); err != nil {
		return fmt.Errorf("policy: probe seed state: %w", err)
	}
	if count > 0 {
		return nil
	}

	var modes modesFile
	if err := toml.Unmarshal(modesConfig, &modes); err != nil {
		return fmt.Errorf("policy: parse modes.toml: %w", err)
	}
	var trust trustFile
	if err := toml.Unmarshal(trustConfig, &trust); err != nil {
		return fmt.Errorf("policy: parse trust.toml: %w", err)
	}
	var tools toolsFile
	if err := toml.Unmarshal(toolsConfig, &tools); err != nil {
		return fmt.Errorf("policy: parse tools.toml: %w", err)
	}
	var defaults defaultsFile
	if err := toml.Unmarshal(defaultsConfig, &defaults); err != nil {
		return fmt.Errorf("policy: parse defaults.toml: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	for _, m := range modes.Modes {
		if _, err := tx.Exec(
			`INSERT INTO agent_modes (id, name, icon, description, has_approval_gate, display_order) VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.Name, m.Icon, m.Description, m.HasApprovalGate, m.DisplayOrder,
		); err != nil {
			return fmt.Errorf("policy: insert mode %s: %w", m.ID, err)
		}
	}

	for _, t := range trust.TrustLevels {
		if _, err := tx.Exec(
			`INSERT INTO trust_levels (id, name, icon, description, applies_to_mode, display_order) VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.Name, t.Icon, t.Description, t.AppliesToMode, t.DisplayOrder,
		); err != nil {
			return fmt.Errorf("policy: insert trust level %s: %w", t.ID, err)
		}
	}

	for _, c := range tools.Categories {
		if _, err := tx.Exec(
			`INSERT INTO tool_categories (id, name, description) VALUES (?, ?, ?)`,
			c.ID, c.Name, c.Description,
		); err != nil {
			return fmt.Errorf("policy: insert category %s: %w", c.ID, err)
		}
	}

	allModes := []string{"ask", "plan", "build"}
	for _, t := range tools.Tools {
		permissions := "R"
		switch t.BaseRisk {
		case "moderate", "dangerous":
			permissions = "W"
		}
		if _, err := tx.Exec(
			`INSERT INTO tool_types (id, name, category_id, permissions, base_risk) VALUES (?, ?, ?, ?, ?)`,
			t.ID, t.Name, t.Category, permissions, t.BaseRisk,
		); err != nil {
			return fmt.Errorf("policy: insert tool type %s: %w", t.ID, err)
		}

		for _, mode := range allModes {
			available := contains(t.Modes, mode)
			if _, err := tx.Exec(
				`INSERT INTO tool_mode_availability (tool_type_id, mode_id, is_available, alternative_tool_id) VALUES (?, ?, ?, NULL)`,
				t.ID, mode, available,
			); err != nil {
				return fmt.Errorf("policy: insert mode availability %s/%s: %w", t.ID, mode, err)
			}
		}

		if t.Classification != "dynamic" {
			operation := t.Operation
			if operation == "" {
				operation = operationForRisk(t.BaseRisk)
			}
			classificationID := t.ID + "-" + t.BaseRisk
			if _, err := tx.Exec(
				`INSERT INTO tool_classifications (id, tool_type_id, name, operation, base_risk, description) VALUES (?, ?, ?, ?, ?, NULL)`,
				classificationID, t.ID, t.Name, operation, t.BaseRisk,
			); err != nil {
				return fmt.Errorf("policy: insert classification for %s: %w", t.ID, err)
			}
			continue
		}

		for _, variant := range []struct{ suffix, operation, risk string }{
			{"read", "read", "safe"},
			{"write", "write", "moderate"},
			{"rm", "delete", "dangerous"},
		} {
			classificationID := t.ID + "-" + variant.suffix
			name := t.Name + " " + variant.operation
			if _, err := tx.Exec(
				`INSERT INTO tool_classifications (id, tool_type_id, name, operation, base_risk, description) VALUES (?, ?, ?, ?, ?, NULL)`,
				classificationID, t.ID, name, variant.operation, variant.risk,
			); err != nil {
				return fmt.Errorf("policy: insert dynamic classification %s: %w", classificationID, err)
			}
		}
	}

	ruleCount := 0
	for key, behavior := range defaults.ApprovalDefaults {
		parts := strings.SplitN(key, ".", 3)
		if len(parts) != 3 {
			continue
		}
		risk, trustID, location := parts[0], parts[1], parts[2]
		inWorkdir := location == "in_workdir"

		var needsApproval, allowSavePattern bool
		switch behavior {
		case "auto_approve":
			needsApproval, allowSavePattern = false, true
		case "prompt":
			needsApproval, allowSavePattern = true, true
		case "prompt_no_save":
			needsApproval, allowSavePattern = true, false
		default:
			continue
		}

		rows, err := tx.Query(`SELECT id FROM tool_classifications WHERE base_risk = ?`, risk)
		if err != nil {
			return fmt.Errorf("policy: query classifications for risk %s: %w", risk, err)
		}
		var classificationIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("policy: scan classification id: %w", err)
			}
			classificationIDs = append(classificationIDs, id)
		}
		rows.Close()

		rationale := fmt.Sprintf("%s risk with %s trust %s", risk, trustID, location)
		for _, classificationID := range classificationIDs {
			if _, err := tx.Exec(
				`INSERT INTO approval_rules (classification_id, mode_id, trust_id, in_workdir, needs_approval, allow_save_pattern, rationale) VALUES (?, 'build', ?, ?, ?, ?, ?)`,
				classificationID, trustID, inWorkdir, needsApproval, allowSavePattern, rationale,
			); err != nil {
				return fmt.Errorf("policy: insert approval rule for %s: %w", classificationID, err)
			}
			ruleCount++
		}
	}

	for _, c := range defaults.CompoundRules {
		if _, err := tx.Exec(
			`INSERT INTO compound_command_rules (separator, strategy, description) VALUES (?, ?, ?)`,
			c.Separator, c.Strategy, c.Description,
		); err != nil {
			return fmt.Errorf("policy: insert compound rule %s: %w", c.Separator, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)`,
		SchemaVersion, now, "initial builtin seed",
	); err != nil {
		return fmt.Errorf("policy: record schema version: %w", err)
	}

	return tx.Commit()
}

func operationForRisk(risk string) string {
	switch risk {
	case "safe":
		return "read"
	case "moderate":
		return "write"
	case "dangerous":
		return "delete"
	default:
		return "execute"
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
