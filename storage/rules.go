package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"coalesce/core"
)

// ActiveCorrelationRules returns every correlation rule whose bound
// aggregation rules include at least one active rule, with the binding ids
// populated. ErrNoActiveRules aborts the scan; it is the one storage
// failure a scan cannot proceed past.
func (s *SQLite) ActiveCorrelationRules(ctx context.Context) ([]*core.CorrelationRule, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT id, rule_id, name, window_type, window_size, slide_interval,
		       session_timeout, alignment, max_window_size, exec_time
		FROM correlation_rules
		ORDER BY rule_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlation rules: %w", err)
	}
	defer rows.Close()

	var rules []*core.CorrelationRule
	for rows.Next() {
		var r core.CorrelationRule
		var execTime sql.NullInt64
		if err := rows.Scan(&r.ID, &r.RuleID, &r.Name, &r.WindowType, &r.WindowSize,
			&r.SlideInterval, &r.SessionTimeout, &r.Alignment, &r.MaxWindowSize, &execTime); err != nil {
			return nil, fmt.Errorf("failed to scan correlation rule: %w", err)
		}
		if execTime.Valid {
			t := time.Unix(execTime.Int64, 0).UTC()
			r.ExecTime = &t
		}
		rules = append(rules, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("correlation rule iteration failed: %w", err)
	}

	var active []*core.CorrelationRule
	for _, r := range rules {
		ids, err := s.activeBindings(ctx, r.RuleID)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}
		r.AggregationRuleIDs = ids
		active = append(active, r)
	}

	if len(active) == 0 {
		return nil, ErrNoActiveRules
	}
	return active, nil
}

func (s *SQLite) activeBindings(ctx context.Context, correlationRuleID string) ([]string, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT b.aggregation_rule_id
		FROM correlation_rule_bindings b
		JOIN aggregation_rules ar ON ar.rule_id = b.aggregation_rule_id
		WHERE b.correlation_rule_id = ? AND ar.is_active = 1
		ORDER BY b.aggregation_rule_id`, correlationRuleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule bindings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan rule binding: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetAggregationRule loads one aggregation rule by its rule id.
func (s *SQLite) GetAggregationRule(ctx context.Context, ruleID string) (*core.AggregationRule, error) {
	row := s.ReadDB.QueryRowContext(ctx, `
		SELECT id, rule_id, name, description, severity, is_active,
		       template_title, template_content, condition, created_at, updated_at
		FROM aggregation_rules WHERE rule_id = ?`, ruleID)

	var r core.AggregationRule
	var condition string
	var createdAt, updatedAt int64
	err := row.Scan(&r.ID, &r.RuleID, &r.Name, &r.Description, &r.Severity, &r.IsActive,
		&r.TemplateTitle, &r.TemplateContent, &condition, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("aggregation rule %s: %w", ruleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregation rule %s: %w", ruleID, err)
	}
	r.Condition = json.RawMessage(condition)
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &r, nil
}

// ListAggregationRules returns every stored aggregation rule, active or not.
func (s *SQLite) ListAggregationRules(ctx context.Context) ([]*core.AggregationRule, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT id, rule_id, name, description, severity, is_active,
		       template_title, template_content, condition, created_at, updated_at
		FROM aggregation_rules ORDER BY rule_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregation rules: %w", err)
	}
	defer rows.Close()

	var rules []*core.AggregationRule
	for rows.Next() {
		var r core.AggregationRule
		var condition string
		var createdAt, updatedAt int64
		err := rows.Scan(&r.ID, &r.RuleID, &r.Name, &r.Description, &r.Severity, &r.IsActive,
			&r.TemplateTitle, &r.TemplateContent, &condition, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan aggregation rule: %w", err)
		}
		r.Condition = json.RawMessage(condition)
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

// StampExecTime records the last evaluation time of a correlation rule.
// Best-effort bookkeeping: the caller logs a failure and moves on.
func (s *SQLite) StampExecTime(ctx context.Context, ruleID string, asOf time.Time) error {
	_, err := s.WriteDB.ExecContext(ctx,
		`UPDATE correlation_rules SET exec_time = ? WHERE rule_id = ?`,
		asOf.Unix(), ruleID)
	if err != nil {
		return fmt.Errorf("failed to stamp exec time for %s: %w", ruleID, err)
	}
	return nil
}

// SeedBuiltinRules installs or refreshes the builtin rule set. Existing
// rules are updated in place so operators keep local activation flags.
func (s *SQLite) SeedBuiltinRules(ctx context.Context, asOf time.Time) error {
	return s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		for i := range core.BuiltinAggregationRules {
			rule := &core.BuiltinAggregationRules[i]
			_, err := tx.ExecContext(ctx, `
				INSERT INTO aggregation_rules
					(rule_id, name, description, severity, is_active,
					 template_title, template_content, condition, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(rule_id) DO UPDATE SET
					name = excluded.name,
					description = excluded.description,
					severity = excluded.severity,
					template_title = excluded.template_title,
					template_content = excluded.template_content,
					condition = excluded.condition,
					updated_at = excluded.updated_at`,
				rule.RuleID, rule.Name, rule.Description, rule.Severity, boolToInt(rule.IsActive),
				rule.TemplateTitle, rule.TemplateContent, string(rule.Condition),
				asOf.Unix(), asOf.Unix())
			if err != nil {
				return fmt.Errorf("failed to seed aggregation rule %s: %w", rule.RuleID, err)
			}
		}

		for i := range core.BuiltinCorrelationRules {
			rule := &core.BuiltinCorrelationRules[i]
			_, err := tx.ExecContext(ctx, `
				INSERT INTO correlation_rules
					(rule_id, name, window_type, window_size, slide_interval,
					 session_timeout, alignment, max_window_size)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(rule_id) DO UPDATE SET
					name = excluded.name,
					window_type = excluded.window_type,
					window_size = excluded.window_size,
					slide_interval = excluded.slide_interval,
					session_timeout = excluded.session_timeout,
					alignment = excluded.alignment,
					max_window_size = excluded.max_window_size`,
				rule.RuleID, rule.Name, string(rule.WindowType), rule.WindowSize,
				rule.SlideInterval, rule.SessionTimeout, string(rule.Alignment), rule.MaxWindowSize)
			if err != nil {
				return fmt.Errorf("failed to seed correlation rule %s: %w", rule.RuleID, err)
			}

			for _, aggID := range rule.AggregationRuleIDs {
				_, err := tx.ExecContext(ctx, `
					INSERT OR IGNORE INTO correlation_rule_bindings
						(correlation_rule_id, aggregation_rule_id)
					VALUES (?, ?)`, rule.RuleID, aggID)
				if err != nil {
					return fmt.Errorf("failed to bind rule %s to %s: %w", rule.RuleID, aggID, err)
				}
			}
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
