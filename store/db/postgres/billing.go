package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/store"
)

// ErrVersionOverlap is returned when a new rule version's effective window
// overlaps an existing version of the same rule.
var ErrVersionOverlap = errors.New("rule version effective window overlaps an existing version")

// UpsertBillingRule updates the rule master row by rule_code and appends a new
// version. Overlapping effective windows are rejected.
func (d *DB) UpsertBillingRule(ctx context.Context, upsert *store.UpsertBillingRule) (*store.BillingRule, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin rule upsert transaction")
	}
	defer func() { _ = tx.Rollback() }()

	scope := upsert.Scope
	if len(scope) == 0 {
		scope = json.RawMessage(`{}`)
	}
	var ruleID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO billing_rules (rule_code, name, status, scope_type, scope)
		VALUES (`+placeholders(5)+`)
		ON CONFLICT (rule_code) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			scope_type = EXCLUDED.scope_type,
			scope = EXCLUDED.scope,
			updated_at = NOW()
		RETURNING id
	`, upsert.RuleCode, upsert.Name, upsert.Status, upsert.ScopeType, []byte(scope)).Scan(&ruleID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert billing rule")
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT version_no, effective_from, effective_to
		FROM billing_rule_versions
		WHERE rule_id = `+placeholder(1), ruleID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rule versions")
	}
	maxVersionNo := 0
	overlapping := false
	for rows.Next() {
		var versionNo int
		var from time.Time
		var to sql.NullTime
		if err := rows.Scan(&versionNo, &from, &to); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan rule version")
		}
		if versionNo > maxVersionNo {
			maxVersionNo = versionNo
		}
		var toPtr *time.Time
		if to.Valid {
			toPtr = &to.Time
		}
		if hasTimeOverlap(from, toPtr, upsert.EffectiveFrom, upsert.EffectiveTo) {
			overlapping = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if overlapping {
		return nil, ErrVersionOverlap
	}

	payload := upsert.RulePayload
	if len(payload) == 0 {
		payload = json.RawMessage(`[]`)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO billing_rule_versions (rule_id, version_no, effective_from, effective_to, priority, rule_payload)
		VALUES (`+placeholders(6)+`)
	`, ruleID, maxVersionNo+1, upsert.EffectiveFrom, upsert.EffectiveTo, upsert.Priority, []byte(payload)); err != nil {
		return nil, errors.Wrap(err, "failed to insert billing rule version")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit rule upsert")
	}
	return d.GetBillingRuleByCode(ctx, upsert.RuleCode)
}

// GetBillingRuleByCode returns the rule with all versions, or store.ErrNotFound.
func (d *DB) GetBillingRuleByCode(ctx context.Context, ruleCode string) (*store.BillingRule, error) {
	rule, err := d.scanRuleRow(d.db.QueryRowContext(ctx, `
		SELECT id, rule_code, name, status, scope_type, scope, created_at, updated_at
		FROM billing_rules
		WHERE rule_code = `+placeholder(1), ruleCode))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get billing rule")
	}
	if err := d.loadVersions(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// ListBillingRules lists rules filtered by scope, newest first, versions included.
func (d *DB) ListBillingRules(ctx context.Context, find *store.FindBillingRules) ([]*store.BillingRule, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.CityCode != nil {
		where, args = append(where, "scope->>'city_code' = "+placeholder(len(args)+1)), append(args, *find.CityCode)
	}
	if find.LotCode != nil {
		lotJSON, err := json.Marshal(map[string][]string{"lot_codes": {*find.LotCode}})
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal lot_code filter")
		}
		where = append(where, "scope_type = 'lot_code'")
		where, args = append(where, "scope @> "+placeholder(len(args)+1)), append(args, lotJSON)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, rule_code, name, status, scope_type, scope, created_at, updated_at
		FROM billing_rules
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY id DESC
	`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list billing rules")
	}
	defer rows.Close()

	list := []*store.BillingRule{}
	for rows.Next() {
		rule, err := d.scanRuleRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan billing rule")
		}
		list = append(list, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rule := range list {
		if err := d.loadVersions(ctx, rule); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (d *DB) loadVersions(ctx context.Context, rule *store.BillingRule) error {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, rule_id, version_no, effective_from, effective_to, priority, rule_payload, created_at, updated_at
		FROM billing_rule_versions
		WHERE rule_id = `+placeholder(1)+`
		ORDER BY version_no ASC
	`, rule.ID)
	if err != nil {
		return errors.Wrap(err, "failed to load rule versions")
	}
	defer rows.Close()

	rule.Versions = []*store.BillingRuleVersion{}
	for rows.Next() {
		var version store.BillingRuleVersion
		var payload []byte
		if err := rows.Scan(
			&version.ID,
			&version.RuleID,
			&version.VersionNo,
			&version.EffectiveFrom,
			&version.EffectiveTo,
			&version.Priority,
			&payload,
			&version.CreatedAt,
			&version.UpdatedAt,
		); err != nil {
			return errors.Wrap(err, "failed to scan rule version")
		}
		version.RulePayload = json.RawMessage(payload)
		rule.Versions = append(rule.Versions, &version)
	}
	return rows.Err()
}

type ruleScanner interface {
	Scan(dest ...any) error
}

func (d *DB) scanRuleRow(row ruleScanner) (*store.BillingRule, error) {
	var rule store.BillingRule
	var scope []byte
	if err := row.Scan(
		&rule.ID,
		&rule.RuleCode,
		&rule.Name,
		&rule.Status,
		&rule.ScopeType,
		&scope,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rule.Scope = json.RawMessage(scope)
	return &rule, nil
}

// hasTimeOverlap reports whether two half-open windows intersect.
// A nil end means the window is unbounded.
func hasTimeOverlap(existingFrom time.Time, existingTo *time.Time, targetFrom time.Time, targetTo *time.Time) bool {
	if existingTo != nil && !existingTo.After(targetFrom) {
		return false
	}
	if targetTo != nil && !targetTo.After(existingFrom) {
		return false
	}
	return true
}
