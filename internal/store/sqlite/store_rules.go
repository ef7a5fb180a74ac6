package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/acl"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

const selectRuleColumns = `id, name, priority, enabled, source, destination, protocol, port, action, valid_from, valid_until, weekdays, time_start, time_end`

// UpsertRule validates and stores r. An empty ID is generated.
func (s *Store) UpsertRule(ctx context.Context, r domain.AccessRule) (domain.AccessRule, error) {
	if r.ID == "" {
		id, err := newID("rule")
		if err != nil {
			return domain.AccessRule{}, err
		}
		r.ID = id
	}
	r.Protocol = strings.ToLower(strings.TrimSpace(r.Protocol))
	if err := acl.ValidateRule(r); err != nil {
		return domain.AccessRule{}, err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO acl_rules(`+selectRuleColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	priority = excluded.priority,
	enabled = excluded.enabled,
	source = excluded.source,
	destination = excluded.destination,
	protocol = excluded.protocol,
	port = excluded.port,
	action = excluded.action,
	valid_from = excluded.valid_from,
	valid_until = excluded.valid_until,
	weekdays = excluded.weekdays,
	time_start = excluded.time_start,
	time_end = excluded.time_end`,
		r.ID, r.Name, r.Priority, boolToInt(r.Enabled), r.Source, r.Destination, r.Protocol, r.Port, string(r.Action),
		nullableTime(r.ValidFrom), nullableTime(r.ValidUntil), acl.FormatWeekdays(r.Weekdays), r.TimeStart, r.TimeEnd)
	if err != nil {
		return domain.AccessRule{}, fmt.Errorf("upsert rule %s: %w", r.ID, err)
	}
	return r, nil
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM acl_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRules returns every rule in evaluation order.
func (s *Store) ListRules(ctx context.Context) ([]domain.AccessRule, error) {
	return s.queryRules(ctx, `SELECT `+selectRuleColumns+` FROM acl_rules ORDER BY priority, id`)
}

// Rules implements [acl.RuleSource]. The query pre-filters on the match
// predicates; the evaluator applies them again together with the time
// windows.
func (s *Store) Rules(ctx context.Context, q acl.Query) ([]domain.AccessRule, error) {
	args := []any{domain.Wildcard}
	for _, src := range q.Sources {
		args = append(args, src)
	}
	args = append(args, domain.Wildcard, q.Destination, domain.ProtocolAll, strings.ToLower(q.Protocol), q.Port)
	query := `SELECT ` + selectRuleColumns + ` FROM acl_rules
WHERE enabled = 1
	AND source IN (` + placeholders(1+len(q.Sources)) + `)
	AND destination IN (?, ?)
	AND lower(protocol) IN (?, ?)
	AND (port = 0 OR port = ?)
ORDER BY priority, id`
	return s.queryRules(ctx, query, args...)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]domain.AccessRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.AccessRule
	for rows.Next() {
		var (
			r          domain.AccessRule
			enabled    int
			action     string
			validFrom  sql.NullTime
			validUntil sql.NullTime
			weekdays   string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Priority, &enabled, &r.Source, &r.Destination, &r.Protocol, &r.Port, &action,
			&validFrom, &validUntil, &weekdays, &r.TimeStart, &r.TimeEnd); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		r.Action = domain.Action(action)
		r.ValidFrom = timePtr(validFrom)
		r.ValidUntil = timePtr(validUntil)
		days, err := acl.ParseWeekdays(weekdays)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		r.Weekdays = days
		out = append(out, r)
	}
	return out, rows.Err()
}
