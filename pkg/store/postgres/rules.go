package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pennywise-app/pennywise/pkg/api"
)

const ruleColumns = `id, name, pattern, match_type, field, target_category, subcategory, bucket,
	merchant_rename, priority, enabled, created_at, updated_at`

func scanRule(row pgx.Row) (api.Rule, error) {
	var (
		r         api.Rule
		matchType string
		field     string
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.Pattern, &matchType, &field, &r.TargetCategory, &r.Subcategory, &r.Bucket,
		&r.MerchantRename, &r.Priority, &r.Enabled, &r.CreatedAt, &r.UpdatedAt,
	)
	r.MatchType = api.MatchType(matchType)
	r.Field = api.MatchField(field)
	return r, err
}

func ruleArgs(r api.Rule) []any {
	matchType := r.MatchType
	if matchType == "" {
		matchType = api.MatchContains
	}
	field := r.Field
	if field == "" {
		field = api.FieldDescription
	}
	return []any{
		r.ID, r.Name, r.Pattern, string(matchType), string(field), r.TargetCategory, r.Subcategory,
		r.Bucket, r.MerchantRename, r.Priority, r.Enabled,
	}
}

// ListRules returns every rule ordered by priority then id, the order the
// classification engine evaluates them in.
func (s *Store) ListRules(ctx context.Context) ([]api.Rule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	rules := make([]api.Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rules: %w", err)
	}
	return rules, nil
}

// GetRule returns api.ErrNotFound if no rule has the id.
func (s *Store) GetRule(ctx context.Context, id string) (api.Rule, error) {
	r, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return r, api.ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("getting rule %s: %w", id, err)
	}
	return r, nil
}

// CreateRule inserts a rule, generating an id when it has none.
func (s *Store) CreateRule(ctx context.Context, rule api.Rule) (api.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	r, err := scanRule(s.pool.QueryRow(ctx, `
		INSERT INTO rules (id, name, pattern, match_type, field, target_category, subcategory, bucket,
			merchant_rename, priority, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+ruleColumns, ruleArgs(rule)...))
	if err != nil {
		return r, fmt.Errorf("creating rule: %w", err)
	}
	return r, nil
}

// UpdateRule replaces every field of an existing rule.
func (s *Store) UpdateRule(ctx context.Context, rule api.Rule) (api.Rule, error) {
	r, err := scanRule(s.pool.QueryRow(ctx, `
		UPDATE rules SET
			name = $2, pattern = $3, match_type = $4, field = $5, target_category = $6,
			subcategory = $7, bucket = $8, merchant_rename = $9, priority = $10, enabled = $11,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+ruleColumns, ruleArgs(rule)...))
	if errors.Is(err, pgx.ErrNoRows) {
		return r, api.ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("updating rule %s: %w", rule.ID, err)
	}
	return r, nil
}

// DeleteRule returns api.ErrNotFound if no rule has the id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting rule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return api.ErrNotFound
	}
	return nil
}

// ImportRules upserts rules by id in a single database transaction.
func (s *Store) ImportRules(ctx context.Context, rules []api.Rule) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, r := range rules {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		batch.Queue(`
			INSERT INTO rules (id, name, pattern, match_type, field, target_category, subcategory, bucket,
				merchant_rename, priority, enabled)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				pattern = EXCLUDED.pattern,
				match_type = EXCLUDED.match_type,
				field = EXCLUDED.field,
				target_category = EXCLUDED.target_category,
				subcategory = EXCLUDED.subcategory,
				bucket = EXCLUDED.bucket,
				merchant_rename = EXCLUDED.merchant_rename,
				priority = EXCLUDED.priority,
				enabled = EXCLUDED.enabled,
				updated_at = NOW()`, ruleArgs(r)...)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range rules {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("importing rule %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("closing batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing rules: %w", err)
	}
	return len(rules), nil
}

// Cursor returns the zero time when source has never been read.
func (s *Store) Cursor(ctx context.Context, source string) (time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx, `SELECT cursor FROM ingestion_state WHERE source = $1`, source).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading cursor for %s: %w", source, err)
	}
	return at, nil
}

// SetCursor records how far source has been read.
func (s *Store) SetCursor(ctx context.Context, source string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingestion_state (source, cursor) VALUES ($1, $2)
		ON CONFLICT (source) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = NOW()`, source, at)
	if err != nil {
		return fmt.Errorf("storing cursor for %s: %w", source, err)
	}
	return nil
}
