package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pennywise-app/pennywise/pkg/api"
)

const transactionColumns = `id, COALESCE(message_id, ''), raw_description, amount::text, currency, date,
	account_name, merchant, original_merchant, category, subcategory, bucket, original_bucket,
	is_recurring, source, COALESCE(rule_id, ''), classified_at, created_at, updated_at`

func scanTransaction(row pgx.Row) (api.Transaction, error) {
	var (
		t      api.Transaction
		amount string
	)
	err := row.Scan(
		&t.ID, &t.MessageID, &t.RawDescription, &amount, &t.Currency, &t.Date,
		&t.AccountName, &t.Merchant, &t.OriginalMerchant, &t.Category, &t.Subcategory, &t.Bucket,
		&t.OriginalBucket, &t.IsRecurring, &t.Source, &t.RuleID, &t.ClassifiedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return t, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	return t, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Write consumes transactions from the channel and upserts them in batches.
// Message IDs are acknowledged once their batch is committed.
func (s *Store) Write(ctx context.Context, in <-chan *api.Transaction, ackChan chan<- string) error {
	return s.buffered.Write(ctx, in, ackChan)
}

const upsertByMessageID = `
	INSERT INTO transactions (
		id, message_id, raw_description, amount, currency, date, account_name, merchant,
		original_merchant, category, subcategory, bucket, is_recurring, source, rule_id, classified_at,
		original_bucket
	) VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		CASE WHEN $10::text IS NULL THEN NULL ELSE NOW() END, $16)
	ON CONFLICT (message_id) DO UPDATE SET
		raw_description = EXCLUDED.raw_description,
		amount = EXCLUDED.amount,
		currency = EXCLUDED.currency,
		date = EXCLUDED.date,
		account_name = EXCLUDED.account_name,
		merchant = EXCLUDED.merchant,
		original_merchant = EXCLUDED.original_merchant,
		category = EXCLUDED.category,
		subcategory = EXCLUDED.subcategory,
		bucket = EXCLUDED.bucket,
		original_bucket = EXCLUDED.original_bucket,
		source = EXCLUDED.source,
		rule_id = EXCLUDED.rule_id,
		classified_at = EXCLUDED.classified_at,
		updated_at = NOW()
	RETURNING id`

const upsertByID = `
	INSERT INTO transactions (
		id, message_id, raw_description, amount, currency, date, account_name, merchant,
		original_merchant, category, subcategory, bucket, is_recurring, source, rule_id, classified_at,
		original_bucket
	) VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		CASE WHEN $10::text IS NULL THEN NULL ELSE NOW() END, $16)
	ON CONFLICT (id) DO UPDATE SET
		raw_description = EXCLUDED.raw_description,
		amount = EXCLUDED.amount,
		currency = EXCLUDED.currency,
		date = EXCLUDED.date,
		account_name = EXCLUDED.account_name,
		merchant = EXCLUDED.merchant,
		original_merchant = EXCLUDED.original_merchant,
		category = EXCLUDED.category,
		subcategory = EXCLUDED.subcategory,
		bucket = EXCLUDED.bucket,
		original_bucket = EXCLUDED.original_bucket,
		is_recurring = EXCLUDED.is_recurring,
		source = EXCLUDED.source,
		rule_id = EXCLUDED.rule_id,
		classified_at = EXCLUDED.classified_at,
		updated_at = NOW()
	RETURNING id`

func upsertArgs(t *api.Transaction) []any {
	currency := t.Currency
	if currency == "" {
		currency = api.DefaultCurrency
	}
	return []any{
		t.ID,
		nullIfEmpty(t.MessageID),
		t.RawDescription,
		t.Amount.String(),
		currency,
		t.Date,
		t.AccountName,
		t.Merchant,
		t.OriginalMerchant,
		t.Category,
		t.Subcategory,
		t.Bucket,
		t.IsRecurring,
		t.Source,
		nullIfEmpty(t.RuleID),
		t.OriginalBucket,
	}
}

// writeBatch writes a batch of transactions in one database transaction.
// Ingested rows are deduplicated on message_id.
func (s *Store) writeBatch(ctx context.Context, transactions []*api.Transaction) error {
	if len(transactions) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, txn := range transactions {
		if txn.ID == "" {
			txn.ID = uuid.NewString()
		}
		query := upsertByID
		if txn.MessageID != "" {
			query = upsertByMessageID
		}
		batch.Queue(query, upsertArgs(txn)...)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range transactions {
		var id string
		if err := results.QueryRow().Scan(&id); err != nil {
			_ = results.Close()
			return fmt.Errorf("upserting transaction %d: %w", i, err)
		}
		transactions[i].ID = id
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Info("wrote transaction batch", "count", len(transactions))
	return nil
}

// SaveTransaction inserts or replaces a single transaction by id.
func (s *Store) SaveTransaction(ctx context.Context, txn api.Transaction) (api.Transaction, error) {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}

	var id string
	if err := s.pool.QueryRow(ctx, upsertByID, upsertArgs(&txn)...).Scan(&id); err != nil {
		return api.Transaction{}, fmt.Errorf("saving transaction: %w", err)
	}
	return s.GetTransaction(ctx, id)
}

// GetTransaction returns api.ErrNotFound if no transaction has the id.
func (s *Store) GetTransaction(ctx context.Context, id string) (api.Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, api.ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("getting transaction %s: %w", id, err)
	}
	return t, nil
}

// where accumulates SQL conditions and their positional arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// ListTransactions returns transactions matching filter, newest first.
func (s *Store) ListTransactions(ctx context.Context, filter api.TransactionFilter) ([]api.Transaction, error) {
	var w where
	if filter.Merchant != "" {
		w.add(`merchant ILIKE '%' || ?::text || '%'`, filter.Merchant)
	}
	if filter.Category != "" {
		w.add(`LOWER(category) = LOWER(?::text)`, filter.Category)
	}
	if filter.Subcategory != "" {
		w.add(`LOWER(subcategory) = LOWER(?::text)`, filter.Subcategory)
	}
	if filter.AccountName != "" {
		w.add(`account_name ILIKE '%' || ?::text || '%'`, filter.AccountName)
	}
	if filter.StartDate != nil {
		w.add(`date >= ?::date`, *filter.StartDate)
	}
	if filter.EndDate != nil {
		w.add(`date <= ?::date`, *filter.EndDate)
	}
	if filter.Unclassified {
		w.conds = append(w.conds, `category IS NULL`)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions` + w.String() +
		` ORDER BY date DESC, created_at DESC, id`
	args := w.args
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return s.queryTransactions(ctx, query, args...)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]api.Transaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	txns := make([]api.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transactions: %w", err)
	}
	return txns, nil
}

// UpdateTransaction applies a partial update. Setting the category by hand
// clears the rule that assigned it.
func (s *Store) UpdateTransaction(ctx context.Context, id string, patch api.TransactionPatch) (api.Transaction, error) {
	if patch.Empty() {
		return s.GetTransaction(ctx, id)
	}

	var (
		sets []string
		args []any
	)
	set := func(expr string, arg any) {
		args = append(args, arg)
		sets = append(sets, strings.ReplaceAll(expr, "?", fmt.Sprintf("$%d", len(args))))
	}

	if patch.Merchant != nil {
		set("merchant = ?", *patch.Merchant)
	}
	if patch.Category != nil {
		set("category = NULLIF(?::text, '')", *patch.Category)
		sets = append(sets, "rule_id = NULL",
			fmt.Sprintf("classified_at = CASE WHEN $%d = '' THEN NULL ELSE NOW() END", len(args)))
	}
	if patch.Subcategory != nil {
		set("subcategory = ?", *patch.Subcategory)
	}
	if patch.Bucket != nil {
		set("bucket = ?", *patch.Bucket)
	}
	if patch.AccountName != nil {
		set("account_name = ?", *patch.AccountName)
	}
	if patch.Amount != nil {
		set("amount = ?::text::numeric", patch.Amount.String())
	}
	if patch.Date != nil {
		set("date = ?", *patch.Date)
	}
	if patch.IsRecurring != nil {
		set("is_recurring = ?", *patch.IsRecurring)
	}
	sets = append(sets, "updated_at = NOW()")

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE transactions SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), transactionColumns)

	t, err := scanTransaction(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, api.ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("updating transaction %s: %w", id, err)
	}
	return t, nil
}

// DeleteTransaction returns api.ErrNotFound if no transaction has the id.
func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting transaction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return api.ErrNotFound
	}
	return nil
}

// ListForReclassify returns the transactions a reclassification pass covers,
// oldest first.
func (s *Store) ListForReclassify(ctx context.Context, since *time.Time) ([]api.Transaction, error) {
	if since == nil {
		return s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions ORDER BY date, id`)
	}
	return s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE date >= $1 ORDER BY date, id`, *since)
}

// ApplyClassifications writes the classification fields of txns in a single
// database transaction. Rows whose fields are unchanged are left untouched.
func (s *Store) ApplyClassifications(ctx context.Context, txns []api.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, t := range txns {
		batch.Queue(`
			UPDATE transactions SET
				merchant = $2,
				original_merchant = $3,
				category = $4,
				subcategory = $5,
				bucket = $6,
				rule_id = $7,
				original_bucket = $8,
				classified_at = CASE WHEN $4::text IS NULL THEN NULL ELSE NOW() END,
				updated_at = NOW()
			WHERE id = $1
			  AND (merchant, original_merchant, category, subcategory, bucket, rule_id, original_bucket)
			      IS DISTINCT FROM ($2, $3, $4::text, $5, $6, $7::text, $8)`,
			t.ID, t.Merchant, t.OriginalMerchant, t.Category, t.Subcategory, t.Bucket, nullIfEmpty(t.RuleID),
			t.OriginalBucket,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range txns {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("updating transaction %s: %w", txns[i].ID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing classifications: %w", err)
	}
	return nil
}
