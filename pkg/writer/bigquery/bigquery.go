// Package bigquery implements a Writer that streams transactions into a
// BigQuery table for analysis.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/avast/retry-go"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/writer/buffered"
)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "transactions"

// Putter inserts rows. *bigquery.Inserter satisfies it.
type Putter interface {
	Put(ctx context.Context, src any) error
}

// Row is a transaction as stored in BigQuery.
type Row struct {
	TransactionID  string              `bigquery:"transaction_id"`
	Date           civil.Date          `bigquery:"transaction_date"`
	RawDescription string              `bigquery:"raw_description"`
	Merchant       bigquery.NullString `bigquery:"merchant"`
	Amount         *big.Rat            `bigquery:"amount"`
	Currency       string              `bigquery:"currency"`
	AccountName    bigquery.NullString `bigquery:"account_name"`
	Category       bigquery.NullString `bigquery:"category"`
	Subcategory    bigquery.NullString `bigquery:"subcategory"`
	Bucket         bigquery.NullString `bigquery:"bucket"`
	RuleID         bigquery.NullString `bigquery:"rule_id"`
	Source         string              `bigquery:"source"`
	InsertedTS     time.Time           `bigquery:"inserted_ts"`
}

// RowSchema returns the table schema inferred from Row.
var RowSchema = sync.OnceValues(func() (bigquery.Schema, error) {
	return bigquery.InferSchema(Row{})
})

// Save implements bigquery.ValueSaver so retried inserts are deduplicated
// by transaction id.
func (r *Row) Save() (map[string]bigquery.Value, string, error) {
	schema, err := RowSchema()
	if err != nil {
		return nil, "", fmt.Errorf("inferring row schema: %w", err)
	}
	saver := &bigquery.StructSaver{Struct: r, Schema: schema, InsertID: r.TransactionID}
	return saver.Save()
}

// NewRow converts a transaction.
func NewRow(t *api.Transaction, now time.Time) *Row {
	return &Row{
		TransactionID:  t.ID,
		Date:           civil.DateOf(t.Date),
		RawDescription: t.RawDescription,
		Merchant:       nullString(t.Merchant),
		Amount:         t.Amount.Rat(),
		Currency:       t.Currency,
		AccountName:    nullString(t.AccountName),
		Category:       nullString(t.CategoryName()),
		Subcategory:    nullString(t.Subcategory),
		Bucket:         nullString(t.Bucket),
		RuleID:         nullString(t.RuleID),
		Source:         t.Source,
		InsertedTS:     now.UTC(),
	}
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

// Writer streams transaction batches into a table.
type Writer struct {
	putter   Putter
	closer   func() error
	logger   *slog.Logger
	buffered *buffered.Writer
}

// Config holds configuration for the BigQuery writer.
type Config struct {
	ProjectID     string `json:"project_id"`
	Dataset       string `json:"dataset"`
	Table         string `json:"table"`
	BatchSize     int    `json:"batch_size"`
	FlushInterval int    `json:"flush_interval"` // seconds
}

// New creates a BigQuery writer using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Writer, error) {
	if cfg.ProjectID == "" || cfg.Dataset == "" {
		return nil, errors.New("bigquery project_id and dataset are required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	w := NewWithPutter(client.Dataset(cfg.Dataset).Table(cfg.Table).Inserter(), cfg, logger)
	w.closer = client.Close
	return w, nil
}

// NewWithPutter creates a writer around an existing inserter.
func NewWithPutter(putter Putter, cfg Config, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{putter: putter, logger: logger}
	w.buffered = buffered.New(w.flushBatch, buffered.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: time.Duration(cfg.FlushInterval) * time.Second,
	}, logger.With("component", "bigquery_buffer"))

	logger.Info("bigquery writer initialized", "dataset", cfg.Dataset, "table", cfg.Table)
	return w
}

// Write consumes transactions from the input channel and inserts them in batches.
func (w *Writer) Write(ctx context.Context, in <-chan *api.Transaction, ackChan chan<- string) error {
	defer func() {
		if w.closer != nil {
			if err := w.closer(); err != nil {
				w.logger.Warn("failed to close bigquery client", "error", err)
			}
		}
	}()
	return w.buffered.Write(ctx, in, ackChan)
}

func (w *Writer) flushBatch(ctx context.Context, transactions []*api.Transaction) error {
	now := time.Now()
	rows := make([]*Row, 0, len(transactions))
	for _, t := range transactions {
		rows = append(rows, NewRow(t, now))
	}

	err := retry.Do(
		func() error { return w.putter.Put(ctx, rows) },
		retry.RetryIf(func(err error) bool {
			// Row level errors are permanent; anything else may be transient.
			var multi bigquery.PutMultiError
			return !errors.As(err, &multi)
		}),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("insert rows: %w", err)
	}

	w.logger.Debug("inserted transaction rows", "count", len(rows))
	return nil
}
