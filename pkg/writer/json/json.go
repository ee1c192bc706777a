// Package json implements a Writer that keeps a JSON export of the ledger:
// every transaction seen so far, keyed by id, with a classification summary
// and per-category totals.
package json

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/classify"
	"github.com/pennywise-app/pennywise/pkg/writer/buffered"
)

// Document is the file layout.
type Document struct {
	UpdatedAt time.Time        `json:"updated_at"`
	Summary   classify.Summary `json:"summary"`
	// Categories totals amounts per category. Unclassified rows are left out.
	Categories   map[string]decimal.Decimal `json:"categories"`
	Transactions []*api.Transaction         `json:"transactions"`
}

// Writer rewrites the export after every batch. A transaction written again
// under the same id replaces the earlier copy.
type Writer struct {
	filePath string
	byID     map[string]*api.Transaction
	mu       sync.Mutex
	buffered *buffered.Writer
	logger   *slog.Logger
	now      func() time.Time
}

// Config holds configuration for the JSON writer.
type Config struct {
	// FilePath is the path to the JSON output file.
	FilePath string `json:"file_path"`
	// BatchSize is the number of transactions to buffer before writing.
	BatchSize int `json:"batch_size"`
	// FlushInterval is the interval between automatic flushes (seconds).
	FlushInterval int `json:"flush_interval"`
}

// New creates a JSON writer, picking up an existing export at FilePath.
func New(cfg Config, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FilePath == "" {
		return nil, errors.New("json file path is required")
	}

	w := &Writer{
		filePath: cfg.FilePath,
		byID:     make(map[string]*api.Transaction),
		logger:   logger,
		now:      time.Now,
	}
	if err := w.loadExisting(); err != nil {
		logger.Warn("could not load existing export", "error", err)
	}

	w.buffered = buffered.New(w.flushBatch, buffered.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: time.Duration(cfg.FlushInterval) * time.Second,
	}, logger.With("component", "json_buffer"))

	logger.Info("json writer initialized", "file", cfg.FilePath, "existing_count", len(w.byID))
	return w, nil
}

func (w *Writer) loadExisting() error {
	data, err := os.ReadFile(w.filePath)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil
	}
	if err != nil {
		return err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decoding %s: %w", w.filePath, err)
	}
	for _, t := range doc.Transactions {
		if t != nil && t.ID != "" {
			w.byID[t.ID] = t
		}
	}
	return nil
}

// Write consumes transactions from the input channel and writes them to JSON.
func (w *Writer) Write(ctx context.Context, in <-chan *api.Transaction, ackChan chan<- string) error {
	return w.buffered.Write(ctx, in, ackChan)
}

func (w *Writer) flushBatch(_ context.Context, transactions []*api.Transaction) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, t := range transactions {
		if t.ID == "" {
			w.logger.Warn("skipping transaction without id", "message_id", t.MessageID)
			continue
		}
		w.byID[t.ID] = t
	}

	data, err := json.MarshalIndent(w.document(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling json: %w", err)
	}

	tmp := w.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing json file: %w", err)
	}
	if err := os.Rename(tmp, w.filePath); err != nil {
		return fmt.Errorf("replacing json file: %w", err)
	}

	w.logger.Debug("wrote transactions to json",
		"batch_count", len(transactions),
		"total_count", len(w.byID),
	)
	return nil
}

// document orders transactions by date, then id. Callers hold w.mu.
func (w *Writer) document() Document {
	doc := Document{
		UpdatedAt:    w.now().UTC(),
		Categories:   make(map[string]decimal.Decimal),
		Transactions: make([]*api.Transaction, 0, len(w.byID)),
	}
	for _, t := range w.byID {
		doc.Transactions = append(doc.Transactions, t)
		doc.Summary.Total++
		if !t.Classified() {
			doc.Summary.Unclassified++
			continue
		}
		doc.Summary.Classified++
		category := t.CategoryName()
		doc.Categories[category] = doc.Categories[category].Add(t.Amount)
	}
	slices.SortFunc(doc.Transactions, func(a, b *api.Transaction) int {
		return cmp.Or(a.Date.Compare(b.Date), cmp.Compare(a.ID, b.ID))
	})
	return doc
}

// TransactionCount returns the number of distinct transactions in the export.
func (w *Writer) TransactionCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byID)
}
