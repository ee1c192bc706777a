// Package reclassify re-runs the classification engine over stored
// transactions after rules change.
package reclassify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/classify"
)

// ErrRulesUnavailable is returned, wrapped, when the rule snapshot cannot be
// taken. Nothing has been read or written when it is returned.
var ErrRulesUnavailable = classify.ErrRulesUnavailable

// Scope selects the transactions to reclassify. A nil Since means all of them.
type Scope struct {
	Since *time.Time `json:"since,omitempty"`
}

// ParseSince accepts an RFC 3339 timestamp or a YYYY-MM-DD date.
func ParseSince(s string) (time.Time, error) {
	if t, err := time.Parse(api.DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

// Report describes a completed pass.
type Report struct {
	classify.Summary
	// Changed counts transactions whose category, merchant or rule differ
	// from what was stored.
	Changed int `json:"changed"`
	// Warnings lists rules excluded from the snapshot.
	Warnings []string `json:"warnings,omitempty"`
	// Errors lists stored transactions that could not be classified.
	Errors   []string  `json:"errors,omitempty"`
	Started  time.Time `json:"started"`
	Duration string    `json:"duration"`
}

// Service runs reclassification passes. Passes are serialized.
type Service struct {
	rules   api.RuleSource
	store   api.TransactionStore
	workers int
	logger  *slog.Logger

	mu   sync.Mutex
	last *Report
}

// Option configures a Service.
type Option func(*Service)

// WithWorkers bounds batch classification goroutines.
func WithWorkers(n int) Option {
	return func(s *Service) { s.workers = n }
}

// New creates a Service.
func New(rules api.RuleSource, store api.TransactionStore, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{rules: rules, store: store, workers: 1, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run takes a rule snapshot, classifies every transaction in scope and
// persists the results in one database transaction. A malformed stored
// transaction is reported and left untouched.
func (s *Service) Run(ctx context.Context, scope Scope) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{Started: time.Now()}
	logger := s.logger
	if scope.Since != nil {
		logger = logger.With("since", scope.Since.Format(api.DateLayout))
	}

	engine, err := classify.Load(ctx, s.rules,
		classify.WithWorkers(s.workers),
		classify.WithLogger(logger),
	)
	if err != nil {
		return report, fmt.Errorf("reclassify: %w", err)
	}
	for _, w := range engine.Warnings() {
		report.Warnings = append(report.Warnings, w.Error())
	}

	txns, err := s.store.ListForReclassify(ctx, scope.Since)
	if err != nil {
		return report, fmt.Errorf("reclassify: listing transactions: %w", err)
	}

	results := engine.ClassifyBatch(ctx, txns)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("reclassify: %w", err)
	}
	report.Summary = classify.Summarize(results)

	updates := make([]api.Transaction, 0, len(results))
	for i, r := range results {
		if r.Err != nil {
			report.Errors = append(report.Errors, r.Err.Error())
			continue
		}
		if changed(txns[i], r.Transaction) {
			report.Changed++
		}
		updates = append(updates, r.Transaction)
	}

	if len(updates) > 0 {
		if err := s.store.ApplyClassifications(ctx, updates); err != nil {
			return report, fmt.Errorf("reclassify: applying classifications: %w", err)
		}
	}

	report.Duration = time.Since(report.Started).Round(time.Millisecond).String()
	logger.Info("reclassify complete",
		"total", report.Total,
		"classified", report.Classified,
		"unclassified", report.Unclassified,
		"rejected", report.Rejected,
		"changed", report.Changed,
		"rule_warnings", len(report.Warnings),
	)
	last := report
	s.last = &last
	return report, nil
}

// RenameMerchants applies rule's merchant rename to every stored transaction
// it matches and returns how many were renamed. Categories are not touched,
// and transactions classified by a different rule keep that rule's merchant.
func (s *Service) RenameMerchants(ctx context.Context, rule api.Rule) (int, error) {
	if !rule.Enabled || rule.MerchantRename == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	engine := classify.New([]api.Rule{rule}, classify.WithLogger(s.logger))
	if engine.Len() == 0 {
		return 0, nil
	}

	txns, err := s.store.ListForReclassify(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("rename merchants: listing transactions: %w", err)
	}

	var updates []api.Transaction
	for _, t := range txns {
		if t.RuleID != "" && t.RuleID != rule.ID {
			continue
		}
		out, match, err := engine.Classify(t)
		if err != nil || match == nil || t.Merchant == rule.MerchantRename {
			continue
		}
		t.OriginalMerchant = out.OriginalMerchant
		t.Merchant = rule.MerchantRename
		updates = append(updates, t)
	}

	if len(updates) > 0 {
		if err := s.store.ApplyClassifications(ctx, updates); err != nil {
			return 0, fmt.Errorf("rename merchants: %w", err)
		}
	}
	s.logger.Info("merchant rename backfill complete", "rule_id", rule.ID, "renamed", len(updates))
	return len(updates), nil
}

// Last returns the report of the most recent successful pass, or nil.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

func changed(before, after api.Transaction) bool {
	return before.CategoryName() != after.CategoryName() ||
		before.Classified() != after.Classified() ||
		before.RuleID != after.RuleID ||
		before.Merchant != after.Merchant ||
		before.Subcategory != after.Subcategory ||
		before.Bucket != after.Bucket
}
