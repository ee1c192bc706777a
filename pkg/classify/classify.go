// Package classify assigns merchants and categories to transactions using
// user-defined rules.
//
// An Engine is built from a snapshot of rules. Rules are evaluated in
// ascending priority order, ties broken by rule ID, and the first matching
// rule wins. Transactions that match no rule are left unclassified with a nil
// category. Rules that cannot be compiled are excluded and reported as
// warnings; they never abort classification.
package classify

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pennywise-app/pennywise/pkg/api"
)

// Match identifies the rule that classified a transaction.
type Match struct {
	RuleID   string
	Priority int
	Category string
}

// Result is the outcome of classifying one transaction in a batch.
type Result struct {
	Transaction api.Transaction
	// Match is nil when no rule matched or Err is set.
	Match *Match
	Err   error
}

type compiledRule struct {
	rule    api.Rule
	field   api.MatchField
	kind    api.MatchType
	folded  string
	pattern *regexp.Regexp
}

// Engine classifies transactions against an immutable rule snapshot.
// It is safe for concurrent use.
type Engine struct {
	rules    []compiledRule
	warnings []*RuleError
	workers  int
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used to report rule warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithWorkers classifies batches with up to n goroutines. Values below 2 keep
// batch classification sequential.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// New compiles rules into an Engine. The input slice is not modified.
// Disabled rules are dropped; invalid rules are dropped and recorded in Warnings.
func New(rules []api.Rule, opts ...Option) *Engine {
	e := &Engine{
		workers: 1,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	ordered := slices.Clone(rules)
	slices.SortStableFunc(ordered, func(a, b api.Rule) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	e.rules = make([]compiledRule, 0, len(ordered))
	for _, rule := range ordered {
		if !rule.Enabled {
			continue
		}
		compiled, err := compile(rule)
		if err != nil {
			rerr := &RuleError{RuleID: rule.ID, Pattern: rule.Pattern, Err: err}
			e.warnings = append(e.warnings, rerr)
			e.logger.Warn("skipping invalid rule", "rule_id", rule.ID, "pattern", rule.Pattern, "error", err)
			continue
		}
		e.rules = append(e.rules, compiled)
	}

	e.logger.Debug("rules compiled", "active", len(e.rules), "skipped", len(e.warnings))
	return e
}

// Validate reports why a rule would be excluded from an engine, or nil if it is usable.
func Validate(rule api.Rule) error {
	_, err := compile(rule)
	return err
}

func compile(rule api.Rule) (compiledRule, error) {
	c := compiledRule{rule: rule, kind: rule.MatchType, field: rule.Field}
	if c.kind == "" {
		c.kind = api.MatchContains
	}
	if c.field == "" {
		c.field = api.FieldDescription
	}

	if strings.TrimSpace(rule.Pattern) == "" {
		return c, ErrEmptyPattern
	}
	if strings.TrimSpace(rule.TargetCategory) == "" {
		return c, ErrMissingCategory
	}

	switch c.field {
	case api.FieldDescription, api.FieldMerchant:
	default:
		return c, fmt.Errorf("%w: %q", ErrUnknownField, c.field)
	}

	switch c.kind {
	case api.MatchContains:
		c.folded = fold(rule.Pattern)
	case api.MatchExact:
		c.folded = fold(collapseSpace(rule.Pattern))
	case api.MatchRegex:
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			return c, fmt.Errorf("compiling regex: %w", err)
		}
		c.pattern = re
	default:
		return c, fmt.Errorf("%w: %q", ErrUnknownMatchType, c.kind)
	}
	return c, nil
}

func (c *compiledRule) matches(text, folded string) bool {
	switch c.kind {
	case api.MatchRegex:
		return c.pattern.MatchString(text)
	case api.MatchExact:
		return folded == c.folded
	default:
		return strings.Contains(folded, c.folded)
	}
}

// Warnings returns the rules that were excluded from this snapshot.
func (e *Engine) Warnings() []*RuleError {
	return slices.Clone(e.warnings)
}

// Len returns the number of active rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

// Classify applies the rule snapshot to a single transaction and returns the
// classified copy. A nil Match with a nil error means no rule matched.
func (e *Engine) Classify(txn api.Transaction) (api.Transaction, *Match, error) {
	return e.classify(0, txn)
}

func (e *Engine) classify(index int, txn api.Transaction) (api.Transaction, *Match, error) {
	if strings.TrimSpace(txn.ID) == "" {
		return txn, nil, &TransactionError{Index: index, Reason: "missing id"}
	}
	if strings.TrimSpace(txn.RawDescription) == "" {
		return txn, nil, &TransactionError{Index: index, ID: txn.ID, Reason: "missing raw description"}
	}

	if txn.OriginalMerchant == "" {
		txn.OriginalMerchant = collapseSpace(txn.Merchant)
	}
	if txn.OriginalMerchant == "" {
		txn.OriginalMerchant = DeriveMerchant(txn.RawDescription)
	}
	if txn.Merchant == "" {
		txn.Merchant = txn.OriginalMerchant
	}

	if txn.RuleID == "" && txn.OriginalBucket == "" {
		txn.OriginalBucket = txn.Bucket
	}

	// A previous rule assignment is discarded so the result depends only on
	// the transaction and the current snapshot.
	if txn.RuleID != "" {
		txn.Subcategory = ""
		txn.Merchant = txn.OriginalMerchant
		txn.Bucket = txn.OriginalBucket
	}
	txn.Category = nil
	txn.RuleID = ""
	txn.ClassifiedAt = nil

	description := nfkc(txn.RawDescription)
	merchant := nfkc(txn.OriginalMerchant)
	descriptionFolded, merchantFolded := fold(description), fold(merchant)

	for i := range e.rules {
		rule := &e.rules[i]
		text, folded := description, descriptionFolded
		if rule.field == api.FieldMerchant {
			text, folded = merchant, merchantFolded
		}
		if rule.kind == api.MatchExact {
			folded = fold(collapseSpace(text))
		}
		if !rule.matches(text, folded) {
			continue
		}

		category := rule.rule.TargetCategory
		txn.Category = &category
		txn.RuleID = rule.rule.ID
		if rule.rule.Subcategory != "" {
			txn.Subcategory = rule.rule.Subcategory
		}
		if rule.rule.Bucket != "" {
			txn.Bucket = rule.rule.Bucket
		}
		if rule.rule.MerchantRename != "" {
			txn.Merchant = rule.rule.MerchantRename
		}
		return txn, &Match{RuleID: rule.rule.ID, Priority: rule.rule.Priority, Category: category}, nil
	}

	return txn, nil, nil
}

// ClassifyBatch classifies every transaction and returns one Result per input,
// in input order. Malformed transactions get a Result with Err set and do not
// stop the batch. If ctx is canceled, unprocessed entries carry ctx.Err().
func (e *Engine) ClassifyBatch(ctx context.Context, txns []api.Transaction) []Result {
	results := make([]Result, len(txns))

	run := func(i int) {
		if err := ctx.Err(); err != nil {
			results[i] = Result{Transaction: txns[i], Err: err}
			return
		}
		out, match, err := e.classify(i, txns[i])
		results[i] = Result{Transaction: out, Match: match, Err: err}
	}

	if e.workers < 2 || len(txns) < 2 {
		for i := range txns {
			run(i)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range txns {
		g.Go(func() error {
			run(i)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Classify is a convenience wrapper that compiles rules and classifies txns in one call.
func Classify(ctx context.Context, txns []api.Transaction, rules []api.Rule, opts ...Option) []Result {
	return New(rules, opts...).ClassifyBatch(ctx, txns)
}

// Summary counts the outcomes of a batch.
type Summary struct {
	Total        int `json:"total"`
	Classified   int `json:"classified"`
	Unclassified int `json:"unclassified"`
	Rejected     int `json:"rejected"`
}

// Summarize tallies a batch of results.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Err != nil:
			s.Rejected++
		case r.Match != nil:
			s.Classified++
		default:
			s.Unclassified++
		}
	}
	return s
}
