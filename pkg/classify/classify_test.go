package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/pennywise-app/pennywise/pkg/api"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rule(id, pattern, category string, priority int) api.Rule {
	return api.Rule{ID: id, Pattern: pattern, TargetCategory: category, Priority: priority, Enabled: true}
}

func txn(id, description string) api.Transaction {
	return api.Transaction{ID: id, RawDescription: description}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		rules        []api.Rule
		description  string
		wantCategory string
		wantRule     string
	}{
		{
			name:         "substring match",
			rules:        []api.Rule{rule("r1", "STARBUCKS", "Coffee", 1)},
			description:  "STARBUCKS STORE #123",
			wantCategory: "Coffee",
			wantRule:     "r1",
		},
		{
			name:         "substring match ignores case",
			rules:        []api.Rule{rule("r1", "starbucks", "Coffee", 1)},
			description:  "Starbucks Store #123",
			wantCategory: "Coffee",
			wantRule:     "r1",
		},
		{
			name:        "empty rule set leaves transaction unclassified",
			rules:       nil,
			description: "STARBUCKS STORE #123",
		},
		{
			name:        "no rule matches",
			rules:       []api.Rule{rule("r1", "WHOLE FOODS", "Groceries", 1)},
			description: "STARBUCKS STORE #123",
		},
		{
			name: "lower priority number wins",
			rules: []api.Rule{
				rule("r1", "STORE", "Shopping", 5),
				rule("r2", "STARBUCKS", "Coffee", 1),
			},
			description:  "STARBUCKS STORE #123",
			wantCategory: "Coffee",
			wantRule:     "r2",
		},
		{
			name: "equal priority breaks ties by id",
			rules: []api.Rule{
				rule("b", "STARBUCKS", "Coffee", 1),
				rule("a", "STORE", "Shopping", 1),
			},
			description:  "STARBUCKS STORE #123",
			wantCategory: "Shopping",
			wantRule:     "a",
		},
		{
			name: "regex match",
			rules: []api.Rule{
				{ID: "r1", Pattern: `^uber\s+\*?trip`, MatchType: api.MatchRegex, TargetCategory: "Transport", Priority: 1, Enabled: true},
			},
			description:  "UBER *TRIP HELP.UBER.COM",
			wantCategory: "Transport",
			wantRule:     "r1",
		},
		{
			name: "exact match requires whole description",
			rules: []api.Rule{
				{ID: "r1", Pattern: "netflix", MatchType: api.MatchExact, TargetCategory: "Streaming", Priority: 1, Enabled: true},
			},
			description: "NETFLIX.COM",
		},
		{
			name: "exact match collapses whitespace",
			rules: []api.Rule{
				{ID: "r1", Pattern: "netflix com", MatchType: api.MatchExact, TargetCategory: "Streaming", Priority: 1, Enabled: true},
			},
			description:  "  NETFLIX   COM ",
			wantCategory: "Streaming",
			wantRule:     "r1",
		},
		{
			name: "disabled rule is ignored",
			rules: []api.Rule{
				{ID: "r1", Pattern: "STARBUCKS", TargetCategory: "Coffee", Priority: 1, Enabled: false},
			},
			description: "STARBUCKS STORE #123",
		},
		{
			name: "invalid regex is skipped and other rules apply",
			rules: []api.Rule{
				{ID: "r1", Pattern: "STAR(BUCKS", MatchType: api.MatchRegex, TargetCategory: "Broken", Priority: 0, Enabled: true},
				rule("r2", "STARBUCKS", "Coffee", 1),
			},
			description:  "STARBUCKS STORE #123",
			wantCategory: "Coffee",
			wantRule:     "r2",
		},
		{
			name:         "fullwidth text is normalized",
			rules:        []api.Rule{rule("r1", "STARBUCKS", "Coffee", 1)},
			description:  "ＳＴＡＲＢＵＣＫＳ 123",
			wantCategory: "Coffee",
			wantRule:     "r1",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine := New(tc.rules, WithLogger(quietLogger()))

			got, match, err := engine.Classify(txn("t1", tc.description))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got.CategoryName() != tc.wantCategory {
				t.Errorf("category: got %q, want %q", got.CategoryName(), tc.wantCategory)
			}
			if tc.wantCategory == "" {
				if got.Category != nil {
					t.Errorf("category: got %q, want nil", *got.Category)
				}
				if match != nil {
					t.Errorf("match: got %+v, want nil", match)
				}
				return
			}
			if match == nil || match.RuleID != tc.wantRule {
				t.Errorf("match: got %+v, want rule %q", match, tc.wantRule)
			}
			if got.RuleID != tc.wantRule {
				t.Errorf("rule id: got %q, want %q", got.RuleID, tc.wantRule)
			}
		})
	}
}

func TestNew_Warnings(t *testing.T) {
	rules := []api.Rule{
		{ID: "bad-regex", Pattern: "(", MatchType: api.MatchRegex, TargetCategory: "X", Enabled: true},
		{ID: "empty", Pattern: "  ", TargetCategory: "X", Enabled: true},
		{ID: "no-category", Pattern: "abc", Enabled: true},
		{ID: "bad-kind", Pattern: "abc", MatchType: "fuzzy", TargetCategory: "X", Enabled: true},
		{ID: "bad-field", Pattern: "abc", Field: "memo", TargetCategory: "X", Enabled: true},
		{ID: "ok", Pattern: "abc", TargetCategory: "X", Enabled: true},
	}

	engine := New(rules, WithLogger(quietLogger()))

	if engine.Len() != 1 {
		t.Errorf("active rules: got %d, want 1", engine.Len())
	}

	wantErrs := map[string]error{
		"empty":       ErrEmptyPattern,
		"no-category": ErrMissingCategory,
		"bad-kind":    ErrUnknownMatchType,
		"bad-field":   ErrUnknownField,
	}

	warnings := engine.Warnings()
	if len(warnings) != 5 {
		t.Fatalf("warnings: got %d, want 5", len(warnings))
	}
	for _, w := range warnings {
		if want, ok := wantErrs[w.RuleID]; ok && !errors.Is(w, want) {
			t.Errorf("warning for %s: got %v, want %v", w.RuleID, w.Err, want)
		}
	}

	if err := Validate(rules[0]); err == nil {
		t.Errorf("Validate: expected error for invalid regex")
	}
	if err := Validate(rules[5]); err != nil {
		t.Errorf("Validate: unexpected error for valid rule: %v", err)
	}
}

func TestNew_DoesNotMutateInput(t *testing.T) {
	rules := []api.Rule{
		rule("c", "x", "X", 3),
		rule("a", "y", "Y", 1),
	}
	before := append([]api.Rule(nil), rules...)

	New(rules, WithLogger(quietLogger()))

	if !reflect.DeepEqual(rules, before) {
		t.Errorf("rules were reordered: got %+v", rules)
	}
}

func TestClassify_MerchantRules(t *testing.T) {
	rules := []api.Rule{
		{
			ID:             "r1",
			Pattern:        "AMZN MKTP",
			Field:          api.FieldMerchant,
			TargetCategory: "Shopping",
			Subcategory:    "Online",
			Bucket:         "Expense",
			MerchantRename: "Amazon",
			Priority:       1,
			Enabled:        true,
		},
	}
	engine := New(rules, WithLogger(quietLogger()))

	in := api.Transaction{ID: "t1", RawDescription: "Card purchase", Merchant: "AMZN MKTP US*2K1"}
	got, match, err := engine.Classify(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match == nil {
		t.Fatal("expected a match")
	}
	if got.Merchant != "Amazon" {
		t.Errorf("merchant: got %q, want %q", got.Merchant, "Amazon")
	}
	if got.OriginalMerchant != "AMZN MKTP US*2K1" {
		t.Errorf("original merchant: got %q", got.OriginalMerchant)
	}
	if got.Subcategory != "Online" || got.Bucket != "Expense" {
		t.Errorf("subcategory/bucket: got %q/%q", got.Subcategory, got.Bucket)
	}

	again, _, err := engine.Classify(got)
	if err != nil {
		t.Fatalf("unexpected error on second pass: %v", err)
	}
	if !reflect.DeepEqual(again, got) {
		t.Errorf("second pass changed the transaction:\n got %+v\nwant %+v", again, got)
	}
}

func TestClassify_DerivesMerchant(t *testing.T) {
	engine := New(nil, WithLogger(quietLogger()))

	got, _, err := engine.Classify(txn("t1", "  SQ *BLUE   BOTTLE  "))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Merchant != "SQ *BLUE BOTTLE" {
		t.Errorf("merchant: got %q", got.Merchant)
	}
}

func TestClassify_ClearsStaleCategory(t *testing.T) {
	stale := "Old"
	in := api.Transaction{ID: "t1", RawDescription: "SOMETHING NEW", Category: &stale, RuleID: "gone", Subcategory: "old-sub"}

	got, match, err := New(nil, WithLogger(quietLogger())).Classify(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match != nil || got.Category != nil || got.RuleID != "" || got.Subcategory != "" {
		t.Errorf("stale classification kept: %+v", got)
	}
	if in.Category == nil || *in.Category != "Old" {
		t.Errorf("input was mutated")
	}
}

func TestClassify_RestoresIngestedBucket(t *testing.T) {
	wants := api.Rule{ID: "r1", Pattern: "cinema", TargetCategory: "Fun", Bucket: "Wants", Priority: 1, Enabled: true}
	in := api.Transaction{ID: "t1", RawDescription: "CINEMA CITY", Bucket: "Expense"}

	got, _, err := New([]api.Rule{wants}, WithLogger(quietLogger())).Classify(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Bucket != "Wants" || got.OriginalBucket != "Expense" {
		t.Fatalf("after rule: bucket %q, original %q", got.Bucket, got.OriginalBucket)
	}

	again, match, err := New(nil, WithLogger(quietLogger())).Classify(got)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match != nil || again.Category != nil {
		t.Errorf("still classified: %+v", again)
	}
	if again.Bucket != "Expense" {
		t.Errorf("bucket after the rule stopped matching: got %q, want %q", again.Bucket, "Expense")
	}

	// A bucket set by hand on an unclassified transaction is kept.
	manual := api.Transaction{ID: "t2", RawDescription: "VENMO", Bucket: "Transfer", OriginalBucket: "Expense"}
	kept, _, err := New(nil, WithLogger(quietLogger())).Classify(manual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kept.Bucket != "Transfer" {
		t.Errorf("manual bucket: got %q", kept.Bucket)
	}
}

func TestClassifyBatch_MalformedTransactions(t *testing.T) {
	engine := New([]api.Rule{rule("r1", "COFFEE", "Coffee", 1)}, WithLogger(quietLogger()))

	in := []api.Transaction{
		txn("t1", "COFFEE SHOP"),
		txn("t2", ""),
		txn("", "COFFEE BAR"),
		txn("t4", "BOOKSTORE"),
	}

	results := engine.ClassifyBatch(context.Background(), in)
	if len(results) != len(in) {
		t.Fatalf("results: got %d, want %d", len(results), len(in))
	}

	if results[0].Err != nil || results[0].Transaction.CategoryName() != "Coffee" {
		t.Errorf("result 0: %+v", results[0])
	}

	for _, i := range []int{1, 2} {
		var terr *TransactionError
		if !errors.As(results[i].Err, &terr) {
			t.Fatalf("result %d: expected TransactionError, got %v", i, results[i].Err)
		}
		if terr.Index != i {
			t.Errorf("result %d: error index %d", i, terr.Index)
		}
		if !errors.Is(results[i].Err, ErrMalformedTransaction) {
			t.Errorf("result %d: error does not wrap ErrMalformedTransaction", i)
		}
	}

	if results[3].Err != nil || results[3].Transaction.Category != nil {
		t.Errorf("result 3: %+v", results[3])
	}

	summary := Summarize(results)
	want := Summary{Total: 4, Classified: 1, Unclassified: 1, Rejected: 2}
	if summary != want {
		t.Errorf("summary: got %+v, want %+v", summary, want)
	}
}

func TestClassifyBatch_OrderAndDeterminism(t *testing.T) {
	rules := []api.Rule{
		rule("r1", "COFFEE", "Coffee", 2),
		rule("r2", "GAS", "Fuel", 1),
		{ID: "r3", Pattern: `^rent\b`, MatchType: api.MatchRegex, TargetCategory: "Housing", Priority: 3, Enabled: true},
	}
	descriptions := []string{"COFFEE", "GAS STATION", "RENT MAY", "BOOKS", "GAS AND COFFEE"}

	in := make([]api.Transaction, 0, 200)
	for i := range 200 {
		in = append(in, txn(fmt.Sprintf("t%03d", i), descriptions[i%len(descriptions)]))
	}

	sequential := New(rules, WithLogger(quietLogger())).ClassifyBatch(context.Background(), in)
	parallel := New(rules, WithLogger(quietLogger()), WithWorkers(8)).ClassifyBatch(context.Background(), in)

	if !reflect.DeepEqual(sequential, parallel) {
		t.Fatal("parallel batch differs from sequential batch")
	}

	wantCategories := []string{"Coffee", "Fuel", "Housing", "", "Fuel"}
	for i, r := range parallel {
		if r.Transaction.ID != in[i].ID {
			t.Fatalf("order: result %d has id %s, want %s", i, r.Transaction.ID, in[i].ID)
		}
		if got, want := r.Transaction.CategoryName(), wantCategories[i%len(wantCategories)]; got != want {
			t.Errorf("result %d: category %q, want %q", i, got, want)
		}
	}

	repeat := Classify(context.Background(), in, rules, WithLogger(quietLogger()))
	if !reflect.DeepEqual(repeat, sequential) {
		t.Error("repeated classification is not deterministic")
	}
}

func TestClassifyBatch_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := New(nil, WithLogger(quietLogger())).ClassifyBatch(ctx, []api.Transaction{txn("t1", "X")})
	if !errors.Is(results[0].Err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", results[0].Err)
	}
}

type ruleSourceFunc func(context.Context) ([]api.Rule, error)

func (f ruleSourceFunc) ListRules(ctx context.Context) ([]api.Rule, error) { return f(ctx) }

func TestLoad(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := Load(context.Background(), ruleSourceFunc(func(context.Context) ([]api.Rule, error) {
		return nil, boom
	}))
	if !errors.Is(err, ErrRulesUnavailable) || !errors.Is(err, boom) {
		t.Fatalf("got %v, want both ErrRulesUnavailable and the cause", err)
	}

	rules := []api.Rule{rule("r1", "COFFEE", "Coffee", 1)}
	engine, err := Load(context.Background(), ruleSourceFunc(func(context.Context) ([]api.Rule, error) {
		return rules, nil
	}), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Editing the source after the snapshot must not change the engine.
	rules[0].TargetCategory = "Changed"
	got, _, _ := engine.Classify(txn("t1", "COFFEE BAR"))
	if got.CategoryName() != "Coffee" {
		t.Errorf("snapshot observed a later edit: %q", got.CategoryName())
	}
}
