package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/logging"
)

// TestNew_ConnectionFailure tests that the store returns an error when connection fails.
func TestNew_ConnectionFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := New(ctx, Config{
		Host:     "nonexistent-host",
		Database: "pennywise",
		User:     "pennywise",
		Password: "password",
	}, logging.Discard())
	if err == nil {
		t.Error("expected error when connecting to nonexistent host, got nil")
	}
}

// newTestStore starts a disposable PostgreSQL container.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("pennywise"),
		tcpostgres.WithUsername("pennywise"),
		tcpostgres.WithPassword("pennywise"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("terminating container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	s, err := New(ctx, Config{DSN: dsn, BatchSize: 2, FlushInterval: time.Second}, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func ptr[T any](v T) *T { return &v }

func date(s string) time.Time {
	d, err := time.Parse(api.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestStore_Integration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("write acks and deduplicates on message id", func(t *testing.T) {
		in := make(chan *api.Transaction, 3)
		ack := make(chan string, 3)
		in <- &api.Transaction{
			RawDescription: "STARBUCKS STORE 123", Merchant: "STARBUCKS STORE 123",
			Amount: decimal.RequireFromString("4.50"), Date: date("2024-06-03"),
			Category: ptr("Coffee"), RuleID: "r-coffee", Source: "chase", MessageID: "m1",
		}
		in <- &api.Transaction{
			RawDescription: "UNKNOWN SHOP", Amount: decimal.RequireFromString("12.00"),
			Date: date("2024-06-04"), Source: "chase", MessageID: "m2",
		}
		// Same message delivered again with a corrected amount.
		in <- &api.Transaction{
			RawDescription: "STARBUCKS STORE 123", Merchant: "STARBUCKS STORE 123",
			Amount: decimal.RequireFromString("5.25"), Date: date("2024-06-03"),
			Category: ptr("Coffee"), RuleID: "r-coffee", Source: "chase", MessageID: "m1",
		}
		close(in)

		if err := s.Write(ctx, in, ack); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if len(ack) != 3 {
			t.Errorf("acks: got %d, want 3", len(ack))
		}

		txns, err := s.ListTransactions(ctx, api.TransactionFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(txns) != 2 {
			t.Fatalf("got %d transactions, want 2", len(txns))
		}
		coffee := txns[1]
		if !coffee.Amount.Equal(decimal.RequireFromString("5.25")) || coffee.CategoryName() != "Coffee" {
			t.Errorf("upserted row: %+v", coffee)
		}
		if coffee.ClassifiedAt == nil || coffee.RuleID != "r-coffee" {
			t.Errorf("classification metadata missing: %+v", coffee)
		}
		if txns[0].Category != nil || txns[0].ClassifiedAt != nil {
			t.Errorf("unclassified row should have null category: %+v", txns[0])
		}
	})

	t.Run("filters", func(t *testing.T) {
		tests := []struct {
			name   string
			filter api.TransactionFilter
			want   int
		}{
			{"merchant substring", api.TransactionFilter{Merchant: "starbucks"}, 1},
			{"category case insensitive", api.TransactionFilter{Category: "coffee"}, 1},
			{"unclassified", api.TransactionFilter{Unclassified: true}, 1},
			{"date range", api.TransactionFilter{StartDate: ptr(date("2024-06-04")), EndDate: ptr(date("2024-06-30"))}, 1},
			{"limit", api.TransactionFilter{Limit: 1}, 1},
			{"offset past end", api.TransactionFilter{Offset: 5}, 0},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				got, err := s.ListTransactions(ctx, tc.filter)
				if err != nil {
					t.Fatal(err)
				}
				if len(got) != tc.want {
					t.Errorf("got %d, want %d", len(got), tc.want)
				}
			})
		}
	})

	t.Run("manual transaction crud", func(t *testing.T) {
		saved, err := s.SaveTransaction(ctx, api.Transaction{
			RawDescription: "Cash rent", Amount: decimal.NewFromInt(1500), Date: date("2024-06-01"), Source: "manual",
		})
		if err != nil {
			t.Fatalf("SaveTransaction: %v", err)
		}
		if saved.ID == "" || saved.Currency != api.DefaultCurrency {
			t.Errorf("saved: %+v", saved)
		}

		updated, err := s.UpdateTransaction(ctx, saved.ID, api.TransactionPatch{Category: ptr("Rent"), Merchant: ptr("Landlord")})
		if err != nil {
			t.Fatalf("UpdateTransaction: %v", err)
		}
		if updated.CategoryName() != "Rent" || updated.Merchant != "Landlord" || updated.ClassifiedAt == nil {
			t.Errorf("updated: %+v", updated)
		}

		cleared, err := s.UpdateTransaction(ctx, saved.ID, api.TransactionPatch{Category: ptr("")})
		if err != nil {
			t.Fatal(err)
		}
		if cleared.Category != nil || cleared.ClassifiedAt != nil {
			t.Errorf("empty category should clear classification: %+v", cleared)
		}

		if _, err := s.UpdateTransaction(ctx, "missing", api.TransactionPatch{Merchant: ptr("x")}); !errors.Is(err, api.ErrNotFound) {
			t.Errorf("update missing: got %v", err)
		}
		if err := s.DeleteTransaction(ctx, saved.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetTransaction(ctx, saved.ID); !errors.Is(err, api.ErrNotFound) {
			t.Errorf("get deleted: got %v", err)
		}
		if err := s.DeleteTransaction(ctx, saved.ID); !errors.Is(err, api.ErrNotFound) {
			t.Errorf("delete twice: got %v", err)
		}
	})

	t.Run("rules", func(t *testing.T) {
		created, err := s.CreateRule(ctx, api.Rule{Pattern: "shop", TargetCategory: "Shopping", Priority: 20, Enabled: true})
		if err != nil {
			t.Fatalf("CreateRule: %v", err)
		}
		if created.ID == "" || created.MatchType != api.MatchContains || created.Field != api.FieldDescription {
			t.Errorf("created: %+v", created)
		}

		n, err := s.ImportRules(ctx, []api.Rule{
			{ID: "a", Pattern: "x", TargetCategory: "A", Priority: 10, Enabled: true},
			{ID: "b", Pattern: "y", TargetCategory: "B", Priority: 10, Enabled: false},
		})
		if err != nil || n != 2 {
			t.Fatalf("ImportRules: %d, %v", n, err)
		}

		rules, err := s.ListRules(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(rules) != 3 || rules[0].ID != "a" || rules[1].ID != "b" || rules[2].ID != created.ID {
			t.Errorf("order: %+v", rules)
		}

		created.TargetCategory = "Retail"
		if _, err := s.UpdateRule(ctx, created); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetRule(ctx, created.ID)
		if err != nil || got.TargetCategory != "Retail" {
			t.Errorf("GetRule: %+v, %v", got, err)
		}
		if _, err := s.UpdateRule(ctx, api.Rule{ID: "missing", Pattern: "x", TargetCategory: "y"}); !errors.Is(err, api.ErrNotFound) {
			t.Errorf("update missing: got %v", err)
		}
		for _, id := range []string{"a", "b", created.ID} {
			if err := s.DeleteRule(ctx, id); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.DeleteRule(ctx, "a"); !errors.Is(err, api.ErrNotFound) {
			t.Errorf("delete twice: got %v", err)
		}
	})

	t.Run("apply classifications", func(t *testing.T) {
		txns, err := s.ListForReclassify(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		for i := range txns {
			txns[i].Category = ptr("Misc")
			txns[i].RuleID = "r-misc"
			txns[i].Bucket = "Wants"
			txns[i].OriginalBucket = "Expense"
		}
		if err := s.ApplyClassifications(ctx, txns); err != nil {
			t.Fatalf("ApplyClassifications: %v", err)
		}

		unclassified, err := s.ListTransactions(ctx, api.TransactionFilter{Unclassified: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(unclassified) != 0 {
			t.Errorf("unclassified after apply: %d", len(unclassified))
		}
		stored, err := s.GetTransaction(ctx, txns[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Bucket != "Wants" || stored.OriginalBucket != "Expense" {
			t.Errorf("buckets: got %q/%q", stored.Bucket, stored.OriginalBucket)
		}

		since := date("2024-06-04")
		recent, err := s.ListForReclassify(ctx, &since)
		if err != nil {
			t.Fatal(err)
		}
		if len(recent) != 1 {
			t.Errorf("since filter: got %d, want 1", len(recent))
		}
	})

	t.Run("cursor and stats", func(t *testing.T) {
		zero, err := s.Cursor(ctx, "gmail")
		if err != nil || !zero.IsZero() {
			t.Fatalf("initial cursor: %v, %v", zero, err)
		}
		at := time.Date(2024, 6, 5, 10, 0, 0, 0, time.UTC)
		if err := s.SetCursor(ctx, "gmail", at); err != nil {
			t.Fatal(err)
		}
		got, err := s.Cursor(ctx, "gmail")
		if err != nil || !got.Equal(at) {
			t.Errorf("cursor: got %v, %v", got, err)
		}

		st, err := s.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st.Transactions != 2 || st.Unclassified != 0 || !st.Cursors["gmail"].Equal(at) {
			t.Errorf("stats: %+v", st)
		}
	})
}
