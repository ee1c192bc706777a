package csv

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/logging"
)

func writeAll(t *testing.T, path string, txns ...*api.Transaction) []string {
	t.Helper()
	w, err := New(Config{FilePath: path, BatchSize: 1}, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := make(chan *api.Transaction, len(txns))
	ack := make(chan string, len(txns))
	for _, txn := range txns {
		in <- txn
	}
	close(in)

	if err := w.Write(context.Background(), in, ack); err != nil {
		t.Fatalf("Write: %v", err)
	}
	close(ack)

	var acked []string
	for id := range ack {
		acked = append(acked, id)
	}
	return acked
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading csv: %v", err)
	}
	return rows
}

func TestWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	coffee := "Coffee"

	acked := writeAll(t, path,
		&api.Transaction{
			ID:             "t1",
			RawDescription: "STARBUCKS STORE 123, \"downtown\"",
			Merchant:       "Starbucks",
			Amount:         decimal.RequireFromString("4.5"),
			Currency:       "USD",
			Date:           time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
			Category:       &coffee,
			Source:         "chase",
			MessageID:      "m1",
		},
		&api.Transaction{
			ID:             "t2",
			RawDescription: "UNKNOWN",
			Amount:         decimal.RequireFromString("-10"),
			Currency:       "USD",
			Date:           time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC),
		},
	)

	if len(acked) != 1 || acked[0] != "m1" {
		t.Errorf("acks: got %v, want [m1]", acked)
	}

	rows := readRows(t, path)
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0][0] != "Date" || len(rows[0]) != len(Headers) {
		t.Errorf("header row: %v", rows[0])
	}
	want := []string{"2024-06-03", "STARBUCKS STORE 123, \"downtown\"", "Starbucks", "4.50", "USD", "Coffee", "", "", "", "chase", "t1"}
	for i := range want {
		if rows[1][i] != want[i] {
			t.Errorf("row 1 col %s: got %q, want %q", Headers[i], rows[1][i], want[i])
		}
	}
	if rows[2][5] != "" || rows[2][3] != "-10.00" {
		t.Errorf("unclassified row: %v", rows[2])
	}

	// Reopening appends without a second header.
	writeAll(t, path, &api.Transaction{ID: "t3", RawDescription: "X", Date: time.Now()})
	if rows := readRows(t, path); len(rows) != 4 {
		t.Errorf("after append: got %d rows, want 4", len(rows))
	}
}

func TestNew_MissingPath(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error")
	}
}
