package mbox

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/extract"
	"github.com/pennywise-app/pennywise/pkg/logging"
)

type memCursors struct {
	mu      sync.Mutex
	cursors map[string]time.Time
}

func (m *memCursors) Cursor(_ context.Context, source string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[source], nil
}

func (m *memCursors) SetCursor(_ context.Context, source string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[source] = at
	return nil
}

// readAll runs one import and acknowledges the transactions ack accepts.
func readAll(t *testing.T, r *Reader, ack func(*api.Transaction) bool) []*api.Transaction {
	t.Helper()
	out := make(chan *api.Transaction, 10)
	acks := make(chan string, 10)
	done := make(chan error, 1)
	go func() { done <- r.Read(context.Background(), out, acks) }()

	var txns []*api.Transaction
	for txn := range out {
		txns = append(txns, txn)
		if ack(txn) {
			acks <- txn.MessageID
		}
	}
	close(acks)

	if err := <-done; err != nil {
		t.Fatalf("Read: %v", err)
	}
	return txns
}

func ackEvery(*api.Transaction) bool { return true }

func TestReader_Read(t *testing.T) {
	parsers, err := extract.Defaults()
	if err != nil {
		t.Fatal(err)
	}
	cursors := &memCursors{cursors: map[string]time.Time{}}

	r, err := New(Config{
		Path:    filepath.Join("testdata", "alerts.mbox"),
		Parsers: parsers,
		Cursors: cursors,
	}, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	txns := readAll(t, r, ackEvery)
	if len(txns) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txns))
	}

	tests := []struct {
		merchant  string
		amount    string
		account   string
		date      string
		messageID string
	}{
		{"Alex Smith", "42.5", "Venmo", "2024-06-03", "venmo-001@venmo.com"},
		{"STARBUCKS STORE 123", "23.45", "Chase 4321", "2024-06-04", "chase-001@chase.com"},
	}
	for i, tc := range tests {
		got := txns[i]
		if got.Merchant != tc.merchant {
			t.Errorf("[%d] merchant: got %q, want %q", i, got.Merchant, tc.merchant)
		}
		if got.Amount.String() != tc.amount {
			t.Errorf("[%d] amount: got %s, want %s", i, got.Amount, tc.amount)
		}
		if got.AccountName != tc.account {
			t.Errorf("[%d] account: got %q, want %q", i, got.AccountName, tc.account)
		}
		if d := got.Date.Format("2006-01-02"); d != tc.date {
			t.Errorf("[%d] date: got %s, want %s", i, d, tc.date)
		}
		if got.MessageID != tc.messageID {
			t.Errorf("[%d] message id: got %q, want %q", i, got.MessageID, tc.messageID)
		}
	}

	// A second import resumes after the newest message and finds nothing.
	if again := readAll(t, r, ackEvery); len(again) != 0 {
		t.Errorf("second import: got %d transactions, want 0", len(again))
	}
}

func TestReader_UnacknowledgedAreReimported(t *testing.T) {
	parsers, err := extract.Defaults()
	if err != nil {
		t.Fatal(err)
	}
	cursors := &memCursors{cursors: map[string]time.Time{}}
	r, err := New(Config{
		Path:    filepath.Join("testdata", "alerts.mbox"),
		Parsers: parsers,
		Cursors: cursors,
	}, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// The store never confirms the Chase alert.
	first := readAll(t, r, func(txn *api.Transaction) bool { return txn.MessageID != "chase-001@chase.com" })
	if len(first) != 2 {
		t.Fatalf("first import: got %d transactions, want 2", len(first))
	}
	want := time.Date(2024, 6, 3, 18, 4, 11, 0, time.UTC)
	if got := cursors.cursors[r.source]; !got.Equal(want) {
		t.Errorf("cursor: got %v, want %v", got, want)
	}

	again := readAll(t, r, ackEvery)
	if len(again) != 1 || again[0].MessageID != "chase-001@chase.com" {
		t.Fatalf("second import: got %d transactions, want the Chase alert", len(again))
	}
	if third := readAll(t, r, ackEvery); len(third) != 0 {
		t.Errorf("third import: got %d transactions, want 0", len(third))
	}
}

func TestCommittedCursor(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC) }
	scanned := []time.Time{day(3), day(1), day(5), day(4)}
	emitted := map[string]time.Time{"a": day(1), "b": day(4), "c": day(5)}

	tests := []struct {
		name  string
		acked map[string]bool
		want  time.Time
	}{
		{"all acknowledged", map[string]bool{"a": true, "b": true, "c": true}, day(5)},
		{"newest pending", map[string]bool{"a": true, "b": true}, day(4)},
		{"middle pending", map[string]bool{"a": true, "c": true}, day(3)},
		{"oldest pending", map[string]bool{"b": true, "c": true}, time.Time{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := committedCursor(scanned, emitted, func(id string) bool { return tc.acked[id] })
			if !got.Equal(tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNew_MissingFile(t *testing.T) {
	if _, err := New(Config{Path: filepath.Join("testdata", "missing.mbox")}, nil); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestReadBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		encoding    string
		body        string
		want        string
	}{
		{"plain", "text/plain", "", "hello", "hello"},
		{"base64", "text/plain", "base64", "aGVs\r\nbG8=", "hello"},
		{"quoted printable", "text/html", "quoted-printable", "<p style=3D\"x\">hi</p>", `<p style="x">hi</p>`},
		{
			"multipart prefers html",
			`multipart/alternative; boundary="x"`,
			"",
			"--x\r\nContent-Type: text/plain\r\n\r\nplain\r\n--x\r\nContent-Type: text/html\r\n\r\n<b>rich</b>\r\n--x--\r\n",
			"<b>rich</b>",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := readBody(tc.contentType, tc.encoding, strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("readBody: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
