package extract

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func loadEmailFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "emails", name))
	if err != nil {
		t.Fatalf("failed to load email fixture: %v", err)
	}
	return string(data)
}

func TestDefaults_Extract(t *testing.T) {
	parsers, err := Defaults()
	if err != nil {
		t.Fatalf("Defaults: %v", err)
	}

	received := time.Date(2024, 6, 3, 23, 30, 0, 0, time.UTC)

	tests := []struct {
		name         string
		from         string
		subject      string
		fixture      string
		wantParser   string
		wantAmount   string
		wantMerchant string
		wantAccount  string
		wantBucket   string
	}{
		{
			name:         "venmo payment sent",
			from:         "Venmo <venmo@venmo.com>",
			subject:      "You paid Alex Smith $42.50",
			wantParser:   "venmo-paid",
			wantAmount:   "42.5",
			wantMerchant: "Alex Smith",
			wantAccount:  "Venmo",
			wantBucket:   "Expense",
		},
		{
			name:         "venmo payment received",
			from:         "Venmo <venmo@venmo.com>",
			subject:      "Alex Smith paid you $1,020.00",
			wantParser:   "venmo-received",
			wantAmount:   "-1020",
			wantMerchant: "Alex Smith",
			wantAccount:  "Venmo",
			wantBucket:   "Income",
		},
		{
			name:         "american express large purchase",
			from:         "American Express <AmericanExpress@welcome.americanexpress.com>",
			subject:      "Large Purchase Approved",
			fixture:      "amex_large_purchase.html",
			wantParser:   "amex-large-purchase",
			wantAmount:   "245.1",
			wantMerchant: "WHOLE FOODS MARKET",
			wantAccount:  "American Express 41007",
			wantBucket:   "Expense",
		},
		{
			name:         "chase transfer",
			from:         "Chase <no.reply.alerts@chase.com>",
			subject:      "You sent $1,250.00 to Jane Doe",
			fixture:      "chase_transfer.html",
			wantParser:   "chase-transfer",
			wantAmount:   "1250",
			wantMerchant: "Jane Doe",
			wantAccount:  "Chase 1234",
			wantBucket:   "Transfer",
		},
		{
			name:         "chase card transaction",
			from:         "no.reply.alerts@chase.com",
			subject:      "You made a $23.45 transaction with STARBUCKS STORE 123",
			fixture:      "chase_card.html",
			wantParser:   "chase-card",
			wantAmount:   "23.45",
			wantMerchant: "STARBUCKS STORE 123",
			wantAccount:  "Chase 4321",
		},
		{
			name:         "chase direct deposit",
			from:         "Chase <no.reply.alerts@chase.com>",
			subject:      "Your direct deposit of $2,450.00 posted to account (...6789)",
			wantParser:   "chase-direct-deposit",
			wantAmount:   "-2450",
			wantMerchant: "Direct Deposit",
			wantAccount:  "Chase 6789",
			wantBucket:   "Income",
		},
		{
			name:         "capital one charge",
			from:         "Capital One <capitalone@notification.capitalone.com>",
			subject:      "A new transaction was charged to your account",
			fixture:      "capitalone_charge.html",
			wantParser:   "capitalone-charge",
			wantAmount:   "58.23",
			wantMerchant: "TRADER JOE'S #552",
			wantAccount:  "Capital One 9876",
		},
		{
			name:         "wells fargo card purchase",
			from:         "Wells Fargo Online <alerts@notify.wellsfargo.com>",
			subject:      "You made a credit card purchase of $89.99",
			fixture:      "wellsfargo_card.html",
			wantParser:   "wellsfargo-card",
			wantAmount:   "89.99",
			wantMerchant: "SHELL OIL 5744",
			wantAccount:  "Wells Fargo 5678",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			email := Email{ID: "msg-1", From: tc.from, Subject: tc.subject, Received: received}
			if tc.fixture != "" {
				email.Body = loadEmailFixture(t, tc.fixture)
			}

			p := Find(parsers, email)
			if p == nil {
				t.Fatal("no parser matched")
			}
			if p.Name != tc.wantParser {
				t.Fatalf("parser: got %q, want %q", p.Name, tc.wantParser)
			}

			txn, err := p.Extract(email)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}

			if !txn.Amount.Equal(decimal.RequireFromString(tc.wantAmount)) {
				t.Errorf("amount: got %s, want %s", txn.Amount, tc.wantAmount)
			}
			if txn.Merchant != tc.wantMerchant {
				t.Errorf("merchant: got %q, want %q", txn.Merchant, tc.wantMerchant)
			}
			if txn.RawDescription != tc.wantMerchant {
				t.Errorf("raw description: got %q, want %q", txn.RawDescription, tc.wantMerchant)
			}
			if txn.AccountName != tc.wantAccount {
				t.Errorf("account: got %q, want %q", txn.AccountName, tc.wantAccount)
			}
			if txn.Bucket != tc.wantBucket {
				t.Errorf("bucket: got %q, want %q", txn.Bucket, tc.wantBucket)
			}
			if got := txn.Date.Format("2006-01-02"); got != "2024-06-03" {
				t.Errorf("date: got %s", got)
			}
			if txn.MessageID != "msg-1" || txn.ID == "" {
				t.Errorf("ids: message %q, id %q", txn.MessageID, txn.ID)
			}
			if txn.Category != nil {
				t.Errorf("extracted transaction should be unclassified, got %q", *txn.Category)
			}
		})
	}
}

func TestFind_NoMatch(t *testing.T) {
	parsers, err := Defaults()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		email Email
	}{
		{"unknown sender", Email{From: "news@example.com", Subject: "You paid Alex $4.00"}},
		{"venmo non-transaction email", Email{From: "venmo@venmo.com", Subject: "Your monthly statement"}},
		{"amex non-transaction email", Email{From: "AmericanExpress@welcome.americanexpress.com", Subject: "Your statement is ready"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if p := Find(parsers, tc.email); p != nil {
				t.Errorf("unexpected match: %s", p.Name)
			}
		})
	}
}

func TestExtract_EdgeCases(t *testing.T) {
	p, err := Compile(Config{
		Name:     "test",
		Subject:  "alert",
		Amount:   PatternConfig{Regex: `USD\s*([\d,]+\.?\d*)`},
		Merchant: PatternConfig{Regex: `at\s+(\w+)`},
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	_, err = p.Extract(Email{Subject: "alert", Body: "Hello, this is a test email with no transaction."})
	if !errors.Is(err, ErrNoAmount) {
		t.Errorf("no amount: got %v, want ErrNoAmount", err)
	}

	txn, err := p.Extract(Email{Subject: "card alert", Body: "Charge of USD 500"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if txn.Merchant != "" || txn.RawDescription != "card alert" {
		t.Errorf("missing merchant should fall back to subject: %+v", txn)
	}
	if txn.Source != "test" || txn.Currency != "USD" {
		t.Errorf("defaults: source %q currency %q", txn.Source, txn.Currency)
	}
}

func TestCompile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing amount", Config{Name: "a"}},
		{"bad amount regex", Config{Name: "a", Amount: PatternConfig{Regex: "("}}},
		{"bad subject regex", Config{Name: "a", Subject: "[", Amount: PatternConfig{Regex: `(\d+)`}}},
		{"bad location", Config{Name: "a", Amount: PatternConfig{Regex: `(\d+)`, In: "header"}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Compile(tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestText(t *testing.T) {
	html := `<html><head><title>t</title><style>p{}</style></head>
<body><p>Hello   &amp; welcome</p><script>var x = 1;</script><div>Line two</div></body></html>`

	got := Text(html)
	want := "Hello & welcome\nLine two"
	if got != want {
		t.Errorf("Text: got %q, want %q", got, want)
	}

	plain := "Amount\r\n$4.00"
	if got := Text(plain); got != "Amount\n$4.00" {
		t.Errorf("plain text: got %q", got)
	}
	if !strings.Contains(Text(loadEmailFixture(t, "amex_large_purchase.html")), "WHOLE FOODS MARKET\n$245.10*") {
		t.Error("amex fixture did not keep merchant and amount on adjacent lines")
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"$1,234.56", "1234.56", false},
		{"500", "500", false},
		{"12,34,567.89", "1234567.89", false},
		{"abc", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseAmount(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}
