package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/classify"
	"github.com/pennywise-app/pennywise/pkg/extract"
	"github.com/pennywise-app/pennywise/pkg/logging"
)

func TestFixtureName(t *testing.T) {
	received := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{"plain", "Your card was charged", "chase_2024-06-01_093000_Your_card_was_charged.txt"},
		{"unsafe", `A/B: "x"?`, "chase_2024-06-01_093000_A_B_x.txt"},
		{"empty", "", "chase_2024-06-01_093000.txt"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := fixtureName("chase", extract.Email{Subject: tc.subject, Received: received})
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}

	long := fixtureName("chase", extract.Email{Subject: strings.Repeat("x", 300), Received: received})
	if len(long) != 204 {
		t.Errorf("long name length %d", len(long))
	}
}

func TestExplain(t *testing.T) {
	engine := classify.New([]api.Rule{
		{ID: "coffee", Pattern: "starbucks", TargetCategory: "Food", Subcategory: "Coffee", MerchantRename: "Starbucks", Priority: 1, Enabled: true},
	}, classify.WithLogger(logging.Discard()))

	var buf bytes.Buffer
	if err := explain(&buf, engine, "STARBUCKS STORE 1234", ""); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"coffee", "Food", "Coffee", "Starbucks"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}

	buf.Reset()
	if err := explain(&buf, engine, "UNKNOWN SHOP", ""); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No rule matched") {
		t.Errorf("unexpected output: %s", buf.String())
	}

	if err := explain(&buf, engine, "  ", ""); err == nil {
		t.Error("expected error for blank description")
	}
}

func TestPrintRules(t *testing.T) {
	var buf bytes.Buffer
	err := printRules(&buf, []api.Rule{
		{ID: "a", Pattern: "uber", TargetCategory: "Transport", Priority: 1, Enabled: true},
		{ID: "b", Pattern: "^AMZN", MatchType: api.MatchRegex, Field: api.FieldMerchant, TargetCategory: "Shopping", Priority: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "contains") || !strings.Contains(lines[2], "regex(merchant)") {
		t.Errorf("match column:\n%s", buf.String())
	}
}
