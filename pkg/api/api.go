// Package api defines the core interfaces and data structures for pennywise.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// DefaultCurrency is applied to transactions that arrive without one.
const DefaultCurrency = "USD"

// DateLayout is the calendar date format used on the wire and in filters.
const DateLayout = "2006-01-02"

// Transaction is a single money movement on one of the user's accounts.
type Transaction struct {
	ID             string          `json:"id"`
	RawDescription string          `json:"raw_description"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Date           time.Time       `json:"date"`
	AccountName    string          `json:"account_name"`
	Merchant       string          `json:"merchant"`
	// OriginalMerchant is the merchant as extracted at ingestion. Rules match
	// against it so renames do not affect later passes.
	OriginalMerchant string `json:"original_merchant,omitempty"`
	// Category is nil while the transaction is unclassified.
	Category    *string `json:"category"`
	Subcategory string  `json:"subcategory,omitempty"`
	// Bucket is the coarse grouping (Expense, Income, Transfer).
	Bucket string `json:"bucket,omitempty"`
	// OriginalBucket is the bucket assigned at ingestion, restored when the
	// rule that overrode it no longer matches.
	OriginalBucket string `json:"original_bucket,omitempty"`
	IsRecurring    bool   `json:"is_recurring"`
	Source         string `json:"source"`
	// MessageID is the email message ID (used for marking as read after successful write).
	MessageID string `json:"-"`

	// RuleID is the rule that assigned Category, empty when unclassified.
	RuleID       string     `json:"rule_id,omitempty"`
	ClassifiedAt *time.Time `json:"classified_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CategoryName returns the category or an empty string when unclassified.
func (t *Transaction) CategoryName() string {
	if t.Category == nil {
		return ""
	}
	return *t.Category
}

// Classified reports whether a category has been assigned.
func (t *Transaction) Classified() bool {
	return t.Category != nil
}

// MatchType selects how a rule pattern is compared against transaction text.
type MatchType string

// Supported match types. MatchContains is the default.
const (
	MatchContains MatchType = "contains"
	MatchRegex    MatchType = "regex"
	MatchExact    MatchType = "exact"
)

// MatchField selects which transaction field a rule pattern is evaluated against.
type MatchField string

// Supported match fields. FieldDescription is the default.
const (
	FieldDescription MatchField = "description"
	FieldMerchant    MatchField = "merchant"
)

// Rule maps a pattern to a category. Lower Priority values are evaluated first.
type Rule struct {
	ID             string     `json:"id" yaml:"id"`
	Name           string     `json:"name,omitempty" yaml:"name,omitempty"`
	Pattern        string     `json:"pattern" yaml:"pattern"`
	MatchType      MatchType  `json:"match_type,omitempty" yaml:"match_type,omitempty"`
	Field          MatchField `json:"field,omitempty" yaml:"field,omitempty"`
	TargetCategory string     `json:"target_category" yaml:"target_category"`
	Subcategory    string     `json:"subcategory,omitempty" yaml:"subcategory,omitempty"`
	Bucket         string     `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	// MerchantRename replaces the derived merchant name on match.
	MerchantRename string    `json:"merchant_rename,omitempty" yaml:"merchant_rename,omitempty"`
	Priority       int       `json:"priority" yaml:"priority"`
	Enabled        bool      `json:"enabled" yaml:"enabled"`
	CreatedAt      time.Time `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}

// Reader reads transactions from a source and sends them to the provided channel.
// Implementations should close the channel when done or on error.
// The ackChan is used to receive acknowledgments of successfully written transactions.
type Reader interface {
	Read(ctx context.Context, out chan<- *Transaction, ackChan <-chan string) error
}

// Refresher is implemented by readers that can poll their source on demand.
type Refresher interface {
	Refresh() bool
}

// Writer consumes transactions from a channel and writes them to a destination.
// Successfully written transaction message IDs are sent to the ackChan.
type Writer interface {
	Write(ctx context.Context, in <-chan *Transaction, ackChan chan<- string) error
}

// RuleSource supplies a snapshot of the current rule set, ordered by priority then id.
type RuleSource interface {
	ListRules(ctx context.Context) ([]Rule, error)
}

// RuleStore persists user-defined rules.
type RuleStore interface {
	RuleSource
	GetRule(ctx context.Context, id string) (Rule, error)
	CreateRule(ctx context.Context, rule Rule) (Rule, error)
	UpdateRule(ctx context.Context, rule Rule) (Rule, error)
	DeleteRule(ctx context.Context, id string) error
}

// TransactionFilter narrows a transaction listing. Zero values are ignored.
type TransactionFilter struct {
	Merchant     string
	Category     string
	Subcategory  string
	AccountName  string
	StartDate    *time.Time
	EndDate      *time.Time
	Unclassified bool
	Limit        int
	Offset       int
}

// TransactionPatch is a partial update. Nil fields are left unchanged.
type TransactionPatch struct {
	Merchant    *string          `json:"merchant,omitempty"`
	Category    *string          `json:"category,omitempty"`
	Subcategory *string          `json:"subcategory,omitempty"`
	Bucket      *string          `json:"bucket,omitempty"`
	AccountName *string          `json:"account_name,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Date        *time.Time       `json:"date,omitempty"`
	IsRecurring *bool            `json:"is_recurring,omitempty"`
}

// Empty reports whether the patch would change nothing.
func (p TransactionPatch) Empty() bool {
	return p.Merchant == nil && p.Category == nil && p.Subcategory == nil &&
		p.Bucket == nil && p.AccountName == nil && p.Amount == nil &&
		p.Date == nil && p.IsRecurring == nil
}

// TransactionStore persists transactions.
type TransactionStore interface {
	SaveTransaction(ctx context.Context, txn Transaction) (Transaction, error)
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	UpdateTransaction(ctx context.Context, id string, patch TransactionPatch) (Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error
	// ListForReclassify returns transactions dated on or after since, or all when since is nil.
	ListForReclassify(ctx context.Context, since *time.Time) ([]Transaction, error)
	// ApplyClassifications persists the classification fields of every transaction
	// in one database transaction. Either all rows are updated or none are.
	ApplyClassifications(ctx context.Context, txns []Transaction) error
}

// CursorStore tracks how far an ingestion source has read.
type CursorStore interface {
	Cursor(ctx context.Context, source string) (time.Time, error)
	SetCursor(ctx context.Context, source string, at time.Time) error
}

// Stats summarizes stored data for status reporting.
type Stats struct {
	Transactions int                  `json:"transactions"`
	Unclassified int                  `json:"unclassified"`
	Rules        int                  `json:"rules"`
	EnabledRules int                  `json:"enabled_rules"`
	Cursors      map[string]time.Time `json:"cursors"`
}

// StatsSource reports Stats.
type StatsSource interface {
	Stats(ctx context.Context) (Stats, error)
}
