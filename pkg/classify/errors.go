package classify

import (
	"errors"
	"fmt"
)

// Sentinel errors wrapped by RuleError and TransactionError.
var (
	ErrEmptyPattern         = errors.New("empty pattern")
	ErrMissingCategory      = errors.New("missing target category")
	ErrUnknownMatchType     = errors.New("unknown match type")
	ErrUnknownField         = errors.New("unknown match field")
	ErrMalformedTransaction = errors.New("malformed transaction")
)

// RuleError describes a rule that was excluded from an engine snapshot.
// It is a warning: the remaining rules still apply.
type RuleError struct {
	RuleID  string
	Pattern string
	Err     error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s (pattern %q): %v", e.RuleID, e.Pattern, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// TransactionError reports a transaction that could not be classified because
// it is missing required data. Index is its position in the batch.
type TransactionError struct {
	Index  int
	ID     string
	Reason string
}

func (e *TransactionError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("transaction at index %d: %v: %s", e.Index, ErrMalformedTransaction, e.Reason)
	}
	return fmt.Sprintf("transaction %s at index %d: %v: %s", e.ID, e.Index, ErrMalformedTransaction, e.Reason)
}

func (e *TransactionError) Unwrap() error {
	return ErrMalformedTransaction
}
