package classify

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// nfkc applies compatibility normalization so visually identical text compares equal.
func nfkc(s string) string {
	return norm.NFKC.String(s)
}

// fold returns s in a form suitable for case-insensitive comparison.
// A new Caser is created per call because Casers are not safe for concurrent use.
func fold(s string) string {
	return cases.Fold().String(nfkc(s))
}

// collapseSpace trims s and replaces internal whitespace runs with a single space.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// DeriveMerchant returns the merchant name implied by a raw description.
func DeriveMerchant(rawDescription string) string {
	return collapseSpace(nfkc(rawDescription))
}
