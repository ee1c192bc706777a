// Package extract turns bank notification emails into raw transactions.
//
// Each Parser recognizes one kind of notification by sender and subject and
// pulls the amount, merchant and account out of the subject or body with
// regular expressions. Parsers are configured as JSON so new banks can be
// added without code changes.
package extract

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pennywise-app/pennywise/pkg/api"
)

// ErrNoAmount is returned when a matching email does not contain an amount.
var ErrNoAmount = errors.New("amount not found")

// Email is the subset of a message that parsers look at.
type Email struct {
	ID       string
	From     string
	Subject  string
	Body     string
	Received time.Time
}

// Location names the part of an email a pattern is applied to.
type Location string

// Supported locations. LocationBody is the default.
const (
	LocationBody    Location = "body"
	LocationSubject Location = "subject"
)

// PatternConfig is a regular expression whose first capture group is the value.
type PatternConfig struct {
	Regex string   `json:"regex"`
	In    Location `json:"in,omitempty"`
}

// Config is the JSON form of a Parser.
type Config struct {
	Name string `json:"name"`
	// Query is the Gmail search query used to find candidate messages.
	Query string `json:"query,omitempty"`
	// From is the sender address; empty matches any sender.
	From string `json:"from,omitempty"`
	// Subject is a regular expression the subject must match.
	Subject  string        `json:"subject,omitempty"`
	Amount   PatternConfig `json:"amount"`
	Merchant PatternConfig `json:"merchant"`
	// MerchantName is used when the merchant pattern is empty or finds nothing,
	// e.g. an employer name for payroll deposits.
	MerchantName string        `json:"merchantName,omitempty"`
	Account      PatternConfig `json:"account,omitempty"`
	// AccountPrefix is prepended to the captured account number ("Chase" + "1234").
	AccountPrefix string `json:"accountPrefix,omitempty"`
	// Incoming marks money received; the amount is stored negated.
	Incoming bool   `json:"incoming,omitempty"`
	Bucket   string `json:"bucket,omitempty"`
	Currency string `json:"currency,omitempty"`
	Source   string `json:"source"`
	Enabled  bool   `json:"enabled"`
}

type pattern struct {
	re *regexp.Regexp
	in Location
}

func (p pattern) find(e Email, body string) string {
	if p.re == nil {
		return ""
	}
	text := body
	if p.in == LocationSubject {
		text = e.Subject
	}
	if m := p.re.FindStringSubmatch(text); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// Parser extracts transactions from one kind of notification email.
type Parser struct {
	Name          string
	Query         string
	From          string
	Subject       *regexp.Regexp
	Amount        pattern
	Merchant      pattern
	MerchantName  string
	Account       pattern
	AccountPrefix string
	Incoming      bool
	Bucket        string
	Currency      string
	Source        string
	Enabled       bool
}

// Compile validates cfg and compiles its patterns.
func Compile(cfg Config) (*Parser, error) {
	p := &Parser{
		Name:          cfg.Name,
		Query:         cfg.Query,
		From:          strings.ToLower(strings.TrimSpace(cfg.From)),
		MerchantName:  strings.TrimSpace(cfg.MerchantName),
		AccountPrefix: cfg.AccountPrefix,
		Incoming:      cfg.Incoming,
		Bucket:        cfg.Bucket,
		Currency:      cfg.Currency,
		Source:        cfg.Source,
		Enabled:       cfg.Enabled,
	}
	if p.Currency == "" {
		p.Currency = api.DefaultCurrency
	}
	if p.Source == "" {
		p.Source = cfg.Name
	}

	if cfg.Subject != "" {
		re, err := regexp.Compile(cfg.Subject)
		if err != nil {
			return nil, fmt.Errorf("compiling subject: %w", err)
		}
		p.Subject = re
	}

	var err error
	if cfg.Amount.Regex == "" {
		return nil, errors.New("amount regex is required")
	}
	if p.Amount, err = compilePattern(cfg.Amount); err != nil {
		return nil, fmt.Errorf("compiling amount: %w", err)
	}
	if p.Merchant, err = compilePattern(cfg.Merchant); err != nil {
		return nil, fmt.Errorf("compiling merchant: %w", err)
	}
	if p.Account, err = compilePattern(cfg.Account); err != nil {
		return nil, fmt.Errorf("compiling account: %w", err)
	}
	return p, nil
}

func compilePattern(cfg PatternConfig) (pattern, error) {
	p := pattern{in: cfg.In}
	if p.in == "" {
		p.in = LocationBody
	}
	if p.in != LocationBody && p.in != LocationSubject {
		return p, fmt.Errorf("unknown location %q", cfg.In)
	}
	if cfg.Regex == "" {
		return p, nil
	}
	re, err := regexp.Compile(cfg.Regex)
	if err != nil {
		return p, err
	}
	p.re = re
	return p, nil
}

// CompileAll compiles every config, failing on the first invalid one.
func CompileAll(cfgs []Config) ([]*Parser, error) {
	parsers := make([]*Parser, 0, len(cfgs))
	for i, cfg := range cfgs {
		p, err := Compile(cfg)
		if err != nil {
			return nil, fmt.Errorf("parser %d (%s): %w", i, cfg.Name, err)
		}
		parsers = append(parsers, p)
	}
	return parsers, nil
}

// Matches reports whether the email is a notification this parser handles.
func (p *Parser) Matches(e Email) bool {
	if !p.Enabled {
		return false
	}
	if p.From != "" && senderAddress(e.From) != p.From {
		return false
	}
	if p.Subject != nil && !p.Subject.MatchString(e.Subject) {
		return false
	}
	return true
}

// Extract builds a raw, unclassified transaction from the email.
func (p *Parser) Extract(e Email) (*api.Transaction, error) {
	body := Text(e.Body)

	rawAmount := p.Amount.find(e, body)
	if rawAmount == "" {
		return nil, ErrNoAmount
	}
	amount, err := ParseAmount(rawAmount)
	if err != nil {
		return nil, err
	}
	if p.Incoming {
		amount = amount.Neg()
	}

	merchant := p.Merchant.find(e, body)
	if merchant == "" {
		merchant = p.MerchantName
	}
	description := merchant
	if description == "" {
		description = strings.TrimSpace(e.Subject)
	}

	account := p.AccountPrefix
	if number := p.Account.find(e, body); number != "" {
		account = strings.TrimSpace(account + " " + number)
	}

	received := e.Received.UTC()
	return &api.Transaction{
		ID:               uuid.NewString(),
		RawDescription:   description,
		Amount:           amount,
		Currency:         p.Currency,
		Date:             time.Date(received.Year(), received.Month(), received.Day(), 0, 0, 0, 0, time.UTC),
		AccountName:      account,
		Merchant:         merchant,
		OriginalMerchant: merchant,
		Bucket:           p.Bucket,
		OriginalBucket:   p.Bucket,
		Source:           p.Source,
		MessageID:        e.ID,
	}, nil
}

// Find returns the first enabled parser that matches the email, or nil.
func Find(parsers []*Parser, e Email) *Parser {
	for _, p := range parsers {
		if p.Matches(e) {
			return p
		}
	}
	return nil
}

// ParseAmount parses a currency string such as "$1,234.56".
func ParseAmount(s string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer(",", "", "$", "", " ", "").Replace(s)
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return amount, nil
}

// senderAddress returns the lowercased address from a From header value such
// as "Venmo <venmo@venmo.com>".
func senderAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	if i, j := strings.Index(from, "<"), strings.Index(from, ">"); i >= 0 && j > i {
		return strings.ToLower(strings.TrimSpace(from[i+1 : j]))
	}
	return strings.ToLower(strings.TrimSpace(from))
}
