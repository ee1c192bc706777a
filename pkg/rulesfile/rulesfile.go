// Package rulesfile reads and writes classification rules as YAML or JSON
// documents so rule sets can be versioned and shared.
package rulesfile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/classify"
)

// Document is the on-disk form. A bare list of rules is accepted as well.
type Document struct {
	Rules []Entry `yaml:"rules"`
}

// Entry is a rule as written by hand. Enabled defaults to true.
type Entry struct {
	ID             string         `yaml:"id"`
	Name           string         `yaml:"name,omitempty"`
	Pattern        string         `yaml:"pattern"`
	MatchType      api.MatchType  `yaml:"match_type,omitempty"`
	Field          api.MatchField `yaml:"field,omitempty"`
	TargetCategory string         `yaml:"target_category"`
	Subcategory    string         `yaml:"subcategory,omitempty"`
	Bucket         string         `yaml:"bucket,omitempty"`
	MerchantRename string         `yaml:"merchant_rename,omitempty"`
	Priority       int            `yaml:"priority"`
	Enabled        *bool          `yaml:"enabled,omitempty"`
}

func (e Entry) rule() api.Rule {
	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}
	return api.Rule{
		ID:             e.ID,
		Name:           e.Name,
		Pattern:        e.Pattern,
		MatchType:      e.MatchType,
		Field:          e.Field,
		TargetCategory: e.TargetCategory,
		Subcategory:    e.Subcategory,
		Bucket:         e.Bucket,
		MerchantRename: e.MerchantRename,
		Priority:       e.Priority,
		Enabled:        enabled,
	}
}

// Load reads rules from a YAML or JSON file.
func Load(path string) ([]api.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening rules file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses and validates a rules document. Every invalid rule is reported.
func Decode(r io.Reader) ([]api.Rule, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}

	var entries []Entry
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err == nil && doc.Rules != nil {
		entries = doc.Rules
	} else if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}

	rules := make([]api.Rule, 0, len(entries))
	var errs []error
	seen := make(map[string]int)
	for i, e := range entries {
		rule := e.rule()
		if err := classify.Validate(rule); err != nil {
			errs = append(errs, fmt.Errorf("rule %d (%s): %w", i, rule.ID, err))
			continue
		}
		if rule.ID != "" {
			if j, dup := seen[rule.ID]; dup {
				errs = append(errs, fmt.Errorf("rule %d: id %q already used by rule %d", i, rule.ID, j))
				continue
			}
			seen[rule.ID] = i
		}
		rules = append(rules, rule)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rules, nil
}

// Encode writes rules as a YAML document in evaluation order.
func Encode(w io.Writer, rules []api.Rule) error {
	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b api.Rule) int {
		return cmp.Or(cmp.Compare(a.Priority, b.Priority), cmp.Compare(a.ID, b.ID))
	})

	doc := Document{Rules: make([]Entry, 0, len(sorted))}
	for _, r := range sorted {
		enabled := r.Enabled
		doc.Rules = append(doc.Rules, Entry{
			ID:             r.ID,
			Name:           r.Name,
			Pattern:        r.Pattern,
			MatchType:      r.MatchType,
			Field:          r.Field,
			TargetCategory: r.TargetCategory,
			Subcategory:    r.Subcategory,
			Bucket:         r.Bucket,
			MerchantRename: r.MerchantRename,
			Priority:       r.Priority,
			Enabled:        &enabled,
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding rules: %w", err)
	}
	return enc.Close()
}

// Static is a fixed rule set.
type Static []api.Rule

// ListRules returns a copy of the rules.
func (s Static) ListRules(context.Context) ([]api.Rule, error) {
	return slices.Clone(s), nil
}
