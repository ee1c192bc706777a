package classify

import (
	"context"
	"errors"
	"fmt"

	"github.com/pennywise-app/pennywise/pkg/api"
)

// ErrRulesUnavailable is wrapped when the rule set cannot be read. No
// transaction may be classified or persisted against a missing snapshot.
var ErrRulesUnavailable = errors.New("rules unavailable")

// Load takes a snapshot of src and compiles it. The returned engine does not
// observe later rule edits.
func Load(ctx context.Context, src api.RuleSource, opts ...Option) (*Engine, error) {
	rules, err := src.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRulesUnavailable, err)
	}
	return New(rules, opts...), nil
}
