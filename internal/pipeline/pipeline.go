// Package pipeline classifies ingested transactions on their way from a
// reader to the writers.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/classify"
)

// DefaultMaxBatch caps how many queued transactions are classified together.
const DefaultMaxBatch = 100

// Config holds classifier stage settings.
type Config struct {
	// RulesRefresh is how long a rule snapshot is reused. Zero reloads the
	// rules for every batch.
	RulesRefresh time.Duration
	// Workers is passed to classify.WithWorkers.
	Workers int
	// MaxBatch defaults to DefaultMaxBatch.
	MaxBatch int
	// RetryDelay is the initial wait between rule load attempts.
	RetryDelay time.Duration
}

// Classifier is the stage between a reader and the writers.
type Classifier struct {
	rules  api.RuleSource
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	engine *classify.Engine
	loaded time.Time
}

// New creates a classifier stage reading rules from rules.
func New(rules api.RuleSource, cfg Config, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Classifier{
		rules:  rules,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run classifies everything received on in and forwards it to out, which is
// closed on return. Rejected transactions are logged and dropped. A batch that
// arrives while the rules cannot be read is dropped unacknowledged and Run
// keeps going; the next batch tries the rules again. Run only returns early
// when ctx is done.
func (c *Classifier) Run(ctx context.Context, in <-chan *api.Transaction, out chan<- *api.Transaction) error {
	defer close(out)

	for {
		batch, open := c.next(ctx, in)
		if len(batch) > 0 {
			if err := c.process(ctx, batch, out); err != nil {
				return err
			}
		}
		if !open {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// next blocks for one transaction and then takes whatever else is queued.
func (c *Classifier) next(ctx context.Context, in <-chan *api.Transaction) ([]*api.Transaction, bool) {
	var batch []*api.Transaction

	select {
	case <-ctx.Done():
		return nil, true
	case t, ok := <-in:
		if !ok {
			return nil, false
		}
		if t != nil {
			batch = append(batch, t)
		}
	}

	for len(batch) < c.cfg.MaxBatch {
		select {
		case t, ok := <-in:
			if !ok {
				return batch, false
			}
			if t != nil {
				batch = append(batch, t)
			}
		default:
			return batch, true
		}
	}
	return batch, true
}

func (c *Classifier) process(ctx context.Context, batch []*api.Transaction, out chan<- *api.Transaction) error {
	engine, err := c.snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error("dropping batch, rules unavailable", "size", len(batch), "error", err)
		return nil
	}

	txns := make([]api.Transaction, len(batch))
	for i, t := range batch {
		txns[i] = *t
	}
	results := engine.ClassifyBatch(ctx, txns)

	for i, r := range results {
		if r.Err != nil {
			c.logger.Warn("rejecting transaction",
				"message_id", batch[i].MessageID,
				"source", batch[i].Source,
				"error", r.Err,
			)
			continue
		}
		t := r.Transaction
		select {
		case out <- &t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s := classify.Summarize(results)
	c.logger.Info("classified batch",
		"total", s.Total,
		"classified", s.Classified,
		"unclassified", s.Unclassified,
		"rejected", s.Rejected,
	)
	return nil
}

// snapshot returns the cached engine while it is fresh, otherwise loads the
// rules again with a few retries.
func (c *Classifier) snapshot(ctx context.Context) (*classify.Engine, error) {
	now := c.now()
	if c.engine != nil && c.cfg.RulesRefresh > 0 && now.Sub(c.loaded) < c.cfg.RulesRefresh {
		return c.engine, nil
	}

	var engine *classify.Engine
	err := retry.Do(
		func() error {
			var err error
			engine, err = classify.Load(ctx, c.rules,
				classify.WithWorkers(c.cfg.Workers),
				classify.WithLogger(c.logger),
			)
			return err
		},
		retry.Attempts(3),
		retry.Delay(c.cfg.RetryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("loading rule snapshot: %w", err)
	}

	c.engine = engine
	c.loaded = now
	c.logger.Debug("rule snapshot loaded", "active", engine.Len(), "skipped", len(engine.Warnings()))
	return engine, nil
}
