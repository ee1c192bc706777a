// Package tee fans one transaction stream out to several writers.
package tee

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pennywise-app/pennywise/pkg/api"
)

// Named pairs a writer with the name used in logs.
type Named struct {
	Name   string
	Writer api.Writer
}

// Writer sends every transaction to all of its sinks. A message ID is
// acknowledged upstream only after every sink has acknowledged it.
type Writer struct {
	sinks  []Named
	buffer int
	logger *slog.Logger
}

// New creates a tee over sinks.
func New(sinks []Named, logger *slog.Logger) (*Writer, error) {
	if len(sinks) == 0 {
		return nil, errors.New("tee requires at least one writer")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{sinks: sinks, buffer: 10, logger: logger}, nil
}

// Write forwards transactions until in is closed or a sink fails.
func (w *Writer) Write(ctx context.Context, in <-chan *api.Transaction, ackChan chan<- string) error {
	if len(w.sinks) == 1 {
		return w.sinks[0].Writer.Write(ctx, in, ackChan)
	}

	g, gctx := errgroup.WithContext(ctx)

	ins := make([]chan *api.Transaction, len(w.sinks))
	acks := make([]chan string, len(w.sinks))
	merged := make(chan string, w.buffer)

	var forwarders sync.WaitGroup
	for i, sink := range w.sinks {
		ins[i] = make(chan *api.Transaction, w.buffer)
		acks[i] = make(chan string, w.buffer)

		g.Go(func() error {
			err := sink.Writer.Write(gctx, ins[i], acks[i])
			if err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("sink failed", "sink", sink.Name, "error", err)
				return err
			}
			w.logger.Info("sink stopped", "sink", sink.Name)
			return nil
		})

		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			for id := range acks[i] {
				merged <- id
			}
		}()
	}

	aggregated := make(chan struct{})
	go func() {
		defer close(aggregated)
		w.aggregate(ctx, merged, ackChan)
	}()

	g.Go(func() error {
		defer func() {
			for _, c := range ins {
				close(c)
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return nil
			case txn, ok := <-in:
				if !ok {
					return nil
				}
				for _, c := range ins {
					select {
					case c <- txn:
					case <-gctx.Done():
						return nil
					}
				}
			}
		}
	})

	err := g.Wait()
	for _, c := range acks {
		close(c)
	}
	forwarders.Wait()
	close(merged)
	<-aggregated

	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (w *Writer) aggregate(ctx context.Context, merged <-chan string, ackChan chan<- string) {
	pending := make(map[string]int)
	for id := range merged {
		pending[id]++
		if pending[id] < len(w.sinks) {
			continue
		}
		delete(pending, id)
		if ackChan == nil {
			continue
		}
		select {
		case ackChan <- id:
		case <-ctx.Done():
		}
	}
	if len(pending) > 0 {
		w.logger.Warn("messages not acknowledged by every sink", "count", len(pending))
	}
}
