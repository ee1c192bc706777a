// Package daemon runs the ingestion pipeline: reader, classifier, then the
// store and any export sinks.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pennywise-app/pennywise/internal/pipeline"
	"github.com/pennywise-app/pennywise/internal/plugins"
	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/config"
	pluginapi "github.com/pennywise-app/pennywise/pkg/plugins"
	"github.com/pennywise-app/pennywise/pkg/writer/tee"
)

// ReaderNone disables ingestion; transactions are then entered through the API.
const ReaderNone = "none"

// channelSize is the capacity of the transaction and ack channels.
const channelSize = 100

// ErrRefreshUnsupported is returned when the active reader cannot poll on demand.
var ErrRefreshUnsupported = errors.New("reader does not support refresh")

// Store is the primary sink. Rules and cursors are read from it as well.
type Store interface {
	api.Writer
	api.RuleSource
	api.CursorStore
}

// Status describes the ingestion pipeline.
type Status struct {
	Reader    string    `json:"reader"`
	Exporters []string  `json:"exporters"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Runner manages the ingestion daemon lifecycle.
type Runner struct {
	registry   *plugins.Registry
	store      Store
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	reader api.Reader
	status Status
}

// New creates a new daemon runner. httpClient may be nil when no OAuth token
// is available; plugins that need it then fail to start.
func New(registry *plugins.Registry, store Store, httpClient *http.Client, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		registry:   registry,
		store:      store,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Run starts ingestion with the given configuration. It blocks until the
// context is canceled, the reader finishes, or a stage fails.
func (r *Runner) Run(ctx context.Context, cfg config.Config) error {
	if cfg.ReaderPlugin == "" || cfg.ReaderPlugin == ReaderNone {
		r.logger.Info("ingestion disabled", "reader", cfg.ReaderPlugin)
		return nil
	}

	r.mu.Lock()
	deps := pluginapi.Deps{HTTPClient: r.httpClient, Cursors: r.store}
	r.mu.Unlock()

	deps.Logger = r.logger.With("component", "reader", "plugin", cfg.ReaderPlugin)
	reader, err := r.registry.CreateReader(ctx, cfg.ReaderPlugin, cfg.ReaderConfig, deps)
	if err != nil {
		return fmt.Errorf("creating reader: %w", err)
	}

	sinks := []tee.Named{{Name: "store", Writer: r.store}}
	exporters := make([]string, 0, len(cfg.Exporters))
	for _, exp := range cfg.Exporters {
		deps.Logger = r.logger.With("component", "writer", "plugin", exp.Plugin)
		w, err := r.registry.CreateWriter(ctx, exp.Plugin, exp.Config, deps)
		if err != nil {
			return fmt.Errorf("creating %s exporter: %w", exp.Plugin, err)
		}
		sinks = append(sinks, tee.Named{Name: exp.Plugin, Writer: w})
		exporters = append(exporters, exp.Plugin)
	}

	writer, err := tee.New(sinks, r.logger.With("component", "tee"))
	if err != nil {
		return fmt.Errorf("creating writer: %w", err)
	}

	classifier := pipeline.New(r.store, pipeline.Config{
		RulesRefresh: cfg.RulesRefreshInterval(),
		Workers:      cfg.ClassifyWorkers,
	}, r.logger.With("component", "classifier"))

	r.logger.Info("starting ingestion",
		"reader", cfg.ReaderPlugin,
		"exporters", exporters,
	)
	r.started(reader, Status{Reader: cfg.ReaderPlugin, Exporters: exporters})

	raw := make(chan *api.Transaction, channelSize)
	classified := make(chan *api.Transaction, channelSize)
	ackChan := make(chan string, channelSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := reader.Read(gctx, raw, ackChan); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("reader: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := classifier.Run(gctx, raw, classified); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("classifier: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// The writer is the only sender; readers waiting on acks see the end of the stream.
		defer close(ackChan)
		if err := writer.Write(gctx, classified, ackChan); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("writer: %w", err)
		}
		return nil
	})

	err = g.Wait()
	r.stopped(err)
	if err != nil {
		r.logger.Error("ingestion stopped", "error", err)
		return err
	}
	r.logger.Info("ingestion stopped")
	return nil
}

func (r *Runner) started(reader api.Reader, st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st.Running = true
	st.StartedAt = time.Now()
	r.reader = reader
	r.status = st
}

func (r *Runner) stopped(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reader = nil
	r.status.Running = false
	if err != nil {
		r.status.LastError = err.Error()
	}
}

// SetHTTPClient replaces the authorized client used by the next Run.
func (r *Runner) SetHTTPClient(c *http.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.httpClient = c
}

// Refresh asks the running reader to poll now. It reports false when a poll
// is already pending.
func (r *Runner) Refresh() (bool, error) {
	r.mu.Lock()
	reader := r.reader
	r.mu.Unlock()

	refresher, ok := reader.(api.Refresher)
	if !ok {
		return false, ErrRefreshUnsupported
	}
	return refresher.Refresh(), nil
}

// Status returns a snapshot of the pipeline state.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
