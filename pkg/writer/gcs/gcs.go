// Package gcs implements a Writer that archives transactions to Google Cloud
// Storage as JSON lines, one object per flushed batch.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/avast/retry-go"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/writer/buffered"
)

// Uploader stores one object.
type Uploader interface {
	Upload(ctx context.Context, object string, data []byte) error
}

// Writer writes transaction batches to a bucket.
type Writer struct {
	uploader Uploader
	prefix   string
	now      func() time.Time
	logger   *slog.Logger
	buffered *buffered.Writer
}

// Config holds configuration for the GCS writer.
type Config struct {
	Bucket string `json:"bucket"`
	// Prefix is prepended to object names, e.g. "pennywise/transactions".
	Prefix        string `json:"prefix"`
	BatchSize     int    `json:"batch_size"`
	FlushInterval int    `json:"flush_interval"` // seconds
}

// New creates a GCS writer using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Writer, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return NewWithUploader(&bucketUploader{bucket: client.Bucket(cfg.Bucket), client: client}, cfg, logger), nil
}

// NewWithUploader creates a GCS writer around an existing uploader.
func NewWithUploader(uploader Uploader, cfg Config, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		uploader: uploader,
		prefix:   cfg.Prefix,
		now:      time.Now,
		logger:   logger,
	}
	w.buffered = buffered.New(w.flushBatch, buffered.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: time.Duration(cfg.FlushInterval) * time.Second,
	}, logger.With("component", "gcs_buffer"))

	logger.Info("gcs writer initialized", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return w
}

// Write consumes transactions from the input channel and uploads them in batches.
func (w *Writer) Write(ctx context.Context, in <-chan *api.Transaction, ackChan chan<- string) error {
	defer w.close()
	return w.buffered.Write(ctx, in, ackChan)
}

func (w *Writer) close() {
	if c, ok := w.uploader.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			w.logger.Warn("failed to close storage client", "error", err)
		}
	}
}

// ObjectName returns the object a batch flushed at t is written to.
func ObjectName(prefix string, t time.Time) string {
	t = t.UTC()
	return path.Join(prefix, t.Format("2006/01/02"), fmt.Sprintf("%d.jsonl", t.UnixNano()))
}

func (w *Writer) flushBatch(ctx context.Context, transactions []*api.Transaction) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range transactions {
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("encoding transaction %s: %w", t.ID, err)
		}
	}

	object := ObjectName(w.prefix, w.now())
	err := retry.Do(
		func() error { return w.uploader.Upload(ctx, object, buf.Bytes()) },
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", object, err)
	}

	w.logger.Debug("uploaded transaction batch", "object", object, "count", len(transactions))
	return nil
}

type bucketUploader struct {
	bucket *storage.BucketHandle
	client *storage.Client
}

func (u *bucketUploader) Upload(ctx context.Context, object string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	ow := u.bucket.Object(object).NewWriter(ctx)
	ow.ContentType = "application/x-ndjson"
	if _, err := ow.Write(data); err != nil {
		_ = ow.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if err := ow.Close(); err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}
	return nil
}

func (u *bucketUploader) Close() error {
	return u.client.Close()
}
