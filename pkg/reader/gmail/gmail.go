// Package gmail implements a Reader that extracts transactions from bank
// notification emails in Gmail.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/extract"
)

// CursorSource is the key the reader's position is stored under.
const CursorSource = "gmail"

// Defaults for Config fields left empty.
const (
	DefaultInterval = 60 * time.Second
	DefaultOverlap  = 24 * time.Hour
	// DefaultBackfill is how far back the first poll looks when no cursor is stored.
	DefaultBackfill = 30 * 24 * time.Hour
)

// Reader reads transactions from Gmail messages.
type Reader struct {
	client   *gmail.Service
	parsers  []*extract.Parser
	interval time.Duration
	overlap  time.Duration
	backfill time.Duration
	markRead bool
	cursors  api.CursorStore
	delay    time.Duration
	logger   *slog.Logger

	refresh chan struct{}

	mu     sync.Mutex
	cursor time.Time
	seen   map[string]struct{}
}

// Config holds configuration for the Gmail reader.
type Config struct {
	// Parsers recognize and extract notification emails.
	Parsers []*extract.Parser
	// Interval between polls. Defaults to DefaultInterval.
	Interval time.Duration
	// Overlap is subtracted from the cursor when querying so late-indexed
	// messages are not missed. Defaults to DefaultOverlap.
	Overlap time.Duration
	// Backfill bounds the first poll when no cursor is stored.
	Backfill time.Duration
	// MarkRead removes the UNREAD label once a message has been stored.
	MarkRead bool
	// Cursors persists the ingestion position. Optional.
	Cursors api.CursorStore
	// RetryDelay is the initial delay between retries of rate limited calls.
	RetryDelay time.Duration
}

// New creates a new Gmail reader using an authorized HTTP client.
func New(httpClient *http.Client, cfg Config, logger *slog.Logger, opts ...option.ClientOption) (*Reader, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	client, err := gmail.NewService(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return NewWithService(client, cfg, logger), nil
}

// NewWithService creates a reader around an existing Gmail service.
func NewWithService(client *gmail.Service, cfg Config, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = DefaultOverlap
	}
	if cfg.Backfill <= 0 {
		cfg.Backfill = DefaultBackfill
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	return &Reader{
		client:   client,
		parsers:  cfg.Parsers,
		interval: cfg.Interval,
		overlap:  cfg.Overlap,
		backfill: cfg.Backfill,
		markRead: cfg.MarkRead,
		cursors:  cfg.Cursors,
		delay:    cfg.RetryDelay,
		logger:   logger,
		refresh:  make(chan struct{}, 1),
		seen:     make(map[string]struct{}),
	}
}

// Refresh requests an immediate poll. It returns false if one is already pending.
func (r *Reader) Refresh() bool {
	select {
	case r.refresh <- struct{}{}:
		return true
	default:
		return false
	}
}

// Read polls Gmail until the context is canceled and sends extracted
// transactions to out. Messages are marked read only after their ID arrives
// on ackChan.
func (r *Reader) Read(ctx context.Context, out chan<- *api.Transaction, ackChan <-chan string) error {
	defer close(out)

	go r.handleAcknowledgments(ctx, ackChan)

	if err := r.loadCursor(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.poll(ctx, out)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("gmail reader stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			r.poll(ctx, out)
		case <-r.refresh:
			r.logger.Info("refresh requested")
			r.poll(ctx, out)
		}
	}
}

func (r *Reader) loadCursor(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursors != nil {
		cursor, err := r.cursors.Cursor(ctx, CursorSource)
		if err != nil {
			return fmt.Errorf("loading cursor: %w", err)
		}
		r.cursor = cursor
	}
	if r.cursor.IsZero() {
		r.cursor = time.Now().Add(-r.backfill)
	}
	r.logger.Info("gmail reader starting", "cursor", r.cursor.Format(time.RFC3339), "parsers", len(r.parsers))
	return nil
}

// handleAcknowledgments marks emails as seen, and as read when configured,
// once they are written. Unacknowledged messages are emitted again by the next
// poll that still covers them.
func (r *Reader) handleAcknowledgments(ctx context.Context, ackChan <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msgID, ok := <-ackChan:
			if !ok {
				r.logger.Info("acknowledgment channel closed")
				return
			}
			r.markSeen(msgID)
			if r.markRead {
				r.markAsRead(ctx, msgID)
			}
		}
	}
}

func (r *Reader) markAsRead(ctx context.Context, msgID string) {
	_, err := r.client.Users.Messages.Modify("me", msgID, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	if err != nil {
		r.logger.Warn("failed to mark message as read", "message_id", msgID, "error", err)
		return
	}
	r.logger.Debug("marked message as read", "message_id", msgID)
}

// poll runs every enabled parser's query and emits new transactions. The
// cursor advances to the poll's start time once every query has been listed.
func (r *Reader) poll(ctx context.Context, out chan<- *api.Transaction) {
	started := time.Now()

	r.mu.Lock()
	since := r.cursor
	r.mu.Unlock()

	after := since.Add(-r.overlap)
	r.logger.Info("polling gmail", "since", since.Format(time.RFC3339))

	failed := false
	emitted := 0
	for _, p := range r.parsers {
		if !p.Enabled || p.Query == "" {
			continue
		}
		n, err := r.processParser(ctx, p, after, since, out)
		emitted += n
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failed = true
			r.logger.Error("failed to process parser", "parser", p.Name, "error", err)
		}
	}

	r.logger.Info("poll complete", "transactions", emitted, "duration", time.Since(started))
	if failed {
		return
	}

	r.mu.Lock()
	r.cursor = started
	r.mu.Unlock()

	if r.cursors != nil {
		if err := r.cursors.SetCursor(ctx, CursorSource, started); err != nil {
			r.logger.Warn("failed to store cursor", "error", err)
		}
	}
}

func (r *Reader) processParser(ctx context.Context, p *extract.Parser, after, since time.Time, out chan<- *api.Transaction) (int, error) {
	logger := r.logger.With("parser", p.Name, "source", p.Source)

	query := fmt.Sprintf("%s after:%d", p.Query, after.Unix())
	ids, err := r.listMessages(ctx, query)
	if err != nil {
		return 0, err
	}
	logger.Debug("found messages", "count", len(ids))

	emitted := 0
	for _, id := range ids {
		if r.wasSeen(id) {
			continue
		}
		txn, err := r.processMessage(ctx, id, p, since)
		if err != nil {
			logger.Warn("skipping message", "message_id", id, "error", err)
			r.markSeen(id)
			continue
		}
		if txn == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return emitted, ctx.Err()
		case out <- txn:
		}
		emitted++
	}
	return emitted, nil
}

func (r *Reader) listMessages(ctx context.Context, query string) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		var resp *gmail.ListMessagesResponse
		err := retry.Do(
			func() error {
				call := r.client.Users.Messages.List("me").Q(query).Context(ctx)
				if pageToken != "" {
					call = call.PageToken(pageToken)
				}
				var err error
				resp, err = call.Do()
				return err
			},
			retry.RetryIf(retryable),
			retry.Attempts(3),
			retry.Delay(r.delay),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return nil, fmt.Errorf("listing messages: %w", err)
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

// processMessage returns nil without error for messages that are out of
// range or not transaction notifications.
func (r *Reader) processMessage(ctx context.Context, msgID string, p *extract.Parser, since time.Time) (*api.Transaction, error) {
	msg, err := r.client.Users.Messages.Get("me", msgID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}

	email := ToEmail(msg)
	if !email.Received.After(since.Add(-r.overlap)) {
		return nil, nil
	}
	if !p.Matches(email) {
		r.logger.Debug("non transaction email", "message_id", msgID, "subject", email.Subject)
		r.markSeen(msgID)
		return nil, nil
	}

	txn, err := p.Extract(email)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("extracted transaction",
		"subject", email.Subject,
		"amount", txn.Amount.String(),
		"merchant", txn.Merchant,
		"message_id", msgID,
	)
	return txn, nil
}

func (r *Reader) wasSeen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[id]
	return ok
}

func (r *Reader) markSeen(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[id] = struct{}{}
}

// ToEmail converts a full-format Gmail message into the form parsers read.
func ToEmail(msg *gmail.Message) extract.Email {
	email := extract.Email{
		ID:       msg.Id,
		Received: time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload == nil {
		return email
	}
	for _, header := range msg.Payload.Headers {
		switch strings.ToLower(header.Name) {
		case "subject":
			email.Subject = header.Value
		case "from":
			email.From = header.Value
		}
	}
	email.Body = extractBody(msg.Payload)
	return email
}

// extractBody returns the HTML body if present, else the plain text body.
// Nested multipart containers are searched depth first.
func extractBody(part *gmail.MessagePart) string {
	if body := findPart(part, "text/html"); body != "" {
		return body
	}
	if body := findPart(part, "text/plain"); body != "" {
		return body
	}
	if part.Body != nil {
		return decode(part.Body.Data)
	}
	return ""
}

func findPart(part *gmail.MessagePart, mimeType string) string {
	if part == nil {
		return ""
	}
	if part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
		return decode(part.Body.Data)
	}
	for _, child := range part.Parts {
		if body := findPart(child, mimeType); body != "" {
			return body
		}
	}
	return ""
}

func decode(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

func retryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	return false
}
