// Package mbox implements a Reader that imports transactions from an mbox
// export, such as a Google Takeout archive of notification emails.
package mbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/extract"
)

// Reader reads transactions from an mbox file. It stops after one pass.
type Reader struct {
	path    string
	parsers []*extract.Parser
	cursors api.CursorStore
	source  string
	logger  *slog.Logger
}

// Config holds configuration for the mbox reader.
type Config struct {
	// Path is the mbox file to import.
	Path string
	// Parsers recognize and extract notification emails.
	Parsers []*extract.Parser
	// Cursors, when set, skips messages at or before the last import.
	Cursors api.CursorStore
}

// New creates an mbox reader.
func New(cfg Config, logger *slog.Logger) (*Reader, error) {
	if cfg.Path == "" {
		return nil, errors.New("mbox path is required")
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("opening mbox: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		path:    cfg.Path,
		parsers: cfg.Parsers,
		cursors: cfg.Cursors,
		source:  "mbox:" + cfg.Path,
		logger:  logger,
	}, nil
}

// Read sends every recognized transaction in the file to out and closes it.
// It then waits until the emitted messages are acknowledged, or the ack
// stream ends, and stores a cursor that never passes an unacknowledged
// message, so a later import picks those up again.
func (r *Reader) Read(ctx context.Context, out chan<- *api.Transaction, ackChan <-chan string) error {
	acks := newAckSet()
	go acks.collect(ctx, ackChan)

	since, err := r.loadCursor(ctx)
	if err != nil {
		close(out)
		return err
	}

	emitted, scanned, err := r.scan(ctx, since, out)
	close(out)
	if err != nil {
		return err
	}

	acks.wait(ctx, emitted)
	cursor := committedCursor(scanned, emitted, acks.has)
	if r.cursors == nil || !cursor.After(since) {
		return nil
	}

	// The pipeline may already be shutting down; progress made so far is kept.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.cursors.SetCursor(storeCtx, r.source, cursor); err != nil {
		r.logger.Warn("failed to store cursor", "error", err)
	}
	return nil
}

func (r *Reader) loadCursor(ctx context.Context) (time.Time, error) {
	if r.cursors == nil {
		return time.Time{}, nil
	}
	since, err := r.cursors.Cursor(ctx, r.source)
	if err != nil {
		return time.Time{}, fmt.Errorf("loading cursor: %w", err)
	}
	return since, nil
}

// scan emits transactions received after since. It returns the received time
// of each emitted message by ID and of every message it read.
func (r *Reader) scan(ctx context.Context, since time.Time, out chan<- *api.Transaction) (map[string]time.Time, []time.Time, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening mbox: %w", err)
	}
	defer f.Close()

	var (
		emitted          = make(map[string]time.Time)
		scanned          []time.Time
		total, count, na int
	)
	mr := mbox.NewReader(f)
	for {
		msgReader, err := mr.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading mbox: %w", err)
		}
		total++

		email, err := parseMessage(msgReader)
		if err != nil {
			r.logger.Warn("skipping unreadable message", "index", total, "error", err)
			continue
		}
		if !email.Received.After(since) {
			continue
		}
		scanned = append(scanned, email.Received)

		p := extract.Find(r.parsers, email)
		if p == nil {
			na++
			continue
		}
		txn, err := p.Extract(email)
		if err != nil {
			r.logger.Warn("skipping message", "message_id", email.ID, "parser", p.Name, "error", err)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case out <- txn:
			emitted[txn.MessageID] = email.Received
			count++
		}
	}

	r.logger.Info("mbox import complete",
		"path", r.path,
		"messages", total,
		"transactions", count,
		"unrecognized", na,
	)
	return emitted, scanned, nil
}

// committedCursor returns the newest scanned time that is older than every
// unacknowledged emitted message.
func committedCursor(scanned []time.Time, emitted map[string]time.Time, acked func(string) bool) time.Time {
	var oldestPending time.Time
	for id, at := range emitted {
		if !acked(id) && (oldestPending.IsZero() || at.Before(oldestPending)) {
			oldestPending = at
		}
	}

	var cursor time.Time
	for _, at := range scanned {
		if !oldestPending.IsZero() && !at.Before(oldestPending) {
			continue
		}
		if at.After(cursor) {
			cursor = at
		}
	}
	return cursor
}

// ackSet records acknowledged message IDs.
type ackSet struct {
	mu     sync.Mutex
	ids    map[string]struct{}
	notify chan struct{}
	done   chan struct{}
}

func newAckSet() *ackSet {
	return &ackSet{
		ids:    make(map[string]struct{}),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (a *ackSet) collect(ctx context.Context, ackChan <-chan string) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-ackChan:
			if !ok {
				return
			}
			a.mu.Lock()
			a.ids[id] = struct{}{}
			a.mu.Unlock()
			select {
			case a.notify <- struct{}{}:
			default:
			}
		}
	}
}

func (a *ackSet) has(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.ids[id]
	return ok
}

// wait returns once every emitted ID is acknowledged, the ack stream has
// ended or ctx is done.
func (a *ackSet) wait(ctx context.Context, emitted map[string]time.Time) {
	for {
		pending := 0
		for id := range emitted {
			if !a.has(id) {
				pending++
			}
		}
		if pending == 0 {
			return
		}
		select {
		case <-a.notify:
		case <-a.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func parseMessage(rd io.Reader) (extract.Email, error) {
	msg, err := mail.ReadMessage(rd)
	if err != nil {
		return extract.Email{}, fmt.Errorf("parsing message: %w", err)
	}

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		subject = msg.Header.Get("Subject")
	}

	email := extract.Email{
		ID:      strings.Trim(msg.Header.Get("Message-Id"), "<> "),
		From:    msg.Header.Get("From"),
		Subject: subject,
	}
	if date, err := msg.Header.Date(); err == nil {
		email.Received = date.UTC()
	}

	body, err := readBody(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return extract.Email{}, err
	}
	email.Body = body
	if email.ID == "" {
		email.ID = fmt.Sprintf("%s|%s|%d", email.From, email.Subject, email.Received.Unix())
	}
	return email, nil
}

// readBody returns the HTML part of a message if it has one, else the plain
// text part.
func readBody(contentType, encoding string, body io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		data, err := io.ReadAll(decodeTransfer(encoding, body))
		if err != nil {
			return "", fmt.Errorf("reading body: %w", err)
		}
		return string(data), nil
	}

	var plain, html string
	mr := multipart.NewReader(body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading multipart: %w", err)
		}

		text, err := readBody(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
		if err != nil {
			return "", err
		}
		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		switch {
		case partType == "text/html" && html == "":
			html = text
		case strings.HasPrefix(partType, "multipart/") && html == "" && looksHTML(text):
			html = text
		case plain == "" && (partType == "text/plain" || strings.HasPrefix(partType, "multipart/")):
			plain = text
		}
	}
	if html != "" {
		return html, nil
	}
	return plain, nil
}

func looksHTML(s string) bool {
	return strings.Contains(strings.ToLower(s), "<html") || strings.Contains(s, "</")
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}
