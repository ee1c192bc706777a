package buffered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/logging"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]*api.Transaction
	err     error
}

func (r *recorder) flush(_ context.Context, txns []*api.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, txns)
	return nil
}

func (r *recorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sizes []int
	for _, b := range r.batches {
		sizes = append(sizes, len(b))
	}
	return sizes
}

func txn(msgID string) *api.Transaction {
	return &api.Transaction{ID: msgID, RawDescription: "x", MessageID: msgID}
}

func TestWriter_BatchesAndAcks(t *testing.T) {
	rec := &recorder{}
	w := New(rec.flush, Config{BatchSize: 2, FlushInterval: time.Hour}, logging.Discard())

	in := make(chan *api.Transaction, 5)
	ack := make(chan string, 5)
	in <- txn("a")
	in <- txn("b")
	in <- txn("c")
	in <- &api.Transaction{ID: "manual", RawDescription: "no message"}
	in <- txn("e")
	close(in)

	if err := w.Write(context.Background(), in, ack); err != nil {
		t.Fatalf("Write: %v", err)
	}
	close(ack)

	if got := rec.sizes(); len(got) != 3 || got[0] != 2 || got[1] != 2 || got[2] != 1 {
		t.Errorf("batch sizes: got %v, want [2 2 1]", got)
	}

	var acked []string
	for id := range ack {
		acked = append(acked, id)
	}
	want := []string{"a", "b", "c", "e"}
	if len(acked) != len(want) {
		t.Fatalf("acks: got %v, want %v", acked, want)
	}
	for i := range want {
		if acked[i] != want[i] {
			t.Errorf("ack %d: got %q, want %q", i, acked[i], want[i])
		}
	}
}

func TestWriter_FailedFlushIsNotAcked(t *testing.T) {
	rec := &recorder{err: errors.New("disk full")}
	w := New(rec.flush, Config{BatchSize: 10}, logging.Discard())

	in := make(chan *api.Transaction, 1)
	ack := make(chan string, 1)
	in <- txn("a")
	close(in)

	if err := w.Write(context.Background(), in, ack); err == nil {
		t.Fatal("expected flush error on close")
	}
	select {
	case id := <-ack:
		t.Errorf("failed batch was acknowledged: %s", id)
	default:
	}
}

func TestWriter_FlushOnInterval(t *testing.T) {
	rec := &recorder{}
	w := New(rec.flush, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan *api.Transaction, 1)
	done := make(chan error, 1)
	go func() { done <- w.Write(ctx, in, nil) }()

	in <- txn("a")
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.sizes()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Write: got %v, want context.Canceled", err)
	}
	if got := rec.sizes(); len(got) != 1 || got[0] != 1 {
		t.Errorf("batch sizes: got %v, want [1]", got)
	}
}

func TestWriter_FlushOnShutdown(t *testing.T) {
	rec := &recorder{}
	w := New(rec.flush, Config{BatchSize: 100, FlushInterval: time.Hour}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan *api.Transaction)
	done := make(chan error, 1)
	go func() { done <- w.Write(ctx, in, nil) }()

	in <- txn("a")
	in <- txn("b")
	cancel()
	<-done

	if got := rec.sizes(); len(got) != 1 || got[0] != 2 {
		t.Errorf("batch sizes: got %v, want [2]", got)
	}
	if w.BufferLen() != 0 {
		t.Errorf("buffer not drained: %d", w.BufferLen())
	}
}
