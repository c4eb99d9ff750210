package relay

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaymta/smtpd/internal/set"
	"github.com/relaymta/smtpd/session"
)

type recordingDeliverer struct {
	mu      sync.Mutex
	calls   []string
	nextErr error
	perm    bool
}

func (d *recordingDeliverer) Deliver(ctx context.Context, from, to string, data []byte) (error, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, from+"->"+to)
	return d.nextErr, d.perm
}

func (d *recordingDeliverer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func TestEnqueueDeliversSuccessfully(t *testing.T) {
	dir := t.TempDir()
	deliverer := &recordingDeliverer{}
	q, err := NewQueue(dir, deliverer, set.NewString("local.example"), 100, 4)
	if err != nil {
		t.Fatal(err)
	}

	info := &session.Info{RemoteAddr: "10.0.0.1:12345"}
	msg := &session.Message{From: "a@local.example", To: []string{"b@remote.example"}, Raw: []byte("hi")}

	item, err := q.Enqueue(context.Background(), info, msg, session.RelayNormal)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if item.ID == "" {
		t.Fatal("Enqueue() returned a RelayMessage with no ID")
	}

	deadline := time.Now().Add(2 * time.Second)
	for q.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if q.Len() != 0 {
		t.Fatalf("expected message to drain from the queue, Len() = %d", q.Len())
	}
	if deliverer.callCount() != 1 {
		t.Fatalf("expected 1 delivery attempt, got %d", deliverer.callCount())
	}
}

func TestEnqueueHonorsPriority(t *testing.T) {
	dir := t.TempDir()
	deliverer := &recordingDeliverer{nextErr: errPermanent, perm: false}
	q, err := NewQueue(dir, deliverer, nil, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	q.GiveUpAfter = time.Hour

	info := &session.Info{RemoteAddr: "10.0.0.1:1", Authenticated: true}
	msg := &session.Message{From: "a@x.com", To: []string{"b@y.com"}, Raw: []byte("body")}

	item, err := q.Enqueue(context.Background(), info, msg, session.RelayHigh)
	if err != nil {
		t.Fatal(err)
	}
	if item.Priority != High {
		t.Fatalf("expected High priority, got %v", item.Priority)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	dir := t.TempDir()
	deliverer := &recordingDeliverer{}
	q, err := NewQueue(dir, deliverer, nil, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	q.MaxItems = 1

	info := &session.Info{RemoteAddr: "10.0.0.1:1"}
	msg1 := &session.Message{From: "a@x.com", To: []string{"b@y.com"}, Raw: []byte("1")}
	msg2 := &session.Message{From: "a@x.com", To: []string{"c@y.com"}, Raw: []byte("2")}

	if _, err := q.Enqueue(context.Background(), info, msg1, session.RelayNormal); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	if _, err := q.Enqueue(context.Background(), info, msg2, session.RelayNormal); err == nil {
		t.Fatal("expected second Enqueue() to be rejected when queue is full")
	}
}

func TestEnqueuePersistsToDisk(t *testing.T) {
	dir := t.TempDir()
	// A deliverer that never succeeds keeps the message in the queue (and
	// on disk) long enough for the test to inspect it.
	deliverer := &recordingDeliverer{nextErr: errPermanent, perm: false}
	q, err := NewQueue(dir, deliverer, nil, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	q.GiveUpAfter = time.Hour

	info := &session.Info{RemoteAddr: "10.0.0.1:1"}
	msg := &session.Message{From: "a@x.com", To: []string{"b@y.com"}, Raw: []byte("body")}

	if _, err := q.Enqueue(context.Background(), info, msg, session.RelayNormal); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for deliverer.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	files, err := filepath.Glob(filepath.Join(dir, itemFilePrefix+"*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 persisted queue file, got %d: %v", len(files), files)
	}
}
