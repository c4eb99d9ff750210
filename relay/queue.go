package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaymta/smtpd/internal/maillog"
	"github.com/relaymta/smtpd/internal/safeio"
	"github.com/relaymta/smtpd/internal/set"
	"github.com/relaymta/smtpd/internal/trace"
	"github.com/relaymta/smtpd/session"
)

const itemFilePrefix = "m-"

var errQueueFull = fmt.Errorf("relay queue is full, try again later")

// Deliverer performs one delivery attempt to a single recipient. It returns
// an error (nil on success) and whether that error is permanent.
//
// Grounded on internal/courier.Courier's Deliver method, narrowed to the
// single "remote SMTP" case this package implements (the local-delivery,
// pipe, and forward courier types are out of scope: a message store
// already owns local delivery via the Store interface).
type Deliverer interface {
	Deliver(ctx context.Context, from, to string, data []byte) (err error, permanent bool)
}

// Queue persists accepted outbound mail and drives its delivery, combining
// chasquid's internal/queue.Queue (persistence, send loop, DSN generation)
// with spec.md §4.4's priority ordering and bounded worker pool.
type Queue struct {
	Deliver      Deliverer
	LocalDomains *set.String

	Dir         string
	MaxItems    int
	GiveUpAfter time.Duration

	pool *workerPool

	mu sync.RWMutex
	q  map[string]*Message
}

// NewQueue returns a Queue backed by dir, with at most maxConcurrent
// deliveries running at once (spec.md's MaxConcurrentDeliveries).
func NewQueue(dir string, deliverer Deliverer, localDomains *set.String, maxItems, maxConcurrent int) (*Queue, error) {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, err
	}
	trace.New("Relay.NewQueue", dir).Debugf(
		"local domains: %q, max items: %d, max concurrent: %d",
		localDomains.Slice(), maxItems, maxConcurrent)
	return &Queue{
		Deliver:      deliverer,
		LocalDomains: localDomains,
		Dir:          dir,
		MaxItems:     maxItems,
		GiveUpAfter:  20 * time.Hour,
		pool:         newWorkerPool(maxConcurrent),
		q:            map[string]*Message{},
	}, nil
}

// Len returns the number of messages currently queued.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.q)
}

// Load reads persisted queue items from disk and relaunches their send
// loops. Call once at startup.
func (q *Queue) Load(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(q.Dir, itemFilePrefix+"*"))
	if err != nil {
		return err
	}

	for _, fname := range files {
		msg, err := loadMessage(fname)
		if err != nil {
			trace.New("Relay.Load", fname).Errorf("error loading queue item: %v", err)
			continue
		}

		q.mu.Lock()
		q.q[msg.ID] = msg
		q.mu.Unlock()

		go q.sendLoop(ctx, msg)
	}
	return nil
}

// priorityFrom converts a session.RelayPriority into this package's
// Priority. The two enums share the same Low/Normal/High/Urgent ordering
// (session can't import relay without an import cycle, since relay
// already imports session for Info/Message), so the conversion is a plain
// index lookup rather than a switch that would need updating in lockstep.
var priorityFrom = [...]Priority{Low, Normal, High, Urgent}

// Enqueue implements spec.md §4.4's "Enqueue(message, sessionContext,
// priority) -> RelayMessage" contract: it accepts a message whose
// recipients were not all local, persists it at the given priority,
// starts delivering it in the background, and returns the RelayMessage
// (Message) it created.
func (q *Queue) Enqueue(ctx context.Context, info *session.Info, msg *session.Message, priority session.RelayPriority) (*Message, error) {
	if nItems := q.Len(); q.MaxItems > 0 && nItems >= q.MaxItems {
		return nil, errQueueFull
	}

	p := Normal
	if int(priority) >= 0 && int(priority) < len(priorityFrom) {
		p = priorityFrom[priority]
	}

	item := &Message{
		ID:        newQueueID(),
		From:      msg.From,
		Data:      msg.Raw,
		Priority:  p,
		CreatedAt: time.Now(),
		Status:    Queued,
	}
	for _, to := range msg.To {
		item.Recipients = append(item.Recipients, &Recipient{
			Address:         to,
			OriginalAddress: to,
			Status:          RecipientPending,
		})
	}

	if err := item.writeTo(q.Dir); err != nil {
		return nil, fmt.Errorf("failed to persist relay message: %w", err)
	}

	q.mu.Lock()
	q.q[item.ID] = item
	q.mu.Unlock()

	maillog.Queued(remoteAddr(info), item.From, msg.To, item.ID)
	go q.sendLoop(ctx, item)
	return item, nil
}

// Remove deletes a completed message from disk and from memory.
func (q *Queue) Remove(id string) {
	path := filepath.Join(q.Dir, itemFilePrefix+id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		trace.New("Relay.Remove", id).Errorf("failed to remove %q: %v", path, err)
	}

	q.mu.Lock()
	delete(q.q, id)
	q.mu.Unlock()
}

// sendLoop repeatedly attempts delivery to every still-pending recipient,
// backing off between rounds, until all recipients are resolved or
// GiveUpAfter elapses (spec.md §4.4's Deferred → retry → terminal flow).
func (q *Queue) sendLoop(ctx context.Context, msg *Message) {
	tr := trace.New("Relay.SendLoop", msg.ID)
	defer tr.Finish()

	attempt := 0
	for time.Since(msg.CreatedAt) < q.GiveUpAfter {
		pending := msg.pendingRecipients()
		if len(pending) == 0 {
			break
		}

		msg.Status = InProgress
		var wg sync.WaitGroup
		for _, rcpt := range pending {
			wg.Add(1)
			rcpt := rcpt
			q.pool.submit(msg.Priority, func() {
				defer wg.Done()
				q.deliverOne(ctx, tr, msg, rcpt)
			})
		}
		wg.Wait()

		if msg.countRecipients(RecipientPending) == 0 {
			break
		}

		msg.Status = Deferred
		delay := nextDelay(attempt)
		attempt++
		maillog.QueueLoop(msg.ID, msg.From, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	msg.Status = msg.finalStatus()
	if msg.Status != Delivered && msg.From != "<>" {
		q.sendBounce(ctx, tr, msg)
	}

	maillog.QueueLoop(msg.ID, msg.From, 0)
	q.Remove(msg.ID)
}

func (q *Queue) deliverOne(ctx context.Context, tr *trace.Trace, msg *Message, rcpt *Recipient) {
	from := msg.From
	if needsSRS(from, q.LocalDomains) {
		from = rewriteSender(from, rcpt.OriginalAddress)
	}

	err, permanent := q.Deliver.Deliver(ctx, from, rcpt.Address, msg.Data)
	msg.recordResult(rcpt, err, permanent)

	if err != nil {
		maillog.SendAttempt(msg.ID, msg.From, rcpt.Address, err, permanent)
		if permanent {
			tr.Errorf("%s permanent error: %v", rcpt.Address, err)
		} else {
			tr.Printf("%s temporary error: %v", rcpt.Address, err)
		}
	} else {
		maillog.SendAttempt(msg.ID, msg.From, rcpt.Address, nil, false)
		tr.Printf("%s sent", rcpt.Address)
	}

	if werr := msg.writeTo(q.Dir); werr != nil {
		tr.Errorf("failed to persist %s: %v", msg.ID, werr)
	}
}

func newQueueID() string {
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = byte(rand.IntN(256))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func remoteAddr(info *session.Info) net.Addr {
	return addrStringer(info.RemoteAddr)
}

type addrStringer string

func (a addrStringer) Network() string { return "tcp" }
func (a addrStringer) String() string  { return string(a) }

// queueRecord is the on-disk JSON representation of a Message.
type queueRecord struct {
	ID         string       `json:"id"`
	From       string       `json:"from"`
	Data       []byte       `json:"data"`
	Recipients []*Recipient `json:"recipients"`
	Priority   Priority     `json:"priority"`
	CreatedAt  time.Time    `json:"created_at"`
	Status     Status       `json:"status"`
}

func (m *Message) writeTo(dir string) error {
	m.mu.Lock()
	rec := queueRecord{
		ID:         m.ID,
		From:       m.From,
		Data:       m.Data,
		Recipients: m.Recipients,
		Priority:   m.Priority,
		CreatedAt:  m.CreatedAt,
		Status:     m.Status,
	}
	m.mu.Unlock()

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, itemFilePrefix+m.ID)
	return safeio.WriteFile(path, raw, 0660)
}

func loadMessage(path string) (*Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec queueRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &Message{
		ID:         rec.ID,
		From:       rec.From,
		Data:       rec.Data,
		Recipients: rec.Recipients,
		Priority:   rec.Priority,
		CreatedAt:  rec.CreatedAt,
		Status:     rec.Status,
	}, nil
}
