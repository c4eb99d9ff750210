// Package relay implements outbound mail delivery: a persistent queue,
// a bounded-concurrency delivery pool, MX-based routing with STARTTLS
// and security-level tracking, exponential-backoff retries, and DSN
// bounce generation (spec.md §4.4).
//
// Grounded on internal/queue/queue.go and internal/courier/smtp.go,
// generalized from chasquid's protobuf-and-alias-resolving queue item
// into the plain RelayMessage/RelayRecipient model spec.md §3 defines,
// with the local/pipe/forward courier split dropped since this module
// relays, it does not also act as a final MDA (non-goal).
package relay

import (
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a queued message (spec.md §4.4).
type Status int

const (
	Queued Status = iota
	InProgress
	Deferred
	Delivered
	PartiallyDelivered
	Failed
	Expired
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "queued"
	case InProgress:
		return "in-progress"
	case Deferred:
		return "deferred"
	case Delivered:
		return "delivered"
	case PartiallyDelivered:
		return "partially-delivered"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RecipientStatus tracks one recipient's delivery progress independently,
// since a single message may be Delivered to some recipients and Deferred
// to others (spec.md's PartiallyDelivered).
type RecipientStatus int

const (
	RecipientPending RecipientStatus = iota
	RecipientSent
	RecipientFailed
)

func (s RecipientStatus) String() string {
	switch s {
	case RecipientSent:
		return "sent"
	case RecipientFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Recipient is one destination address within a RelayMessage, with its own
// retry history independent of its siblings.
type Recipient struct {
	Address            string
	OriginalAddress    string
	Status             RecipientStatus
	Attempts           int
	LastAttempt        time.Time
	LastFailureMessage string
}

// Priority orders delivery attempts within the queue (spec.md §4.4): Urgent
// and High are inserted at the front, Normal and Low at the back. The worker
// pool does not tell Urgent from High, or Normal from Low (see workerPool).
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Urgent
)

// Message is a piece of mail accepted for relay: the envelope, the raw
// data, and per-recipient delivery state (spec.md §3 "RelayMessage").
type Message struct {
	mu sync.Mutex

	ID        string
	From      string
	Data      []byte
	Recipients []*Recipient
	Priority  Priority
	CreatedAt time.Time
	Status    Status
}

// countRecipients returns how many recipients are in any of the given
// statuses.
func (m *Message) countRecipients(statuses ...RecipientStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.Recipients {
		for _, s := range statuses {
			if r.Status == s {
				n++
				break
			}
		}
	}
	return n
}

func (m *Message) pendingRecipients() []*Recipient {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Recipient
	for _, r := range m.Recipients {
		if r.Status == RecipientPending {
			out = append(out, r)
		}
	}
	return out
}

func (m *Message) recordResult(r *Recipient, err error, permanent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Attempts++
	r.LastAttempt = time.Now()
	if err == nil {
		r.Status = RecipientSent
		return
	}
	r.LastFailureMessage = err.Error()
	if permanent {
		r.Status = RecipientFailed
	}
}

// finalStatus computes the terminal Status once no recipients are pending,
// per spec.md's Delivered/PartiallyDelivered/Failed distinction.
func (m *Message) finalStatus() Status {
	sent := m.countRecipients(RecipientSent)
	failed := m.countRecipients(RecipientFailed)
	switch {
	case failed == 0:
		return Delivered
	case sent == 0:
		return Failed
	default:
		return PartiallyDelivered
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("relay.Message{id=%s from=%s recipients=%d}", m.ID, m.From, len(m.Recipients))
}
