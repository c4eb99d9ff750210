// Package event implements the server's policy/observability bus: a
// synchronous, in-process publish point for session, delivery, and
// admission lifecycle events, plus the built-in statistics collector that
// listens on it.
//
// There is no teacher equivalent in chasquid (it calls maillog/trace
// directly instead of going through a bus), so this package is new code,
// written in the same plain-struct, explicit-mutex idiom the rest of the
// codebase uses rather than reaching for a generic pub/sub library — none
// appear anywhere in the example pack either.
package event

import (
	"fmt"
	"sync"

	"blitiri.com.ar/go/log"
)

// Kind identifies an event type. Using a string (rather than an int enum)
// keeps Bus usable by adapters outside this module without needing to
// import private constants.
type Kind string

const (
	SessionCreated   Kind = "session.created"
	SessionCompleted Kind = "session.completed"

	CommandReceived Kind = "command.received"
	CommandExecuted Kind = "command.executed"

	AuthenticationAttempted Kind = "auth.attempted"
	AuthenticationSucceeded Kind = "auth.succeeded"
	AuthenticationFailed    Kind = "auth.failed"

	TLSNegotiationStarted   Kind = "tls.started"
	TLSNegotiationCompleted Kind = "tls.completed"
	TLSNegotiationFailed    Kind = "tls.failed"

	DataTransferStarted   Kind = "data.started"
	DataTransferCompleted Kind = "data.completed"
	MessageReceived       Kind = "message.received"

	ConnectionAccepted  Kind = "connection.accepted"
	ConnectionRejected  Kind = "connection.rejected"
	RateLimitExceeded   Kind = "ratelimit.exceeded"

	ErrorOccurred Kind = "error.occurred"
)

// Event is the payload passed to listeners. Fields not relevant to a
// particular Kind are left zero. Cancel/Response let a listener override
// the outcome of the operation that fired the event, per spec: a listener
// may set Cancel=true and fill Response to replace what the session would
// otherwise have sent.
type Event struct {
	Kind      Kind
	SessionID string
	RemoteIP  string

	Command  string
	RawLine  string
	Success  bool
	DurationMs int64

	Identity string
	Mechanism string
	Reason    string

	From       string
	Recipients []string
	Bytes      int64

	MessageID string

	Limit     int
	Current   int
	Window    string

	Err error

	// Cancel and Response let a listener veto or override the caller's
	// default behavior (e.g. reject a message that would otherwise be
	// accepted). Only honored for events documented as cancelable
	// (DataTransferStarted, MessageReceived, RateLimitExceeded).
	Cancel       bool
	ResponseCode int
	ResponseText string
}

// Listener is a single handler closure registered against a Kind.
type Listener func(*Event)

// Bus is a per-Server event dispatcher. It is NOT a package-level
// singleton: each smtpd.Server owns its own Bus, so multiple servers in
// one process never share listeners or statistics, per the server's
// no-shared-mutable-state requirement.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Kind][]Listener
	logger    *log.Logger
}

// New returns an empty Bus. If logger is nil, blitiri.com.ar/go/log's
// package Default is used.
func New(logger *log.Logger) *Bus {
	return &Bus{
		listeners: map[Kind][]Listener{},
		logger:    logger,
	}
}

// On registers a listener for a given event Kind. Listeners fire in
// registration order.
func (b *Bus) On(kind Kind, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[kind] = append(b.listeners[kind], l)
}

// Fire invokes every listener registered for ev.Kind, in order, catching
// and logging any panic so one misbehaving hook cannot tear down the
// session or accept loop that triggered it.
func (b *Bus) Fire(ev *Event) {
	b.mu.RLock()
	ls := append([]Listener(nil), b.listeners[ev.Kind]...)
	b.mu.RUnlock()

	for _, l := range ls {
		b.invoke(l, ev)
	}
}

func (b *Bus) invoke(l Listener, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logf("event listener for %s panicked: %v", ev.Kind, r)
		}
	}()
	l(ev)
}

func (b *Bus) logf(format string, args ...interface{}) {
	if b.logger != nil {
		b.logger.Errorf(format, args...)
		return
	}
	log.Errorf(format, args...)
}

// Errorf is a convenience for firing ErrorOccurred with a formatted
// reason.
func (b *Bus) Errorf(sessionID, format string, args ...interface{}) {
	b.Fire(&Event{
		Kind:      ErrorOccurred,
		SessionID: sessionID,
		Reason:    fmt.Sprintf(format, args...),
	})
}
