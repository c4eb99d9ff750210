package event

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time, read-only copy of a StatisticsCollector's
// counters (spec.md's ServerStatistics). It is a plain data object with no
// behavior, suitable for an observability adapter (e.g.
// observability/prometheus) to render.
type Snapshot struct {
	Sessions        int64
	SessionsActive  int64
	Messages        int64
	Bytes           int64
	CommandsByVerb  map[string]int64
	ConnectionsByIP map[string]int64
	AuthByMechanism map[string]int64
	AuthSuccesses   int64
	AuthFailures    int64
	TLSUpgrades     int64
	RejectionsByReason map[string]int64
	ThroughputPerMin   float64
}

// StatisticsCollector is a built-in Bus listener maintaining aggregate
// counters. One instance belongs to exactly one Server; it is never a
// package-level singleton (spec.md §5's "no process-wide mutable
// singletons").
type StatisticsCollector struct {
	sessions       int64
	sessionsActive int64
	messages       int64
	bytes          int64
	authSuccesses  int64
	authFailures   int64
	tlsUpgrades    int64

	mu              sync.Mutex
	commandsByVerb  map[string]int64
	connsByIP       map[string]int64
	authByMechanism map[string]int64
	rejectsByReason map[string]int64

	throughputMu sync.Mutex
	throughput   []throughputSample
}

type throughputSample struct {
	at    time.Time
	count int64
}

// NewStatisticsCollector returns an empty collector ready to Attach to a
// Bus.
func NewStatisticsCollector() *StatisticsCollector {
	return &StatisticsCollector{
		commandsByVerb:  map[string]int64{},
		connsByIP:       map[string]int64{},
		authByMechanism: map[string]int64{},
		rejectsByReason: map[string]int64{},
	}
}

// Attach registers the collector's handlers on bus. Call once per Server.
func (s *StatisticsCollector) Attach(bus *Bus) {
	bus.On(SessionCreated, s.onSessionCreated)
	bus.On(SessionCompleted, s.onSessionCompleted)
	bus.On(CommandExecuted, s.onCommandExecuted)
	bus.On(MessageReceived, s.onMessageReceived)
	bus.On(AuthenticationSucceeded, s.onAuthSucceeded)
	bus.On(AuthenticationFailed, s.onAuthFailed)
	bus.On(TLSNegotiationCompleted, s.onTLSCompleted)
	bus.On(ConnectionAccepted, s.onConnectionAccepted)
	bus.On(ConnectionRejected, s.onConnectionRejected)
	bus.On(RateLimitExceeded, s.onRejection)
}

func (s *StatisticsCollector) onSessionCreated(ev *Event) {
	atomic.AddInt64(&s.sessions, 1)
	atomic.AddInt64(&s.sessionsActive, 1)
}

func (s *StatisticsCollector) onSessionCompleted(ev *Event) {
	atomic.AddInt64(&s.sessionsActive, -1)
}

func (s *StatisticsCollector) onCommandExecuted(ev *Event) {
	s.mu.Lock()
	s.commandsByVerb[ev.Command]++
	s.mu.Unlock()
}

func (s *StatisticsCollector) onMessageReceived(ev *Event) {
	atomic.AddInt64(&s.messages, 1)
	atomic.AddInt64(&s.bytes, ev.Bytes)
	s.recordThroughput()
}

func (s *StatisticsCollector) onAuthSucceeded(ev *Event) {
	atomic.AddInt64(&s.authSuccesses, 1)
	s.mu.Lock()
	s.authByMechanism[ev.Mechanism]++
	s.mu.Unlock()
}

func (s *StatisticsCollector) onAuthFailed(ev *Event) {
	atomic.AddInt64(&s.authFailures, 1)
}

func (s *StatisticsCollector) onTLSCompleted(ev *Event) {
	atomic.AddInt64(&s.tlsUpgrades, 1)
}

func (s *StatisticsCollector) onConnectionAccepted(ev *Event) {
	s.mu.Lock()
	s.connsByIP[ev.RemoteIP]++
	s.mu.Unlock()
}

func (s *StatisticsCollector) onConnectionRejected(ev *Event) {
	s.onRejection(ev)
}

func (s *StatisticsCollector) onRejection(ev *Event) {
	s.mu.Lock()
	s.rejectsByReason[ev.Reason]++
	s.mu.Unlock()
}

// recordThroughput appends a message-received sample for the sliding
// 1-minute throughput window, trimming samples older than one minute.
func (s *StatisticsCollector) recordThroughput() {
	now := time.Now()
	s.throughputMu.Lock()
	defer s.throughputMu.Unlock()

	s.throughput = append(s.throughput, throughputSample{at: now, count: 1})

	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(s.throughput) && s.throughput[i].at.Before(cutoff) {
		i++
	}
	s.throughput = s.throughput[i:]
}

func (s *StatisticsCollector) throughputPerMinute() float64 {
	s.throughputMu.Lock()
	defer s.throughputMu.Unlock()

	cutoff := time.Now().Add(-time.Minute)
	var total int64
	for _, sample := range s.throughput {
		if sample.at.Before(cutoff) {
			continue
		}
		total += sample.count
	}
	return float64(total)
}

// Snapshot returns a copy of the current counters. Approximate by design:
// there is no global lock across all counters (spec.md §5), so a snapshot
// may interleave slightly stale and fresh values.
func (s *StatisticsCollector) Snapshot() Snapshot {
	s.mu.Lock()
	cmds := make(map[string]int64, len(s.commandsByVerb))
	for k, v := range s.commandsByVerb {
		cmds[k] = v
	}
	conns := make(map[string]int64, len(s.connsByIP))
	for k, v := range s.connsByIP {
		conns[k] = v
	}
	auths := make(map[string]int64, len(s.authByMechanism))
	for k, v := range s.authByMechanism {
		auths[k] = v
	}
	rejects := make(map[string]int64, len(s.rejectsByReason))
	for k, v := range s.rejectsByReason {
		rejects[k] = v
	}
	s.mu.Unlock()

	return Snapshot{
		Sessions:           atomic.LoadInt64(&s.sessions),
		SessionsActive:     atomic.LoadInt64(&s.sessionsActive),
		Messages:           atomic.LoadInt64(&s.messages),
		Bytes:              atomic.LoadInt64(&s.bytes),
		CommandsByVerb:     cmds,
		ConnectionsByIP:    conns,
		AuthByMechanism:    auths,
		AuthSuccesses:      atomic.LoadInt64(&s.authSuccesses),
		AuthFailures:       atomic.LoadInt64(&s.authFailures),
		TLSUpgrades:        atomic.LoadInt64(&s.tlsUpgrades),
		RejectionsByReason: rejects,
		ThroughputPerMin:   s.throughputPerMinute(),
	}
}
