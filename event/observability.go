package event

import "time"

// ObservabilitySink is the external interface spec.md §6 defines for
// observability: a sink records notable occurrences as they happen,
// independent of (and in addition to) the Snapshot a StatisticsCollector
// can produce on demand. An adapter (e.g. observability/prometheus) wires
// an ObservabilitySink to whatever metrics backend it fronts.
type ObservabilitySink interface {
	RecordMetric(name string, success bool, durationMs int64)

	RecordSession(ev *Event)
	RecordMessage(ev *Event)
	RecordCommand(ev *Event)
	RecordConnection(ev *Event)
	RecordAuth(ev *Event)
	RecordTlsUpgrade(ev *Event)
	RecordRejection(ev *Event)
	RecordError(ev *Event)
}

// AttachSink wires sink's Record* methods to the matching bus events, and
// RecordMetric to every CommandExecuted event (the one event kind that
// carries DurationMs/Success consistently).
func AttachSink(bus *Bus, sink ObservabilitySink) {
	bus.On(SessionCreated, sink.RecordSession)
	bus.On(SessionCompleted, sink.RecordSession)

	bus.On(MessageReceived, sink.RecordMessage)

	bus.On(CommandExecuted, func(ev *Event) {
		sink.RecordCommand(ev)
		sink.RecordMetric("command."+ev.Command, ev.Success, ev.DurationMs)
	})

	bus.On(ConnectionAccepted, sink.RecordConnection)
	bus.On(ConnectionRejected, sink.RecordConnection)

	bus.On(AuthenticationSucceeded, sink.RecordAuth)
	bus.On(AuthenticationFailed, sink.RecordAuth)

	bus.On(TLSNegotiationCompleted, sink.RecordTlsUpgrade)
	bus.On(TLSNegotiationFailed, sink.RecordTlsUpgrade)

	bus.On(RateLimitExceeded, sink.RecordRejection)

	bus.On(ErrorOccurred, sink.RecordError)
}

// DurationSince is a small helper adapters can use to turn a start time
// into the millisecond duration RecordMetric expects.
func DurationSince(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
