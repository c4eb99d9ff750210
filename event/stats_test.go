package event

import "testing"

func TestStatisticsCollectorBasics(t *testing.T) {
	bus := New(nil)
	sc := NewStatisticsCollector()
	sc.Attach(bus)

	bus.Fire(&Event{Kind: SessionCreated})
	bus.Fire(&Event{Kind: CommandExecuted, Command: "MAIL"})
	bus.Fire(&Event{Kind: CommandExecuted, Command: "MAIL"})
	bus.Fire(&Event{Kind: CommandExecuted, Command: "RCPT"})
	bus.Fire(&Event{Kind: MessageReceived, Bytes: 1024})
	bus.Fire(&Event{Kind: AuthenticationSucceeded, Mechanism: "PLAIN"})
	bus.Fire(&Event{Kind: ConnectionAccepted, RemoteIP: "1.2.3.4"})
	bus.Fire(&Event{Kind: SessionCompleted})

	snap := sc.Snapshot()

	if snap.Sessions != 1 {
		t.Errorf("Sessions = %d, expected 1", snap.Sessions)
	}
	if snap.SessionsActive != 0 {
		t.Errorf("SessionsActive = %d, expected 0 after completion", snap.SessionsActive)
	}
	if snap.Messages != 1 {
		t.Errorf("Messages = %d, expected 1", snap.Messages)
	}
	if snap.Bytes != 1024 {
		t.Errorf("Bytes = %d, expected 1024", snap.Bytes)
	}
	if snap.CommandsByVerb["MAIL"] != 2 {
		t.Errorf("CommandsByVerb[MAIL] = %d, expected 2", snap.CommandsByVerb["MAIL"])
	}
	if snap.AuthByMechanism["PLAIN"] != 1 {
		t.Errorf("AuthByMechanism[PLAIN] = %d, expected 1", snap.AuthByMechanism["PLAIN"])
	}
	if snap.ConnectionsByIP["1.2.3.4"] != 1 {
		t.Errorf("ConnectionsByIP[1.2.3.4] = %d, expected 1", snap.ConnectionsByIP["1.2.3.4"])
	}
	if snap.ThroughputPerMin != 1 {
		t.Errorf("ThroughputPerMin = %f, expected 1", snap.ThroughputPerMin)
	}
}

func TestTwoCollectorsDoNotShareState(t *testing.T) {
	bus1, bus2 := New(nil), New(nil)
	sc1, sc2 := NewStatisticsCollector(), NewStatisticsCollector()
	sc1.Attach(bus1)
	sc2.Attach(bus2)

	bus1.Fire(&Event{Kind: SessionCreated})

	if sc2.Snapshot().Sessions != 0 {
		t.Errorf("second collector should be unaffected by first bus's events")
	}
}
