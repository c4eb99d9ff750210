package securitylevel

import (
	"testing"
)

func TestLevelString(t *testing.T) {
	cases := []struct {
		l   Level
		exp string
	}{
		{LevelNone, "plain"},
		{LevelTLS, "tls-unverified"},
		{LevelTLSVerified, "tls-verified"},
	}
	for _, c := range cases {
		if got := c.l.String(); got != c.exp {
			t.Errorf("%d.String() = %q, expected %q", c.l, got, c.exp)
		}
	}
}

func TestIncomingSecLevel(t *testing.T) {
	db, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !db.IncomingSecLevel("example.com", LevelNone) {
		t.Errorf("first plaintext connection should be allowed")
	}
	if !db.IncomingSecLevel("example.com", LevelTLS) {
		t.Errorf("raising the level should be allowed")
	}
	if db.IncomingSecLevel("example.com", LevelNone) {
		t.Errorf("downgrade after seeing TLS should be denied")
	}
	if !db.IncomingSecLevel("example.com", LevelTLS) {
		t.Errorf("staying at the same level should be allowed")
	}
	if !db.IncomingSecLevel("example.com", LevelTLSVerified) {
		t.Errorf("raising to verified should be allowed")
	}
	if db.IncomingSecLevel("example.com", LevelTLS) {
		t.Errorf("downgrade from verified to unverified should be denied")
	}
}

func TestOutgoingIndependentFromIncoming(t *testing.T) {
	db, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !db.IncomingSecLevel("example.com", LevelTLSVerified) {
		t.Fatalf("incoming should be allowed")
	}
	if !db.OutgoingSecLevel("example.com", LevelNone) {
		t.Errorf("outgoing level should be tracked independently of incoming")
	}
}

func TestPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()

	db, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !db.IncomingSecLevel("example.com", LevelTLSVerified) {
		t.Fatalf("incoming should be allowed")
	}

	db2, err := New(dir)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	if db2.IncomingSecLevel("example.com", LevelTLS) {
		t.Errorf("downgrade should be denied after reload from disk")
	}
}
