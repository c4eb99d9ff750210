package smtpd

import (
	"bufio"
	"context"
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/relaymta/smtpd/session"
)

type memStore struct {
	saved []*session.Message
}

func (m *memStore) Save(ctx context.Context, info *session.Info, msg *session.Message) (bool, error) {
	m.saved = append(m.saved, msg)
	return true, nil
}

func dialAndRead(t *testing.T, addr string) *textproto.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return textproto.NewConn(conn)
}

func TestServerAcceptsAndDeliversLocalMessage(t *testing.T) {
	store := &memStore{}
	srv := New("mx.example.com",
		WithListenAddr("127.0.0.1:0", ModeSMTP),
		WithLocalDomains("example.com"),
		WithStore(store),
	)
	// Start() resolves "127.0.0.1:0" to a concrete port; since the spec
	// above is queued (not yet listened on), grab the address after Start.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := srv.listenSpecs[0].ln.Addr().String()

	tc := dialAndRead(t, addr)
	defer tc.Close()

	if _, err := tc.ReadLine(); err != nil {
		t.Fatalf("reading greeting: %v", err)
	}

	script := []struct{ send, wantPrefix string }{
		{"EHLO client.example.org", "250"},
		{"MAIL FROM:<a@client.example.org>", "250"},
		{"RCPT TO:<b@example.com>", "250"},
		{"DATA", "354"},
	}
	for _, step := range script {
		if err := tc.PrintfLine("%s", step.send); err != nil {
			t.Fatalf("send %q: %v", step.send, err)
		}
		line, err := readFull(tc)
		if err != nil {
			t.Fatalf("reading reply to %q: %v", step.send, err)
		}
		if len(line) < 3 || line[:3] != step.wantPrefix {
			t.Fatalf("reply to %q = %q, want prefix %q", step.send, line, step.wantPrefix)
		}
	}

	if err := tc.PrintfLine("Subject: hi\r\n\r\nbody\r\n."); err != nil {
		t.Fatalf("writing data: %v", err)
	}
	line, err := readFull(tc)
	if err != nil {
		t.Fatalf("reading DATA reply: %v", err)
	}
	if len(line) < 3 || line[:3] != "250" {
		t.Fatalf("DATA reply = %q, want 250", line)
	}

	deadline := time.Now().Add(time.Second)
	for len(store.saved) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected 1 message saved to store, got %d", len(store.saved))
	}
}

// readFull reads one reply, including any continuation lines ("250-..."),
// and returns the last line (matching net/textproto's multi-line SMTP
// reply convention).
func readFull(tc *textproto.Conn) (string, error) {
	r := bufio.NewReader(tc.R)
	var last string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		last = line
		if len(line) >= 4 && line[3] == ' ' {
			return last, nil
		}
	}
}

func TestServerRejectsNonLocalRecipientWithoutQueue(t *testing.T) {
	srv := New("mx.example.com",
		WithListenAddr("127.0.0.1:0", ModeSMTP),
		WithLocalDomains("example.com"),
		WithStore(&memStore{}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := srv.listenSpecs[0].ln.Addr().String()

	tc := dialAndRead(t, addr)
	defer tc.Close()
	if _, err := tc.ReadLine(); err != nil {
		t.Fatal(err)
	}
	tc.PrintfLine("EHLO client.example.org")
	readFull(tc)
	tc.PrintfLine("MAIL FROM:<a@client.example.org>")
	readFull(tc)

	tc.PrintfLine("RCPT TO:<b@other.example>")
	line, err := readFull(tc)
	if err != nil {
		t.Fatal(err)
	}
	if len(line) < 3 || line[:3] == "250" {
		t.Fatalf("expected relaying to a non-local domain with no queue configured to be rejected, got %q", line)
	}
}
