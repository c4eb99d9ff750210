package session

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/relaymta/smtpd/event"
	"github.com/relaymta/smtpd/internal/set"
)

type fakeStore struct {
	saved []*Message
}

func (f *fakeStore) Save(ctx context.Context, info *Info, msg *Message) (bool, error) {
	f.saved = append(f.saved, msg)
	return true, nil
}

func testConfig(store Store) *Config {
	return &Config{
		ServerName:          "smtp.example.com",
		Greeting:            "ready",
		MaxMessageSize:      1024 * 1024,
		MaxRecipients:       100,
		EnablePipelining:    true,
		Enable8BitMime:      true,
		EnableSmtpUtf8:      true,
		EnableSizeExtension: true,
		CommandTimeout:      5 * time.Second,
		DataTimeout:         5 * time.Second,
		Store:               store,
		LocalDomains:        set.NewString("y.com"),
		Bus:                 event.New(nil),
	}
}

func dialogTest(t *testing.T, cfg *Config, script []string) []string {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	idSeq := 0
	s := New(serverConn, cfg, func() string {
		idSeq++
		return "id-" + string(rune('0'+idSeq))
	})

	done := make(chan struct{})
	go func() {
		s.Serve(context.Background())
		close(done)
	}()

	cr := bufio.NewReader(clientConn)
	var responses []string

	readReply := func() string {
		var lines []string
		for {
			line, err := cr.ReadString('\n')
			if err != nil {
				return strings.Join(lines, "")
			}
			lines = append(lines, line)
			// Multi-line replies use "code-"; the last line uses "code ".
			if len(line) > 3 && line[3] == ' ' {
				break
			}
		}
		return strings.Join(lines, "")
	}

	responses = append(responses, readReply()) // greeting

	for _, cmd := range script {
		clientConn.Write([]byte(cmd + "\r\n"))
		responses = append(responses, readReply())
	}

	clientConn.Close()
	<-done
	return responses
}

func TestHappyPath(t *testing.T) {
	store := &fakeStore{}
	cfg := testConfig(store)

	script := []string{
		"EHLO client.example.com",
		"MAIL FROM:<a@x.com>",
		"RCPT TO:<b@y.com>",
		"DATA",
		"Subject: Hi\r\n\r\nHello\r\n.",
		"QUIT",
	}

	resps := dialogTest(t, cfg, script)

	if !strings.HasPrefix(resps[0], "220") {
		t.Fatalf("greeting = %q", resps[0])
	}
	if !strings.Contains(resps[1], "250") {
		t.Fatalf("EHLO response = %q", resps[1])
	}
	if !strings.HasPrefix(resps[2], "250") {
		t.Fatalf("MAIL response = %q", resps[2])
	}
	if !strings.HasPrefix(resps[3], "250") {
		t.Fatalf("RCPT response = %q", resps[3])
	}
	if !strings.HasPrefix(resps[4], "354") {
		t.Fatalf("DATA response = %q", resps[4])
	}
	if !strings.HasPrefix(resps[5], "250") {
		t.Fatalf("end-of-data response = %q", resps[5])
	}
	if !strings.HasPrefix(resps[6], "221") {
		t.Fatalf("QUIT response = %q", resps[6])
	}

	if len(store.saved) != 1 {
		t.Fatalf("expected 1 saved message, got %d", len(store.saved))
	}
	if store.saved[0].From != "a@x.com" {
		t.Errorf("From = %q", store.saved[0].From)
	}
}

func TestBadSequence(t *testing.T) {
	cfg := testConfig(&fakeStore{})

	resps := dialogTest(t, cfg, []string{"MAIL FROM:<a@x.com>"})
	if !strings.HasPrefix(resps[1], "503") {
		t.Errorf("MAIL before HELO should be 503, got %q", resps[1])
	}
}

func TestRsetClearsState(t *testing.T) {
	cfg := testConfig(&fakeStore{})

	resps := dialogTest(t, cfg, []string{
		"EHLO client",
		"MAIL FROM:<a@x.com>",
		"RSET",
		"RCPT TO:<b@y.com>",
	})

	if !strings.HasPrefix(resps[3], "250") {
		t.Fatalf("RSET response = %q", resps[3])
	}
	if !strings.HasPrefix(resps[4], "503") {
		t.Errorf("RCPT after RSET without MAIL should be 503, got %q", resps[4])
	}
}
