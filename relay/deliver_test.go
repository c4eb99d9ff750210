package relay

import (
	"bufio"
	"context"
	"net"
	"net/textproto"
	"testing"

	"github.com/relaymta/smtpd/internal/trace"
)

// fakeSMTPServer is a minimal scripted SMTP server for exercising
// SMTPDeliverer.attempt without a real network peer or DNS.
//
// Adapted from internal/courier/fakeserver_test.go, trimmed to the
// plaintext (no STARTTLS) case this test needs.
type fakeSMTPServer struct {
	addr      string
	responses map[string]string
}

func startFakeSMTPServer(t *testing.T, responses map[string]string) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake server listen: %v", err)
	}

	s := &fakeSMTPServer{addr: ln.Addr().String(), responses: responses}

	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := textproto.NewReader(bufio.NewReader(conn))
		conn.Write([]byte(responses["_welcome"]))
		for {
			line, err := r.ReadLine()
			if err != nil {
				return
			}
			conn.Write([]byte(responses[line]))
			if line == "DATA" {
				if _, err := r.ReadDotBytes(); err != nil {
					return
				}
				conn.Write([]byte(responses["_DATA"]))
			}
		}
	}()

	return s
}

func (s *fakeSMTPServer) hostPort() (string, string) {
	host, port, _ := net.SplitHostPort(s.addr)
	return host, port
}

func TestDeliverSucceeds(t *testing.T) {
	responses := map[string]string{
		"_welcome":              "220 fake.example.com ESMTP\r\n",
		"EHLO relay.example.com": "250-fake.example.com\r\n250 8BITMIME\r\n",
		"MAIL FROM:<a@x.com> BODY=8BITMIME": "250 OK\r\n",
		"RCPT TO:<b@y.com>":      "250 OK\r\n",
		"DATA":                   "354 Go ahead\r\n",
		"_DATA":                  "250 Queued\r\n",
		"QUIT":                   "221 Bye\r\n",
	}

	srv := startFakeSMTPServer(t, responses)
	host, port := srv.hostPort()

	d := &SMTPDeliverer{HelloDomain: "relay.example.com", Port: port}
	d.lookupMX = func(ctx context.Context, tr *trace.Trace, domain string) ([]string, error, bool) {
		return []string{host}, nil, true
	}

	err, permanent := d.Deliver(context.Background(), "a@x.com", "b@y.com", []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("Deliver() error = %v, permanent = %v", err, permanent)
	}
}

func TestDeliverPermanentRejection(t *testing.T) {
	responses := map[string]string{
		"_welcome":              "220 fake.example.com ESMTP\r\n",
		"EHLO relay.example.com": "250 fake.example.com\r\n",
		"MAIL FROM:<a@x.com>":    "250 OK\r\n",
		"RCPT TO:<b@y.com>":      "550 No such user\r\n",
		"QUIT":                   "221 Bye\r\n",
	}

	srv := startFakeSMTPServer(t, responses)
	host, port := srv.hostPort()

	d := &SMTPDeliverer{HelloDomain: "relay.example.com", Port: port}
	d.lookupMX = func(ctx context.Context, tr *trace.Trace, domain string) ([]string, error, bool) {
		return []string{host}, nil, true
	}

	err, permanent := d.Deliver(context.Background(), "a@x.com", "b@y.com", []byte("hi"))
	if err == nil {
		t.Fatal("expected delivery to fail")
	}
	if !permanent {
		t.Errorf("expected a 550 rejection to be classified permanent")
	}
}

func TestIsPermanentSMTPErr(t *testing.T) {
	if !isPermanentSMTPErr(&textproto.Error{Code: 550, Msg: "no"}) {
		t.Error("550 should be permanent")
	}
	if isPermanentSMTPErr(&textproto.Error{Code: 450, Msg: "try again"}) {
		t.Error("450 should be transient")
	}
}
