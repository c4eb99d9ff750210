package session

import (
	"crypto/tls"

	"github.com/relaymta/smtpd/event"
	"github.com/relaymta/smtpd/internal/securitylevel"
	"github.com/relaymta/smtpd/internal/tlsconst"
	"github.com/relaymta/smtpd/protocol"
)

// handleStartTLS performs the server-side TLS handshake and resets session
// state, per spec.md §4.2 "STARTTLS": "all subsequent I/O is encrypted,
// state resets to Connected, the secure flag is set, client domain and
// pending mail are cleared... On failure: close the connection (do not
// fall back to plaintext)." Grounded on conn.go's STARTTLS handler.
func (s *Session) handleStartTLS() protocol.Response {
	if s.state < StateHello {
		return protocol.Reply(protocol.CodeBadSequence, "Bad sequence of commands")
	}
	if s.cfg.Certificate == nil {
		return protocol.Reply(protocol.CodeCommandNotImplem, "TLS not available")
	}
	if s.secure {
		return protocol.Reply(protocol.CodeBadSequence, "Already using TLS")
	}

	s.fire(event.TLSNegotiationStarted, nil)

	sentinel := protocol.Response{Code: responseAlreadySent}

	if err := protocol.Reply(protocol.CodeReady, "Ready to start TLS").Write(s.bw); err != nil {
		s.fire(event.TLSNegotiationFailed, &event.Event{Reason: err.Error()})
		s.state = StateQuit
		return sentinel
	}

	tlsConn := tls.Server(s.conn, &tls.Config{
		Certificates: []tls.Certificate{*s.cfg.Certificate},
	})
	if err := tlsConn.Handshake(); err != nil {
		s.fire(event.TLSNegotiationFailed, &event.Event{Reason: err.Error()})
		s.tr.Errorf("TLS handshake failed: %v", err)
		s.state = StateQuit
		return sentinel
	}

	s.conn = tlsConn
	s.br.Reset(tlsConn)
	s.bw.Reset(tlsConn)
	s.secure = true

	cs := tlsConn.ConnectionState()
	s.tr.Debugf("TLS handshake complete: %s %s", tlsconst.VersionName(cs.Version),
		tlsconst.CipherSuiteName(cs.CipherSuite))

	if s.cfg.SecurityLevels != nil {
		level := securitylevel.LevelTLS
		if len(cs.PeerCertificates) > 0 && cs.VerifiedChains != nil {
			level = securitylevel.LevelTLSVerified
		}
		s.cfg.SecurityLevels.IncomingSecLevel(s.remoteAddrHost(), level)
	}

	s.fire(event.TLSNegotiationCompleted, nil)

	// RFC 5321 §3.9.1 / 4.2's state reset: the client must re-EHLO and
	// restate its envelope after a successful STARTTLS.
	s.state = StateConnected
	s.helloDomain = ""
	s.resetMailState()

	return sentinel
}
