package session

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/relaymta/smtpd/event"
	"github.com/relaymta/smtpd/protocol"
)

// handleAuth drives the AUTH dialog (spec.md §4.2 "AUTH dialog"). PLAIN and
// LOGIN are implemented via github.com/emersion/go-sasl's sasl.Server
// state machines rather than chasquid's own hand-rolled base64 framing in
// internal/auth, matching the idiom the pack's other SMTP servers
// (mschneider82/go-smtp, foxcpp/maddy) use for the same mechanisms.
// Credential verification itself still goes through the pluggable
// Authenticator interface, grounded on internal/auth.Backend.
func (s *Session) handleAuth(ctx context.Context, arg string) (protocol.Response, bool) {
	if s.state < StateHello {
		return protocol.Reply(protocol.CodeBadSequence, "Bad sequence of commands"), false
	}
	if s.authenticated {
		return protocol.Reply(503, "Already authenticated"), false
	}
	if len(s.cfg.AuthMechanisms) == 0 || s.cfg.Authenticator == nil {
		return protocol.Reply(protocol.CodeCommandNotImplem, "AUTH not supported"), false
	}
	if !s.secure && !s.cfg.AllowPlainTextAuthentication {
		return protocol.EnhancedReply(538, "5.7.11", "Encryption required for requested authentication mechanism"), false
	}

	mech, initial, _ := strings.Cut(arg, " ")
	mech = strings.ToUpper(strings.TrimSpace(mech))
	if !s.mechAdvertised(mech) {
		return protocol.Reply(protocol.CodeParamNotImplem, "Unrecognized authentication type"), false
	}

	s.fire(event.AuthenticationAttempted, &event.Event{Mechanism: mech})

	identity, err := s.runAuthMechanism(ctx, mech, initial)
	if err != nil {
		s.fire(event.AuthenticationFailed, &event.Event{Mechanism: mech, Reason: err.Error()})
		if s.recordAuthFailure() {
			protocol.Reply(535, "Authentication failed").Write(s.bw)
			s.state = StateQuit
			return protocol.Reply(protocol.CodeClosing, "Too many authentication failures"), true
		}
		return protocol.EnhancedReply(535, "5.7.8", "Authentication credentials invalid"), false
	}

	s.authenticated = true
	s.identity = identity
	s.fire(event.AuthenticationSucceeded, &event.Event{Mechanism: mech, Identity: identity})
	return protocol.Reply(protocol.CodeAuthSuccess, "Authentication successful"), false
}

func (s *Session) mechAdvertised(mech string) bool {
	for _, m := range s.cfg.AuthMechanisms {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

func (s *Session) runAuthMechanism(ctx context.Context, mech, initial string) (string, error) {
	var identity string

	var srv sasl.Server
	switch mech {
	case "PLAIN":
		srv = sasl.NewPlainServer(func(idAuthz, username, password string) error {
			ok, ident, err := s.cfg.Authenticator.Authenticate(ctx, username, password)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("invalid credentials")
			}
			identity = ident
			if identity == "" {
				identity = username
			}
			return nil
		})
	case "LOGIN":
		srv = sasl.NewLoginServer(func(username, password string) error {
			ok, ident, err := s.cfg.Authenticator.Authenticate(ctx, username, password)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("invalid credentials")
			}
			identity = ident
			if identity == "" {
				identity = username
			}
			return nil
		})
	default:
		return "", errors.New("unsupported mechanism")
	}

	return identity, s.runSaslDialog(srv, initial)
}

// runSaslDialog drives srv's challenge/response loop, issuing "334
// <base64 challenge>" prompts and reading base64 responses until srv
// reports done or an error.
func (s *Session) runSaslDialog(srv sasl.Server, initial string) error {
	var resp []byte
	if initial != "" {
		decoded, err := base64.StdEncoding.DecodeString(initial)
		if err != nil {
			return err
		}
		resp = decoded
	}

	for {
		challenge, done, err := srv.Next(resp)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		encoded := base64.StdEncoding.EncodeToString(challenge)
		if err := protocol.Reply(protocol.CodeAuthContinue, encoded).Write(s.bw); err != nil {
			return err
		}

		line, err := s.readLine()
		if err != nil {
			return err
		}
		if line == "*" {
			return errors.New("authentication cancelled by client")
		}

		resp, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return err
		}
	}
}
