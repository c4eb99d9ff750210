package smtpd

import (
	"github.com/relaymta/smtpd/event"
	"github.com/relaymta/smtpd/session"
)

// These are type aliases, not new types: callers implement
// session.Store/session.Authenticator/etc. directly and pass them to
// WithStore/WithAuthenticator/etc. unchanged. The aliases exist so that
// package smtpd is a complete public surface on its own — a caller building
// a storeadapter or authadapter need only import smtpd, not smtpd/session
// too.
//
// The interfaces themselves are declared in package session rather than
// here because relay.Queue also needs session.Info/session.Message (to
// implement the Config.Relay hook signature) without importing this root
// package, and this root package needs relay.Queue; declaring them in
// session breaks what would otherwise be an import cycle.
type (
	Store             = session.Store
	Authenticator     = session.Authenticator
	MailboxFilter     = session.MailboxFilter
	SpamChecker       = session.SpamChecker
	SpamResult        = session.SpamResult
	ConnInfo          = session.Info
	ObservabilitySink = event.ObservabilitySink
)
