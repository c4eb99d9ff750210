package session

import "context"

// Store is the pluggable message sink a session hands accepted mail to
// (spec.md §6, "Message store sink"). Implementations live outside this
// module (see storeadapter/). Save must be safe to call more than once for
// the same Message (the core may retry); returning false surfaces a 451 to
// the client, and a panic/non-nil error from Save is treated the same as
// false.
type Store interface {
	Save(ctx context.Context, sess *Info, msg *Message) (bool, error)
}

// Authenticator validates AUTH PLAIN/LOGIN credentials (spec.md §6,
// "Authentication handler"). A custom Authenticator may also reject all
// built-in mechanisms and only accept its own, by returning false for
// every credential pair and instead being consulted directly by a custom
// mechanism plugged in at a higher layer.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (ok bool, identity string, err error)
}

// MailboxFilter is consulted at MAIL and RCPT (spec.md §6, "Mailbox
// filter"). Rejections surface as 550.
type MailboxFilter interface {
	CanAcceptFrom(ctx context.Context, sess *Info, sender string, size int64) bool
	CanDeliverTo(ctx context.Context, sess *Info, recipient, sender string) bool
}

// SpamChecker is one stage of the anti-spam pipeline (spec.md §6,
// "Anti-spam pipeline"). Multiple checkers may run, their scores summed by
// the session before comparing against RejectThreshold/TempFailThreshold.
type SpamChecker interface {
	Check(ctx context.Context, sess *Info, msg *Message) SpamResult
}

// SpamResult is one checker's verdict.
type SpamResult struct {
	Spam    bool
	Score   int
	Reasons []string
}

// Info is the read-only view of a Session exposed to external
// collaborators (Store, MailboxFilter, SpamChecker), so they can see
// connection metadata without being able to mutate session state directly.
type Info struct {
	ID         string
	RemoteAddr string
	LocalAddr  string
	Secure     bool
	Authenticated bool
	Identity   string
	HelloDomain string
}
