// Package spfcheck implements session.SpamChecker by validating the
// envelope sender's SPF record against the connecting IP, using
// blitiri.com.ar/go/spf (the same library chasquid's internal/smtpsrv/conn.go
// calls directly from checkSPF).
package spfcheck

import (
	"context"
	"net"

	"blitiri.com.ar/go/spf"

	"github.com/relaymta/smtpd/internal/envelope"
	"github.com/relaymta/smtpd/internal/trace"
	"github.com/relaymta/smtpd/session"
)

// Checker is a session.SpamChecker that fails closed on an SPF "fail"
// result and is a no-op for everything else (none, neutral, softfail,
// permerror, temperror), matching conn.go's checkSPF: only spf.Fail is
// treated as a rejection, per RFC 7208 §8.4's guidance that only Fail is a
// strong enough signal to act on unilaterally.
type Checker struct {
	// FailScore is added to SpamResult.Score on an SPF Fail; Spam is
	// always true in that case regardless of the threshold the session
	// otherwise applies.
	FailScore int
}

// New returns a Checker with FailScore defaulted to a typical "reject
// outright" weight, matching spec.md's rejection-threshold wording that a
// SpamChecker may set Spam true directly rather than always relying on
// score accumulation.
func New() *Checker {
	return &Checker{FailScore: 100}
}

func (c *Checker) Check(ctx context.Context, sess *session.Info, msg *session.Message) session.SpamResult {
	host, _, err := net.SplitHostPort(sess.RemoteAddr)
	if err != nil {
		host = sess.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil || msg.From == "" {
		return session.SpamResult{}
	}

	tr := trace.New("SPF", sess.ID)
	defer tr.Finish()

	res, err := spf.CheckHostWithSender(ip, envelope.DomainOf(msg.From), msg.From,
		spf.WithTraceFunc(func(f string, a ...interface{}) {
			tr.Debugf(f, a...)
		}))
	tr.Debugf("SPF %v (%v)", res, err)

	if res != spf.Fail {
		return session.SpamResult{}
	}

	reason := "failed SPF"
	if err != nil {
		reason = "failed SPF: " + err.Error()
	}
	return session.SpamResult{
		Spam:    true,
		Score:   c.score(),
		Reasons: []string{reason},
	}
}

func (c *Checker) score() int {
	if c.FailScore != 0 {
		return c.FailScore
	}
	return 100
}
