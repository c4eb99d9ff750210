// Package dkimcheck implements session.SpamChecker by verifying any
// DKIM-Signature headers present on an inbound message, using
// internal/dkim's RFC 6376 verifier. Only the verification path is used
// here; signing is the outbound half of a message's lifecycle and has no
// place in an inbound anti-spam checker.
package dkimcheck

import (
	"context"
	"fmt"

	"github.com/relaymta/smtpd/internal/dkim"
	"github.com/relaymta/smtpd/internal/trace"
	"github.com/relaymta/smtpd/session"
)

// Checker scores a message by how many of its DKIM-Signature headers (if
// any) verified successfully. A message with no signatures at all is not
// penalized here — DKIM is optional per RFC 6376; pairing this checker
// with an SPF/DMARC-aware checker is how a caller enforces "signed mail
// required for this domain".
type Checker struct {
	// FailScore is added per invalid (PERMFAIL/TEMPFAIL) signature found.
	FailScore int
}

func New() *Checker {
	return &Checker{FailScore: 25}
}

func (c *Checker) Check(ctx context.Context, sess *session.Info, msg *session.Message) session.SpamResult {
	tr := trace.New("DKIM", sess.ID)
	defer tr.Finish()
	ctx = dkim.WithTraceFunc(ctx, tr.Debugf)

	result, err := dkim.VerifyMessage(ctx, string(msg.Raw))
	if err != nil {
		tr.Errorf("error verifying message: %v", err)
		return session.SpamResult{}
	}
	tr.Debugf("found %d signature(s), %d valid", result.Found, result.Valid)
	if result.Found == 0 {
		return session.SpamResult{}
	}

	failed := result.Found - result.Valid
	if failed == 0 {
		return session.SpamResult{}
	}

	var reasons []string
	for _, r := range result.Results {
		if r.State != dkim.SUCCESS {
			reasons = append(reasons, fmt.Sprintf("DKIM %s (domain=%s): %s", r.State, r.Domain, r.Error))
		}
	}

	score := int(failed) * c.score()
	return session.SpamResult{
		Spam:    score >= 100,
		Score:   score,
		Reasons: reasons,
	}
}

func (c *Checker) score() int {
	if c.FailScore != 0 {
		return c.FailScore
	}
	return 25
}
