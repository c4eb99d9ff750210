// Package maildirstore implements session.Store by depositing accepted
// mail into one Maildir (qmail/Dovecot-style new/cur/tmp) directory per
// recipient, using github.com/sloonz/go-maildir for the atomic
// tmp-then-rename delivery dance. There is no equivalent of this in
// chasquid, which instead hands off to an external MDA over LMTP
// (internal/courier/lmtp.go); this package is grounded on that same
// "one store per recipient domain/mailbox" shape but keeps delivery local
// instead of proxying to a subprocess.
package maildirstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sloonz/go-maildir"

	"github.com/relaymta/smtpd/internal/envelope"
	"github.com/relaymta/smtpd/session"
)

// Store deposits one copy of each accepted message per recipient into
// RootDir/<user>@<domain>/, creating the Maildir structure on first use.
type Store struct {
	// RootDir is the parent of each recipient's Maildir.
	RootDir string

	mu   sync.Mutex
	dirs map[string]maildir.Dir
}

func New(rootDir string) *Store {
	return &Store{RootDir: rootDir, dirs: map[string]maildir.Dir{}}
}

// Save implements session.Store, writing msg.Raw once per entry in msg.To.
// A failure to deliver to one recipient does not stop delivery to the
// others; Save reports overall success only if every recipient succeeded.
func (s *Store) Save(ctx context.Context, sess *session.Info, msg *session.Message) (bool, error) {
	if len(msg.To) == 0 {
		return false, fmt.Errorf("maildirstore: message has no recipients")
	}

	ok := true
	var firstErr error
	for _, rcpt := range msg.To {
		d, err := s.dirFor(rcpt)
		if err != nil {
			ok = false
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := deliver(d, msg.Raw); err != nil {
			ok = false
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return ok, firstErr
}

func (s *Store) dirFor(rcpt string) (maildir.Dir, error) {
	mailbox := mailboxName(rcpt)

	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.dirs[mailbox]; ok {
		return d, nil
	}

	d := maildir.Dir(filepath.Join(s.RootDir, mailbox))
	if err := d.Init(); err != nil {
		return "", fmt.Errorf("maildirstore: initializing maildir for %s: %w", rcpt, err)
	}
	s.dirs[mailbox] = d
	return d, nil
}

func mailboxName(rcpt string) string {
	return fmt.Sprintf("%s@%s", envelope.UserOf(rcpt), envelope.DomainOf(rcpt))
}

func deliver(d maildir.Dir, raw []byte) error {
	delivery, err := d.NewDelivery()
	if err != nil {
		return fmt.Errorf("maildirstore: creating delivery: %w", err)
	}
	if _, err := delivery.Write(raw); err != nil {
		delivery.Abort()
		return fmt.Errorf("maildirstore: writing message: %w", err)
	}
	if err := delivery.Close(); err != nil {
		return fmt.Errorf("maildirstore: closing delivery: %w", err)
	}
	return nil
}
