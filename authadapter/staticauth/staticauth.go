// Package staticauth implements session.Authenticator against a flat,
// per-domain file of bcrypt-hashed passwords, persisted as JSON.
//
// Grounded on internal/auth's Authenticator (the timing-attack padding in
// Authenticate, and the per-domain-backend-map/Fallback shape) and
// internal/userdb's role as the flat-file backend behind it; userdb itself
// is not reused because its on-disk format is a generated protobuf message
// (userdb.pb.go) whose reader (internal/protoio) was dropped from this
// module (see the project's design notes) — this package's own JSON format,
// written through internal/safeio the same way relay/queue.go persists
// messages, replaces it. Password hashing moves from userdb's scrypt to
// golang.org/x/crypto/bcrypt, matching go.mod's existing x/crypto
// dependency rather than reimplementing scrypt parameter choices here.
package staticauth

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/relaymta/smtpd/internal/normalize"
	"github.com/relaymta/smtpd/internal/safeio"
)

// DB is a single domain's user/password-hash table.
type DB struct {
	path string

	mu    sync.RWMutex
	users map[string][]byte // user -> bcrypt hash
}

// Load reads path, if it exists, into a new DB; a missing file is treated
// as an empty database (so a fresh deployment can start with no users and
// add them via AddUser before the first Save).
func Load(path string) (*DB, error) {
	db := &DB{path: path, users: map[string][]byte{}}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return db, nil
	}
	if err != nil {
		return nil, err
	}

	var records map[string]string
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("staticauth: parsing %s: %w", path, err)
	}
	for user, hash := range records {
		db.users[user] = []byte(hash)
	}
	return db, nil
}

// AddUser sets (or replaces) user's password, hashed with bcrypt's default
// cost. Does not persist; call Save afterwards.
func (db *DB) AddUser(user, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user, err = normalize.User(user)
	if err != nil {
		return fmt.Errorf("staticauth: invalid username %q: %w", user, err)
	}

	db.mu.Lock()
	db.users[user] = hash
	db.mu.Unlock()
	return nil
}

// Save persists the database to its backing file.
func (db *DB) Save() error {
	db.mu.RLock()
	records := make(map[string]string, len(db.users))
	for user, hash := range db.users {
		records[user] = string(hash)
	}
	db.mu.RUnlock()

	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return safeio.WriteFile(db.path, raw, 0600)
}

// Authenticate reports whether password matches user's stored hash.
func (db *DB) Authenticate(user, password string) bool {
	db.mu.RLock()
	hash, ok := db.users[user]
	db.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// Exists reports whether user has an entry in the database.
func (db *DB) Exists(user string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.users[user]
	return ok
}

func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.users)
}

// Authenticator implements session.Authenticator over one DB per domain,
// padding every call (successful or not) to roughly the same duration to
// blunt basic timing attacks, the way internal/auth.Authenticator does.
type Authenticator struct {
	AuthDuration time.Duration

	mu      sync.RWMutex
	domains map[string]*DB
}

// New returns an Authenticator with no domains registered; add them with
// AddDomain before handing it to smtpd.WithAuthenticator.
func New() *Authenticator {
	return &Authenticator{AuthDuration: 100 * time.Millisecond, domains: map[string]*DB{}}
}

// AddDomain registers db as the backing store for users at domain.
func (a *Authenticator) AddDomain(domain string, db *DB) {
	a.mu.Lock()
	a.domains[domain] = db
	a.mu.Unlock()
}

func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (bool, string, error) {
	defer pad(time.Now(), a.AuthDuration)

	user, domain, ok := strings.Cut(username, "@")
	if !ok {
		return false, "", nil
	}
	user, err := normalize.User(user)
	if err != nil {
		return false, "", nil
	}

	a.mu.RLock()
	db, ok := a.domains[domain]
	a.mu.RUnlock()
	if !ok {
		return false, "", nil
	}

	if !db.Authenticate(user, password) {
		return false, "", nil
	}
	return true, username, nil
}

// pad sleeps so that the call takes approximately target (+0-20%)
// regardless of how quickly Authenticate itself returned, the same
// constant-ish-time shape internal/auth.Authenticator.Authenticate uses.
func pad(start time.Time, target time.Duration) {
	if target <= 0 {
		return
	}
	delay := target - time.Since(start)
	if delay <= 0 {
		return
	}
	delay += time.Duration(rand.Int63n(int64(delay)/5 + 1))
	time.Sleep(delay)
}
