// Package securitylevel keeps track of the best transport security level
// ever seen for a remote domain, so that a later connection cannot silently
// downgrade from TLS to plaintext (or from a verified certificate to an
// unverified one) without that being treated as a security event.
//
// This mirrors chasquid's internal/domaininfo, but persists its state as a
// plain JSON file via internal/safeio instead of a protobuf-backed store:
// the generated domaininfo.pb.go this package depended on is not available
// in this environment, and there is no way to regenerate it without running
// protoc. See DESIGN.md for the full rationale.
package securitylevel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/relaymta/smtpd/internal/safeio"
	"github.com/relaymta/smtpd/internal/trace"
)

// Level represents a transport security level, ordered from weakest to
// strongest so that comparisons (<, >, ==) make sense.
type Level int

const (
	// LevelNone means the exchange happened in plaintext.
	LevelNone Level = iota
	// LevelTLS means TLS was used, but the peer certificate was not (or
	// could not be) verified.
	LevelTLS
	// LevelTLSVerified means TLS was used and the peer certificate was
	// verified against a trusted chain.
	LevelTLSVerified
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "plain"
	case LevelTLS:
		return "tls-unverified"
	case LevelTLSVerified:
		return "tls-verified"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// domainRecord is the on-disk representation of what we know about a
// domain. Exported fields so encoding/json can see them.
type domainRecord struct {
	Name             string `json:"name"`
	IncomingSecLevel Level  `json:"incoming_sec_level"`
	OutgoingSecLevel Level  `json:"outgoing_sec_level"`
}

// DB is a persistent, in-memory-cached database of per-domain security
// levels. It is safe for concurrent use.
type DB struct {
	path string

	mu   sync.Mutex
	info map[string]*domainRecord
}

// New opens (or creates) a security level database backed by a single JSON
// file under dir. The returned DB is loaded and ready to use.
func New(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, err
	}

	db := &DB{
		path: filepath.Join(dir, "security-levels.json"),
		info: map[string]*domainRecord{},
	}

	if err := db.Reload(); err != nil {
		return nil, err
	}
	return db, nil
}

// Reload the database from disk, discarding any in-memory state.
func (db *DB) Reload() error {
	tr := trace.New("SecurityLevel.Reload", "reload")
	defer tr.Finish()

	db.mu.Lock()
	defer db.mu.Unlock()

	raw, err := os.ReadFile(db.path)
	if os.IsNotExist(err) {
		db.info = map[string]*domainRecord{}
		return nil
	} else if err != nil {
		tr.Error(err)
		return err
	}

	var records []*domainRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		tr.Errorf("corrupt security level store: %v", err)
		return err
	}

	info := map[string]*domainRecord{}
	for _, r := range records {
		info[r.Name] = r
	}
	db.info = info

	tr.Debugf("loaded %d domains", len(info))
	return nil
}

// writeLocked persists the current in-memory state to disk. Callers must
// hold db.mu.
func (db *DB) writeLocked() error {
	records := make([]*domainRecord, 0, len(db.info))
	for _, r := range db.info {
		records = append(records, r)
	}

	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	return safeio.WriteFile(db.path, raw, 0660, verifyJSONArray)
}

// verifyJSONArray confirms tmpPath decodes as a JSON array before it is
// renamed over the live store, so a marshaling bug here can never leave
// behind a file Reload fails to parse.
func verifyJSONArray(tmpPath string) error {
	raw, err := os.ReadFile(tmpPath)
	if err != nil {
		return err
	}
	var records []*domainRecord
	return json.Unmarshal(raw, &records)
}

// IncomingSecLevel checks whether level is an acceptable security level for
// an incoming connection from domain, given the best level seen previously.
// Returns true if allowed (and records the level, raising the bar if level
// is higher than what we've seen before); false if this would be a
// downgrade from a previously-seen stronger level.
func (db *DB) IncomingSecLevel(domain string, level Level) bool {
	tr := trace.New("SecurityLevel.Incoming", domain)
	defer tr.Finish()
	tr.Debugf("incoming at level %s", level)

	return db.checkAndRaise(tr, domain, level, true)
}

// OutgoingSecLevel checks whether level is an acceptable security level for
// an outgoing delivery to domain, given the best level seen previously.
func (db *DB) OutgoingSecLevel(domain string, level Level) bool {
	tr := trace.New("SecurityLevel.Outgoing", domain)
	defer tr.Finish()
	tr.Debugf("outgoing at level %s", level)

	return db.checkAndRaise(tr, domain, level, false)
}

func (db *DB) checkAndRaise(tr *trace.Trace, domain string, level Level, incoming bool) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	d, exists := db.info[domain]
	if !exists {
		d = &domainRecord{Name: domain}
		db.info[domain] = d
	}

	cur := d.OutgoingSecLevel
	if incoming {
		cur = d.IncomingSecLevel
	}

	switch {
	case level < cur:
		tr.Errorf("%s denied: %s < %s", domain, level, cur)
		return false
	case level == cur:
		tr.Debugf("%s allowed: %s == %s", domain, level, cur)
		if !exists {
			db.persist(tr, d)
		}
		return true
	default:
		tr.Printf("%s level raised: %s > %s", domain, level, cur)
		if incoming {
			d.IncomingSecLevel = level
		} else {
			d.OutgoingSecLevel = level
		}
		db.persist(tr, d)
		return true
	}
}

// persist writes the database to disk, logging (but not propagating) any
// error: a failed write should not block the SMTP dialog that triggered it.
// Callers must hold db.mu.
func (db *DB) persist(tr *trace.Trace, d *domainRecord) {
	if err := db.writeLocked(); err != nil {
		tr.Errorf("failed to save security level for %s: %v", d.Name, err)
	}
}
