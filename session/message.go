package session

import (
	"bytes"
	"strings"
	"time"
)

// Message is an accepted piece of mail, created on DATA acceptance (spec.md
// §3, "Message"). Raw is immutable once construction finishes; Headers and
// the lazily-derived fields are parsed from it once and cached.
type Message struct {
	ID         string
	SessionID  string
	From       string
	To         []string
	Size       int64
	Raw        []byte

	headersOnce bool
	headers     Headers

	subjectOnce bool
	subject     string
}

// Headers is a case-insensitive multimap of MIME/RFC 5322 header fields,
// preserving the order fields were seen in (spec.md's "parsed headers
// (case-insensitive multimap)").
type Headers struct {
	order []string
	vals  map[string][]string
}

func newHeaders() Headers {
	return Headers{vals: map[string][]string{}}
}

func (h *Headers) add(key, value string) {
	k := strings.ToLower(key)
	if _, ok := h.vals[k]; !ok {
		h.order = append(h.order, k)
	}
	h.vals[k] = append(h.vals[k], value)
}

// Get returns the first value for key, case-insensitively, or "" if absent.
func (h Headers) Get(key string) string {
	vs := h.vals[strings.ToLower(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for key, case-insensitively, preserving the
// order they appeared in the message.
func (h Headers) Values(key string) []string {
	return h.vals[strings.ToLower(key)]
}

// Headers parses (and caches) the RFC 5322 header block at the start of
// the message. Folded (continuation) lines are unfolded per RFC 5322
// §2.2.3. Malformed lines (no colon) are skipped.
func (m *Message) Headers() Headers {
	if m.headersOnce {
		return m.headers
	}
	m.headersOnce = true
	m.headers = parseHeaders(m.Raw)
	return m.headers
}

func parseHeaders(raw []byte) Headers {
	h := newHeaders()

	lines := bytes.Split(raw, []byte("\n"))
	var curKey, curVal string
	flush := func() {
		if curKey != "" {
			h.add(curKey, strings.TrimSpace(curVal))
		}
	}

	for _, line := range lines {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			// End of headers.
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Continuation of the previous header.
			curVal += " " + strings.TrimSpace(string(line))
			continue
		}

		flush()

		k, v, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			curKey = ""
			continue
		}
		curKey = string(bytes.TrimSpace(k))
		curVal = string(v)
	}
	flush()

	return h
}

// Subject returns the message's decoded Subject header, or "" if absent.
// (RFC 2047 MIME-word decoding is intentionally not performed here: per
// spec.md's Non-goals, full MIME parsing is out of scope; callers needing
// decoded subjects should do so in a Store/SpamChecker adapter.)
func (m *Message) Subject() string {
	if m.subjectOnce {
		return m.subject
	}
	m.subjectOnce = true
	m.subject = m.Headers().Get("Subject")
	return m.subject
}

// Date returns the parsed Date header, or the zero time if absent or
// unparsable.
func (m *Message) Date() time.Time {
	v := m.Headers().Get("Date")
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC1123Z, v)
	if err != nil {
		// Try a couple of common variants before giving up.
		for _, layout := range []string{time.RFC1123, "Mon, 2 Jan 2006 15:04:05 -0700"} {
			if t, err = time.Parse(layout, v); err == nil {
				break
			}
		}
	}
	if err != nil {
		return time.Time{}
	}
	return t
}

// HasAttachments does a shallow scan for a multipart boundary carrying a
// Content-Disposition: attachment, per spec.md's "shallow multipart scan"
// allowance (full MIME parsing is a Non-goal).
func (m *Message) HasAttachments() bool {
	ct := m.Headers().Get("Content-Type")
	if !strings.Contains(strings.ToLower(ct), "multipart/mixed") {
		return false
	}
	return bytes.Contains(bytes.ToLower(m.Raw), []byte("content-disposition: attachment"))
}

// TextBody returns everything after the header block, as a best-effort
// plain-text body. For multipart messages this is the raw MIME body, not a
// parsed part — full MIME parsing is out of scope (spec.md Non-goals).
func (m *Message) TextBody() string {
	idx := bytes.Index(m.Raw, []byte("\n\n"))
	if idx < 0 {
		return ""
	}
	return string(m.Raw[idx+2:])
}
