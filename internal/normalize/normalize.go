// Package normalize contains functions to normalize usernames and addresses.
package normalize

import (
	"golang.org/x/net/idna"

	"github.com/relaymta/smtpd/internal/envelope"
	"golang.org/x/text/secure/precis"
)

// User normalices an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Addr normalizes an email address using PRECIS.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	domain, err = Domain(domain)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// domainProfile is the IDNA profile we use for domain normalization:
// Unicode/U-label form, which is what the rest of the codebase compares
// and stores domains as.
var domainProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
	idna.Transitional(false),
)

// Domain normalizes a domain name to its Unicode (U-label) form, so that
// "xn--..." ACE-encoded domains and their Unicode equivalent compare equal.
// On error, it returns the original domain to simplify callers.
func Domain(domain string) (string, error) {
	return DomainToUnicode(domain)
}

// DomainToUnicode converts an ASCII-compatible-encoded (or already Unicode)
// domain name to its Unicode form, lower-cased and validated via IDNA2008.
// On error, it returns the original domain to simplify callers.
func DomainToUnicode(domain string) (string, error) {
	u, err := domainProfile.ToUnicode(domain)
	if err != nil {
		return domain, err
	}
	return u, nil
}

// DomainToASCII converts a Unicode domain name to its ASCII-compatible
// encoding (punycode), for use in DNS lookups and SMTP wire traffic.
// On error, it returns the original domain to simplify callers.
func DomainToASCII(domain string) (string, error) {
	a, err := domainProfile.ToASCII(domain)
	if err != nil {
		return domain, err
	}
	return a, nil
}
