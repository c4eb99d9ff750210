package relay

import (
	"net/smtp"
	"net/textproto"
	"unicode"

	"golang.org/x/net/idna"
)

// outboundClient extends net/smtp.Client with SMTPUTF8 address handling
// per RFC 6531, the same job internal/smtp.Client does for chasquid, but
// kept private to this package since nothing outside relay needs it.
type outboundClient struct {
	*smtp.Client
}

// mailAndRcpt issues MAIL FROM and RCPT TO, transforming addresses as
// needed when the peer doesn't advertise SMTPUTF8.
//
// Adapted from internal/smtp/smtp.go's Client.MailAndRcpt.
func (c *outboundClient) mailAndRcpt(from, to string) error {
	from, fromNeeds, err := c.prepareForSMTPUTF8(from)
	if err != nil {
		return err
	}
	to, toNeeds, err := c.prepareForSMTPUTF8(to)
	if err != nil {
		return err
	}

	if fromNeeds || toNeeds {
		if ok, _ := c.Extension("SMTPUTF8"); !ok {
			return &textproto.Error{Code: 599, Msg: "peer does not support SMTPUTF8"}
		}
	}

	if err := c.Mail(from); err != nil {
		return err
	}
	return c.Rcpt(to)
}

func (c *outboundClient) prepareForSMTPUTF8(addr string) (string, bool, error) {
	if isASCII(addr) {
		return addr, false, nil
	}
	if ok, _ := c.Extension("SMTPUTF8"); ok {
		return addr, true, nil
	}

	user, domain := userOf(addr), domainOf(addr)
	if !isASCII(user) {
		return addr, true, &textproto.Error{Code: 599, Msg: "local part is not ASCII and peer lacks SMTPUTF8"}
	}

	asciiDomain, err := idna.ToASCII(domain)
	if err != nil {
		return addr, true, &textproto.Error{Code: 599, Msg: "non-ASCII domain is not IDNA safe"}
	}
	return user + "@" + asciiDomain, false, nil
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
