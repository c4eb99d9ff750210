package relay

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"

	"github.com/relaymta/smtpd/internal/envelope"
	"github.com/relaymta/smtpd/internal/set"
)

// rewriteSender applies a send-only Sender Rewriting Scheme (SRS) to from,
// used whenever this server relays mail whose envelope sender is not in a
// local domain: using the original From as-is would make this server an
// unauthorized sender for that domain's SPF/DMARC purposes.
//
// Adapted from internal/queue/queue.go's rewriteSender, dropping the
// forwarding-alias "Via" parameter since this package has no alias table.
func rewriteSender(from, originalRecipient string) string {
	user := envelope.UserOf(originalRecipient)
	domain := envelope.DomainOf(originalRecipient)
	asciiDomain, err := idna.ToASCII(domain)
	if err != nil {
		asciiDomain = domain
	}
	return fmt.Sprintf("%s+fwd_from=%s@%s", user, strings.Replace(from, "@", "=", -1), asciiDomain)
}

// needsSRS reports whether from requires rewriting before being used as the
// envelope sender for a message relayed to a third party.
func needsSRS(from string, localDomains *set.String) bool {
	if from == "<>" || localDomains == nil {
		return false
	}
	return !localDomains.Has(envelope.DomainOf(from))
}

func userOf(addr string) string   { return envelope.UserOf(addr) }
func domainOf(addr string) string { return envelope.DomainOf(addr) }
