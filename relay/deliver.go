package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"github.com/relaymta/smtpd/internal/envelope"
	"github.com/relaymta/smtpd/internal/securitylevel"
	"github.com/relaymta/smtpd/internal/trace"
)

// maxMXHosts bounds how many MX hosts a single delivery attempt will try,
// to keep worst-case delivery time bounded (spec.md §4.4's ordered-attempts
// requirement, adapted from internal/courier/smtp.go's cap of 5).
const maxMXHosts = 5

var (
	dialTimeout  = 1 * time.Minute
	totalTimeout = 10 * time.Minute

	// DNSServers, if non-empty, overrides system resolver configuration with
	// an explicit list of "host:port" nameservers (spec.md's DnsServers[]
	// config key). Left empty, lookupMXs uses the nameservers listed in
	// /etc/resolv.conf, or 8.8.8.8:53 if that file yields none.
	DNSServers []string
)

// SMTPDeliverer delivers mail over outgoing SMTP, resolving MX records,
// opportunistically using STARTTLS, and tracking per-domain security level
// to guard against downgrade attacks.
//
// Grounded on internal/courier/smtp.go's SMTP courier; reworked to use
// github.com/miekg/dns for MX resolution (so lookup timeouts and the
// nameserver list are controllable, which net.LookupMX does not allow) and
// internal/securitylevel in place of the protobuf-backed internal/domaininfo.
type SMTPDeliverer struct {
	HelloDomain string
	Levels      *securitylevel.DB

	// CertRoots overrides the root CA pool used to validate peer
	// certificates; nil means use the system roots. Tests can set this to a
	// custom pool.
	CertRoots *x509.CertPool

	// Port overrides the destination port for outgoing connections; tests
	// point it at a fake server instead of the real port 25.
	Port string

	// lookupMX overrides MX resolution; nil means s.lookupMXs. Tests set
	// this directly instead of relying on DNS being reachable.
	lookupMX func(ctx context.Context, tr *trace.Trace, domain string) ([]string, error, bool)
}

func (s *SMTPDeliverer) port() string {
	if s.Port != "" {
		return s.Port
	}
	return "25"
}

func (s *SMTPDeliverer) resolveMX(ctx context.Context, tr *trace.Trace, domain string) ([]string, error, bool) {
	if s.lookupMX != nil {
		return s.lookupMX(ctx, tr, domain)
	}
	return s.lookupMXs(ctx, tr, domain)
}

// Deliver implements Deliverer.
func (s *SMTPDeliverer) Deliver(ctx context.Context, from, to string, data []byte) (error, bool) {
	tr := trace.New("Relay.Deliver", to)
	defer tr.Finish()

	domain := envelope.DomainOf(to)
	if from == "<>" {
		from = ""
	}

	mxs, err, permanent := s.resolveMX(ctx, tr, domain)
	if err != nil || len(mxs) == 0 {
		return tr.Errorf("could not find mail server for %q: %v", domain, err), permanent
	}

	var lastErr error
	for _, mx := range mxs {
		err, permanent := s.attempt(ctx, tr, mx, domain, from, to, data)
		if err == nil {
			return nil, false
		}
		if permanent {
			return err, true
		}
		lastErr = err
		tr.Printf("%q returned transient error: %v", mx, err)
	}

	return tr.Errorf("all MXs returned transient failures (last: %v)", lastErr), false
}

func (s *SMTPDeliverer) attempt(ctx context.Context, tr *trace.Trace, mx, domain, from, to string, data []byte) (error, bool) {
	skipTLS := false

retry:
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(mx, s.port()), dialTimeout)
	if err != nil {
		return tr.Errorf("could not dial %s: %v", mx, err), false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(totalTimeout))

	c, err := smtp.NewClient(conn, mx)
	if err != nil {
		return tr.Errorf("error creating client: %v", err), false
	}
	defer c.Close()

	if err = c.Hello(s.HelloDomain); err != nil {
		return tr.Errorf("error saying hello: %v", err), false
	}

	secLevel := securitylevel.LevelNone
	if ok, _ := c.Extension("STARTTLS"); ok && !skipTLS {
		cfg := &tls.Config{
			ServerName:         mx,
			InsecureSkipVerify: true,
			VerifyConnection: func(cs tls.ConnectionState) error {
				secLevel = s.classifyTLS(tr, cs)
				return nil
			},
		}
		if err := c.StartTLS(cfg); err != nil {
			tr.Errorf("TLS error, retrying without TLS: %v", err)
			skipTLS = true
			conn.Close()
			goto retry
		}
	} else {
		tr.Debugf("insecure: not using TLS with %s", mx)
	}

	if s.Levels != nil && !s.Levels.OutgoingSecLevel(domain, secLevel) {
		return tr.Errorf("security level check failed for %s (level:%s)", domain, secLevel), false
	}

	oc := &outboundClient{c}
	if err = oc.mailAndRcpt(from, to); err != nil {
		return tr.Errorf("MAIL/RCPT: %v", err), isPermanentSMTPErr(err)
	}

	w, err := c.Data()
	if err != nil {
		return tr.Errorf("DATA: %v", err), isPermanentSMTPErr(err)
	}
	if _, err = w.Write(data); err != nil {
		return tr.Errorf("DATA write: %v", err), isPermanentSMTPErr(err)
	}
	if err = w.Close(); err != nil {
		return tr.Errorf("DATA close: %v", err), isPermanentSMTPErr(err)
	}

	_ = c.Quit()
	tr.Debugf("delivered via %s", mx)
	return nil, false
}

func (s *SMTPDeliverer) classifyTLS(tr *trace.Trace, cs tls.ConnectionState) securitylevel.Level {
	if len(cs.PeerCertificates) == 0 {
		return securitylevel.LevelTLS
	}
	opts := x509.VerifyOptions{
		DNSName:       cs.ServerName,
		Intermediates: x509.NewCertPool(),
		Roots:         s.CertRoots,
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
		tr.Debugf("TLS used, but certificate did not verify: %v", err)
		return securitylevel.LevelTLS
	}
	return securitylevel.LevelTLSVerified
}

// lookupMXs resolves domain's MX records via github.com/miekg/dns, falling
// back to treating the domain itself as an MX if none exist (RFC 5321
// §5.1), and capping the result to maxMXHosts.
func (s *SMTPDeliverer) lookupMXs(ctx context.Context, tr *trace.Trace, domain string) ([]string, error, bool) {
	asciiDomain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, err, true
	}

	servers := DNSServers
	if len(servers) == 0 {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || cfg == nil || len(cfg.Servers) == 0 {
			servers = []string{"8.8.8.8:53"}
		} else {
			for _, srv := range cfg.Servers {
				servers = append(servers, net.JoinHostPort(srv, cfg.Port))
			}
		}
	}

	client := new(dns.Client)
	client.Timeout = 10 * time.Second

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(asciiDomain), dns.TypeMX)
	msg.RecursionDesired = true

	var resp *dns.Msg
	var lastErr error
	for _, server := range servers {
		resp, _, lastErr = client.ExchangeContext(ctx, msg, server)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr, false
	}

	type mxHost struct {
		host string
		pref uint16
	}
	var hosts []mxHost
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			hosts = append(hosts, mxHost{strings.TrimSuffix(mx.Mx, "."), mx.Preference})
		}
	}

	if len(hosts) == 0 {
		// No MX: fall back to the domain itself (RFC 5321 §5.1), provided
		// its rcode was NOERROR (NXDOMAIN means there truly is nothing).
		if resp.Rcode == dns.RcodeNameError {
			return nil, fmt.Errorf("domain %q does not exist", asciiDomain), true
		}
		tr.Debugf("no MX for %s, falling back to A/AAAA", asciiDomain)
		return []string{asciiDomain}, nil, true
	}

	sort.Slice(hosts, func(i, j int) bool { return hosts[i].pref < hosts[j].pref })

	var mxs []string
	for _, h := range hosts {
		mxs = append(mxs, h.host)
		if len(mxs) >= maxMXHosts {
			break
		}
	}
	tr.Debugf("MXs for %s: %v", asciiDomain, mxs)
	return mxs, nil, true
}


// isPermanentSMTPErr classifies an SMTP reply error by its status code:
// 5xx is permanent, everything else (4xx, network errors) is transient.
func isPermanentSMTPErr(err error) bool {
	if pe, ok := err.(*textproto.Error); ok {
		return pe.Code >= 500
	}
	return false
}
