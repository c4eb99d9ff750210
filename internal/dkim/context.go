package dkim

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

type contextKey string

const traceKey contextKey = "trace"

// TraceFunc receives one line of verification detail; pass one backed by a
// session's own logger (e.g. blitiri.com.ar/go/log's Logger.Infof) via
// WithTraceFunc to capture the full decision trail for a message whose
// DKIM result is being debugged.
type TraceFunc func(f string, a ...interface{})

func trace(ctx context.Context, f string, args ...interface{}) {
	traceFunc, ok := ctx.Value(traceKey).(TraceFunc)
	if !ok {
		return
	}
	traceFunc(f, args...)
}

func WithTraceFunc(ctx context.Context, trace TraceFunc) context.Context {
	return context.WithValue(ctx, traceKey, trace)
}

const lookupTXTKey contextKey = "lookupTXT"

type lookupTXTFunc func(ctx context.Context, domain string) ([]string, error)

// WithLookupTXTFunc overrides how public-key TXT records are resolved;
// tests use this to avoid touching the network.
func WithLookupTXTFunc(ctx context.Context, lookupTXT lookupTXTFunc) context.Context {
	return context.WithValue(ctx, lookupTXTKey, lookupTXT)
}

// DNSServers overrides the resolver used for DKIM public-key TXT lookups,
// as a list of "host:port" nameservers; empty means read /etc/resolv.conf,
// falling back to 8.8.8.8:53. This mirrors relay.DNSServers' strategy:
// public-key lookups go through github.com/miekg/dns rather than
// net.DefaultResolver so one configured resolver and timeout cover both
// outbound MX lookups and inbound signature verification.
var DNSServers []string

func lookupTXT(ctx context.Context, domain string) ([]string, error) {
	if f, ok := ctx.Value(lookupTXTKey).(lookupTXTFunc); ok {
		return f(ctx, domain)
	}
	return lookupTXTViaDNS(ctx, domain)
}

func lookupTXTViaDNS(ctx context.Context, domain string) ([]string, error) {
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
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeTXT)
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
		return nil, lastErr
	}

	var txts []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			txts = append(txts, strings.Join(txt.Txt, ""))
		}
	}
	return txts, nil
}

const maxHeadersKey contextKey = "maxHeaders"

func WithMaxHeaders(ctx context.Context, maxHeaders int) context.Context {
	return context.WithValue(ctx, maxHeadersKey, maxHeaders)
}

func maxHeaders(ctx context.Context) int {
	n, ok := ctx.Value(maxHeadersKey).(int)
	if !ok {
		// By default, cap the number of signatures processed to 5
		// (arbitrarily chosen, may be adjusted in the future).
		return 5
	}
	return n
}
