// Package smtpd is a high-performance, extensible SMTP/ESMTP server
// library. It wires together package protocol (the wire codec), package
// session (the per-connection state machine), package admission (the
// accept-time connection/rate limiter), package relay (the outbound
// delivery queue), and package event (the policy/observability bus) into
// a single Server, built and configured with functional options and
// driven by a caller-owned context.Context rather than a global main
// loop — the chasquid teacher instead builds one global *smtpsrv.Server
// with setter methods and calls the blocking, never-returning
// ListenAndServe() directly from main(); this package keeps the additive
// setter shape (see interfaces.go's rationale) but returns control to the
// caller so embedding in a larger program, and graceful shutdown via
// context cancellation, are both possible.
package smtpd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"blitiri.com.ar/go/log"
	"github.com/google/uuid"

	"github.com/relaymta/smtpd/admission"
	"github.com/relaymta/smtpd/event"
	"github.com/relaymta/smtpd/internal/securitylevel"
	"github.com/relaymta/smtpd/internal/set"
	"github.com/relaymta/smtpd/relay"
	"github.com/relaymta/smtpd/session"
)

// Mode distinguishes the three listening roles spec.md §4.1 describes:
// the MTA-to-MTA port (25, usually unauthenticated, STARTTLS optional),
// the submission port (587, authentication required), and submission
// wrapped in implicit TLS from the first byte (465). Grounded on
// internal/smtpsrv's SocketMode/ModeSMTP/ModeSubmission/ModeSubmissionTLS.
type Mode struct {
	Name          string
	ImplicitTLS   bool
	RequireAuth   bool
}

var (
	ModeSMTP          = Mode{Name: "smtp"}
	ModeSubmission    = Mode{Name: "submission", RequireAuth: true}
	ModeSubmissionTLS = Mode{Name: "submission_tls", RequireAuth: true, ImplicitTLS: true}
)

// listenSpec is one address/mode pair queued by WithListenAddr, resolved
// into an actual net.Listener (or wrapped systemd one) at Start.
type listenSpec struct {
	addr     string
	ln       net.Listener
	mode     Mode
}

// Server is a fully configured, not-yet-started SMTP server. Build one
// with New and any number of options, then call Start.
type Server struct {
	serverName string
	greeting   string
	logger     *log.Logger

	maxMessageSize int64
	maxRecipients  int

	allowPlainTextAuth bool
	authMechanisms     []string

	tlsCert *tls.Certificate

	connTimeout    time.Duration
	commandTimeout time.Duration
	dataTimeout    time.Duration

	maxReceivedHeaders int
	rejectThreshold    int
	tempFailThreshold  int

	localDomains  *set.String
	relayNetworks []*net.IPNet

	store         session.Store
	authenticator session.Authenticator
	mailboxFilter session.MailboxFilter
	spamCheckers  []session.SpamChecker
	postDataHook  func(ctx context.Context, raw []byte) session.PostDataResult

	securityLevels *securitylevel.DB

	maxConnections      int
	maxConnectionsPerIP int
	rateLimiters        []*admission.Limiter
	shutdownGrace       time.Duration
	haproxy             bool

	queueDir          string
	maxOutboundConns  int
	queueGiveUpAfter  time.Duration
	helloDomain       string
	deliverer         relay.Deliverer

	bus  *event.Bus
	sink event.ObservabilitySink
	stats *event.StatisticsCollector

	listenSpecs []listenSpec

	queue *relay.Queue

	mu       sync.Mutex
	started  bool
	wg       sync.WaitGroup
}

// Option configures a Server at construction time.
type Option func(*Server)

// New builds a Server from the given options. serverName is the
// identifier used in the greeting banner and HELO/EHLO replies (spec.md
// §4.2).
func New(serverName string, opts ...Option) *Server {
	s := &Server{
		serverName:          serverName,
		greeting:            "ESMTP ready",
		maxMessageSize:      25 * 1024 * 1024,
		maxRecipients:       100,
		connTimeout:         20 * time.Minute,
		commandTimeout:      1 * time.Minute,
		dataTimeout:         5 * time.Minute,
		maxReceivedHeaders:  100,
		rejectThreshold:     10,
		tempFailThreshold:   5,
		localDomains:        set.NewString(),
		maxConnections:      1000,
		maxConnectionsPerIP: 20,
		shutdownGrace:       30 * time.Second,
		maxOutboundConns:    10,
		queueGiveUpAfter:    5 * 24 * time.Hour,
		bus:                 event.New(nil),
		stats:               event.NewStatisticsCollector(),
	}
	s.stats.Attach(s.bus)

	for _, o := range opts {
		o(s)
	}

	if s.logger == nil {
		s.logger = log.Default
	}
	if s.helloDomain == "" {
		s.helloDomain = serverName
	}
	if s.sink != nil {
		event.AttachSink(s.bus, s.sink)
	}
	return s
}

func WithLogger(l *log.Logger) Option { return func(s *Server) { s.logger = l } }

func WithGreeting(g string) Option { return func(s *Server) { s.greeting = g } }

func WithMaxMessageSize(n int64) Option { return func(s *Server) { s.maxMessageSize = n } }

func WithMaxRecipients(n int) Option { return func(s *Server) { s.maxRecipients = n } }

// WithTLSCert loads a certificate/key pair to offer via STARTTLS and
// implicit-TLS listeners.
func WithTLSCert(certPath, keyPath string) Option {
	return func(s *Server) {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			// Matches chasquid's fail-fast posture for bad certificate
			// files (NewServer's ListenAndServe refuses to start without
			// one at all); here the equivalent is refusing a malformed
			// one at option-application time.
			s.logger.Fatalf("smtpd: loading TLS cert %s: %v", certPath, err)
			return
		}
		s.tlsCert = &cert
	}
}

// WithLocalDomains marks the given domains as locally hosted: RCPT TOs in
// these domains are accepted from any client. Every accepted message is
// offered to Store whole; one with any recipient outside these domains is
// also handed to relay.Queue.
func WithLocalDomains(domains ...string) Option {
	return func(s *Server) {
		for _, d := range domains {
			s.localDomains.Add(d)
		}
	}
}

// WithRelayNetworks allows SMTP clients originating from the given CIDRs
// to relay mail to non-local domains without authenticating (spec.md's
// "trusted relay networks", e.g. a LAN of application servers).
func WithRelayNetworks(cidrs ...string) Option {
	return func(s *Server) {
		for _, c := range cidrs {
			_, n, err := net.ParseCIDR(c)
			if err != nil {
				continue
			}
			s.relayNetworks = append(s.relayNetworks, n)
		}
	}
}

func WithStore(store session.Store) Option { return func(s *Server) { s.store = store } }

func WithAuthenticator(a session.Authenticator) Option {
	return func(s *Server) {
		s.authenticator = a
		if len(s.authMechanisms) == 0 {
			s.authMechanisms = []string{"PLAIN", "LOGIN"}
		}
	}
}

func WithMailboxFilter(f session.MailboxFilter) Option {
	return func(s *Server) { s.mailboxFilter = f }
}

func WithSpamChecker(c session.SpamChecker) Option {
	return func(s *Server) { s.spamCheckers = append(s.spamCheckers, c) }
}

func WithPostDataHook(h func(ctx context.Context, raw []byte) session.PostDataResult) Option {
	return func(s *Server) { s.postDataHook = h }
}

func WithAllowPlainTextAuth(allow bool) Option {
	return func(s *Server) { s.allowPlainTextAuth = allow }
}

// WithRateLimit adds a window to the connection rate limiter (spec.md
// §4.3); it may be called more than once to stack e.g. per-minute and
// per-hour windows.
func WithRateLimit(window admission.Window, limit int, customPeriod time.Duration) Option {
	return func(s *Server) {
		s.rateLimiters = append(s.rateLimiters, admission.NewLimiter(window, limit, customPeriod))
	}
}

func WithMaxConnections(total, perIP int) Option {
	return func(s *Server) { s.maxConnections, s.maxConnectionsPerIP = total, perIP }
}

func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) { s.shutdownGrace = d }
}

// WithHAProxy accepts the PROXY protocol v1 header on every incoming
// connection before the SMTP dialog starts (spec.md's "deployable behind
// an HAProxy/load balancer" requirement).
func WithHAProxy(enabled bool) Option { return func(s *Server) { s.haproxy = enabled } }

// WithQueue configures the outbound relay queue: where it persists
// in-flight messages, how many concurrent deliveries it runs, and how
// long it retries a message before bouncing it.
func WithQueue(dir string, maxConcurrent int, giveUpAfter time.Duration) Option {
	return func(s *Server) {
		s.queueDir = dir
		s.maxOutboundConns = maxConcurrent
		s.queueGiveUpAfter = giveUpAfter
	}
}

// WithHelloDomain sets the domain this server presents in its own
// outbound EHLO when relaying mail (defaults to the server name).
func WithHelloDomain(domain string) Option { return func(s *Server) { s.helloDomain = domain } }

// WithDeliverer overrides the outbound courier relay.Queue uses; tests and
// unusual deployments (e.g. a smart host) can substitute their own
// relay.Deliverer instead of the default MX-resolving SMTPDeliverer.
func WithDeliverer(d relay.Deliverer) Option { return func(s *Server) { s.deliverer = d } }

// WithSecurityLevelDB enables the "never silently downgrade" tracking
// described in SPEC_FULL.md's supplemented-features section, shared by
// both the inbound session path and the outbound relay path.
func WithSecurityLevelDB(db *securitylevel.DB) Option {
	return func(s *Server) { s.securityLevels = db }
}

// WithObservabilitySink attaches an external metrics sink (spec.md §6) to
// the server's event bus in addition to the always-on built-in
// StatisticsCollector.
func WithObservabilitySink(sink event.ObservabilitySink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithListenAddr queues addr to be listened on in the given mode once
// Start is called.
func WithListenAddr(addr string, mode Mode) Option {
	return func(s *Server) { s.listenSpecs = append(s.listenSpecs, listenSpec{addr: addr, mode: mode}) }
}

// WithListener queues an already-open net.Listener (e.g. one handed to
// the process by systemd socket activation) to be served in the given
// mode once Start is called.
func WithListener(ln net.Listener, mode Mode) Option {
	return func(s *Server) { s.listenSpecs = append(s.listenSpecs, listenSpec{ln: ln, mode: mode}) }
}

// Bus exposes the server's event bus so callers can register additional
// listeners (e.g. a custom audit log) beyond WithObservabilitySink.
func (s *Server) Bus() *event.Bus { return s.bus }

// Stats returns a snapshot of the built-in statistics collector (spec.md
// §6's "Statistics Collector").
func (s *Server) Stats() event.Snapshot { return s.stats.Snapshot() }

// Start resolves every queued address, opens the outbound relay queue,
// and begins serving. It returns once all listeners are up; each
// listener's accept loop runs in its own goroutine until ctx is
// canceled. Start returns an error if any listener fails to bind, or if
// it is called more than once.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("smtpd: server already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.initQueue(); err != nil {
		return err
	}

	tlsConfig := s.buildTLSConfig()

	for i := range s.listenSpecs {
		spec := &s.listenSpecs[i]
		if spec.ln == nil {
			ln, err := net.Listen("tcp", spec.addr)
			if err != nil {
				return fmt.Errorf("smtpd: listening on %s: %w", spec.addr, err)
			}
			spec.ln = ln
		}

		ln := spec.ln
		mode := spec.mode
		if mode.ImplicitTLS {
			if tlsConfig == nil {
				return fmt.Errorf("smtpd: %s requires a TLS certificate (see WithTLSCert)", mode.Name)
			}
			ln = tls.NewListener(ln, tlsConfig)
		}

		s.logger.Infof("smtpd: listening on %s (%s)", ln.Addr(), mode.Name)

		l := &admission.Listener{
			Tracker:       admission.NewConnectionTracker(s.maxConnections, s.maxConnectionsPerIP),
			RateLimiter:   admission.NewMultiLimiter(s.rateLimiters...),
			Bus:           s.bus,
			Logger:        s.logger,
			ProxyProtocol: s.haproxy,
			ShutdownGrace: s.shutdownGrace,
		}
		l.Tracker.StartReaper()

		s.wg.Add(1)
		go func(l *admission.Listener, ln net.Listener, mode Mode) {
			defer s.wg.Done()
			defer l.Tracker.StopReaper()
			if err := l.Serve(ctx, ln, s.handlerFor(mode, tlsConfig)); err != nil {
				s.logger.Errorf("smtpd: listener %s stopped: %v", ln.Addr(), err)
			}
		}(l, ln, mode)
	}

	return nil
}

// Wait blocks until every listener started by Start has returned (i.e.
// until ctx passed to Start is canceled and the shutdown grace period
// elapses, or all listeners fail).
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) initQueue() error {
	if s.queueDir == "" {
		return nil
	}

	deliverer := s.deliverer
	if deliverer == nil {
		deliverer = &relay.SMTPDeliverer{
			HelloDomain: s.helloDomain,
			Levels:      s.securityLevels,
			CertRoots:   nil,
		}
	}

	q, err := relay.NewQueue(s.queueDir, deliverer, s.localDomains, 0, s.maxOutboundConns)
	if err != nil {
		return fmt.Errorf("smtpd: initializing queue: %w", err)
	}
	q.GiveUpAfter = s.queueGiveUpAfter
	if err := q.Load(context.Background()); err != nil {
		return fmt.Errorf("smtpd: loading queue: %w", err)
	}
	s.queue = q
	return nil
}

func (s *Server) buildTLSConfig() *tls.Config {
	if s.tlsCert == nil {
		return nil
	}
	return &tls.Config{
		Certificates:           []tls.Certificate{*s.tlsCert},
		SessionTicketsDisabled: true,
	}
}

// handlerFor returns the admission.SessionHandler that builds and drives
// a session.Session for connections admitted on a listener of the given
// mode.
func (s *Server) handlerFor(mode Mode, tlsConfig *tls.Config) admission.SessionHandler {
	cfg := &session.Config{
		ServerName:                   s.serverName,
		Greeting:                     s.greeting,
		MaxMessageSize:               s.maxMessageSize,
		MaxRecipients:                s.maxRecipients,
		RequireAuthentication:        mode.RequireAuth,
		AllowPlainTextAuthentication: s.allowPlainTextAuth,
		AuthMechanisms:               s.authMechanisms,
		RequireSecureConnection:      mode.ImplicitTLS,
		EnablePipelining:             true,
		Enable8BitMime:               true,
		EnableSmtpUtf8:               true,
		EnableSizeExtension:          true,
		ConnectionTimeout:            s.connTimeout,
		CommandTimeout:               s.commandTimeout,
		DataTimeout:                  s.dataTimeout,
		MaxReceivedHeaders:           s.maxReceivedHeaders,
		RejectThreshold:              s.rejectThreshold,
		TempFailThreshold:            s.tempFailThreshold,
		LocalDomains:                 s.localDomains,
		RelayNetworks:                s.relayNetworks,
		Store:                        s.store,
		Authenticator:                s.authenticator,
		MailboxFilter:                s.mailboxFilter,
		SpamCheckers:                 s.spamCheckers,
		PostDataHook:                 s.postDataHook,
		Relay:                        s.relayHook(),
		SecurityLevels:               s.securityLevels,
		Bus:                          s.bus,
		Logger:                       s.logger,
	}
	if tlsConfig != nil && !mode.ImplicitTLS {
		cert := tlsConfig.Certificates[0]
		cfg.Certificate = &cert
	}

	return func(ctx context.Context, conn net.Conn) {
		sess := session.New(conn, cfg, func() string { return uuid.NewString() })
		sess.Serve(ctx)
	}
}

// relayHook returns the Config.Relay callback bound to this server's
// queue, or nil if no queue was configured (WithQueue was never called),
// in which case session rejects non-local recipients outright.
func (s *Server) relayHook() func(ctx context.Context, info *session.Info, msg *session.Message, priority session.RelayPriority) (string, error) {
	if s.queue == nil {
		return nil
	}
	return func(ctx context.Context, info *session.Info, msg *session.Message, priority session.RelayPriority) (string, error) {
		item, err := s.queue.Enqueue(ctx, info, msg, priority)
		if err != nil {
			return "", err
		}
		return item.ID, nil
	}
}
