// Package session implements the per-connection SMTP protocol state
// machine: greeting, HELO/EHLO, MAIL/RCPT/DATA, STARTTLS, AUTH, and the
// rest of the RFC 5321/ESMTP dialog described in spec.md §4.2.
//
// It is grounded on chasquid's internal/smtpsrv.Conn (conn.go): the same
// read-a-line/dispatch-to-a-handler loop, the same handler signature
// shape ((code int, msg string), later generalized here to
// protocol.Response so multi-line/enhanced-code replies are first-class),
// and the same fire-and-forget tracing via internal/trace. Where chasquid
// hardcodes a single local-domain/alias/Dovecot-auth policy, this package
// instead calls the pluggable Store/Authenticator/MailboxFilter/
// SpamChecker interfaces spec.md §6 requires.
package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/relaymta/smtpd/event"
	"github.com/relaymta/smtpd/internal/securitylevel"
	"github.com/relaymta/smtpd/internal/set"
	"github.com/relaymta/smtpd/internal/trace"
	"github.com/relaymta/smtpd/protocol"
)

// RelayPriority mirrors relay.Priority's ordering (Low < Normal < High <
// Urgent) without this package importing package relay. Config.Relay
// receives one alongside every message so the worker pool it feeds can
// order delivery attempts per spec.md §4.4.
type RelayPriority int

const (
	RelayLow RelayPriority = iota
	RelayNormal
	RelayHigh
	RelayUrgent
)

// relayPriorityFor derives the priority a newly-accepted message is
// enqueued at: an authenticated submitter is a trusted local client
// relaying their own outbound mail and jumps ahead of anonymous inbound
// relay traffic (relay-networks-based, typically other MTAs forwarding
// third-party mail), matching the "AUTH identity" signal spec.md calls out
// as a reasonable priority input.
func relayPriorityFor(info *Info) RelayPriority {
	if info.Authenticated {
		return RelayHigh
	}
	return RelayNormal
}

// State is one of the five conversation states from spec.md §3/§4.2.
type State int

const (
	StateConnected State = iota
	StateHello
	StateMail
	StateRecipient
	StateQuit
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateHello:
		return "Hello"
	case StateMail:
		return "Mail"
	case StateRecipient:
		return "Recipient"
	case StateQuit:
		return "Quit"
	default:
		return "Unknown"
	}
}

// PostDataResult is what an optional post-DATA hook returns: it may add
// headers to the message before it is offered to the store, or reject it
// (permanently or temporarily). Grounded on conn.go's runPostDataHook,
// which invokes an external command and interprets exit code 20 as a
// permanent rejection.
type PostDataResult struct {
	AddHeaders []string // "Key: Value" lines to prepend, in order.
	Reject     bool
	Permanent  bool
	Message    string
}

// Config holds everything a Session needs that does not change over its
// lifetime; it is built once by the root smtpd.Server and shared
// (read-only) across all sessions it spawns.
type Config struct {
	ServerName string
	Greeting   string

	MaxMessageSize int64
	MaxRecipients  int

	RequireAuthentication        bool
	AllowPlainTextAuthentication bool
	AuthMechanisms                []string

	Certificate             *tls.Certificate
	RequireSecureConnection bool

	EnablePipelining    bool
	Enable8BitMime      bool
	EnableBinaryMime    bool
	EnableChunking      bool
	EnableSmtpUtf8      bool
	EnableSizeExtension bool

	ConnectionTimeout time.Duration
	CommandTimeout    time.Duration
	DataTimeout       time.Duration

	MaxReceivedHeaders int

	RejectThreshold    int
	TempFailThreshold  int

	LocalDomains  *set.String
	RelayNetworks []*net.IPNet

	Store           Store
	Authenticator   Authenticator
	MailboxFilter   MailboxFilter
	SpamCheckers    []SpamChecker
	PostDataHook    func(ctx context.Context, raw []byte) PostDataResult

	// Relay is invoked when a message's recipients are not all local; it
	// mirrors relay.Queue.Enqueue's "(message, sessionContext, priority) ->
	// RelayMessage" contract, with RelayPriority standing in for
	// relay.Priority so session doesn't import package relay directly
	// (avoiding an import cycle, since relay in turn imports session for
	// Info/Message). The returned value is the opaque queue id the relay
	// assigned, logged alongside the SMTP-level message id.
	Relay func(ctx context.Context, info *Info, msg *Message, priority RelayPriority) (queueID string, err error)

	SecurityLevels *securitylevel.DB
	Bus            *event.Bus
	Logger         *log.Logger
}

func (c *Config) log() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default
}

// Session is a single per-connection state machine instance. It is
// exclusively owned by the goroutine that calls Serve (spec.md §3's
// "exclusively owned by its handling task").
type Session struct {
	cfg  *Config
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	tr   *trace.Trace

	id         string
	remoteAddr net.Addr
	localAddr  net.Addr
	startTime  time.Time

	secure        bool
	authenticated bool
	identity      string
	helloDomain   string
	ehlo          bool

	msgCount int

	state State
	from  string
	to    []string

	authFailures int32

	idGen func() string
}

// New constructs a Session bound to conn. idGen, if non-nil, is used to
// generate the session's stable identifier (defaulting to a UUID via
// whatever the caller's smtpd.Server configured); tests can inject a
// deterministic generator.
func New(conn net.Conn, cfg *Config, idGen func() string) *Session {
	if idGen == nil {
		idGen = func() string { return fmt.Sprintf("%d", time.Now().UnixNano()) }
	}
	id := idGen()

	return &Session{
		cfg:        cfg,
		conn:       conn,
		br:         bufio.NewReader(conn),
		bw:         bufio.NewWriter(conn),
		tr:         trace.New("Session", id),
		id:         id,
		remoteAddr: conn.RemoteAddr(),
		localAddr:  conn.LocalAddr(),
		startTime:  time.Now(),
		state:      StateConnected,
		idGen:      idGen,
	}
}

// ID returns the session's stable opaque identifier.
func (s *Session) ID() string { return s.id }

// info returns the read-only view of this session's state handed to
// external collaborators.
func (s *Session) info() *Info {
	return &Info{
		ID:            s.id,
		RemoteAddr:    s.remoteAddr.String(),
		LocalAddr:     s.localAddr.String(),
		Secure:        s.secure,
		Authenticated: s.authenticated,
		Identity:      s.identity,
		HelloDomain:   s.helloDomain,
	}
}

// Serve drives the session to completion: greeting, command loop, cleanup.
// It returns when the connection closes, the session quits, or ctx is
// canceled (spec.md §5's shutdown cascade: "sessions observe it at their
// next command-read and emit 421 + close").
func (s *Session) Serve(ctx context.Context) {
	defer s.tr.Finish()
	defer s.conn.Close()

	s.fire(event.SessionCreated, nil)
	defer s.fire(event.SessionCompleted, nil)

	s.greet()

	for s.state != StateQuit {
		if ctx.Err() != nil {
			s.reply(protocol.Reply(421, "Server shutting down"))
			return
		}

		line, err := s.readLine()
		if err != nil {
			return
		}

		s.fire(event.CommandReceived, &event.Event{RawLine: line})

		start := time.Now()
		resp, closeAfter := s.dispatch(ctx, line)
		s.fire(event.CommandExecuted, &event.Event{
			DurationMs: time.Since(start).Milliseconds(),
			Success:    resp.IsSuccess(),
		})

		// responseAlreadySent is used by handlers (STARTTLS) that must
		// write intermediate replies themselves mid-handshake; there is
		// nothing left for the dispatch loop to write in that case.
		if resp.Code != responseAlreadySent {
			if err := resp.Write(s.bw); err != nil {
				return
			}
		}
		if closeAfter {
			return
		}
	}
}

// responseAlreadySent is a sentinel Response.Code used by handlers that
// write their own replies mid-command (STARTTLS writes "220" before the
// handshake and nothing at all after a successful one) so the dispatch
// loop knows not to write anything further.
const responseAlreadySent = -1

func (s *Session) greet() {
	s.tr.Debugf("new connection from %s", s.remoteAddr)
	resp := protocol.Reply(protocol.CodeReady, s.cfg.ServerName+" ESMTP "+s.cfg.Greeting)
	resp.Write(s.bw)
}

func (s *Session) readLine() (string, error) {
	if d := s.cfg.CommandTimeout; d > 0 {
		s.conn.SetReadDeadline(time.Now().Add(d))
	}
	line, err := s.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Session) reply(r protocol.Response) {
	r.Write(s.bw)
}

// dispatch parses and executes a single command line, returning the
// response to send and whether the connection should be closed after it.
func (s *Session) dispatch(ctx context.Context, line string) (protocol.Response, bool) {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		return protocol.Reply(protocol.CodeSyntaxError, "Line too long"), false
	}

	if cmd.Verb == "" {
		return protocol.Reply(protocol.CodeSyntaxError, "Syntax error"), false
	}

	switch cmd.Verb {
	case "HELO":
		return s.handleHelo(cmd.Arg), false
	case "EHLO":
		return s.handleEhlo(cmd.Arg), false
	case "MAIL":
		return s.handleMail(ctx, cmd.Arg), false
	case "RCPT":
		return s.handleRcpt(ctx, cmd.Arg), false
	case "DATA":
		return s.handleData(ctx)
	case "RSET":
		return s.handleRset(), false
	case "NOOP":
		return protocol.Reply(protocol.CodeOK, "OK"), false
	case "QUIT":
		s.state = StateQuit
		return protocol.Reply(protocol.CodeClosing, s.cfg.ServerName+" closing connection"), true
	case "VRFY":
		return protocol.Reply(252, "Cannot VRFY user, but will accept message and attempt delivery"), false
	case "HELP":
		return protocol.Reply(214, "See https://tools.ietf.org/html/rfc5321"), false
	case "STARTTLS":
		resp := s.handleStartTLS()
		return resp, s.state == StateQuit
	case "AUTH":
		return s.handleAuth(ctx, cmd.Arg)
	case "BDAT":
		return protocol.Reply(protocol.CodeCommandNotImplem, "BDAT not implemented"), false
	default:
		return protocol.Reply(protocol.CodeCommandNotImplem, "Command not implemented"), false
	}
}

func (s *Session) handleHelo(arg string) protocol.Response {
	if arg == "" {
		return protocol.Reply(protocol.CodeSyntaxErrorArgs, "Need a domain argument")
	}
	s.helloDomain = arg
	s.ehlo = false
	s.state = StateHello
	s.resetMailState()
	return protocol.Reply(protocol.CodeOK, s.cfg.ServerName+" Hello "+arg)
}

func (s *Session) handleEhlo(arg string) protocol.Response {
	if arg == "" {
		return protocol.Reply(protocol.CodeSyntaxErrorArgs, "Need a domain argument")
	}
	s.helloDomain = arg
	s.ehlo = true
	s.state = StateHello
	s.resetMailState()

	lines := []string{s.cfg.ServerName + " Hello " + arg}
	if s.cfg.EnableSizeExtension && s.cfg.MaxMessageSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", s.cfg.MaxMessageSize))
	}
	if s.cfg.EnablePipelining {
		lines = append(lines, "PIPELINING")
	}
	if s.cfg.Enable8BitMime {
		lines = append(lines, "8BITMIME")
	}
	if s.cfg.EnableBinaryMime {
		lines = append(lines, "BINARYMIME")
	}
	if s.cfg.EnableChunking {
		lines = append(lines, "CHUNKING")
	}
	if s.cfg.EnableSmtpUtf8 {
		lines = append(lines, "SMTPUTF8")
	}
	if s.cfg.Certificate != nil && !s.secure {
		lines = append(lines, "STARTTLS")
	}
	if len(s.cfg.AuthMechanisms) > 0 {
		lines = append(lines, "AUTH "+strings.Join(s.cfg.AuthMechanisms, " "))
	}
	lines = append(lines, "ENHANCEDSTATUSCODES", "HELP")

	return protocol.Response{Code: protocol.CodeOK, Lines: lines}
}

func (s *Session) resetMailState() {
	s.from = ""
	s.to = nil
}

func (s *Session) handleRset() protocol.Response {
	if s.state < StateHello {
		return protocol.Reply(protocol.CodeBadSequence, "Bad sequence of commands")
	}
	s.resetMailState()
	s.state = StateHello
	return protocol.Reply(protocol.CodeOK, "OK")
}

func (s *Session) handleMail(ctx context.Context, arg string) protocol.Response {
	if s.state < StateHello {
		return protocol.Reply(protocol.CodeBadSequence, "Bad sequence of commands")
	}
	if s.cfg.RequireAuthentication && !s.authenticated {
		return protocol.Reply(protocol.CodeAuthRequired, "Authentication required")
	}

	verb, rest, ok := strings.Cut(arg, ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(verb), "FROM") {
		return protocol.EnhancedReply(protocol.CodeSyntaxErrorArgs, "5.5.2", "Syntax: MAIL FROM:<address>")
	}
	path, err := protocol.ParsePath(rest)
	if err != nil {
		return protocol.EnhancedReply(protocol.CodeSyntaxErrorArgs, "5.5.2", "Syntax: MAIL FROM:<address>")
	}

	if size := path.Size(); size > 0 && s.cfg.MaxMessageSize > 0 && size > s.cfg.MaxMessageSize {
		return protocol.EnhancedReply(protocol.CodeExceededStorage, "5.3.4", "Message too large")
	}

	if s.cfg.MailboxFilter != nil && !s.cfg.MailboxFilter.CanAcceptFrom(ctx, s.info(), path.Address, path.Size()) {
		return protocol.EnhancedReply(protocol.CodeMailboxUnavailable, "5.7.1", "Sender rejected")
	}

	s.from = path.Address
	s.to = nil
	s.state = StateMail
	return protocol.Reply(protocol.CodeOK, "OK")
}

func (s *Session) handleRcpt(ctx context.Context, arg string) protocol.Response {
	if s.state != StateMail && s.state != StateRecipient {
		return protocol.Reply(protocol.CodeBadSequence, "Bad sequence of commands")
	}

	verb, rest, ok := strings.Cut(arg, ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(verb), "TO") {
		return protocol.EnhancedReply(protocol.CodeSyntaxErrorArgs, "5.5.2", "Syntax: RCPT TO:<address>")
	}
	path, err := protocol.ParsePath(rest)
	if err != nil || path.Address == "" {
		return protocol.EnhancedReply(protocol.CodeSyntaxErrorArgs, "5.5.2", "Syntax: RCPT TO:<address>")
	}

	if s.cfg.MaxRecipients > 0 && len(s.to) >= s.cfg.MaxRecipients {
		return protocol.EnhancedReply(protocol.CodeInsufficientStorage, "4.5.3", "Too many recipients")
	}

	if s.cfg.MailboxFilter != nil && !s.cfg.MailboxFilter.CanDeliverTo(ctx, s.info(), path.Address, s.from) {
		return protocol.EnhancedReply(protocol.CodeMailboxUnavailable, "5.1.1", "Recipient rejected")
	}

	if !s.relayAllowed(path.Address) {
		return protocol.EnhancedReply(protocol.CodeTransactionFailed, "5.7.1", "Relay access denied")
	}

	s.to = append(s.to, path.Address)
	s.state = StateRecipient
	return protocol.Reply(protocol.CodeOK, "OK")
}

// relayAllowed reports whether recipient's domain can be accepted: either
// it is local, or a Relay hook is configured and the session is authorized
// to relay (authenticated, or its remote IP is inside RelayNetworks).
func (s *Session) relayAllowed(recipient string) bool {
	_, domain, _ := strings.Cut(recipient, "@")
	if s.cfg.LocalDomains != nil && s.cfg.LocalDomains.Has(domain) {
		return true
	}
	if s.cfg.Relay == nil {
		return false
	}
	if s.authenticated {
		return true
	}
	return s.remoteInRelayNetworks()
}

func (s *Session) remoteInRelayNetworks() bool {
	host, _, err := net.SplitHostPort(s.remoteAddr.String())
	if err != nil {
		host = s.remoteAddr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range s.cfg.RelayNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Session) handleData(ctx context.Context) (protocol.Response, bool) {
	if s.state != StateRecipient {
		return protocol.Reply(protocol.CodeBadSequence, "Bad sequence of commands"), false
	}

	dataEv := &event.Event{From: s.from, Recipients: append([]string(nil), s.to...)}
	s.fire(event.DataTransferStarted, dataEv)
	if dataEv.Cancel {
		s.resetMailState()
		s.state = StateHello
		return protocol.Reply(dataEv.ResponseCode, dataEv.ResponseText), false
	}

	if err := protocol.Reply(protocol.CodeStartMailInput, "Start mail input; end with <CRLF>.<CRLF>").Write(s.bw); err != nil {
		return protocol.Response{}, true
	}

	if d := s.cfg.DataTimeout; d > 0 {
		s.conn.SetReadDeadline(time.Now().Add(d))
	}

	start := time.Now()
	raw, err := protocol.ReadDotEncoded(s.br, s.maxMessageSize())
	dur := time.Since(start).Milliseconds()

	if errors.Is(err, protocol.ErrMessageTooLarge) {
		s.fire(event.DataTransferCompleted, &event.Event{Bytes: int64(len(raw)), DurationMs: dur, Success: false})
		s.resetMailState()
		s.state = StateHello
		return protocol.EnhancedReply(552, "5.3.4", "Message size exceeds fixed maximum message size"), false
	}
	if err != nil {
		s.fire(event.DataTransferCompleted, &event.Event{Bytes: int64(len(raw)), DurationMs: dur, Success: false})
		return protocol.Response{}, true
	}

	s.fire(event.DataTransferCompleted, &event.Event{Bytes: int64(len(raw)), DurationMs: dur, Success: true})

	resp := s.acceptMessage(ctx, raw)
	s.resetMailState()
	s.state = StateHello
	return resp, false
}

func (s *Session) maxMessageSize() int64 {
	if s.cfg.MaxMessageSize > 0 {
		return s.cfg.MaxMessageSize
	}
	return 1 << 30
}

// acceptMessage runs loop detection, the post-DATA hook, the anti-spam
// pipeline, and finally hands the message to the store/relay path.
func (s *Session) acceptMessage(ctx context.Context, raw []byte) protocol.Response {
	id := s.idGen()

	if n := s.countReceivedHeaders(raw); s.cfg.MaxReceivedHeaders > 0 && n > s.cfg.MaxReceivedHeaders {
		s.tr.Errorf("too many Received headers (%d), possible loop", n)
		return protocol.EnhancedReply(protocol.CodeTransactionFailed, "5.4.6", "Too many hops, possible mail loop")
	}

	if s.cfg.PostDataHook != nil {
		res := s.cfg.PostDataHook(ctx, raw)
		for _, h := range res.AddHeaders {
			k, v, _ := strings.Cut(h, ":")
			raw = prependHeader(raw, k, strings.TrimSpace(v))
		}
		if res.Reject {
			code := protocol.CodeLocalError
			if res.Permanent {
				code = protocol.CodeMailboxUnavailable
			}
			msg := res.Message
			if msg == "" {
				msg = "Message rejected"
			}
			return protocol.Reply(code, msg)
		}
	}

	msg := &Message{
		ID:        id,
		SessionID: s.id,
		From:      s.from,
		To:        append([]string(nil), s.to...),
		Size:      int64(len(raw)),
		Raw:       raw,
	}

	if resp, rejected := s.runSpamPipeline(ctx, msg); rejected {
		return resp
	}

	msgEv := &event.Event{MessageID: id, From: s.from, Recipients: msg.To, Bytes: msg.Size}
	s.fire(event.MessageReceived, msgEv)
	if msgEv.Cancel {
		return protocol.Reply(msgEv.ResponseCode, msgEv.ResponseText)
	}

	if s.cfg.Store != nil {
		ok, err := s.safeSave(ctx, msg)
		if err != nil || !ok {
			return protocol.Reply(protocol.CodeLocalError, "Requested action aborted: error in processing")
		}
	}

	if s.needsRelay(msg.To) && s.cfg.Relay != nil {
		info := s.info()
		queueID, err := s.cfg.Relay(ctx, info, msg, relayPriorityFor(info))
		if err != nil {
			s.tr.Errorf("relay enqueue failed: %v", err)
			return protocol.Reply(protocol.CodeLocalError, "Requested action aborted: error in processing")
		}
		s.tr.Debugf("relay queued as %s", queueID)
	}

	s.msgCount++
	return protocol.Reply(protocol.CodeOK, "OK: queued as "+id)
}

func (s *Session) safeSave(ctx context.Context, msg *Message) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("store panicked: %v", r)
		}
	}()
	return s.cfg.Store.Save(ctx, s.info(), msg)
}

func (s *Session) needsRelay(to []string) bool {
	for _, addr := range to {
		_, domain, _ := strings.Cut(addr, "@")
		if s.cfg.LocalDomains == nil || !s.cfg.LocalDomains.Has(domain) {
			return true
		}
	}
	return false
}

func (s *Session) runSpamPipeline(ctx context.Context, msg *Message) (protocol.Response, bool) {
	if len(s.cfg.SpamCheckers) == 0 {
		return protocol.Response{}, false
	}

	total := 0
	var reasons []string
	for _, c := range s.cfg.SpamCheckers {
		res := c.Check(ctx, s.info(), msg)
		total += res.Score
		reasons = append(reasons, res.Reasons...)
	}

	status := "No"
	if total > 0 {
		status = "Yes"
	}
	msg.Raw = prependHeader(msg.Raw, "X-Spam-Score", strconv.Itoa(total))
	msg.Raw = prependHeader(msg.Raw, "X-Spam-Status", status)

	rejectAt := s.cfg.RejectThreshold
	if rejectAt == 0 {
		rejectAt = 60
	}
	tempFailAt := s.cfg.TempFailThreshold
	if tempFailAt == 0 {
		tempFailAt = 40
	}

	if total >= rejectAt {
		return protocol.EnhancedReply(550, "5.7.1", "Message rejected: spam detected"), true
	}
	if total >= tempFailAt {
		return protocol.EnhancedReply(451, "4.7.1", "Message deferred: possible spam"), true
	}
	return protocol.Response{}, false
}

func prependHeader(raw []byte, key, value string) []byte {
	return []byte(key + ": " + value + "\r\n" + string(raw))
}

func (s *Session) countReceivedHeaders(raw []byte) int {
	n := 0
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(strings.ToLower(line), "received:") {
			n++
		}
	}
	return n
}

func (s *Session) fire(kind event.Kind, ev *event.Event) {
	if s.cfg.Bus == nil {
		return
	}
	if ev == nil {
		ev = &event.Event{}
	}
	ev.Kind = kind
	ev.SessionID = s.id
	ev.RemoteIP = s.remoteAddrHost()
	s.cfg.Bus.Fire(ev)
}

func (s *Session) remoteAddrHost() string {
	host, _, err := net.SplitHostPort(s.remoteAddr.String())
	if err != nil {
		return s.remoteAddr.String()
	}
	return host
}

var authFailureLimit int32 = 3

func (s *Session) recordAuthFailure() bool {
	n := atomic.AddInt32(&s.authFailures, 1)
	return n >= authFailureLimit
}
