// Package config loads a server's configuration from a YAML file (using
// gopkg.in/yaml.v2, the same library chasquid's internal/config pulls in
// for its own protobuf/YAML split — this package uses it directly, as a
// plain struct, rather than routing through prototext, since no .proto
// definition for this shape exists in the retrieval pack) and turns it
// into a list of smtpd.Option, mirroring chasquid's config.go Load()
// defaults-then-override shape but reading YAML into a Go struct instead
// of text-format protobuf.
package config

import (
	"fmt"
	"os"
	"time"

	"blitiri.com.ar/go/log"
	"gopkg.in/yaml.v2"

	"github.com/relaymta/smtpd"
	"github.com/relaymta/smtpd/admission"
)

// Listener is one address/mode pair to bind at startup.
type Listener struct {
	Addr string `yaml:"addr"`
	Mode string `yaml:"mode"` // "smtp", "submission", or "submission_tls"
}

// RateLimit is one stacked window for the connection rate limiter.
type RateLimit struct {
	Window        string        `yaml:"window"` // "minute", "hour", "day", or "custom"
	Limit         int           `yaml:"limit"`
	CustomPeriod  time.Duration `yaml:"custom_period"`
}

// Config is the on-disk shape of a server's configuration.
type Config struct {
	Hostname string `yaml:"hostname"`
	Greeting string `yaml:"greeting"`

	Listeners []Listener `yaml:"listeners"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	LocalDomains  []string `yaml:"local_domains"`
	RelayNetworks []string `yaml:"relay_networks"`

	MaxMessageSizeMB int `yaml:"max_message_size_mb"`
	MaxRecipients    int `yaml:"max_recipients"`

	AllowPlainTextAuth bool `yaml:"allow_plain_text_auth"`

	MaxConnections      int `yaml:"max_connections"`
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`

	RateLimits []RateLimit `yaml:"rate_limits"`

	ShutdownGraceSeconds int  `yaml:"shutdown_grace_seconds"`
	HAProxy              bool `yaml:"haproxy"`

	QueueDir             string `yaml:"queue_dir"`
	MaxOutboundConns     int    `yaml:"max_outbound_conns"`
	QueueGiveUpAfter     string `yaml:"queue_give_up_after"`
	HelloDomain          string `yaml:"hello_domain"`
}

var defaultConfig = Config{
	MaxMessageSizeMB:     25,
	MaxRecipients:        100,
	MaxConnections:       1000,
	MaxConnectionsPerIP:  20,
	ShutdownGraceSeconds: 30,
	MaxOutboundConns:     10,
	QueueGiveUpAfter:     "120h",
}

// Load reads and parses the YAML configuration at path, applying
// defaultConfig's values to every field the file does not set. A field the
// file sets explicitly keeps the file's value, even when that is zero.
func Load(path string) (*Config, error) {
	c := defaultConfig

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}

	if c.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("config: could not determine hostname: %w", err)
		}
		c.Hostname = h
	}
	if _, err := time.ParseDuration(c.QueueGiveUpAfter); err != nil {
		return nil, fmt.Errorf("config: invalid queue_give_up_after %q: %w", c.QueueGiveUpAfter, err)
	}

	return &c, nil
}

func modeFromString(s string) (smtpd.Mode, error) {
	switch s {
	case "", "smtp":
		return smtpd.ModeSMTP, nil
	case "submission":
		return smtpd.ModeSubmission, nil
	case "submission_tls":
		return smtpd.ModeSubmissionTLS, nil
	default:
		return smtpd.Mode{}, fmt.Errorf("config: unknown listener mode %q", s)
	}
}

func windowFromString(s string) admission.Window {
	switch s {
	case "hour":
		return admission.Hour
	case "day":
		return admission.Day
	case "custom":
		return admission.Custom
	default:
		return admission.Minute
	}
}

// Options translates c into the smtpd.Option list needed to build a
// Server matching it (everything except pluggable Go interfaces — Store,
// Authenticator, MailboxFilter, SpamChecker, ObservabilitySink — which a
// YAML file cannot express and which callers pass to smtpd.New directly
// alongside these).
func (c *Config) Options() ([]smtpd.Option, error) {
	var opts []smtpd.Option

	if c.Greeting != "" {
		opts = append(opts, smtpd.WithGreeting(c.Greeting))
	}
	for _, l := range c.Listeners {
		mode, err := modeFromString(l.Mode)
		if err != nil {
			return nil, err
		}
		opts = append(opts, smtpd.WithListenAddr(l.Addr, mode))
	}
	if c.TLSCertFile != "" {
		opts = append(opts, smtpd.WithTLSCert(c.TLSCertFile, c.TLSKeyFile))
	}
	if len(c.LocalDomains) > 0 {
		opts = append(opts, smtpd.WithLocalDomains(c.LocalDomains...))
	}
	if len(c.RelayNetworks) > 0 {
		opts = append(opts, smtpd.WithRelayNetworks(c.RelayNetworks...))
	}
	if c.MaxMessageSizeMB > 0 {
		opts = append(opts, smtpd.WithMaxMessageSize(int64(c.MaxMessageSizeMB)*1024*1024))
	}
	if c.MaxRecipients > 0 {
		opts = append(opts, smtpd.WithMaxRecipients(c.MaxRecipients))
	}
	opts = append(opts, smtpd.WithAllowPlainTextAuth(c.AllowPlainTextAuth))
	opts = append(opts, smtpd.WithMaxConnections(c.MaxConnections, c.MaxConnectionsPerIP))
	for _, rl := range c.RateLimits {
		opts = append(opts, smtpd.WithRateLimit(windowFromString(rl.Window), rl.Limit, rl.CustomPeriod))
	}
	if c.ShutdownGraceSeconds > 0 {
		opts = append(opts, smtpd.WithShutdownGrace(time.Duration(c.ShutdownGraceSeconds)*time.Second))
	}
	if c.HAProxy {
		opts = append(opts, smtpd.WithHAProxy(true))
	}
	if c.QueueDir != "" {
		giveUp, _ := time.ParseDuration(c.QueueGiveUpAfter)
		opts = append(opts, smtpd.WithQueue(c.QueueDir, c.MaxOutboundConns, giveUp))
	}
	if c.HelloDomain != "" {
		opts = append(opts, smtpd.WithHelloDomain(c.HelloDomain))
	}

	return opts, nil
}

// LogConfig logs c in a human-friendly way, matching chasquid's
// config.go LogConfig.
func LogConfig(logger *log.Logger, c *Config) {
	logger.Infof("Configuration:")
	logger.Infof("  Hostname: %q", c.Hostname)
	logger.Infof("  Listeners: %+v", c.Listeners)
	logger.Infof("  Local domains: %q", c.LocalDomains)
	logger.Infof("  Relay networks: %q", c.RelayNetworks)
	logger.Infof("  Max message size (MB): %d", c.MaxMessageSizeMB)
	logger.Infof("  Max recipients: %d", c.MaxRecipients)
	logger.Infof("  Max connections: %d (per IP: %d)", c.MaxConnections, c.MaxConnectionsPerIP)
	logger.Infof("  Queue dir: %q", c.QueueDir)
	logger.Infof("  Give up send after: %s", c.QueueGiveUpAfter)
}
