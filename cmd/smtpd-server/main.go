// Command smtpd-server is a reference SMTP/ESMTP server built on package
// smtpd, wiring every adapter package (antispam, authadapter,
// storeadapter, observability, config) into one deployable binary —
// analogous to chasquid's own cmd/chasquid (chasquid.go), but assembled
// from the library's pluggable interfaces instead of baking the storage,
// auth, and anti-spam logic directly into the daemon.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"blitiri.com.ar/go/log"
	docopt "github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymta/smtpd"
	"github.com/relaymta/smtpd/antispam/dkimcheck"
	"github.com/relaymta/smtpd/antispam/spfcheck"
	"github.com/relaymta/smtpd/authadapter/staticauth"
	"github.com/relaymta/smtpd/config"
	"github.com/relaymta/smtpd/internal/systemd"
	observabilityprom "github.com/relaymta/smtpd/observability/prometheus"
	"github.com/relaymta/smtpd/storeadapter/maildirstore"
)

const version = "smtpd-server 0.1"

var usage = `smtpd-server: a pluggable SMTP/ESMTP server.

Usage:
  smtpd-server [--config=<path>] [--users=<path>] [--maildir=<path>] [--monitoring-addr=<addr>]
  smtpd-server -h | --help

Options:
  --config=<path>          Path to the YAML server configuration [default: /etc/smtpd-server/config.yaml].
  --users=<path>           Path to the static user/password-hash database [default: /etc/smtpd-server/users.json].
  --maildir=<path>         Root directory for delivered mail [default: /var/lib/smtpd-server/mail].
  --monitoring-addr=<addr> Address to serve /metrics on; empty disables it [default: localhost:19095].
`

type cliArgs struct {
	Config          string `docopt:"--config"`
	Users           string `docopt:"--users"`
	Maildir         string `docopt:"--maildir"`
	MonitoringAddr  string `docopt:"--monitoring-addr"`
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		log.Fatalf("parsing arguments: %v", err)
	}
	var args cliArgs
	if err := opts.Bind(&args); err != nil {
		log.Fatalf("binding arguments: %v", err)
	}

	cfg, err := config.Load(args.Config)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	config.LogConfig(log.Default, cfg)

	authenticator, err := loadAuthenticator(args.Users, cfg.LocalDomains)
	if err != nil {
		log.Fatalf("loading user database: %v", err)
	}

	store := maildirstore.New(args.Maildir)

	serverOpts, err := cfg.Options()
	if err != nil {
		log.Fatalf("building server options: %v", err)
	}
	serverOpts = append(serverOpts,
		smtpd.WithStore(store),
		smtpd.WithAuthenticator(authenticator),
		smtpd.WithSpamChecker(spfcheck.New()),
		smtpd.WithSpamChecker(dkimcheck.New()),
	)
	serverOpts = append(serverOpts, socketActivationOpts()...)

	srv := smtpd.New(cfg.Hostname, serverOpts...)

	if reg := startMonitoring(args.MonitoringAddr); reg != nil {
		reg.MustRegister(observabilityprom.New(srv.Stats, "smtpd"))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("starting server: %v", err)
	}

	log.Infof("smtpd-server: up and running")
	srv.Wait()
	log.Infof("smtpd-server: shut down cleanly")
}

// loadAuthenticator builds a staticauth.Authenticator that registers the
// single users.json flat file at path as the DB of every local domain.
// Entries are keyed by local part only, so a user in the file
// authenticates under each local domain.
func loadAuthenticator(path string, localDomains []string) (*staticauth.Authenticator, error) {
	db, err := staticauth.Load(path)
	if err != nil {
		return nil, err
	}

	a := staticauth.New()
	for _, domain := range localDomains {
		a.AddDomain(domain, db)
	}
	return a, nil
}

// socketActivationOpts turns any systemd-supplied listening sockets (set
// via FileDescriptorName in the .service unit: "smtp", "submission", or
// "submission_tls") into WithListener options, so a systemd-managed
// deployment never needs this binary to bind privileged ports itself.
// Absent $LISTEN_FDS, Listeners returns (nil, nil) and this is a no-op,
// leaving --config's own listener addresses in effect.
func socketActivationOpts() []smtpd.Option {
	fdListeners, err := systemd.Listeners()
	if err != nil {
		log.Fatalf("systemd socket activation: %v", err)
	}

	var opts []smtpd.Option
	for name, lns := range fdListeners {
		mode, ok := map[string]smtpd.Mode{
			"smtp":           smtpd.ModeSMTP,
			"submission":     smtpd.ModeSubmission,
			"submission_tls": smtpd.ModeSubmissionTLS,
		}[name]
		if !ok {
			log.Errorf("systemd socket activation: ignoring unknown FileDescriptorName %q", name)
			continue
		}
		for _, ln := range lns {
			opts = append(opts, smtpd.WithListener(ln, mode))
		}
	}
	return opts
}

// startMonitoring serves Prometheus metrics at addr, if set, and returns
// the registry the caller should register collectors against. Grounded on
// chasquid's own MonitoringAddress option (chasquid.go/monitoring.go),
// swapping its bespoke HTTP status page for a standard promhttp.Handler.
func startMonitoring(addr string) *prometheus.Registry {
	if addr == "" {
		return nil
	}

	reg := prometheus.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("monitoring: %v", err)
		}
	}()

	return reg
}
