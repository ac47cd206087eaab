/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/themadorg/mailstack/framework/log"
	"github.com/themadorg/mailstack/internal/autoconfig"
	"github.com/themadorg/mailstack/internal/cli/clitools"
	"github.com/themadorg/mailstack/internal/config"
	"github.com/themadorg/mailstack/internal/dnsrecords"
	"github.com/themadorg/mailstack/internal/fsutil"
	"github.com/themadorg/mailstack/internal/gateway"
	"github.com/themadorg/mailstack/internal/readiness"
	"github.com/themadorg/mailstack/internal/reconcile"
	"github.com/themadorg/mailstack/internal/registry"
)

// Certificates expiring sooner than this are renewed.
const renewBefore = 30 * 24 * time.Hour

// Exit codes.
const (
	exitFailure    = 1
	exitValidation = 2
)

// newRunner creates the process runner used by every gateway component.
// Tests replace it.
var newRunner = func(l log.Logger) gateway.Runner {
	return gateway.ExecRunner{Log: l, Redact: gateway.RedactSecrets}
}

// interactive reports whether prompts may be shown. Tests replace it.
var interactive = clitools.IsInteractive

var jsonFlag = &cli.BoolFlag{
	Name:  "json",
	Usage: "Print machine-readable JSON instead of text",
}

// env is what every command works with.
type env struct {
	cfg   config.Config
	store *registry.Store

	docker *gateway.Docker
	certs  *gateway.Certbot
	nginx  *gateway.Nginx
	sys    gateway.System

	log  log.Logger
	out  io.Writer
	in   io.Reader
	json bool
}

// configFlags are accepted by every command that touches the stack. They
// take precedence over the dotenv file.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "container", Usage: "Mail service container name", EnvVars: []string{"MAILSTACK_CONTAINER"}},
		&cli.StringFlag{Name: "contact-email", Usage: "Contact address for Let's Encrypt", EnvVars: []string{"MAILSTACK_CONTACT_EMAIL"}},
		&cli.StringFlag{Name: "letsencrypt-dir", Usage: "certbot configuration directory", EnvVars: []string{"MAILSTACK_LETSENCRYPT_DIR"}},
		&cli.StringFlag{Name: "webroot", Usage: "ACME challenge webroot", EnvVars: []string{"MAILSTACK_WEBROOT"}},
		&cli.StringFlag{Name: "sites-available", Usage: "Nginx sites-available directory", EnvVars: []string{"MAILSTACK_SITES_AVAILABLE"}},
		&cli.StringFlag{Name: "sites-enabled", Usage: "Nginx sites-enabled directory", EnvVars: []string{"MAILSTACK_SITES_ENABLED"}},
		&cli.StringFlag{Name: "image", Usage: "Mail service container image", EnvVars: []string{"MAILSTACK_IMAGE"}},
		&cli.StringFlag{Name: "public-ip", Usage: "Public IPv4 address published in the A record", EnvVars: []string{"MAILSTACK_PUBLIC_IP"}},
		&cli.BoolFlag{Name: "staging", Usage: "Use the Let's Encrypt staging environment", EnvVars: []string{"MAILSTACK_STAGING"}},
		jsonFlag,
	}
}

// loadConfig builds the configuration: defaults, then <root>/mailstack.env,
// then flags and environment.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if root := c.Path("root"); root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return cfg, err
		}
		cfg.Root = abs
	}

	unknown, err := cfg.LoadEnvFile(cfg.EnvFilePath())
	if err != nil {
		return cfg, err
	}
	for _, k := range unknown {
		log.Printf("%s: unknown setting %s ignored", cfg.EnvFilePath(), k)
	}

	strs := map[string]*string{
		"container":       &cfg.Container,
		"image":           &cfg.Image,
		"public-ip":       &cfg.PublicIP,
		"contact-email":   &cfg.ContactEmail,
		"letsencrypt-dir": &cfg.LetsEncryptDir,
		"webroot":         &cfg.Webroot,
		"sites-available": &cfg.SitesAvailable,
		"sites-enabled":   &cfg.SitesEnabled,
	}
	for name, dst := range strs {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	if c.IsSet("staging") {
		cfg.Staging = c.Bool("staging")
	}
	if c.IsSet("no-lock") {
		cfg.NoLock = c.Bool("no-lock")
	}
	if c.IsSet("debug") {
		cfg.Debug = log.DefaultLogger.Debug
	} else if cfg.Debug {
		log.DefaultLogger.Debug = true
	}
	if cfg.LogJSON && !c.IsSet("log-json") {
		log.Init(os.Stderr, true)
	}

	return cfg, cfg.Validate()
}

func newEnv(c *cli.Context) (*env, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	l := log.Logger{Name: "mailstack", Debug: cfg.Debug}
	runner := newRunner(log.Logger{Name: "exec", Debug: cfg.Debug})

	e := &env{
		cfg: cfg,
		store: registry.New(cfg.RegistryPath(), registry.Options{
			NoLock: cfg.NoLock,
			Log:    log.Logger{Name: "registry", Debug: cfg.Debug},
		}),
		log:  l,
		out:  c.App.Writer,
		in:   c.App.Reader,
		json: c.Bool("json"),
	}
	e.docker = &gateway.Docker{
		Runner:      runner,
		ComposeFile: cfg.ComposePath(),
		ProjectDir:  cfg.Root,
		Container:   cfg.Container,
		Log:         log.Logger{Name: "docker", Debug: cfg.Debug},
	}
	e.certs = &gateway.Certbot{
		Runner:      runner,
		ConfigDir:   cfg.LetsEncryptDir,
		Webroot:     cfg.Webroot,
		Staging:     cfg.Staging,
		RenewBefore: renewBefore,
		Log:         log.Logger{Name: "certbot", Debug: cfg.Debug},
	}
	e.nginx = &gateway.Nginx{
		Runner:         runner,
		SitesAvailable: cfg.SitesAvailable,
		SitesEnabled:   cfg.SitesEnabled,
		Webroot:        cfg.Webroot,
		AutoconfigRoot: cfg.AutoconfigDir(),
		Certs:          e.certs,
		Log:            log.Logger{Name: "nginx", Debug: cfg.Debug},
	}
	e.sys = gateway.System{Docker: e.docker, Certbot: e.certs, Nginx: e.nginx}
	return e, nil
}

// mailServiceReady probes the mail service: the container runs and its
// administrative CLI answers.
func (e *env) mailServiceReady(ctx context.Context) bool {
	if !e.docker.ContainerServiceUp(ctx, e.cfg.Container) {
		return false
	}
	return e.docker.ExecInMailService(ctx, "email", "list").OK()
}

func (e *env) waitReady(ctx context.Context) bool {
	e.log.Printf("waiting for the mail service (up to %d attempts)", e.cfg.ReadyAttempts)
	return readiness.WaitUntilReady(ctx, e.mailServiceReady, e.cfg.ReadyAttempts, e.cfg.ReadyInterval)
}

// hasDKIM reports whether the mail service generated a key for domain.
func (e *env) hasDKIM(domain string) bool {
	return fsutil.Exists(filepath.Join(e.cfg.DKIMKeyDir(domain), "mail.txt"))
}

func (e *env) reconciler(opts reconcile.Options) *reconcile.Reconciler {
	opts.SecretLength = e.cfg.SecretLength
	opts.MailHostPrefix = e.cfg.MailHostPrefix
	opts.ContactEmail = e.cfg.ContactEmail
	opts.Log = log.Logger{Name: "reconcile", Debug: e.cfg.Debug}
	if opts.WaitReady == nil {
		opts.WaitReady = e.waitReady
	}
	if opts.HasDKIM == nil {
		opts.HasDKIM = e.hasDKIM
	}
	return reconcile.New(e.sys, e.store, opts)
}

// hasCertificate reports whether the certificate and key of host are on
// disk.
func (e *env) hasCertificate(host string) bool {
	cert, key := e.certs.CertificatePath(host)
	return fsutil.Exists(cert) && fsutil.Exists(key)
}

// writeArtifacts writes the client autoconfiguration and the DNS record
// listing of every domain. Failures are reported and skipped.
func (e *env) writeArtifacts(domains []string) (written []string, warnings []string) {
	for _, d := range domains {
		host := e.cfg.MailHost(d)
		if _, err := autoconfig.Write(e.cfg.AutoconfigDir(), autoconfig.ForDomain(d, host)); err != nil {
			warnings = append(warnings, fmt.Sprintf("autoconfig for %s: %v", d, err))
		} else {
			written = append(written, autoconfig.Path(e.cfg.AutoconfigDir(), d))
		}

		zone, err := e.zoneText(d)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("DNS records for %s: %v", d, err))
			continue
		}
		path := filepath.Join(e.cfg.DNSDir(), d+".zone")
		if err := os.MkdirAll(e.cfg.DNSDir(), 0o755); err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		if _, err := fsutil.WriteIfChanged(path, []byte(zone), 0o644); err != nil {
			warnings = append(warnings, fmt.Sprintf("DNS records for %s: %v", d, err))
			continue
		}
		written = append(written, path)
	}
	for _, w := range warnings {
		e.log.Warn("artifact not written", errors.New(w))
	}
	return written, warnings
}

func (e *env) dnsParams(domain string) dnsrecords.Params {
	p := dnsrecords.Params{
		Domain:   domain,
		MailHost: e.cfg.MailHost(domain),
		IPv4:     e.cfg.PublicIP,
	}
	key, err := dnsrecords.LoadDKIM(filepath.Join(e.cfg.DKIMKeyDir(domain), "mail.txt"), domain)
	switch {
	case err == nil:
		p.DKIM = key
	case !errors.Is(err, os.ErrNotExist):
		e.log.Error("cannot read DKIM record", err, "domain", domain)
	}
	return p
}

func (e *env) zoneText(domain string) (string, error) {
	rrs, err := dnsrecords.Records(e.dnsParams(domain))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := dnsrecords.WriteZone(&sb, domain, rrs); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// progress receives step messages. They are dropped in JSON mode so standard
// output stays machine readable.
func (e *env) progress() io.Writer {
	if e.json {
		return io.Discard
	}
	return e.out
}

func (e *env) printJSON(v interface{}) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (e *env) prompter() *clitools.Prompter {
	return clitools.NewPrompter(e.in, os.Stderr)
}

// exitErr maps err to a cli exit error with the matching status code.
func exitErr(err error) error {
	if err == nil {
		return nil
	}
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return err
	}
	if reconcile.IsValidation(err) || errors.Is(err, config.ErrInvalid) {
		return cli.Exit("Error: "+err.Error(), exitValidation)
	}
	return cli.Exit("Error: "+err.Error(), exitFailure)
}
