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
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	maddycli "github.com/themadorg/mailstack/internal/cli"
	"github.com/themadorg/mailstack/internal/cli/clitools"
	"github.com/themadorg/mailstack/internal/compose"
	"github.com/themadorg/mailstack/internal/gateway"
	"github.com/themadorg/mailstack/internal/reconcile"
)

func init() {
	maddycli.AddSubcommand(setupCommand())
}

func setupCommand() *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Apply a desired state to the mail stack",
		Description: `Bring the mail stack to the declared state.

This command will:
- Write docker-compose.yml and mailserver.env into the root directory
- Start the mail service container, pulling the image first with --pull
- Add every domain and account, and an admin account per domain
- Generate DKIM keys
- Enable the Nginx site and request a certificate for each mail host
- Turn on TLS in the mail service once the primary mail host has a
  certificate
- Write client autoconfiguration and DNS records for each domain

Running it again with the same state changes nothing. Passwords of
newly created accounts are printed once.

Examples:
  mailstack setup                                      # Interactive
  mailstack setup --domain example.org -n              # Primary domain only
  mailstack setup --domain example.org --additional-domain example.net \
      --user bob:secret:example.org
  mailstack setup --spec mail.yaml --json
  mailstack setup --domain example.org --dry-run       # Show the plan only
`,
		Action: setupAction,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "domain",
				Usage: "Primary mail domain",
			},
			&cli.StringSliceFlag{
				Name:  "additional-domain",
				Usage: "Additional mail domain, may be repeated",
			},
			&cli.StringSliceFlag{
				Name:  "user",
				Usage: "Account as user:password:domain, may be repeated",
			},
			&cli.PathFlag{
				Name:  "spec",
				Usage: "YAML file with the desired state",
			},
			&cli.BoolFlag{
				Name:    "non-interactive",
				Aliases: []string{"n"},
				Usage:   "Never prompt",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Validate and print the plan without changing anything",
			},
			&cli.BoolFlag{
				Name:  "skip-tls",
				Usage: "Do not request certificates",
			},
			&cli.BoolFlag{
				Name:  "skip-dkim",
				Usage: "Do not generate DKIM keys",
			},
			&cli.BoolFlag{
				Name:  "pull",
				Usage: "Pull the mail service image before starting it",
			},
		}, configFlags()...),
	}
}

// desiredState reads --spec and overlays the command line flags.
func desiredState(c *cli.Context) (reconcile.DesiredState, error) {
	var ds reconcile.DesiredState
	if path := c.Path("spec"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return ds, err
		}
		defer f.Close()
		ds, err = reconcile.ReadDesiredState(f)
		if err != nil {
			return ds, err
		}
	}

	if c.IsSet("domain") {
		ds.PrimaryDomain = c.String("domain")
	}
	ds.AdditionalDomains = append(ds.AdditionalDomains, c.StringSlice("additional-domain")...)
	ds.Accounts = append(ds.Accounts, c.StringSlice("user")...)
	if c.IsSet("skip-tls") {
		ds.SkipTLS = c.Bool("skip-tls")
	}
	if c.IsSet("skip-dkim") {
		ds.SkipDKIM = c.Bool("skip-dkim")
	}
	return ds, nil
}

// promptDesiredState asks for whatever the flags left out.
func promptDesiredState(p *clitools.Prompter, ds *reconcile.DesiredState) error {
	var err error
	ds.PrimaryDomain, err = p.Line("Primary mail domain", ds.PrimaryDomain)
	if err != nil {
		return err
	}
	if len(ds.AdditionalDomains) == 0 {
		extra, err := p.Line("Additional domains (comma separated, empty for none)", "")
		if err != nil {
			return err
		}
		for _, d := range strings.Split(extra, ",") {
			if d = strings.TrimSpace(d); d != "" {
				ds.AdditionalDomains = append(ds.AdditionalDomains, d)
			}
		}
	}
	if !ds.SkipTLS {
		ds.SkipTLS = !p.Confirmation("Request Let's Encrypt certificates?", true)
	}
	return nil
}

type setupResult struct {
	DryRun    bool              `json:"dry_run,omitempty"`
	Plan      *planView         `json:"plan,omitempty"`
	Report    *reconcile.Report `json:"report,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
}

type planView struct {
	Domains  []string          `json:"domains"`
	Accounts []planAccountView `json:"accounts"`
}

type planAccountView struct {
	Address   string `json:"address"`
	Admin     bool   `json:"admin"`
	Generated bool   `json:"generated"`
	Existing  bool   `json:"existing"`
}

func newPlanView(p *reconcile.Plan) *planView {
	v := &planView{Domains: p.Domains}
	for _, a := range p.Accounts {
		v.Accounts = append(v.Accounts, planAccountView{
			Address:   a.Address(),
			Admin:     a.IsAdmin(),
			Generated: a.Generated,
			Existing:  a.Existing,
		})
	}
	return v
}

func (v *planView) WriteText(w io.Writer) {
	fmt.Fprintln(w, "Plan (dry run, nothing was changed):")
	fmt.Fprintf(w, "  Domains: %s\n", strings.Join(v.Domains, ", "))
	fmt.Fprintln(w, "  Accounts:")
	for _, a := range v.Accounts {
		note := ""
		switch {
		case a.Existing:
			note = " (admin, already registered)"
		case a.Generated:
			note = " (admin, password generated)"
		case a.Admin:
			note = " (admin)"
		}
		fmt.Fprintf(w, "    %s%s\n", a.Address, note)
	}
}

func setupAction(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return exitErr(err)
	}
	ds, err := desiredState(c)
	if err != nil {
		return exitErr(err)
	}

	if !c.Bool("non-interactive") && !e.json && ds.PrimaryDomain == "" && interactive() {
		fmt.Fprintln(e.out, "📬 Mail stack setup")
		fmt.Fprintln(e.out, "===================")
		if err := promptDesiredState(e.prompter(), &ds); err != nil {
			return exitErr(fmt.Errorf("interactive configuration failed: %w", err))
		}
	}
	if ds.PrimaryDomain == "" {
		return exitErr(&reconcile.ValidationError{Problems: []string{
			"a primary domain is required (--domain or --spec)",
		}})
	}

	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}

	opts := reconcile.Options{}
	if !e.json {
		// Credentials are printed as soon as each account exists, a later
		// step may hang or fail.
		opts.OnCreated = func(cc reconcile.ClientConfig) {
			fmt.Fprintln(e.out)
			if err := cc.WriteText(e.out); err != nil {
				e.log.Error("cannot print client configuration", err, "address", cc.Address)
			}
		}
	}
	r := e.reconciler(opts)
	plan, err := r.Plan(ds)
	if err != nil {
		return exitErr(err)
	}
	if c.Bool("dry-run") {
		view := newPlanView(plan)
		if e.json {
			return exitErr(e.printJSON(setupResult{DryRun: true, Plan: view}))
		}
		view.WriteText(e.out)
		return nil
	}

	res := setupResult{}
	primary := plan.Domains[0]
	steps := []struct {
		name string
		fn   func() error
		skip bool
	}{
		{"Writing compose project", func() error {
			return e.writeProject(ds)
		}, false},
		{"Pulling mail service image", func() error {
			out := e.docker.ComposePull(ctx)
			if out.Status == gateway.StatusUnavailable {
				return out.AsError()
			}
			if !out.OK() {
				res.Warnings = append(res.Warnings, "docker compose pull: "+out.AsError().Error())
			}
			return nil
		}, !c.Bool("pull")},
		{"Starting mail service", func() error {
			out := e.docker.ComposeUp(ctx)
			if out.Status == gateway.StatusUnavailable {
				return out.AsError()
			}
			if !out.OK() {
				res.Warnings = append(res.Warnings, "docker compose up: "+out.AsError().Error())
			}
			return nil
		}, false},
		{"Applying desired state", func() error {
			res.Report, err = r.Apply(ctx, ds)
			if res.Report != nil && opts.OnCreated != nil {
				res.Report.Credentials = nil
			}
			return err
		}, false},
		{"Enabling TLS in the mail service", func() error {
			host := e.cfg.MailHost(primary)
			if !e.hasCertificate(host) {
				res.Warnings = append(res.Warnings, "no certificate for "+host+", the mail service runs without TLS")
				return nil
			}
			changed, err := e.writeMailEnv(primary, true)
			if err != nil || !changed {
				return err
			}
			out := e.docker.ComposeRecreate(ctx)
			if !out.OK() {
				res.Warnings = append(res.Warnings, "restarting the mail service with TLS: "+out.AsError().Error())
			}
			return nil
		}, ds.SkipTLS},
		{"Writing client autoconfiguration and DNS records", func() error {
			var warns []string
			res.Artifacts, warns = e.writeArtifacts(plan.Domains)
			res.Warnings = append(res.Warnings, warns...)
			return nil
		}, false},
	}

	progress := e.progress()
	for i, step := range steps {
		if step.skip {
			continue
		}
		fmt.Fprintf(progress, "\n[%d/%d] %s...\n", i+1, len(steps), step.name)
		e.log.Debugf("step %d: %s", i+1, step.name)
		if err := step.fn(); err != nil {
			e.log.Error("setup step failed", err, "step", step.name)
			if res.Report != nil {
				e.writeSetupResult(res)
			}
			return exitErr(fmt.Errorf("step '%s' failed: %w", step.name, err))
		}
		fmt.Fprintf(progress, "✅ %s completed\n", step.name)
	}

	if err := e.writeSetupResult(res); err != nil {
		return exitErr(err)
	}
	if res.Report.Unavailable() {
		return cli.Exit("Error: the mail service is unavailable, some accounts were not created", exitFailure)
	}
	if !e.json {
		fmt.Fprintln(e.out, "\n🎉 Setup completed. Publish the DNS records listed by 'mailstack manage dns'.")
	}
	return nil
}

func (e *env) writeSetupResult(res setupResult) error {
	if e.json {
		return e.printJSON(res)
	}
	fmt.Fprintln(e.out)
	if res.Report != nil {
		if err := res.Report.WriteText(e.out); err != nil {
			return err
		}
	}
	for _, a := range res.Artifacts {
		fmt.Fprintf(e.out, "  📄 %s\n", a)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(e.out, "  ⚠️  %s\n", w)
	}
	return nil
}

// writeProject writes the compose file and the mail service environment.
func (e *env) writeProject(ds reconcile.DesiredState) error {
	if err := os.MkdirAll(e.cfg.Root, 0o755); err != nil {
		return err
	}
	primary := ds.Domains()[0]
	host := e.cfg.MailHost(primary)

	file := compose.New(compose.Params{
		Image:          e.cfg.Image,
		Container:      e.cfg.Container,
		Hostname:       host,
		LetsEncryptDir: e.cfg.LetsEncryptDir,
	})
	changed, err := file.Write(e.cfg.ComposePath())
	if err != nil {
		return err
	}
	e.log.DebugMsg("compose file written", "path", e.cfg.ComposePath(), "changed", changed)

	// TLS without a certificate on disk keeps the mail service from
	// starting, it is turned on after issuance.
	_, err = e.writeMailEnv(primary, !ds.SkipTLS && e.hasCertificate(host))
	return err
}

// writeMailEnv writes the mail service environment for primary and reports
// whether it changed.
func (e *env) writeMailEnv(primary string, tls bool) (bool, error) {
	changed, err := compose.WriteEnv(e.cfg.MailEnvPath(), compose.EnvParams{
		Hostname:   e.cfg.MailHost(primary),
		Postmaster: reconcile.AdminUser + "@" + primary,
		TLS:        tls,
	})
	if err != nil {
		return false, err
	}
	e.log.DebugMsg("mail service environment written", "path", e.cfg.MailEnvPath(), "tls", tls, "changed", changed)
	return changed, nil
}
