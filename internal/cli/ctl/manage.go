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
	"errors"
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	maddycli "github.com/themadorg/mailstack/internal/cli"
	"github.com/themadorg/mailstack/internal/cli/clitools"
	"github.com/themadorg/mailstack/internal/reconcile"
	"github.com/themadorg/mailstack/internal/registry"
)

// readPassword reads a secret from the terminal. Tests replace it.
var readPassword = clitools.ReadPassword

func init() {
	maddycli.AddSubcommand(manageCommand())
}

func manageCommand() *cli.Command {
	return &cli.Command{
		Name:  "manage",
		Usage: "Manage domains, accounts and the running stack",
		Subcommands: []*cli.Command{
			{
				Name:      "add-user",
				Usage:     "Create an account on a managed domain",
				ArgsUsage: "ADDRESS [PASSWORD]",
				Description: `Create ADDRESS with PASSWORD. Without PASSWORD the password is read
from the terminal, or generated when there is no terminal or --generate
is given. The client settings are printed once.`,
				Flags: append([]cli.Flag{
					&cli.BoolFlag{Name: "generate", Usage: "Generate the password"},
				}, configFlags()...),
				Action: withEnv(addUser),
			},
			{
				Name:      "change-password",
				Usage:     "Replace the password of an account",
				ArgsUsage: "ADDRESS [PASSWORD]",
				Flags: append([]cli.Flag{
					&cli.BoolFlag{Name: "generate", Usage: "Generate the password"},
				}, configFlags()...),
				Action: withEnv(changePassword),
			},
			{
				Name:      "reset-admin-password",
				Usage:     "Generate a new password for the admin account of a domain",
				ArgsUsage: "[DOMAIN]",
				Flags:     configFlags(),
				Action:    withEnv(resetAdminPassword),
			},
			{
				Name:      "add-domain",
				Usage:     "Add a mail domain with its admin account, site and certificate",
				ArgsUsage: "DOMAIN",
				Flags: append([]cli.Flag{
					&cli.BoolFlag{Name: "skip-tls", Usage: "Do not request a certificate"},
					&cli.BoolFlag{Name: "skip-dkim", Usage: "Do not generate DKIM keys"},
				}, configFlags()...),
				Action: withEnv(addDomain),
			},
			{
				Name:   "list-users",
				Usage:  "List managed accounts",
				Flags:  configFlags(),
				Action: withEnv(listUsers),
			},
			{
				Name:      "user-config",
				Usage:     "Show client settings of an account",
				ArgsUsage: "ADDRESS",
				Flags:     configFlags(),
				Action:    withEnv(userConfig),
			},
			statusCommand(),
			dnsCommand(),
			{
				Name:   "renew-certs",
				Usage:  "Renew certificates close to expiry and reload the proxy",
				Flags:  configFlags(),
				Action: withEnv(renewCerts),
			},
			{
				Name:  "logs",
				Usage: "Show mail service logs",
				Flags: append([]cli.Flag{
					&cli.IntFlag{Name: "tail", Usage: "Number of lines from the end, 0 for all", Value: 100},
					&cli.BoolFlag{Name: "follow", Aliases: []string{"f"}, Usage: "Keep streaming new lines"},
				}, configFlags()...),
				Action: withEnv(showLogs),
			},
			backupCommand(),
			deleteCommand(),
		},
	}
}

// withEnv loads the environment before running fn and maps its error to an
// exit code.
func withEnv(fn func(ctx context.Context, c *cli.Context, e *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := newEnv(c)
		if err != nil {
			return exitErr(err)
		}
		ctx := c.Context
		if ctx == nil {
			ctx = context.Background()
		}
		return exitErr(fn(ctx, c, e))
	}
}

func usageErr(format string, args ...interface{}) error {
	return &reconcile.ValidationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// secretArg returns the password given as the second argument, typed at the
// terminal or generated.
func (e *env) secretArg(c *cli.Context) (secret string, generated bool, err error) {
	if c.NArg() > 1 {
		secret = c.Args().Get(1)
		if err := reconcile.ValidateSecret(secret); err != nil {
			return "", false, err
		}
		return secret, false, nil
	}
	if c.Bool("generate") || e.json || !interactive() {
		secret, err = reconcile.GenerateSecret(nil, e.cfg.SecretLength)
		return secret, true, err
	}

	pass, err := readPassword("Enter new password")
	if err != nil {
		return "", false, err
	}
	if err := reconcile.ValidateSecret(pass); err != nil {
		return "", false, err
	}
	confirm, err := readPassword("Repeat password")
	if err != nil {
		return "", false, err
	}
	if confirm != pass {
		return "", false, usageErr("passwords do not match")
	}
	return pass, false, nil
}

func (e *env) writeClientConfig(cc reconcile.ClientConfig) error {
	if e.json {
		return e.printJSON(cc)
	}
	return cc.WriteText(e.out)
}

func addUser(ctx context.Context, c *cli.Context, e *env) error {
	if c.NArg() < 1 {
		return usageErr("ADDRESS is required")
	}
	spec, err := reconcile.ParseAddress(c.Args().First())
	if err != nil {
		return err
	}
	spec.Secret, spec.Generated, err = e.secretArg(c)
	if err != nil {
		return err
	}

	if acct, err := e.store.Account(spec.Address()); err == nil {
		if !registry.SecretMatches(acct, spec.Secret) {
			return fmt.Errorf("%s already exists, use change-password", acct.Email)
		}
	} else if !errors.Is(err, registry.ErrNotFound) {
		return err
	}

	res, cc, err := e.reconciler(reconcile.Options{}).AddAccount(ctx, spec)
	if err != nil {
		return err
	}
	if cc == nil {
		if e.json {
			return e.printJSON(res)
		}
		fmt.Fprintf(e.out, "✅ %s already exists with this password\n", res.Address)
		return nil
	}

	if !spec.Generated {
		// The operator chose it, do not echo it back.
		cc.Secret = ""
	}
	if !e.json {
		fmt.Fprintf(e.out, "✅ Account %s created\n\n", res.Address)
	}
	return e.writeClientConfig(*cc)
}

func changePassword(ctx context.Context, c *cli.Context, e *env) error {
	if c.NArg() < 1 {
		return usageErr("ADDRESS is required")
	}
	spec, err := reconcile.ParseAddress(c.Args().First())
	if err != nil {
		return err
	}
	// Fail before prompting for an unknown account.
	if _, err := e.store.Account(spec.Address()); err != nil {
		return err
	}
	secret, generated, err := e.secretArg(c)
	if err != nil {
		return err
	}
	return e.changeSecret(ctx, spec, secret, generated)
}

func (e *env) changeSecret(ctx context.Context, spec reconcile.AccountSpec, secret string, generated bool) error {
	r := e.reconciler(reconcile.Options{})
	if err := r.ChangeSecret(ctx, spec.Address(), secret); err != nil {
		return err
	}

	cc := r.ClientConfigFor(spec)
	if generated {
		cc.Secret = secret
	}
	if e.json {
		return e.printJSON(cc)
	}
	fmt.Fprintf(e.out, "✅ Password changed for %s\n", spec.Address())
	if generated {
		fmt.Fprintln(e.out)
		return cc.WriteText(e.out)
	}
	return nil
}

func resetAdminPassword(ctx context.Context, c *cli.Context, e *env) error {
	domain := c.Args().First()
	if domain == "" {
		doc, err := e.store.Load()
		if err != nil {
			return err
		}
		domain = doc.PrimaryDomain()
		if domain == "" {
			return fmt.Errorf("%w: no managed domain, run setup first", registry.ErrNotFound)
		}
	}
	spec, err := reconcile.ParseAddress(reconcile.AdminUser + "@" + domain)
	if err != nil {
		return err
	}
	if _, err := e.store.Account(spec.Address()); err != nil {
		return err
	}

	secret, err := reconcile.GenerateSecret(nil, e.cfg.SecretLength)
	if err != nil {
		return err
	}
	return e.changeSecret(ctx, spec, secret, true)
}

// managedState is the desired state covering every registered domain.
func (e *env) managedState() (reconcile.DesiredState, error) {
	domains, err := e.store.Domains()
	if err != nil {
		return reconcile.DesiredState{}, err
	}
	var ds reconcile.DesiredState
	for _, d := range domains {
		if d.Primary && ds.PrimaryDomain == "" {
			ds.PrimaryDomain = d.Name
			continue
		}
		ds.AdditionalDomains = append(ds.AdditionalDomains, d.Name)
	}
	if ds.PrimaryDomain == "" && len(ds.AdditionalDomains) != 0 {
		ds.PrimaryDomain, ds.AdditionalDomains = ds.AdditionalDomains[0], ds.AdditionalDomains[1:]
	}
	return ds, nil
}

func addDomain(ctx context.Context, c *cli.Context, e *env) error {
	if c.NArg() != 1 {
		return usageErr("exactly one DOMAIN is required")
	}
	domain := c.Args().First()
	if err := reconcile.ValidateDomain(domain); err != nil {
		return err
	}

	ds, err := e.managedState()
	if err != nil {
		return err
	}
	if ds.PrimaryDomain == "" {
		return fmt.Errorf("%w: no managed domain, run setup first", registry.ErrNotFound)
	}
	domain = reconcile.NormalizeDomain(domain)
	if slices.Contains(ds.Domains(), domain) {
		e.log.Printf("%s is already managed, converging it again", domain)
	} else {
		ds.AdditionalDomains = append(ds.AdditionalDomains, domain)
	}
	ds.SkipTLS = c.Bool("skip-tls")
	ds.SkipDKIM = c.Bool("skip-dkim")

	rep, err := e.reconciler(reconcile.Options{}).Apply(ctx, ds)
	if err != nil {
		return err
	}
	res := setupResult{Report: rep}
	res.Artifacts, res.Warnings = e.writeArtifacts(ds.Domains())
	if err := e.writeSetupResult(res); err != nil {
		return err
	}
	if rep.Unavailable() {
		return cli.Exit("Error: the mail service is unavailable, some accounts were not created", exitFailure)
	}
	return nil
}

type userView struct {
	Address      string    `json:"address"`
	Domain       string    `json:"domain"`
	Admin        bool      `json:"admin"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"last_modified"`
}

func listUsers(_ context.Context, _ *cli.Context, e *env) error {
	accounts, err := e.store.ListAccounts()
	if err != nil {
		return err
	}
	users := []userView{}
	for a := range accounts {
		users = append(users, userView{
			Address:      a.Email,
			Domain:       a.Domain,
			Admin:        a.IsAdmin,
			Created:      a.Created,
			LastModified: a.LastModified,
		})
	}
	if e.json {
		return e.printJSON(users)
	}

	if len(users) == 0 {
		fmt.Fprintln(e.out, "No accounts.")
		return nil
	}
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tDOMAIN\tADMIN\tCREATED\tMODIFIED")
	for _, u := range users {
		admin := ""
		if u.Admin {
			admin = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.Address, u.Domain, admin,
			u.Created.Format(time.DateTime), u.LastModified.Format(time.DateTime))
	}
	return tw.Flush()
}

func userConfig(_ context.Context, c *cli.Context, e *env) error {
	if c.NArg() != 1 {
		return usageErr("ADDRESS is required")
	}
	acct, err := e.store.Account(c.Args().First())
	if err != nil {
		return err
	}
	spec, err := reconcile.ParseAddress(acct.Email)
	if err != nil {
		return err
	}
	return e.writeClientConfig(e.reconciler(reconcile.Options{}).ClientConfigFor(spec))
}

func renewCerts(ctx context.Context, _ *cli.Context, e *env) error {
	out := e.certs.RenewCertificates(ctx)
	if !out.OK() {
		return fmt.Errorf("certbot renew: %w", out.AsError())
	}
	fmt.Fprintln(e.progress(), "✅ Certificates renewed")

	reload := e.nginx.ReloadProxy(ctx)
	if !reload.OK() {
		return fmt.Errorf("proxy reload: %w", reload.AsError())
	}
	fmt.Fprintln(e.progress(), "✅ Proxy reloaded")
	if e.json {
		return e.printJSON(map[string]bool{"renewed": true, "reloaded": true})
	}
	return nil
}

func showLogs(ctx context.Context, c *cli.Context, e *env) error {
	out := e.docker.Logs(ctx, e.out, c.Int("tail"), c.Bool("follow"))
	if !out.OK() {
		return out.AsError()
	}
	return nil
}
