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
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
)

// deletePhrase must be typed to confirm a teardown.
const deletePhrase = "delete all mail data"

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Remove the mail stack with all mailboxes and accounts",
		Description: `Tear the whole stack down:

  1. Stop the containers and remove their volumes
  2. Disable the Nginx sites of all mail hosts and reload Nginx
  3. Remove the account registry
  4. Remove mail data, compose files, autoconfiguration and DNS listings

Backups and mailstack.env are kept. Certificates are kept unless
--purge-certs is given.

The command asks to type "` + deletePhrase + `". Pass the same
phrase with --confirm to run it without a terminal.

Example:
  mailstack manage delete --confirm "` + deletePhrase + `"
`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "confirm",
				Usage: "Confirmation phrase, skips the prompt",
			},
			&cli.BoolFlag{
				Name:  "purge-certs",
				Usage: "Also remove the certificates of the mail hosts",
			},
		}, configFlags()...),
		Action: withEnv(deleteStack),
	}
}

func (e *env) confirmDelete(c *cli.Context) error {
	if c.IsSet("confirm") {
		if c.String("confirm") != deletePhrase {
			return usageErr("confirmation phrase does not match %q", deletePhrase)
		}
		return nil
	}
	if !interactive() {
		return usageErr("refusing to delete without a terminal, pass --confirm %q", deletePhrase)
	}
	if !e.prompter().Phrase(fmt.Sprintf(
		"⚠️  This will PERMANENTLY delete the mail stack in %s:\n"+
			"   - All mailboxes and messages\n"+
			"   - All accounts and the registry\n"+
			"   - Nginx sites of the mail hosts", e.cfg.Root), deletePhrase) {
		return cli.Exit("Cancelled", exitFailure)
	}
	return nil
}

type deleteResult struct {
	Removed  []string `json:"removed"`
	Warnings []string `json:"warnings,omitempty"`
}

func deleteStack(ctx context.Context, c *cli.Context, e *env) error {
	if err := e.confirmDelete(c); err != nil {
		return err
	}

	out := e.progress()
	res := deleteResult{Removed: []string{}}
	done := func(what string) {
		res.Removed = append(res.Removed, what)
		fmt.Fprintf(out, "✅ %s\n", what)
	}
	warn := func(what string, err error) {
		msg := fmt.Sprintf("%s: %v", what, err)
		res.Warnings = append(res.Warnings, msg)
		e.log.Warn(what, err)
		fmt.Fprintf(out, "⚠️  %s\n", msg)
	}

	// Host names come from the registry, so read it before it goes away.
	var hosts []string
	domains, err := e.store.Domains()
	if err != nil {
		warn("Could not read the registry, sites are left in place", err)
	}
	for _, d := range domains {
		hosts = append(hosts, e.cfg.MailHost(d.Name))
	}

	if fi, err := os.Stat(e.cfg.ComposePath()); err == nil && !fi.IsDir() {
		if o := e.docker.ComposeDown(ctx, true); o.OK() {
			done("Containers and volumes removed")
		} else {
			warn("Failed to stop containers", o.AsError())
		}
	}

	disabled := false
	for _, h := range hosts {
		o := e.nginx.DisableSite(ctx, h)
		switch {
		case !o.OK():
			warn("Failed to disable site "+h, o.AsError())
		case !o.Skipped:
			disabled = true
			done("Site " + h + " disabled")
		}
	}
	if disabled {
		if o := e.nginx.ReloadProxy(ctx); o.OK() {
			done("Proxy reloaded")
		} else {
			warn("Proxy reload failed", o.AsError())
		}
	}

	if c.Bool("purge-certs") {
		for _, h := range hosts {
			if err := e.purgeCertificate(h); err != nil {
				warn("Failed to remove certificate of "+h, err)
			} else {
				done("Certificate of " + h + " removed")
			}
		}
	}

	if err := e.store.Remove(); err != nil {
		warn("Failed to remove registry", err)
	} else {
		done("Registry removed")
	}

	for _, p := range []string{
		e.cfg.DataDir(),
		e.cfg.ComposePath(),
		e.cfg.MailEnvPath(),
		e.cfg.AutoconfigDir(),
		e.cfg.DNSDir(),
	} {
		if _, err := os.Lstat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			warn("Failed to remove "+p, err)
			continue
		}
		done(p + " removed")
	}

	if e.json {
		return e.printJSON(res)
	}
	fmt.Fprintf(e.out, "\n🗑️  Mail stack in %s has been deleted.\n", e.cfg.Root)
	return nil
}

// purgeCertificate removes the certbot lineage of host.
func (e *env) purgeCertificate(host string) error {
	dir := e.cfg.LetsEncryptDir
	for _, p := range []string{
		filepath.Join(dir, "live", host),
		filepath.Join(dir, "archive", host),
		filepath.Join(dir, "renewal", host+".conf"),
	} {
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}
