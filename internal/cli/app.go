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

// Package cli holds the command line application. Subcommands register
// themselves from init functions using AddSubcommand.
package cli

import (
	"fmt"
	"os"

	"github.com/themadorg/mailstack/framework/log"
	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Name = "mailstack"
	app.Usage = "provision and operate a self-hosted mail stack"
	app.Description = `mailstack installs and operates docker-mailserver behind Nginx with
Let's Encrypt certificates on a single Linux host.

It keeps a registry of managed domains and accounts and converges the
container, the mail server, the certificates and the proxy to the declared
state. Applying the same state again is a no-op.

Provisioning:
  mailstack setup --domain example.org                 - Apply a desired state
  mailstack setup --spec mail.yaml                     - Apply a desired state file
  mailstack setup --domain example.org --dry-run       - Show the plan only

Day-to-day management:
  mailstack manage add-user ADDRESS [PASSWORD]         - Create an account
  mailstack manage change-password ADDRESS [PASSWORD]  - Replace an account password
  mailstack manage reset-admin-password [DOMAIN]       - Generate a new admin password
  mailstack manage add-domain DOMAIN                   - Add a mail domain
  mailstack manage list-users                          - List managed accounts
  mailstack manage user-config ADDRESS                 - Show client settings
  mailstack manage status                              - Show stack health
  mailstack manage dns [DOMAIN]                        - Show DNS records to publish
  mailstack manage renew-certs                         - Renew TLS certificates
  mailstack manage logs                                - Show mail service logs
  mailstack manage backup [DEST]                       - Archive all state
  mailstack manage delete                              - Remove the whole stack
`
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
	}
	app.EnableBashCompletion = true
	app.After = func(c *cli.Context) error {
		log.Sync()
		return nil
	}
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
		{
			Name:   "generate-fish-completion",
			Hidden: true,
			Action: func(c *cli.Context) error {
				cp, err := app.ToFishCompletion()
				if err != nil {
					return err
				}
				fmt.Println(cp)
				return nil
			},
		},
	}
}

func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

// SetBefore installs the hook run before any subcommand.
func SetBefore(fn cli.BeforeFunc) {
	app.Before = fn
}

func Run() {
	// Actual entry point is registered in mailstack.go.
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
		os.Exit(1)
	}
}
