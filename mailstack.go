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

// Package mailstack wires the command line application together.
package mailstack

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/themadorg/mailstack/framework/log"
	maddycli "github.com/themadorg/mailstack/internal/cli"
	"github.com/urfave/cli/v2"

	// Import packages for side-effect of subcommand registration.
	_ "github.com/themadorg/mailstack/internal/cli/ctl"
)

// Version is set at build time with -ldflags "-X ...".
var Version = "go-build"

func BuildInfo() string {
	version := Version
	if version == "go-build" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	return fmt.Sprintf("%s %s/%s %s", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func init() {
	maddycli.AddGlobalFlag(&cli.PathFlag{
		Name:    "root",
		Usage:   "Directory holding the compose project, the registry and generated files",
		EnvVars: []string{"MAILSTACK_ROOT"},
		Value:   "/opt/mailstack",
	})
	maddycli.AddGlobalFlag(&cli.BoolFlag{
		Name:        "debug",
		Usage:       "enable debug logging",
		EnvVars:     []string{"MAILSTACK_DEBUG"},
		Destination: &log.DefaultLogger.Debug,
	})
	maddycli.AddGlobalFlag(&cli.BoolFlag{
		Name:    "log-json",
		Usage:   "write log messages as JSON",
		EnvVars: []string{"MAILSTACK_LOG_JSON"},
	})
	maddycli.AddGlobalFlag(&cli.BoolFlag{
		Name:    "no-lock",
		Usage:   "do not take the advisory registry lock",
		EnvVars: []string{"MAILSTACK_NO_LOCK"},
	})
	maddycli.SetBefore(func(c *cli.Context) error {
		log.Init(os.Stderr, c.Bool("log-json"))
		return nil
	})
	maddycli.AddSubcommand(&cli.Command{
		Name:  "version",
		Usage: "Print version and build metadata, then exit",
		Action: func(c *cli.Context) error {
			fmt.Fprintln(c.App.Writer, "mailstack", BuildInfo())
			return nil
		},
	})
}
