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
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/themadorg/mailstack/framework/log"
	"github.com/themadorg/mailstack/internal/backup"
	"github.com/themadorg/mailstack/internal/fsutil"
)

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:      "backup",
		Usage:     "Archive the registry, configuration, mail data and certificates",
		ArgsUsage: "[DEST]",
		Description: `Write a mailstack-<timestamp>.tar.gz archive of the root directory and
the certbot directory into DEST, <root>/backups by default. Only the
newest archives are kept, see --keep.`,
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:  "keep",
				Usage: "Number of archives to keep, 0 keeps all (default from MAILSTACK_BACKUP_KEEP)",
			},
			&cli.BoolFlag{
				Name:  "list",
				Usage: "List existing archives instead of writing one",
			},
		}, configFlags()...),
		Action: withEnv(runBackup),
	}
}

func runBackup(_ context.Context, c *cli.Context, e *env) error {
	dest := e.cfg.BackupPath()
	if d := c.Args().First(); d != "" {
		abs, err := filepath.Abs(d)
		if err != nil {
			return err
		}
		dest = abs
	}

	if c.Bool("list") {
		return e.listBackups(dest)
	}

	keep := e.cfg.BackupKeep
	if c.IsSet("keep") {
		keep = c.Int("keep")
		if keep < 0 {
			return usageErr("--keep must not be negative")
		}
	}

	sources := []backup.Source{{Path: e.cfg.Root, Name: "mailstack"}}
	if fsutil.Exists(e.cfg.LetsEncryptDir) {
		sources = append(sources, backup.Source{Path: e.cfg.LetsEncryptDir, Name: "letsencrypt"})
	}

	info, err := backup.Create(sources, backup.Options{
		Dir:  dest,
		Keep: keep,
		// Another process may hold it open.
		Exclude: []string{filepath.Join(filepath.Dir(e.store.Path()), "."+filepath.Base(e.store.Path())+".lock")},
		Log:     log.Logger{Name: "backup", Debug: e.cfg.Debug},
	})
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	if e.json {
		return e.printJSON(info)
	}
	fmt.Fprintf(e.out, "✅ Backup written to %s (%s)\n", info.Path, humanSize(info.Size))
	return nil
}

func (e *env) listBackups(dir string) error {
	all, err := backup.List(dir)
	if err != nil {
		return err
	}
	if e.json {
		if all == nil {
			all = []backup.Info{}
		}
		return e.printJSON(all)
	}
	if len(all) == 0 {
		fmt.Fprintf(e.out, "No backups in %s.\n", dir)
		return nil
	}
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tSIZE\tPATH")
	for _, b := range all {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Created.Format(time.DateTime), humanSize(b.Size), b.Path)
	}
	return tw.Flush()
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
