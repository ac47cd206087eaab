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

package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/themadorg/mailstack/framework/log"
)

// Command is a single external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string

	// Stdout, if set, receives the standard output as it is produced. The
	// Output field of the outcome stays empty then.
	Stdout io.Writer
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner runs external processes. All gateway components go through it, so
// tests can replace the process table.
type Runner interface {
	Run(ctx context.Context, cmd Command) Outcome
}

// ExecRunner is the Runner backed by os/exec.
type ExecRunner struct {
	Log log.Logger

	// Redact, if set, rewrites the command before it is logged.
	Redact func(cmd Command) Command
}

func (r ExecRunner) Run(ctx context.Context, c Command) Outcome {
	logged := c
	if r.Redact != nil {
		logged = r.Redact(c)
	}
	r.Log.Debugf("exec: %s", logged)

	path, err := exec.LookPath(c.Name)
	if err != nil {
		return Unavailable(fmt.Errorf("%s: %w", c.Name, err))
	}

	cmd := exec.CommandContext(ctx, path, c.Args...)
	cmd.Dir = c.Dir

	var stdout, stderr bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	err = cmd.Run()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return Success(stdout.String())
	case errors.As(err, &exitErr):
		out := Failure(exitErr.ExitCode(), stderr.String())
		out.Output = stdout.String()
		r.Log.Debugf("exec: %s exited with %d", c.Name, out.ExitCode)
		return out
	default:
		return Unavailable(fmt.Errorf("%s: %w", c.Name, err))
	}
}
