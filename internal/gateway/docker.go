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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/themadorg/mailstack/framework/log"
)

// Docker drives the container runtime: the compose project that holds the
// mail service and the administrative CLI inside the mail container.
type Docker struct {
	Runner Runner

	// Binary is the docker CLI, "docker" if empty.
	Binary string

	ComposeFile string
	ProjectDir  string

	// Container is the name of the mail service container.
	Container string

	Log log.Logger
}

func (d *Docker) binary() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

func (d *Docker) compose(ctx context.Context, stdout io.Writer, args ...string) Outcome {
	full := append([]string{"compose", "-f", d.ComposeFile, "--project-directory", d.ProjectDir}, args...)
	out := d.Runner.Run(ctx, Command{Name: d.binary(), Args: full, Dir: d.ProjectDir, Stdout: stdout})
	return d.classify(out)
}

// classify turns failures caused by an unreachable daemon or a missing
// container into Unavailable.
func (d *Docker) classify(out Outcome) Outcome {
	if out.Status != StatusFailure {
		return out
	}
	if isDaemonDown(out.Stderr) || isContainerMissing(out.Stderr) {
		return Unavailable(errors.New(firstLine(out.Stderr)))
	}
	return out
}

func isDaemonDown(stderr string) bool {
	return strings.Contains(stderr, "Cannot connect to the Docker daemon") ||
		strings.Contains(stderr, "docker daemon is not running") ||
		strings.Contains(stderr, "error during connect")
}

func isContainerMissing(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") ||
		strings.Contains(s, "is not running") ||
		strings.Contains(s, "is restarting")
}

// ContainerServiceUp reports whether the named container exists and is
// running.
func (d *Docker) ContainerServiceUp(ctx context.Context, name string) bool {
	out := d.Runner.Run(ctx, Command{
		Name: d.binary(),
		Args: []string{"inspect", "--format", "{{.State.Running}}", name},
	})
	return out.OK() && strings.TrimSpace(out.Output) == "true"
}

// ExecInMailService runs the mail server administrative CLI ("setup") inside
// the mail container.
func (d *Docker) ExecInMailService(ctx context.Context, args ...string) Outcome {
	full := append([]string{"exec", d.Container, "setup"}, args...)
	out := d.Runner.Run(ctx, Command{Name: d.binary(), Args: full})
	return d.classify(out)
}

func (d *Docker) ComposeUp(ctx context.Context) Outcome {
	return d.compose(ctx, nil, "up", "-d", "--remove-orphans")
}

// ComposeRecreate restarts the services with a fresh container so a changed
// env file is picked up.
func (d *Docker) ComposeRecreate(ctx context.Context) Outcome {
	return d.compose(ctx, nil, "up", "-d", "--force-recreate", "--remove-orphans")
}

func (d *Docker) ComposeDown(ctx context.Context, volumes bool) Outcome {
	if volumes {
		return d.compose(ctx, nil, "down", "--volumes")
	}
	return d.compose(ctx, nil, "down")
}

func (d *Docker) ComposePull(ctx context.Context) Outcome {
	return d.compose(ctx, nil, "pull")
}

func (d *Docker) ComposePS(ctx context.Context) ([]Service, Outcome) {
	out := d.compose(ctx, nil, "ps", "--all", "--format", "json")
	if !out.OK() {
		return nil, out
	}
	svcs, err := ParseServices(out.Output)
	if err != nil {
		return nil, Failure(0, err.Error())
	}
	return svcs, out
}

// Logs streams service logs into w. A tail below 1 prints everything.
func (d *Docker) Logs(ctx context.Context, w io.Writer, tail int, follow bool) Outcome {
	n := "all"
	if tail > 0 {
		n = strconv.Itoa(tail)
	}
	args := []string{"logs", "--tail", n}
	if follow {
		args = append(args, "--follow")
	}
	return d.compose(ctx, w, args...)
}

// Service is a single entry of "docker compose ps".
type Service struct {
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Status  string `json:"Status"`
	Health  string `json:"Health"`
	Image   string `json:"Image"`
}

// ParseServices parses "docker compose ps --format json" output. Older
// compose releases print a JSON array, newer ones print one object per line.
func ParseServices(output string) ([]Service, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, nil
	}

	if strings.HasPrefix(output, "[") {
		var svcs []Service
		if err := json.Unmarshal([]byte(output), &svcs); err != nil {
			return nil, fmt.Errorf("parse compose ps output: %w", err)
		}
		return svcs, nil
	}

	var svcs []Service
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var svc Service
		if err := json.Unmarshal([]byte(line), &svc); err != nil {
			return nil, fmt.Errorf("parse compose ps output: %w", err)
		}
		svcs = append(svcs, svc)
	}
	return svcs, scanner.Err()
}

// RedactSecrets hides account secrets passed to "setup email add|update".
func RedactSecrets(c Command) Command {
	for i := 0; i+3 < len(c.Args); i++ {
		if c.Args[i] == "email" && (c.Args[i+1] == "add" || c.Args[i+1] == "update") {
			args := append([]string(nil), c.Args...)
			args[i+3] = "********"
			c.Args = args
			break
		}
	}
	return c
}
