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
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is wrapped by errors describing an external service or
// binary that could not be reached at all.
var ErrUnavailable = errors.New("external service unavailable")

// Status is the tri-state result of an external call.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Outcome is what every gateway call returns.
//
// Failure means the command ran and reported an error. Unavailable means it
// could not be run at all: the binary is missing, the daemon is down or the
// container is not running.
type Outcome struct {
	Status   Status
	Output   string
	ExitCode int
	Stderr   string
	Cause    error

	// Skipped is set on Success outcomes that did nothing because the
	// resource was already in the desired state.
	Skipped bool
}

func Success(output string) Outcome {
	return Outcome{Status: StatusSuccess, Output: output}
}

// AlreadyDone is a Success that performed no external effect.
func AlreadyDone(output string) Outcome {
	return Outcome{Status: StatusSuccess, Output: output, Skipped: true}
}

func Failure(exitCode int, stderr string) Outcome {
	return Outcome{Status: StatusFailure, ExitCode: exitCode, Stderr: stderr}
}

func Unavailable(cause error) Outcome {
	return Outcome{Status: StatusUnavailable, Cause: cause}
}

func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// CommandError describes a command that ran and exited with non-zero status.
type CommandError struct {
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("exit status %d: %s", e.ExitCode, firstLine(msg))
}

// AsError converts a non-successful outcome into an error. It returns nil for
// Success.
//
// Failure yields *CommandError, Unavailable yields an error wrapping
// ErrUnavailable.
func (o Outcome) AsError() error {
	switch o.Status {
	case StatusSuccess:
		return nil
	case StatusFailure:
		return &CommandError{ExitCode: o.ExitCode, Stderr: o.Stderr}
	default:
		if o.Cause == nil {
			return ErrUnavailable
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, o.Cause)
	}
}

func (o Outcome) String() string {
	switch o.Status {
	case StatusSuccess:
		if o.Skipped {
			return "unchanged"
		}
		return "ok"
	default:
		return o.AsError().Error()
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}
