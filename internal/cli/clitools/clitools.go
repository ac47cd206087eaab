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

// Package clitools contains the small terminal helpers used by the
// interactive commands.
package clitools

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Prompter asks questions on Out and reads answers from In.
type Prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewScanner(in), out: out}
}

var std = NewPrompter(os.Stdin, os.Stderr)

// IsInteractive reports whether stdin and stderr are both terminals.
func IsInteractive() bool {
	return isTerminal(os.Stdin.Fd()) && isTerminal(os.Stderr.Fd())
}

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func Confirmation(prompt string, def bool) bool {
	return std.Confirmation(prompt, def)
}

func (p *Prompter) Confirmation(prompt string, def bool) bool {
	selection := "y/N"
	if def {
		selection = "Y/n"
	}

	fmt.Fprintf(p.out, "%s [%s]: ", prompt, selection)
	if !p.in.Scan() {
		if err := p.in.Err(); err != nil {
			fmt.Fprintln(p.out, err)
		}
		return false
	}

	switch strings.TrimSpace(p.in.Text()) {
	case "Y", "y":
		return true
	case "N", "n":
		return false
	default:
		return def
	}
}

// ErrNoInput is returned when the input ends before an answer is read.
var ErrNoInput = errors.New("no input")

// Line asks for a single line. An empty answer yields def.
func (p *Prompter) Line(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", prompt)
	}
	if !p.in.Scan() {
		if err := p.in.Err(); err != nil {
			return "", err
		}
		return "", ErrNoInput
	}
	answer := strings.TrimSpace(p.in.Text())
	if answer == "" {
		return def, nil
	}
	return answer, nil
}

// Phrase asks the user to type phrase exactly. Anything else, including a
// yes, is a refusal.
func (p *Prompter) Phrase(prompt, phrase string) bool {
	fmt.Fprintf(p.out, "%s\nType %q to continue: ", prompt, phrase)
	if !p.in.Scan() {
		return false
	}
	return strings.TrimSpace(p.in.Text()) == phrase
}

// ReadPassword reads a line from the terminal without echo. Echo stays on if
// stdin is not a terminal.
func ReadPassword(prompt string) (string, error) {
	termios, err := TurnOnRawIO(os.Stdin)
	hiddenPass := true
	if err != nil {
		hiddenPass = false
	}

	fmt.Fprintf(os.Stderr, "%s: ", prompt)

	if hiddenPass {
		// There is no meaningful way to handle error here.
		//nolint:errcheck
		defer TcSetAttr(os.Stdin.Fd(), termios)

		buf := make([]byte, 512)
		buf, err = readPass(os.Stdin, buf)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	}

	if !std.in.Scan() {
		if err := std.in.Err(); err != nil {
			return "", err
		}
		return "", ErrNoInput
	}
	return std.in.Text(), nil
}

func readPass(tty io.Reader, output []byte) ([]byte, error) {
	cursor := output[0:1]
	readen := 0
	for {
		n, err := tty.Read(cursor)
		if err != nil {
			return nil, errors.New("ReadPassword: " + err.Error())
		}
		if n != 1 {
			return nil, errors.New("ReadPassword: invalid read size when not in canonical mode")
		}
		if cursor[0] == '\n' || cursor[0] == '\r' {
			break
		}
		// Esc or Ctrl+D or Ctrl+C.
		if cursor[0] == '\x1b' || cursor[0] == '\x04' || cursor[0] == '\x03' {
			return nil, errors.New("ReadPassword: prompt rejected")
		}
		if cursor[0] == '\x7F' /* DEL */ {
			if readen != 0 {
				readen--
				cursor = output[readen : readen+1]
			}
			continue
		}

		if readen == len(output)-1 {
			return nil, errors.New("ReadPassword: too long password")
		}

		readen++
		cursor = output[readen : readen+1]
	}

	return output[0:readen], nil
}
