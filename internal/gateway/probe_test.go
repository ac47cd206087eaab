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
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineServer accepts one connection, sends greeting and answers each line
// with reply(line). An empty reply closes the connection.
func lineServer(t *testing.T, greeting string, reply func(line string) string) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		conn.Write([]byte(greeting))
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			resp := reply(strings.TrimRight(line, "\r\n"))
			if resp == "" {
				return
			}
			conn.Write([]byte(resp))
		}
	}()
	return l.Addr().String()
}

func TestProbeSMTP(t *testing.T) {
	addr := lineServer(t, "220 mail.example.com ESMTP\r\n", func(line string) string {
		switch {
		case strings.HasPrefix(line, "EHLO"):
			return "250-mail.example.com\r\n250 8BITMIME\r\n"
		case line == "QUIT":
			return "221 bye\r\n"
		}
		return "500 unknown\r\n"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, ProbeSMTP(ctx, addr, "localhost"))
}

func TestProbeSMTPRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, ProbeSMTP(ctx, addr, "localhost"))
}

func TestProbeIMAP(t *testing.T) {
	addr := lineServer(t, "* OK [CAPABILITY IMAP4rev1] ready\r\n", func(line string) string {
		tag, cmd, _ := strings.Cut(line, " ")
		if strings.EqualFold(cmd, "LOGOUT") {
			return "* BYE logging out\r\n" + tag + " OK LOGOUT completed\r\n"
		}
		return tag + " BAD unknown\r\n"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, ProbeIMAP(ctx, addr, false, nil))
}

func TestProbeTimeout(t *testing.T) {
	// Accepts but never greets.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ProbeSMTP(ctx, l.Addr().String(), "localhost"), context.DeadlineExceeded)
}
