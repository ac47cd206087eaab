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
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-smtp"
)

// DefaultProbeTimeout bounds a single probe when the context has no
// deadline.
const DefaultProbeTimeout = 10 * time.Second

// ProbeSMTP connects to addr, reads the greeting and sends EHLO.
func ProbeSMTP(ctx context.Context, addr, localName string) error {
	return withTimeout(ctx, func() error {
		c, err := smtp.Dial(addr)
		if err != nil {
			return fmt.Errorf("smtp %s: %w", addr, err)
		}
		defer c.Close()

		if err := c.Hello(localName); err != nil {
			return fmt.Errorf("smtp %s: %w", addr, err)
		}
		return c.Quit()
	})
}

// ProbeIMAP connects to addr, implicit TLS if useTLS is set, reads the
// greeting and logs out.
func ProbeIMAP(ctx context.Context, addr string, useTLS bool, tlsConfig *tls.Config) error {
	dialer := &net.Dialer{Timeout: DefaultProbeTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	return withTimeout(ctx, func() error {
		var (
			c   *imapclient.Client
			err error
		)
		if useTLS {
			c, err = imapclient.DialWithDialerTLS(dialer, addr, tlsConfig)
		} else {
			c, err = imapclient.DialWithDialer(dialer, addr)
		}
		if err != nil {
			return fmt.Errorf("imap %s: %w", addr, err)
		}
		return c.Logout()
	})
}

// withTimeout runs fn and gives up once ctx is done. Neither client library
// accepts a context, so a late fn is left to finish in the background.
func withTimeout(ctx context.Context, fn func() error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultProbeTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
