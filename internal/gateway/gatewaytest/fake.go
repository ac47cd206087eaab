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

// Package gatewaytest provides an in-memory gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"slices"
	"strings"

	"github.com/themadorg/mailstack/internal/gateway"
)

// Call is a single recorded gateway invocation.
type Call struct {
	Op   string
	Args []string
}

func (c Call) String() string {
	return strings.TrimSpace(c.Op + " " + strings.Join(c.Args, " "))
}

// Fake records every call. Outcomes are produced by the optional hooks,
// a nil hook means Success.
type Fake struct {
	Calls []Call

	// Down makes ContainerServiceUp return false.
	Down bool

	Exec   func(args []string) gateway.Outcome
	Cert   func(hostname string) gateway.Outcome
	Reload func() gateway.Outcome
	Site   func(site gateway.Site) gateway.Outcome
}

var _ gateway.Gateway = (*Fake)(nil)

func (f *Fake) record(op string, args ...string) {
	f.Calls = append(f.Calls, Call{Op: op, Args: args})
}

func (f *Fake) ContainerServiceUp(_ context.Context, name string) bool {
	f.record("up?", name)
	return !f.Down
}

func (f *Fake) ExecInMailService(_ context.Context, args ...string) gateway.Outcome {
	f.record("exec", args...)
	if f.Exec != nil {
		return f.Exec(args)
	}
	return gateway.Success("")
}

func (f *Fake) IssueCertificate(_ context.Context, hostname, contactEmail string) gateway.Outcome {
	f.record("cert", hostname, contactEmail)
	if f.Cert != nil {
		return f.Cert(hostname)
	}
	return gateway.Success("")
}

func (f *Fake) ReloadProxy(_ context.Context) gateway.Outcome {
	f.record("reload")
	if f.Reload != nil {
		return f.Reload()
	}
	return gateway.Success("")
}

func (f *Fake) EnableSite(_ context.Context, site gateway.Site) gateway.Outcome {
	tls := "http"
	if site.TLS {
		tls = "https"
	}
	f.record("site", site.Hostname, tls)
	if f.Site != nil {
		return f.Site(site)
	}
	return gateway.Success("")
}

// Ops returns the calls with the given op.
func (f *Fake) Ops(op string) []Call {
	var res []Call
	for _, c := range f.Calls {
		if c.Op == op {
			res = append(res, c)
		}
	}
	return res
}

// Execs returns the exec calls whose arguments start with prefix.
func (f *Fake) Execs(prefix ...string) []Call {
	var res []Call
	for _, c := range f.Ops("exec") {
		if len(c.Args) >= len(prefix) && slices.Equal(c.Args[:len(prefix)], prefix) {
			res = append(res, c)
		}
	}
	return res
}

// Reset forgets the recorded calls and keeps the hooks.
func (f *Fake) Reset() {
	f.Calls = nil
}
