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

// Package gateway wraps every external system the provisioning tool talks to:
// the container runtime, the mail server administrative CLI, the TLS issuer
// and the reverse proxy.
//
// All calls return an Outcome instead of an error so that callers can tell a
// command that ran and failed apart from a service that could not be reached.
// Every call is safe to retry.
package gateway

import (
	"context"
)

// Gateway is the set of external effects the reconciler needs.
type Gateway interface {
	ContainerServiceUp(ctx context.Context, name string) bool
	ExecInMailService(ctx context.Context, args ...string) Outcome
	IssueCertificate(ctx context.Context, hostname, contactEmail string) Outcome
	ReloadProxy(ctx context.Context) Outcome
	EnableSite(ctx context.Context, site Site) Outcome
}

// System is the Gateway backed by the real host.
type System struct {
	Docker  *Docker
	Certbot *Certbot
	Nginx   *Nginx
}

var _ Gateway = System{}

func (s System) ContainerServiceUp(ctx context.Context, name string) bool {
	return s.Docker.ContainerServiceUp(ctx, name)
}

func (s System) ExecInMailService(ctx context.Context, args ...string) Outcome {
	return s.Docker.ExecInMailService(ctx, args...)
}

func (s System) IssueCertificate(ctx context.Context, hostname, contactEmail string) Outcome {
	return s.Certbot.IssueCertificate(ctx, hostname, contactEmail)
}

func (s System) ReloadProxy(ctx context.Context) Outcome {
	return s.Nginx.ReloadProxy(ctx)
}

func (s System) EnableSite(ctx context.Context, site Site) Outcome {
	return s.Nginx.EnableSite(ctx, site)
}
