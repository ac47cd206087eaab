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
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/themadorg/mailstack/framework/log"
)

// Certbot issues and renews Let's Encrypt certificates using the webroot
// challenge.
type Certbot struct {
	Runner Runner

	// Binary is the certbot executable, "certbot" if empty.
	Binary string

	// ConfigDir is the certbot configuration directory, certificates are
	// expected under ConfigDir/live/<hostname>/.
	ConfigDir string

	// Webroot is served by the proxy at /.well-known/acme-challenge/.
	Webroot string

	Staging bool

	// RenewBefore makes certificates expiring sooner than this count as
	// invalid so they are re-requested.
	RenewBefore time.Duration

	Now func() time.Time
	Log log.Logger
}

func (c *Certbot) binary() string {
	if c.Binary == "" {
		return "certbot"
	}
	return c.Binary
}

func (c *Certbot) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// CertificatePath returns the paths of the full chain and the private key
// for hostname.
func (c *Certbot) CertificatePath(hostname string) (cert, key string) {
	dir := filepath.Join(c.ConfigDir, "live", hostname)
	return filepath.Join(dir, "fullchain.pem"), filepath.Join(dir, "privkey.pem")
}

// CertInfo describes a certificate found on disk.
type CertInfo struct {
	Hostname string    `json:"hostname"`
	Path     string    `json:"path"`
	NotAfter time.Time `json:"not_after"`
	Issuer   string    `json:"issuer"`
	Valid    bool      `json:"valid"`

	// Problem explains why Valid is false.
	Problem string `json:"problem,omitempty"`
}

// ErrNoCertificate is returned by CertificateInfo if no certificate file
// exists for the hostname.
var ErrNoCertificate = errors.New("no certificate")

// CertificateInfo inspects the certificate stored for hostname.
func (c *Certbot) CertificateInfo(hostname string) (CertInfo, error) {
	path, _ := c.CertificatePath(hostname)
	info := CertInfo{Hostname: hostname, Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return info, fmt.Errorf("%w for %s", ErrNoCertificate, hostname)
		}
		return info, err
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		info.Problem = "no PEM certificate block"
		return info, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		info.Problem = err.Error()
		return info, nil
	}

	info.NotAfter = cert.NotAfter
	info.Issuer = cert.Issuer.CommonName

	now := c.now()
	switch {
	case now.Before(cert.NotBefore):
		info.Problem = "not yet valid"
	case now.Add(c.RenewBefore).After(cert.NotAfter):
		info.Problem = "expired or about to expire"
	case cert.VerifyHostname(hostname) != nil:
		info.Problem = "does not cover " + hostname
	default:
		info.Valid = true
	}
	return info, nil
}

// IssueCertificate requests a certificate for hostname unless a valid one is
// already present.
func (c *Certbot) IssueCertificate(ctx context.Context, hostname, contactEmail string) Outcome {
	info, err := c.CertificateInfo(hostname)
	switch {
	case err == nil && info.Valid:
		c.Log.Debugf("certificate for %s is valid until %v, not requesting", hostname, info.NotAfter)
		return AlreadyDone(info.Path)
	case err == nil:
		c.Log.Msg("certificate needs replacement", "hostname", hostname, "problem", info.Problem)
	case !errors.Is(err, ErrNoCertificate):
		c.Log.Error("cannot inspect certificate", err, "hostname", hostname)
	}

	if err := os.MkdirAll(c.Webroot, 0o755); err != nil {
		return Failure(0, err.Error())
	}

	args := []string{
		"certonly", "--webroot",
		"-w", c.Webroot,
		"-d", hostname,
		"--agree-tos", "--non-interactive", "--keep-until-expiring",
		"--config-dir", c.ConfigDir,
	}
	if contactEmail != "" {
		args = append(args, "--email", contactEmail)
	} else {
		args = append(args, "--register-unsafely-without-email")
	}
	if c.Staging {
		args = append(args, "--staging")
	}
	return c.Runner.Run(ctx, Command{Name: c.binary(), Args: args})
}

// RenewCertificates renews every certificate close to expiry.
func (c *Certbot) RenewCertificates(ctx context.Context) Outcome {
	return c.Runner.Run(ctx, Command{
		Name: c.binary(),
		Args: []string{"renew", "--non-interactive", "--config-dir", c.ConfigDir},
	})
}
