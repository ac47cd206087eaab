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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNginx(t *testing.T, fn func(c Command) Outcome) (*Nginx, *scriptRunner) {
	r := &scriptRunner{fn: fn}
	dir := t.TempDir()
	return &Nginx{
		Runner:         r,
		SitesAvailable: filepath.Join(dir, "sites-available"),
		SitesEnabled:   filepath.Join(dir, "sites-enabled"),
		Webroot:        filepath.Join(dir, "webroot"),
		AutoconfigRoot: filepath.Join(dir, "autoconfig"),
		Certs:          &Certbot{ConfigDir: filepath.Join(dir, "letsencrypt")},
	}, r
}

func TestEnableSiteIdempotent(t *testing.T) {
	n, _ := testNginx(t, nil)
	ctx := context.Background()
	site := Site{Hostname: "mail.example.com", Domain: "example.com"}

	out := n.EnableSite(ctx, site)
	require.True(t, out.OK(), out.String())
	assert.False(t, out.Skipped)

	available := filepath.Join(n.SitesAvailable, "mail.example.com.conf")
	target, err := os.Readlink(filepath.Join(n.SitesEnabled, "mail.example.com.conf"))
	require.NoError(t, err)
	assert.Equal(t, available, target)

	conf, err := os.ReadFile(available)
	require.NoError(t, err)
	assert.Contains(t, string(conf), "server_name mail.example.com autoconfig.example.com;")
	assert.NotContains(t, string(conf), "ssl_certificate")

	out = n.EnableSite(ctx, site)
	require.True(t, out.OK())
	assert.True(t, out.Skipped)

	// TLS is requested but there is no certificate yet.
	site.TLS = true
	out = n.EnableSite(ctx, site)
	require.True(t, out.OK())
	assert.True(t, out.Skipped)

	certFile, keyFile := n.Certs.CertificatePath("mail.example.com")
	require.NoError(t, os.MkdirAll(filepath.Dir(certFile), 0o755))
	require.NoError(t, os.WriteFile(certFile, []byte("cert"), 0o644))
	require.NoError(t, os.WriteFile(keyFile, []byte("key"), 0o600))

	out = n.EnableSite(ctx, site)
	require.True(t, out.OK())
	assert.False(t, out.Skipped)
	conf, err = os.ReadFile(available)
	require.NoError(t, err)
	assert.Contains(t, string(conf), "ssl_certificate "+certFile+";")
	assert.Contains(t, string(conf), "listen 443 ssl;")
}

func TestEnableSiteFixesLink(t *testing.T) {
	n, _ := testNginx(t, nil)
	require.NoError(t, os.MkdirAll(n.SitesEnabled, 0o755))
	enabled := filepath.Join(n.SitesEnabled, "mail.example.com.conf")
	require.NoError(t, os.WriteFile(enabled, []byte("stale"), 0o644))

	out := n.EnableSite(context.Background(), Site{Hostname: "mail.example.com", Domain: "example.com"})
	require.True(t, out.OK(), out.String())

	target, err := os.Readlink(enabled)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(n.SitesAvailable, "mail.example.com.conf"), target)
}

func TestDisableSite(t *testing.T) {
	n, _ := testNginx(t, nil)
	ctx := context.Background()

	assert.True(t, n.DisableSite(ctx, "mail.example.com").Skipped)

	require.True(t, n.EnableSite(ctx, Site{Hostname: "mail.example.com", Domain: "example.com"}).OK())
	assert.True(t, n.SiteEnabled("mail.example.com"))
	out := n.DisableSite(ctx, "mail.example.com")
	require.True(t, out.OK())
	assert.False(t, out.Skipped)
	assert.False(t, n.SiteEnabled("mail.example.com"))
	assert.NoFileExists(t, filepath.Join(n.SitesAvailable, "mail.example.com.conf"))
}

func TestReloadProxy(t *testing.T) {
	n, r := testNginx(t, nil)
	out := n.ReloadProxy(context.Background())
	require.True(t, out.OK())
	require.Len(t, r.calls, 2)
	assert.Equal(t, DefaultNginxTest.Name, r.calls[0].Name)
	assert.Equal(t, DefaultNginxReload.Args, r.calls[1].Args)
}

func TestReloadProxyInvalidConfig(t *testing.T) {
	n, r := testNginx(t, func(c Command) Outcome {
		if c.Name == "nginx" {
			return Failure(1, "nginx: [emerg] unexpected \"}\"")
		}
		return Success("")
	})

	out := n.ReloadProxy(context.Background())
	assert.Equal(t, StatusFailure, out.Status)
	require.Len(t, r.calls, 1, "reload must not run after a failed test")
}
