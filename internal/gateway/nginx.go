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
	"io/fs"
	"os"
	"path/filepath"
	"text/template"

	"github.com/themadorg/mailstack/framework/log"
	"github.com/themadorg/mailstack/internal/fsutil"
)

// Site is a proxy virtual host for one mail hostname.
type Site struct {
	Hostname string
	Domain   string

	// TLS requests the HTTPS server block. It is rendered only once the
	// certificate files exist, so the site can serve the ACME challenge
	// before the first certificate is issued.
	TLS bool
}

// Nginx manages site units and reloads the proxy.
type Nginx struct {
	Runner Runner

	SitesAvailable string
	SitesEnabled   string

	// Webroot is the ACME challenge directory shared with Certbot.
	Webroot string

	// AutoconfigRoot holds <domain>/mail/config-v1.1.xml files.
	AutoconfigRoot string

	// Certs resolves certificate paths for TLS sites.
	Certs *Certbot

	// TestCmd validates the configuration, ReloadCmd applies it.
	TestCmd   Command
	ReloadCmd Command

	Log log.Logger
}

// DefaultNginxTest and DefaultNginxReload are the commands used when Nginx
// has none configured.
var (
	DefaultNginxTest   = Command{Name: "nginx", Args: []string{"-t"}}
	DefaultNginxReload = Command{Name: "systemctl", Args: []string{"reload", "nginx"}}
)

var siteTmpl = template.Must(template.New("site").Parse(`# Managed by mailstack, changes will be overwritten.
server {
	listen 80;
	listen [::]:80;
	server_name {{.Hostname}} autoconfig.{{.Domain}};

	location /.well-known/acme-challenge/ {
		root {{.Webroot}};
	}

	location = /mail/config-v1.1.xml {
		root {{.AutoconfigRoot}}/{{.Domain}};
	}
	location = /.well-known/autoconfig/mail/config-v1.1.xml {
		alias {{.AutoconfigRoot}}/{{.Domain}}/mail/config-v1.1.xml;
	}
{{- if .TLS}}

	location / {
		return 301 https://$host$request_uri;
	}
}

server {
	listen 443 ssl;
	listen [::]:443 ssl;
	http2 on;
	server_name {{.Hostname}};

	ssl_certificate {{.CertFile}};
	ssl_certificate_key {{.KeyFile}};
	ssl_protocols TLSv1.2 TLSv1.3;

	location = /mail/config-v1.1.xml {
		root {{.AutoconfigRoot}}/{{.Domain}};
	}
	location = /.well-known/autoconfig/mail/config-v1.1.xml {
		alias {{.AutoconfigRoot}}/{{.Domain}}/mail/config-v1.1.xml;
	}

	location / {
		return 404;
	}
}
{{- else}}

	location / {
		return 404;
	}
}
{{- end}}
`))

// SiteConfig renders the unit for s.
func (n *Nginx) SiteConfig(s Site) ([]byte, error) {
	data := struct {
		Site
		Webroot        string
		AutoconfigRoot string
		CertFile       string
		KeyFile        string
	}{
		Site:           s,
		Webroot:        n.Webroot,
		AutoconfigRoot: n.AutoconfigRoot,
	}
	if s.TLS {
		if n.Certs == nil {
			return nil, errors.New("nginx: TLS site without certificate source")
		}
		data.CertFile, data.KeyFile = n.Certs.CertificatePath(s.Hostname)
		if !fsutil.Exists(data.CertFile) || !fsutil.Exists(data.KeyFile) {
			n.Log.Debugf("no certificate for %s yet, rendering plain HTTP site", s.Hostname)
			data.Site.TLS = false
		}
	}

	var buf bytes.Buffer
	if err := siteTmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("nginx: render %s: %w", s.Hostname, err)
	}
	return buf.Bytes(), nil
}

func (n *Nginx) unitPaths(hostname string) (available, enabled string) {
	name := hostname + ".conf"
	return filepath.Join(n.SitesAvailable, name), filepath.Join(n.SitesEnabled, name)
}

// EnableSite writes the unit for s and links it into the enabled directory.
// Nothing is written when both are already in place.
func (n *Nginx) EnableSite(_ context.Context, s Site) Outcome {
	conf, err := n.SiteConfig(s)
	if err != nil {
		return Failure(0, err.Error())
	}

	available, enabled := n.unitPaths(s.Hostname)
	if err := os.MkdirAll(n.SitesAvailable, 0o755); err != nil {
		return Failure(0, err.Error())
	}
	if err := os.MkdirAll(n.SitesEnabled, 0o755); err != nil {
		return Failure(0, err.Error())
	}

	written, err := fsutil.WriteIfChanged(available, conf, 0o644)
	if err != nil {
		return Failure(0, err.Error())
	}

	linked := false
	if target, err := os.Readlink(enabled); err != nil || target != available {
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			// Wrong target or a regular file in place of the link.
			if err := os.Remove(enabled); err != nil {
				return Failure(0, err.Error())
			}
		}
		if err := os.Symlink(available, enabled); err != nil {
			return Failure(0, err.Error())
		}
		linked = true
	}

	if !written && !linked {
		return AlreadyDone(available)
	}
	n.Log.Msg("site enabled", "hostname", s.Hostname, "tls", s.TLS)
	return Success(available)
}

// SiteEnabled reports whether the unit of hostname is linked into the
// enabled directory.
func (n *Nginx) SiteEnabled(hostname string) bool {
	_, enabled := n.unitPaths(hostname)
	_, err := os.Stat(enabled)
	return err == nil
}

// DisableSite removes the enabled link and the unit itself.
func (n *Nginx) DisableSite(_ context.Context, hostname string) Outcome {
	available, enabled := n.unitPaths(hostname)
	removed := false
	for _, p := range []string{enabled, available} {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed = true
		case !errors.Is(err, fs.ErrNotExist):
			return Failure(0, err.Error())
		}
	}
	if !removed {
		return AlreadyDone("")
	}
	return Success("")
}

// ReloadProxy validates the configuration and reloads the proxy. A failed
// validation leaves the running proxy untouched.
func (n *Nginx) ReloadProxy(ctx context.Context) Outcome {
	test := n.TestCmd
	if test.Name == "" {
		test = DefaultNginxTest
	}
	reload := n.ReloadCmd
	if reload.Name == "" {
		reload = DefaultNginxReload
	}

	if out := n.Runner.Run(ctx, test); !out.OK() {
		n.Log.Error("proxy configuration test failed, not reloading", out.AsError())
		return out
	}
	return n.Runner.Run(ctx, reload)
}
