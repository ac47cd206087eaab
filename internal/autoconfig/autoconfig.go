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

// Package autoconfig generates Mozilla-style email client autoconfiguration
// documents and the matching human-readable client settings.
package autoconfig

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"

	"github.com/themadorg/mailstack/internal/fsutil"
)

// Socket types as used by the autoconfig format.
const (
	SocketSSL      = "SSL"
	SocketSTARTTLS = "STARTTLS"
)

// Server is a single incoming or outgoing server entry.
type Server struct {
	Type           string `xml:"type,attr" json:"type"`
	Hostname       string `xml:"hostname" json:"hostname"`
	Port           int    `xml:"port" json:"port"`
	SocketType     string `xml:"socketType" json:"socket_type"`
	Authentication string `xml:"authentication" json:"-"`
	Username       string `xml:"username" json:"-"`
}

// Security returns the encryption mode in the wording mail clients use.
func (s Server) Security() string {
	if s.SocketType == SocketSSL {
		return "SSL/TLS"
	}
	return s.SocketType
}

func (s Server) String() string {
	return fmt.Sprintf("%s:%d (%s)", s.Hostname, s.Port, s.Security())
}

// Settings describes how clients connect to the mailboxes of one domain.
type Settings struct {
	Domain   string
	Incoming []Server
	Outgoing []Server
}

// ForDomain returns the settings of the stack: IMAP on 993 and 143,
// submission on 465 and 587, all served by hostname.
func ForDomain(domain, hostname string) Settings {
	srv := func(typ string, port int, socket string) Server {
		return Server{
			Type:           typ,
			Hostname:       hostname,
			Port:           port,
			SocketType:     socket,
			Authentication: "password-cleartext",
			Username:       "%EMAILADDRESS%",
		}
	}
	return Settings{
		Domain: domain,
		Incoming: []Server{
			srv("imap", 993, SocketSSL),
			srv("imap", 143, SocketSTARTTLS),
		},
		Outgoing: []Server{
			srv("smtp", 465, SocketSSL),
			srv("smtp", 587, SocketSTARTTLS),
		},
	}
}

type clientConfig struct {
	XMLName  xml.Name      `xml:"clientConfig"`
	Version  string        `xml:"version,attr"`
	Provider emailProvider `xml:"emailProvider"`
}

type emailProvider struct {
	ID               string   `xml:"id,attr"`
	Domain           string   `xml:"domain"`
	DisplayName      string   `xml:"displayName"`
	DisplayShortName string   `xml:"displayShortName"`
	Incoming         []Server `xml:"incomingServer"`
	Outgoing         []Server `xml:"outgoingServer"`
}

// XML renders the config-v1.1.xml document.
func (s Settings) XML() ([]byte, error) {
	doc := clientConfig{
		Version: "1.1",
		Provider: emailProvider{
			ID:               s.Domain,
			Domain:           s.Domain,
			DisplayName:      s.Domain + " Mail",
			DisplayShortName: s.Domain,
			Incoming:         s.Incoming,
			Outgoing:         s.Outgoing,
		},
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

// Path returns where the document for domain lives under root.
func Path(root, domain string) string {
	return filepath.Join(root, domain, "mail", "config-v1.1.xml")
}

// Write stores the document under root. It reports whether the file
// changed.
func Write(root string, s Settings) (bool, error) {
	data, err := s.XML()
	if err != nil {
		return false, err
	}
	path := Path(root, s.Domain)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	return fsutil.WriteIfChanged(path, data, 0o644)
}
