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

// Package compose generates the docker compose project of the mail service:
// docker-compose.yml and the mailserver.env file it references.
package compose

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/themadorg/mailstack/internal/fsutil"
)

// MailService is the compose service name of the mail server.
const MailService = "mailserver"

// Ports published by the mail service.
var Ports = []string{"25:25", "143:143", "465:465", "587:587", "993:993"}

type File struct {
	Services map[string]Service `yaml:"services"`
}

type Service struct {
	Image           string       `yaml:"image"`
	ContainerName   string       `yaml:"container_name,omitempty"`
	Hostname        string       `yaml:"hostname,omitempty"`
	EnvFile         []string     `yaml:"env_file,omitempty"`
	Ports           []string     `yaml:"ports,omitempty"`
	Volumes         []string     `yaml:"volumes,omitempty"`
	Restart         string       `yaml:"restart,omitempty"`
	StopGracePeriod string       `yaml:"stop_grace_period,omitempty"`
	Healthcheck     *Healthcheck `yaml:"healthcheck,omitempty"`
}

type Healthcheck struct {
	Test     string `yaml:"test"`
	Timeout  string `yaml:"timeout,omitempty"`
	Interval string `yaml:"interval,omitempty"`
	Retries  int    `yaml:"retries"`
}

// Params describe the generated project.
type Params struct {
	Image     string
	Container string

	// Hostname is the mail host of the primary domain.
	Hostname string

	// LetsEncryptDir is mounted read-only so the service can use the
	// certificates issued on the host.
	LetsEncryptDir string
}

// New builds the compose file for p.
func New(p Params) File {
	return File{Services: map[string]Service{
		MailService: {
			Image:         p.Image,
			ContainerName: p.Container,
			Hostname:      p.Hostname,
			EnvFile:       []string{EnvFileName},
			Ports:         Ports,
			Volumes: []string{
				"./docker-data/dms/mail-data/:/var/mail/",
				"./docker-data/dms/mail-state/:/var/mail-state/",
				"./docker-data/dms/mail-logs/:/var/log/mail/",
				"./docker-data/dms/config/:/tmp/docker-mailserver/",
				"/etc/localtime:/etc/localtime:ro",
				p.LetsEncryptDir + ":/etc/letsencrypt:ro",
			},
			Restart:         "always",
			StopGracePeriod: "1m",
			Healthcheck: &Healthcheck{
				Test:     "ss --listening --tcp | grep -P 'LISTEN.+:smtp' || exit 1",
				Timeout:  "3s",
				Interval: "30s",
				Retries:  0,
			},
		},
	}}
}

func (f File) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# Generated by mailstack.\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("compose: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write stores f at path and reports whether the file changed.
func (f File) Write(path string) (bool, error) {
	data, err := f.Marshal()
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	return fsutil.WriteIfChanged(path, data, 0o644)
}
