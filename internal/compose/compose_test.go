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

package compose

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var testParams = Params{
	Image:          "ghcr.io/docker-mailserver/docker-mailserver:latest",
	Container:      "mailserver",
	Hostname:       "mail.example.com",
	LetsEncryptDir: "/etc/letsencrypt",
}

func TestComposeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docker-compose.yml")

	changed, err := New(testParams).Write(path)
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var f File
	require.NoError(t, yaml.Unmarshal(data, &f))
	svc, ok := f.Services[MailService]
	require.True(t, ok)
	assert.Equal(t, "mail.example.com", svc.Hostname)
	assert.Equal(t, []string{EnvFileName}, svc.EnvFile)
	assert.Contains(t, svc.Ports, "993:993")
	assert.Contains(t, svc.Volumes, "/etc/letsencrypt:/etc/letsencrypt:ro")
	require.NotNil(t, svc.Healthcheck)

	changed, err = New(testParams).Write(path)
	require.NoError(t, err)
	assert.False(t, changed, "same parameters must not rewrite the file")
}

func TestComposeMarshalHeader(t *testing.T) {
	data, err := New(testParams).Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Generated by mailstack.\nservices:\n  mailserver:\n")
}

func TestWriteEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), EnvFileName)
	p := EnvParams{Hostname: "mail.example.com", Postmaster: "admin@example.com", TLS: true}

	changed, err := WriteEnv(path, p)
	require.NoError(t, err)
	assert.True(t, changed)

	env, err := ReadEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "letsencrypt", env["SSL_TYPE"])
	assert.Equal(t, "mail.example.com", env["OVERRIDE_HOSTNAME"])
	assert.Equal(t, "0", env["ENABLE_CLAMAV"])

	changed, err = WriteEnv(path, p)
	require.NoError(t, err)
	assert.False(t, changed)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteEnvKeepsOperatorChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), EnvFileName)
	require.NoError(t, os.WriteFile(path, []byte("ENABLE_CLAMAV=1\nOVERRIDE_HOSTNAME=old.example.com\nCUSTOM=yes\n"), 0o600))

	_, err := WriteEnv(path, EnvParams{Hostname: "mail.example.com", Postmaster: "admin@example.com"})
	require.NoError(t, err)

	env, err := ReadEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "1", env["ENABLE_CLAMAV"])
	assert.Equal(t, "yes", env["CUSTOM"])
	assert.Equal(t, "mail.example.com", env["OVERRIDE_HOSTNAME"])
	assert.Equal(t, "", env["SSL_TYPE"])
}

func TestReadEnvMissing(t *testing.T) {
	env, err := ReadEnv(filepath.Join(t.TempDir(), EnvFileName))
	require.NoError(t, err)
	assert.Empty(t, env)
}
