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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, "/opt/mailstack/users.json", c.RegistryPath())
	assert.Equal(t, "/opt/mailstack/backups", c.BackupPath())
	assert.Equal(t, "mail.example.com", c.MailHost("example.com"))
	assert.Equal(t, "/opt/mailstack/docker-data/dms/config/opendkim/keys/example.com", c.DKIMKeyDir("example.com"))
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, EnvFileName)
	require.NoError(t, os.WriteFile(path, []byte(`# local overrides
MAILSTACK_CONTAINER=dms
MAILSTACK_STAGING=true
MAILSTACK_READY_INTERVAL=250ms
MAILSTACK_SECRET_LENGTH=24
BACKUP_KEEP=3
MAILSTACK_WHATEVER=1
`), 0o600))

	c := Default()
	unknown, err := c.LoadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"MAILSTACK_WHATEVER"}, unknown)
	assert.Equal(t, "dms", c.Container)
	assert.True(t, c.Staging)
	assert.Equal(t, 250*time.Millisecond, c.ReadyInterval)
	assert.Equal(t, 24, c.SecretLength)
	assert.Equal(t, 3, c.BackupKeep)
	assert.NoError(t, c.Validate())
}

func TestLoadEnvFileMissing(t *testing.T) {
	c := Default()
	unknown, err := c.LoadEnvFile(filepath.Join(t.TempDir(), EnvFileName))
	require.NoError(t, err)
	assert.Empty(t, unknown)
	assert.Equal(t, Default(), c)
}

func TestApplyBadValue(t *testing.T) {
	c := Default()
	_, err := c.Apply(map[string]string{"MAILSTACK_READY_ATTEMPTS": "many"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	c := Default()
	c.ContactEmail = "not an email"
	c.SecretLength = 4
	c.ReadyAttempts = 0
	c.PublicIP = "300.1.1.1"

	err := c.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	for _, field := range []string{"ContactEmail", "SecretLength", "ReadyAttempts", "PublicIP"} {
		assert.Contains(t, err.Error(), field)
	}
}
