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
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/themadorg/mailstack/internal/fsutil"
)

// EnvFileName is the env file referenced by the compose service.
const EnvFileName = "mailserver.env"

// EnvParams are the mail service settings derived from the desired state.
type EnvParams struct {
	Hostname   string
	Postmaster string

	// TLS selects letsencrypt certificates, otherwise TLS is disabled in
	// the mail service.
	TLS bool
}

// defaultEnv are settings an operator may change in the file. Existing
// values are kept when the file is regenerated.
var defaultEnv = map[string]string{
	"LOG_LEVEL":           "info",
	"ONE_DIR":             "1",
	"PERMIT_DOCKER":       "none",
	"ENABLE_OPENDKIM":     "1",
	"ENABLE_OPENDMARC":    "1",
	"ENABLE_POLICYD_SPF":  "1",
	"ENABLE_FAIL2BAN":     "1",
	"ENABLE_CLAMAV":       "0",
	"ENABLE_SPAMASSASSIN": "1",
	"SPOOF_PROTECTION":    "1",
	"ENABLE_SRS":          "0",
	"POSTSCREEN_ACTION":   "enforce",
}

// Env returns the env file content for p merged over existing. Managed keys
// always take the value from p.
func Env(p EnvParams, existing map[string]string) map[string]string {
	env := maps.Clone(defaultEnv)
	maps.Copy(env, existing)

	env["OVERRIDE_HOSTNAME"] = p.Hostname
	env["POSTMASTER_ADDRESS"] = p.Postmaster
	if p.TLS {
		env["SSL_TYPE"] = "letsencrypt"
	} else {
		env["SSL_TYPE"] = ""
	}
	return env
}

// ReadEnv parses the env file. A missing file yields an empty map.
func ReadEnv(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("compose: read %s: %w", path, err)
	}
	return env, nil
}

// WriteEnv regenerates the env file at path, keeping operator changes. It
// reports whether the file changed.
func WriteEnv(path string, p EnvParams) (bool, error) {
	existing, err := ReadEnv(path)
	if err != nil {
		return false, err
	}
	content, err := godotenv.Marshal(Env(p, existing))
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	return fsutil.WriteIfChanged(path, []byte(content+"\n"), 0o600)
}
