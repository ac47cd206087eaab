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

// Package config holds the settings shared by all mailstack commands.
//
// Values come from Default, then from the optional dotenv file
// <root>/mailstack.env, then from command line flags and MAILSTACK_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	// EnvFileName is the dotenv file looked up in the root directory.
	EnvFileName = "mailstack.env"

	// EnvPrefix is the prefix of every recognized variable.
	EnvPrefix = "MAILSTACK_"
)

// ErrInvalid is wrapped by validation failures.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	// Root is the directory holding the compose project, the registry and
	// the generated artifacts.
	Root string `validate:"required"`

	Container string `validate:"required,hostname_rfc1123"`
	Image     string `validate:"required"`

	MailHostPrefix string `validate:"required,hostname_rfc1123"`
	ContactEmail   string `validate:"omitempty,email"`
	PublicIP       string `validate:"omitempty,ip"`
	SecretLength   int    `validate:"min=8,max=128"`

	LetsEncryptDir string `validate:"required"`
	Webroot        string `validate:"required"`
	Staging        bool

	SitesAvailable string `validate:"required"`
	SitesEnabled   string `validate:"required"`

	ReadyAttempts int           `validate:"min=1"`
	ReadyInterval time.Duration `validate:"gt=0"`

	// BackupDir defaults to <root>/backups.
	BackupDir  string
	BackupKeep int `validate:"min=0"`

	NoLock  bool
	Debug   bool
	LogJSON bool
}

func Default() Config {
	return Config{
		Root:           "/opt/mailstack",
		Container:      "mailserver",
		Image:          "ghcr.io/docker-mailserver/docker-mailserver:latest",
		MailHostPrefix: "mail",
		SecretLength:   16,
		LetsEncryptDir: "/etc/letsencrypt",
		Webroot:        "/var/www/letsencrypt",
		SitesAvailable: "/etc/nginx/sites-available",
		SitesEnabled:   "/etc/nginx/sites-enabled",
		ReadyAttempts:  30,
		ReadyInterval:  5 * time.Second,
		BackupKeep:     7,
	}
}

func (c Config) EnvFilePath() string { return filepath.Join(c.Root, EnvFileName) }
func (c Config) RegistryPath() string { return filepath.Join(c.Root, "users.json") }
func (c Config) ComposePath() string { return filepath.Join(c.Root, "docker-compose.yml") }
func (c Config) MailEnvPath() string { return filepath.Join(c.Root, "mailserver.env") }
func (c Config) DataDir() string { return filepath.Join(c.Root, "docker-data", "dms") }
func (c Config) AutoconfigDir() string { return filepath.Join(c.Root, "autoconfig") }
func (c Config) DNSDir() string { return filepath.Join(c.Root, "dns") }
func (c Config) DKIMKeyDir(domain string) string {
	return filepath.Join(c.DataDir(), "config", "opendkim", "keys", domain)
}

func (c Config) BackupPath() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(c.Root, "backups")
}

// MailHost returns the mail server host name for domain.
func (c Config) MailHost(domain string) string {
	return c.MailHostPrefix + "." + domain
}

type setter func(c *Config, val string) error

func str(field func(c *Config) *string) setter {
	return func(c *Config, val string) error {
		*field(c) = val
		return nil
	}
}

func integer(field func(c *Config) *int) setter {
	return func(c *Config, val string) error {
		i, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*field(c) = i
		return nil
	}
}

func boolean(field func(c *Config) *bool) setter {
	return func(c *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func duration(field func(c *Config) *time.Duration) setter {
	return func(c *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// keys lists the recognized variables without EnvPrefix.
var keys = map[string]setter{
	"CONTAINER":        str(func(c *Config) *string { return &c.Container }),
	"IMAGE":            str(func(c *Config) *string { return &c.Image }),
	"MAIL_HOST_PREFIX": str(func(c *Config) *string { return &c.MailHostPrefix }),
	"CONTACT_EMAIL":    str(func(c *Config) *string { return &c.ContactEmail }),
	"PUBLIC_IP":        str(func(c *Config) *string { return &c.PublicIP }),
	"SECRET_LENGTH":    integer(func(c *Config) *int { return &c.SecretLength }),
	"LETSENCRYPT_DIR":  str(func(c *Config) *string { return &c.LetsEncryptDir }),
	"WEBROOT":          str(func(c *Config) *string { return &c.Webroot }),
	"STAGING":          boolean(func(c *Config) *bool { return &c.Staging }),
	"SITES_AVAILABLE":  str(func(c *Config) *string { return &c.SitesAvailable }),
	"SITES_ENABLED":    str(func(c *Config) *string { return &c.SitesEnabled }),
	"READY_ATTEMPTS":   integer(func(c *Config) *int { return &c.ReadyAttempts }),
	"READY_INTERVAL":   duration(func(c *Config) *time.Duration { return &c.ReadyInterval }),
	"BACKUP_DIR":       str(func(c *Config) *string { return &c.BackupDir }),
	"BACKUP_KEEP":      integer(func(c *Config) *int { return &c.BackupKeep }),
	"NO_LOCK":          boolean(func(c *Config) *bool { return &c.NoLock }),
	"DEBUG":            boolean(func(c *Config) *bool { return &c.Debug }),
	"LOG_JSON":         boolean(func(c *Config) *bool { return &c.LogJSON }),
}

// Apply sets the fields named by vars. Keys may carry EnvPrefix. Unknown
// keys are returned so the caller can warn about them.
func (c *Config) Apply(vars map[string]string) (unknown []string, err error) {
	for k, v := range vars {
		name := strings.TrimPrefix(strings.ToUpper(k), EnvPrefix)
		set, ok := keys[name]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		if err := set(c, strings.TrimSpace(v)); err != nil {
			return unknown, fmt.Errorf("%w: %s: %v", ErrInvalid, k, err)
		}
	}
	return unknown, nil
}

// LoadEnvFile applies the dotenv file at path. A missing file is ignored.
func (c *Config) LoadEnvFile(path string) (unknown []string, err error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return c.Apply(vars)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q check (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}
