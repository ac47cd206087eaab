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

package reconcile

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
	"gopkg.in/yaml.v3"
)

// AdminUser is the local part of the per-domain administrative account.
const AdminUser = "admin"

// DesiredState is the target the reconciler converges to.
type DesiredState struct {
	PrimaryDomain     string   `yaml:"primary_domain" json:"primary_domain"`
	AdditionalDomains []string `yaml:"additional_domains" json:"additional_domains"`

	// Accounts are "user:secret:domain" triples.
	Accounts []string `yaml:"accounts" json:"-"`

	SkipTLS  bool `yaml:"skip_tls" json:"skip_tls"`
	SkipDKIM bool `yaml:"skip_dkim" json:"skip_dkim"`
}

// Domains returns the primary domain followed by the additional ones,
// normalized and without duplicates.
func (ds DesiredState) Domains() []string {
	seen := make(map[string]bool)
	var res []string
	for _, d := range append([]string{ds.PrimaryDomain}, ds.AdditionalDomains...) {
		d = NormalizeDomain(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		res = append(res, d)
	}
	return res
}

// ReadDesiredState decodes a YAML desired state. Unknown keys are rejected.
func ReadDesiredState(r io.Reader) (DesiredState, error) {
	var ds DesiredState
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&ds); err != nil {
		if errors.Is(err, io.EOF) {
			return ds, &ValidationError{Problems: []string{"desired state file is empty"}}
		}
		return ds, &ValidationError{Problems: []string{"desired state: " + err.Error()}}
	}
	return ds, nil
}

// AccountSpec is a parsed account triple.
type AccountSpec struct {
	User   string
	Secret string
	Domain string

	// Generated is set for administrative accounts synthesized by the
	// reconciler.
	Generated bool

	// Existing is set for a synthesized administrative account that the
	// registry already holds. Its secret is unknown and it is left alone.
	Existing bool
}

func (a AccountSpec) Address() string {
	return a.User + "@" + a.Domain
}

func (a AccountSpec) IsAdmin() bool {
	return a.User == AdminUser
}

// ValidationError lists every malformed entry of the input.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// IsValidation reports whether err is caused by malformed input.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

var (
	domainRe = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+([a-z]{2,}|xn--[a-z0-9-]*[a-z0-9])$`)
	userRe   = regexp.MustCompile(`^[a-z0-9][a-z0-9._+-]*$`)
)

// NormalizeDomain lower-cases name, drops a trailing dot and converts
// internationalized names to their ASCII form.
func NormalizeDomain(name string) string {
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	if ascii, err := idna.Lookup.ToASCII(name); err == nil {
		return ascii
	}
	return name
}

// ValidateDomain checks that name is a dot-separated sequence of
// alphanumeric/hyphen labels ending in an alphabetic TLD of at least two
// letters or an internationalized TLD in its xn-- form.
func ValidateDomain(name string) error {
	n := NormalizeDomain(name)
	if n == "" {
		return &ValidationError{Problems: []string{"empty domain"}}
	}
	if !domainRe.MatchString(n) {
		return &ValidationError{Problems: []string{fmt.Sprintf("invalid domain %q", name)}}
	}
	if _, ok := dns.IsDomainName(n); !ok {
		return &ValidationError{Problems: []string{fmt.Sprintf("invalid domain %q: label or name too long", name)}}
	}
	return nil
}

// MaxSecretLength is the longest secret, in bytes, that can be hashed for
// the registry.
const MaxSecretLength = 72

// ValidateSecret rejects secrets the registry cannot store.
func ValidateSecret(secret string) error {
	switch {
	case secret == "":
		return &ValidationError{Problems: []string{"empty secret"}}
	case len(secret) > MaxSecretLength:
		return &ValidationError{Problems: []string{
			fmt.Sprintf("secret is longer than %d bytes", MaxSecretLength),
		}}
	}
	return nil
}

// ParseAccountSpec parses a "user:secret:domain" triple. Each field must be
// non-empty and no field may contain a colon.
func ParseAccountSpec(s string) (AccountSpec, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return AccountSpec{}, &ValidationError{Problems: []string{
			fmt.Sprintf("invalid account %q: want user:secret:domain", redactTriple(s)),
		}}
	}

	spec := AccountSpec{
		User:   strings.ToLower(strings.TrimSpace(parts[0])),
		Secret: strings.TrimSpace(parts[1]),
		Domain: NormalizeDomain(parts[2]),
	}
	verr := &ValidationError{}
	if spec.User == "" || spec.Secret == "" || spec.Domain == "" {
		verr.add("invalid account %q: empty field", redactTriple(s))
		return AccountSpec{}, verr
	}
	if !userRe.MatchString(spec.User) {
		verr.add("invalid account %q: bad user name", redactTriple(s))
	}
	if len(spec.Secret) > MaxSecretLength {
		verr.add("invalid account %q: secret is longer than %d bytes", redactTriple(s), MaxSecretLength)
	}
	if err := ValidateDomain(spec.Domain); err != nil {
		verr.add("invalid account %q: bad domain", redactTriple(s))
	}
	if err := verr.orNil(); err != nil {
		return AccountSpec{}, err
	}
	return spec, nil
}

// redactTriple hides the secret field in error messages.
func redactTriple(s string) string {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) >= 3 {
		return parts[0] + ":***:" + strings.Join(parts[2:], ":")
	}
	return s
}

// ParseAddress splits user@domain into an AccountSpec without a secret.
func ParseAddress(address string) (AccountSpec, error) {
	user, domain, ok := strings.Cut(strings.TrimSpace(address), "@")
	if !ok || strings.Contains(domain, "@") {
		return AccountSpec{}, &ValidationError{Problems: []string{fmt.Sprintf("invalid address %q", address)}}
	}
	user = strings.ToLower(user)
	verr := &ValidationError{}
	if !userRe.MatchString(user) {
		verr.add("invalid address %q: bad user name", address)
	}
	if err := ValidateDomain(domain); err != nil {
		verr.add("invalid address %q: bad domain", address)
	}
	if err := verr.orNil(); err != nil {
		return AccountSpec{}, err
	}
	return AccountSpec{User: user, Domain: NormalizeDomain(domain)}, nil
}
