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
	"slices"

	"github.com/themadorg/mailstack/internal/registry"
)

// ErrNothingToApply is returned when the final target set holds no accounts.
var ErrNothingToApply = errors.New("reconcile: desired state has no accounts to apply")

// Plan is a validated desired state with the administrative accounts
// filled in.
type Plan struct {
	Domains  []string
	Accounts []AccountSpec
}

// Synthesized returns the administrative accounts added by the reconciler.
func (p *Plan) Synthesized() []AccountSpec {
	var res []AccountSpec
	for _, a := range p.Accounts {
		if a.Generated {
			res = append(res, a)
		}
	}
	return res
}

// Plan validates ds and synthesizes missing administrative accounts. It
// reads the registry but performs no writes and no external calls.
func (r *Reconciler) Plan(ds DesiredState) (*Plan, error) {
	verr := &ValidationError{}

	if ds.PrimaryDomain == "" && len(ds.AdditionalDomains) != 0 {
		verr.add("primary domain is required when additional domains are set")
	}
	for _, d := range append([]string{ds.PrimaryDomain}, ds.AdditionalDomains...) {
		if d == "" {
			continue
		}
		if err := ValidateDomain(d); err != nil {
			verr.add("invalid domain %q", d)
		}
	}
	domains := ds.Domains()

	var accounts []AccountSpec
	seen := make(map[string]bool)
	for _, raw := range ds.Accounts {
		spec, err := ParseAccountSpec(raw)
		if err != nil {
			var perr *ValidationError
			if errors.As(err, &perr) {
				verr.Problems = append(verr.Problems, perr.Problems...)
			} else {
				verr.add("%v", err)
			}
			continue
		}
		if !slices.Contains(domains, spec.Domain) {
			verr.add("account %s: domain %s is not in the target domains", spec.Address(), spec.Domain)
			continue
		}
		if seen[spec.Address()] {
			verr.add("account %s is listed more than once", spec.Address())
			continue
		}
		seen[spec.Address()] = true
		accounts = append(accounts, spec)
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	doc, err := r.reg.Load()
	if err != nil {
		return nil, err
	}

	for _, d := range domains {
		admin := AccountSpec{User: AdminUser, Domain: d, Generated: true}
		if seen[admin.Address()] {
			continue
		}
		if _, ok := doc.Users.Get(registry.NormalizeAddress(admin.Address())); ok {
			admin.Existing = true
		} else {
			secret, err := GenerateSecret(r.opts.Rand, r.opts.SecretLength)
			if err != nil {
				return nil, fmt.Errorf("reconcile: generate secret: %w", err)
			}
			admin.Secret = secret
		}
		accounts = append(accounts, admin)
	}

	if len(accounts) == 0 {
		return nil, ErrNothingToApply
	}
	return &Plan{Domains: domains, Accounts: accounts}, nil
}
