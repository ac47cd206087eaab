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

// Package reconcile drives the mail stack towards a declared desired state.
//
// Reconciliation favours forward progress: a failure for one domain or
// account is recorded in the Report and the run continues. Only malformed
// input, an empty account set and registry storage errors abort it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/themadorg/mailstack/framework/log"
	"github.com/themadorg/mailstack/internal/autoconfig"
	"github.com/themadorg/mailstack/internal/gateway"
	"github.com/themadorg/mailstack/internal/registry"
)

// Registry is the subset of the registry store used by the reconciler.
type Registry interface {
	Load() (*registry.Document, error)
	UpsertAccount(address, secret, domain string, isAdmin bool) error
	UpdateAccountSecret(address, newSecret string) error
	UpsertDomain(name string, primary bool) (bool, error)
}

var _ Registry = (*registry.Store)(nil)

type Options struct {
	// SecretLength of synthesized administrative secrets, DefaultSecretLength
	// if zero.
	SecretLength int

	// MailHostPrefix is prepended to each domain to get the mail host name,
	// "mail" if empty.
	MailHostPrefix string

	// ContactEmail is passed to the TLS issuer, admin@<primary domain> if
	// empty.
	ContactEmail string

	// WaitReady blocks until the mail service accepts commands. A false
	// result is reported as a warning. Nil means the service is assumed up.
	WaitReady func(ctx context.Context) bool

	// HasDKIM reports whether a DKIM key exists for the domain. Key
	// generation is skipped when nil.
	HasDKIM func(domain string) bool

	// OnCreated is called right after an account is created, with the only
	// copy of its plaintext secret.
	OnCreated func(ClientConfig)

	// Rand is the secret source, crypto/rand if nil.
	Rand io.Reader

	Log log.Logger
}

type Reconciler struct {
	gw   gateway.Gateway
	reg  Registry
	opts Options
}

func New(gw gateway.Gateway, reg Registry, opts Options) *Reconciler {
	if opts.SecretLength == 0 {
		opts.SecretLength = DefaultSecretLength
	}
	if opts.MailHostPrefix == "" {
		opts.MailHostPrefix = "mail"
	}
	return &Reconciler{gw: gw, reg: reg, opts: opts}
}

// MailHost returns the mail server host name for domain.
func (r *Reconciler) MailHost(domain string) string {
	return r.opts.MailHostPrefix + "." + domain
}

// ClientConfigFor returns the client settings for an account.
func (r *Reconciler) ClientConfigFor(spec AccountSpec) ClientConfig {
	s := autoconfig.ForDomain(spec.Domain, r.MailHost(spec.Domain))
	return ClientConfig{
		Address:  spec.Address(),
		Username: spec.Address(),
		Secret:   spec.Secret,
		Incoming: s.Incoming,
		Outgoing: s.Outgoing,
	}
}

// Apply converges the stack to ds.
//
// The returned error is non-nil only for a ValidationError, ErrNothingToApply
// or a registry failure. Every other problem is listed in the report.
func (r *Reconciler) Apply(ctx context.Context, ds DesiredState) (*Report, error) {
	plan, err := r.Plan(ds)
	if err != nil {
		return nil, err
	}

	rep := &Report{}
	r.opts.Log.Msg("applying desired state", "domains", len(plan.Domains), "accounts", len(plan.Accounts))

	// Domain and account steps need a live mail service.
	rep.MailServiceReady = true
	if r.opts.WaitReady != nil && !r.opts.WaitReady(ctx) {
		rep.MailServiceReady = false
		rep.warn(r.opts.Log, "mail service did not become ready, continuing anyway", nil)
	}

	if err := r.convergeDomains(ctx, plan, rep); err != nil {
		return rep, err
	}

	for _, spec := range plan.Accounts {
		res, err := r.convergeAccount(ctx, spec, rep)
		rep.Accounts = append(rep.Accounts, res)
		if err != nil {
			return rep, err
		}
	}

	if !ds.SkipDKIM {
		r.convergeDKIM(ctx, plan, rep)
	}

	contact := r.opts.ContactEmail
	if contact == "" {
		contact = AdminUser + "@" + plan.Domains[0]
	}
	r.convergeTLS(ctx, plan, contact, !ds.SkipTLS, rep)

	return rep, nil
}

func (r *Reconciler) convergeDomains(ctx context.Context, plan *Plan, rep *Report) error {
	for i, d := range plan.Domains {
		res := DomainResult{Name: d, Primary: i == 0}

		// A failure is most likely an existing domain. The CLI offers no way
		// to tell it apart from a real error, so it only produces a warning.
		out := r.gw.ExecInMailService(ctx, "domain", "add", d)
		res.Added = out.String()
		if !out.OK() {
			rep.warn(r.opts.Log, "domain add failed for "+d, out.AsError())
		} else if _, err := r.reg.UpsertDomain(d, i == 0); err != nil {
			rep.Domains = append(rep.Domains, res)
			return err
		}
		rep.Domains = append(rep.Domains, res)
	}
	return nil
}

// convergeAccount brings a single account to spec. The error is non-nil only
// for registry failures.
func (r *Reconciler) convergeAccount(ctx context.Context, spec AccountSpec, rep *Report) (AccountResult, error) {
	res := AccountResult{
		Address:   spec.Address(),
		Domain:    spec.Domain,
		Admin:     spec.IsAdmin(),
		Generated: spec.Generated,
	}
	if spec.Existing {
		res.Action = ActionUnchanged
		return res, nil
	}

	doc, err := r.reg.Load()
	if err != nil {
		return res, err
	}
	key := registry.NormalizeAddress(spec.Address())
	acct, found := doc.Users.Get(key)

	switch {
	case found && registry.SecretMatches(acct, spec.Secret):
		res.Action = ActionUnchanged
		return res, nil
	case found:
		out := r.gw.ExecInMailService(ctx, "email", "update", key, spec.Secret)
		if !out.OK() {
			return r.accountFailed(res, rep, out), nil
		}
		if err := r.reg.UpdateAccountSecret(key, spec.Secret); err != nil {
			return res, err
		}
		res.Action = ActionUpdated
		r.opts.Log.Msg("account secret updated", "address", key)
		return res, nil
	default:
		out := r.gw.ExecInMailService(ctx, "email", "add", key, spec.Secret)
		if !out.OK() {
			return r.accountFailed(res, rep, out), nil
		}
		if err := r.reg.UpsertAccount(key, spec.Secret, spec.Domain, spec.IsAdmin()); err != nil {
			return res, err
		}
		res.Action = ActionCreated
		r.opts.Log.Msg("account created", "address", key, "admin", spec.IsAdmin())

		cc := r.ClientConfigFor(spec)
		rep.Credentials = append(rep.Credentials, cc)
		if r.opts.OnCreated != nil {
			r.opts.OnCreated(cc)
		}
		return res, nil
	}
}

func (r *Reconciler) accountFailed(res AccountResult, rep *Report, out gateway.Outcome) AccountResult {
	res.Action = ActionFailed
	res.cause = out.AsError()
	res.Error = res.cause.Error()
	rep.warn(r.opts.Log, "account convergence failed for "+res.Address, res.cause)
	return res
}

func (r *Reconciler) convergeDKIM(ctx context.Context, plan *Plan, rep *Report) {
	if r.opts.HasDKIM == nil {
		return
	}
	var missing []string
	for _, d := range plan.Domains {
		if !r.opts.HasDKIM(d) {
			missing = append(missing, d)
		}
	}
	if len(missing) == 0 {
		rep.DKIM = DKIMPresent
		return
	}

	out := r.gw.ExecInMailService(ctx, "config", "dkim")
	if !out.OK() {
		rep.DKIM = DKIMFailed
		rep.warn(r.opts.Log, fmt.Sprintf("DKIM key generation failed for %v", missing), out.AsError())
		return
	}
	rep.DKIM = DKIMGenerated
}

// convergeTLS enables the proxy site of every mail host, requests missing
// certificates and reloads the proxy when anything changed. Sites are enabled
// before issuance so the webroot challenge can be served.
func (r *Reconciler) convergeTLS(ctx context.Context, plan *Plan, contact string, wantTLS bool, rep *Report) {
	enableSites := func() bool {
		changed := false
		for i, d := range plan.Domains {
			out := r.gw.EnableSite(ctx, gateway.Site{Hostname: r.MailHost(d), Domain: d, TLS: wantTLS})
			rep.Domains[i].Site = out.String()
			if !out.OK() {
				rep.warn(r.opts.Log, "cannot enable proxy site for "+r.MailHost(d), out.AsError())
				continue
			}
			changed = changed || !out.Skipped
		}
		return changed
	}

	if enableSites() {
		r.reload(ctx, rep)
	}
	if !wantTLS {
		return
	}

	issued := false
	for i, d := range plan.Domains {
		host := r.MailHost(d)
		out := r.gw.IssueCertificate(ctx, host, contact)
		rep.Domains[i].Certificate = out.String()
		if !out.OK() {
			// Site configuration is kept so a later renewal can succeed.
			rep.warn(r.opts.Log, "certificate request failed for "+host, out.AsError())
			continue
		}
		issued = issued || !out.Skipped
	}

	if issued && enableSites() {
		r.reload(ctx, rep)
	}
}

func (r *Reconciler) reload(ctx context.Context, rep *Report) {
	out := r.gw.ReloadProxy(ctx)
	if !out.OK() {
		rep.warn(r.opts.Log, "proxy reload failed", out.AsError())
		return
	}
	rep.ProxyReloaded = true
}

// AddAccount creates or updates a single account of an already managed
// domain. Unlike Apply it fails on gateway errors.
func (r *Reconciler) AddAccount(ctx context.Context, spec AccountSpec) (AccountResult, *ClientConfig, error) {
	if err := ValidateSecret(spec.Secret); err != nil {
		return AccountResult{}, nil, err
	}
	doc, err := r.reg.Load()
	if err != nil {
		return AccountResult{}, nil, err
	}
	if _, ok := doc.Domains.Get(spec.Domain); !ok {
		return AccountResult{}, nil, &ValidationError{Problems: []string{
			fmt.Sprintf("domain %s is not managed, add it first", spec.Domain),
		}}
	}

	rep := &Report{}
	res, err := r.convergeAccount(ctx, spec, rep)
	if err != nil {
		return res, nil, err
	}
	if res.Action == ActionFailed {
		return res, nil, fmt.Errorf("%s: %w", res.Address, res.cause)
	}
	if len(rep.Credentials) != 0 {
		return res, &rep.Credentials[0], nil
	}
	return res, nil, nil
}

// ChangeSecret replaces the secret of an existing account. Unknown addresses
// fail with registry.ErrNotFound before any external call.
func (r *Reconciler) ChangeSecret(ctx context.Context, address, secret string) error {
	spec, err := ParseAddress(address)
	if err != nil {
		return err
	}
	if err := ValidateSecret(secret); err != nil {
		return err
	}

	doc, err := r.reg.Load()
	if err != nil {
		return err
	}
	key := registry.NormalizeAddress(spec.Address())
	if _, ok := doc.Users.Get(key); !ok {
		return fmt.Errorf("%w: %s", registry.ErrNotFound, key)
	}

	out := r.gw.ExecInMailService(ctx, "email", "update", key, secret)
	if !out.OK() {
		return fmt.Errorf("update %s: %w", key, out.AsError())
	}
	if err := r.reg.UpdateAccountSecret(key, secret); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			r.opts.Log.Error("account vanished from registry during update", err, "address", key)
		}
		return err
	}
	r.opts.Log.Msg("account secret changed", "address", key)
	return nil
}
