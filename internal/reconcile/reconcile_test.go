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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/themadorg/mailstack/framework/log"
	"github.com/themadorg/mailstack/internal/gateway"
	"github.com/themadorg/mailstack/internal/gateway/gatewaytest"
	"github.com/themadorg/mailstack/internal/registry"
)

type ReconcileSuite struct {
	suite.Suite

	gw      *gatewaytest.Fake
	store   *registry.Store
	rec     *Reconciler
	logs    *observer.ObservedLogs
	created []ClientConfig
	clock   time.Time
}

func TestReconcileSuite(t *testing.T) {
	suite.Run(t, new(ReconcileSuite))
}

func (s *ReconcileSuite) SetupTest() {
	s.clock = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.store = registry.New(filepath.Join(s.T().TempDir(), registry.DefaultFileName), registry.Options{
		HashCost: bcrypt.MinCost,
		Now: func() time.Time {
			s.clock = s.clock.Add(time.Second)
			return s.clock
		},
	})
	s.gw = &gatewaytest.Fake{}
	s.created = nil

	core, logs := observer.New(zapcore.DebugLevel)
	s.logs = logs
	s.rec = New(s.gw, s.store, Options{
		Log:       log.Logger{Name: "reconcile", Out: zap.New(core)},
		OnCreated: func(cc ClientConfig) { s.created = append(s.created, cc) },
	})
}

func (s *ReconcileSuite) accounts() []registry.Account {
	seq, err := s.store.ListAccounts()
	s.Require().NoError(err)
	var res []registry.Account
	for a := range seq {
		res = append(res, a)
	}
	return res
}

func (s *ReconcileSuite) registryBytes() []byte {
	data, err := os.ReadFile(s.store.Path())
	s.Require().NoError(err)
	return data
}

func (s *ReconcileSuite) TestPrimaryOnly() {
	rep, err := s.rec.Apply(context.Background(), DesiredState{PrimaryDomain: "example.com"})
	s.Require().NoError(err)

	accts := s.accounts()
	s.Require().Len(accts, 1)
	s.Equal("admin@example.com", accts[0].Email)
	s.Equal("example.com", accts[0].Domain)
	s.True(accts[0].IsAdmin)

	adds := s.gw.Execs("email", "add")
	s.Require().Len(adds, 1)
	s.Equal("admin@example.com", adds[0].Args[2])
	secret := adds[0].Args[3]
	s.Len(secret, DefaultSecretLength)
	s.NotContains(secret, "/")
	s.NotContains(secret, "+")
	s.NotContains(secret, "=")
	s.True(registry.SecretMatches(accts[0], secret))

	s.Require().Len(s.created, 1)
	s.Equal(secret, s.created[0].Secret)
	s.Equal("mail.example.com", s.created[0].Incoming[0].Hostname)
	s.Equal(rep.Credentials, s.created)

	s.Require().Len(rep.Accounts, 1)
	s.Equal(ActionCreated, rep.Accounts[0].Action)
	s.True(rep.Accounts[0].Generated)

	doc, err := s.store.Load()
	s.Require().NoError(err)
	s.Equal("example.com", doc.PrimaryDomain())

	s.Len(s.gw.Ops("cert"), 1)
	s.Equal([]string{"mail.example.com", "admin@example.com"}, s.gw.Ops("cert")[0].Args)
	s.True(rep.ProxyReloaded)
	s.Empty(rep.Warnings)
}

func (s *ReconcileSuite) TestAdminSynthesisPerDomain() {
	_, err := s.rec.Apply(context.Background(), DesiredState{
		PrimaryDomain:     "example.com",
		AdditionalDomains: []string{"example.org", "example.net"},
		Accounts:          []string{"admin:given:example.org", "bob:pw:example.com"},
	})
	s.Require().NoError(err)

	admins := map[string]int{}
	for _, a := range s.accounts() {
		if a.IsAdmin {
			admins[a.Domain]++
		}
	}
	s.Equal(map[string]int{"example.com": 1, "example.org": 1, "example.net": 1}, admins)

	acct, err := s.store.Account("admin@example.org")
	s.Require().NoError(err)
	s.True(registry.SecretMatches(acct, "given"), "explicit admin must not be replaced")
	s.Len(s.created, 4)
}

func (s *ReconcileSuite) TestIdempotent() {
	ds := DesiredState{
		PrimaryDomain:     "example.com",
		AdditionalDomains: []string{"example.org"},
		Accounts:          []string{"bob:pw:example.com", "carol:pw2:example.org"},
	}
	_, err := s.rec.Apply(context.Background(), ds)
	s.Require().NoError(err)
	before := s.registryBytes()

	s.gw.Reset()
	s.created = nil
	s.gw.Site = func(gateway.Site) gateway.Outcome { return gateway.AlreadyDone("") }
	s.gw.Cert = func(string) gateway.Outcome { return gateway.AlreadyDone("") }

	rep, err := s.rec.Apply(context.Background(), ds)
	s.Require().NoError(err)

	s.Equal(before, s.registryBytes(), "second apply must not write the registry")
	s.Empty(s.gw.Execs("email"))
	s.Empty(s.gw.Ops("reload"))
	s.Empty(s.created)
	s.Empty(rep.Credentials)
	for _, a := range rep.Accounts {
		s.Equal(ActionUnchanged, a.Action, a.Address)
	}
	// Only no-op checks remain.
	s.Len(s.gw.Execs("domain", "add"), 2)
	s.Len(s.gw.Ops("cert"), 2)
}

func (s *ReconcileSuite) TestSecretChangeUpdates() {
	ctx := context.Background()
	_, err := s.rec.Apply(ctx, DesiredState{PrimaryDomain: "example.com", Accounts: []string{"bob:old:example.com"}})
	s.Require().NoError(err)
	first, err := s.store.Account("bob@example.com")
	s.Require().NoError(err)

	s.gw.Reset()
	s.created = nil
	rep, err := s.rec.Apply(ctx, DesiredState{PrimaryDomain: "example.com", Accounts: []string{"bob:new:example.com"}})
	s.Require().NoError(err)

	s.Empty(s.gw.Execs("email", "add"))
	s.Require().Len(s.gw.Execs("email", "update"), 1)
	s.Empty(s.created)

	acct, err := s.store.Account("bob@example.com")
	s.Require().NoError(err)
	s.True(registry.SecretMatches(acct, "new"))
	s.Equal(first.Created, acct.Created)
	s.True(acct.LastModified.After(first.LastModified))
	s.Equal(ActionUpdated, rep.Accounts[0].Action)
}

func (s *ReconcileSuite) TestValidationBeforeGateway() {
	cases := []DesiredState{
		{PrimaryDomain: "not-a-domain"},
		{PrimaryDomain: "example.com", Accounts: []string{"user:pw"}},
		{PrimaryDomain: "example.com", Accounts: []string{"user:pw:other.com"}},
		{PrimaryDomain: "example.com", Accounts: []string{"bob:a:example.com", "bob:b:example.com"}},
		{AdditionalDomains: []string{"example.org"}},
	}
	for _, ds := range cases {
		_, err := s.rec.Apply(context.Background(), ds)
		s.True(IsValidation(err), "%+v: %v", ds, err)
	}
	s.Empty(s.gw.Calls)
	s.NoFileExists(s.store.Path())
}

func (s *ReconcileSuite) TestValidationListsAll() {
	_, err := s.rec.Apply(context.Background(), DesiredState{
		PrimaryDomain:     "example.com",
		AdditionalDomains: []string{"bad"},
		Accounts:          []string{"user:pw", "x:y:example.com", "z::example.com"},
	})
	var verr *ValidationError
	s.Require().ErrorAs(err, &verr)
	s.Len(verr.Problems, 3)
}

func (s *ReconcileSuite) TestNothingToApply() {
	_, err := s.rec.Apply(context.Background(), DesiredState{})
	s.ErrorIs(err, ErrNothingToApply)
	s.Empty(s.gw.Calls)
	s.NoFileExists(s.store.Path())
}

func (s *ReconcileSuite) TestDomainAddFailureIsWarning() {
	s.gw.Exec = func(args []string) gateway.Outcome {
		if args[0] == "domain" && args[2] == "x.com" {
			return gateway.Failure(1, "domain already exists")
		}
		return gateway.Success("")
	}

	rep, err := s.rec.Apply(context.Background(), DesiredState{
		PrimaryDomain: "x.com",
		Accounts:      []string{"bob:pw:x.com"},
	})
	s.Require().NoError(err)

	s.Len(s.gw.Execs("email", "add"), 2)
	s.Len(s.accounts(), 2)
	s.Require().NotEmpty(rep.Warnings)
	s.Contains(rep.Warnings[0], "domain add failed for x.com")
	s.Equal(1, s.logs.FilterMessage("domain add failed for x.com").Len())
}

func (s *ReconcileSuite) TestAccountFailureContinues() {
	s.gw.Exec = func(args []string) gateway.Outcome {
		if len(args) > 2 && args[1] == "add" && args[2] == "bob@example.com" {
			return gateway.Failure(1, "bad password")
		}
		return gateway.Success("")
	}

	rep, err := s.rec.Apply(context.Background(), DesiredState{
		PrimaryDomain: "example.com",
		Accounts:      []string{"bob:pw:example.com", "carol:pw:example.com"},
	})
	s.Require().NoError(err)

	s.Len(s.accounts(), 2, "carol and the synthesized admin")
	failed := rep.Failed()
	s.Require().Len(failed, 1)
	s.Equal("bob@example.com", failed[0].Address)
	s.Contains(failed[0].Error, "bad password")
	s.False(rep.Unavailable())
}

func (s *ReconcileSuite) TestUnavailableService() {
	s.gw.Exec = func([]string) gateway.Outcome {
		return gateway.Unavailable(errors.New("container not running"))
	}
	rep, err := s.rec.Apply(context.Background(), DesiredState{PrimaryDomain: "example.com"})
	s.Require().NoError(err)
	s.Len(rep.Failed(), 1)
	s.True(rep.Unavailable())
	s.Empty(s.accounts())
}

func (s *ReconcileSuite) TestExistingAdminReused() {
	ctx := context.Background()
	s.Require().NoError(s.store.UpsertAccount("admin@example.com", "kept", "example.com", true))

	rep, err := s.rec.Apply(ctx, DesiredState{PrimaryDomain: "example.com"})
	s.Require().NoError(err)
	s.Empty(s.gw.Execs("email"))
	s.Equal(ActionUnchanged, rep.Accounts[0].Action)

	acct, err := s.store.Account("admin@example.com")
	s.Require().NoError(err)
	s.True(registry.SecretMatches(acct, "kept"))
}

func (s *ReconcileSuite) TestCertFailureKeepsSite() {
	s.gw.Cert = func(string) gateway.Outcome { return gateway.Failure(1, "challenge failed") }

	rep, err := s.rec.Apply(context.Background(), DesiredState{PrimaryDomain: "example.com"})
	s.Require().NoError(err)
	s.Len(s.gw.Ops("site"), 1)
	s.Equal([]string{"mail.example.com", "https"}, s.gw.Ops("site")[0].Args)
	s.Contains(rep.Domains[0].Certificate, "challenge failed")
	s.NotEmpty(rep.Warnings)
}

func (s *ReconcileSuite) TestSkipTLS() {
	_, err := s.rec.Apply(context.Background(), DesiredState{PrimaryDomain: "example.com", SkipTLS: true})
	s.Require().NoError(err)
	s.Empty(s.gw.Ops("cert"))
	s.Equal([]string{"mail.example.com", "http"}, s.gw.Ops("site")[0].Args)
}

func (s *ReconcileSuite) TestSitesEnabledBeforeIssuance() {
	_, err := s.rec.Apply(context.Background(), DesiredState{PrimaryDomain: "example.com"})
	s.Require().NoError(err)

	var order []string
	for _, c := range s.gw.Calls {
		if c.Op != "exec" && c.Op != "up?" {
			order = append(order, c.Op)
		}
	}
	s.Equal([]string{"site", "reload", "cert", "site", "reload"}, order)
}

func (s *ReconcileSuite) TestReloadFailureIsWarning() {
	s.gw.Reload = func() gateway.Outcome { return gateway.Failure(1, "nginx: configuration file test failed") }
	rep, err := s.rec.Apply(context.Background(), DesiredState{PrimaryDomain: "example.com"})
	s.Require().NoError(err)
	s.False(rep.ProxyReloaded)
	s.NotEmpty(rep.Warnings)
}

func (s *ReconcileSuite) TestDKIM() {
	present := map[string]bool{"example.com": true}
	s.rec.opts.HasDKIM = func(d string) bool { return present[d] }

	rep, err := s.rec.Apply(context.Background(), DesiredState{PrimaryDomain: "example.com", AdditionalDomains: []string{"example.org"}})
	s.Require().NoError(err)
	s.Len(s.gw.Execs("config", "dkim"), 1)
	s.Equal(DKIMGenerated, rep.DKIM)

	s.gw.Reset()
	present["example.org"] = true
	rep, err = s.rec.Apply(context.Background(), DesiredState{PrimaryDomain: "example.com", AdditionalDomains: []string{"example.org"}})
	s.Require().NoError(err)
	s.Empty(s.gw.Execs("config", "dkim"))
	s.Equal(DKIMPresent, rep.DKIM)
}

func (s *ReconcileSuite) TestNotReadyIsWarning() {
	s.rec.opts.WaitReady = func(context.Context) bool { return false }
	rep, err := s.rec.Apply(context.Background(), DesiredState{PrimaryDomain: "example.com"})
	s.Require().NoError(err)
	s.False(rep.MailServiceReady)
	s.Len(s.gw.Execs("email", "add"), 1, "accounts are still attempted")
}

func (s *ReconcileSuite) TestReadyBeforeDomains() {
	ready := false
	s.rec.opts.WaitReady = func(context.Context) bool {
		s.gw.Calls = append(s.gw.Calls, gatewaytest.Call{Op: "wait-ready"})
		ready = true
		return true
	}
	s.gw.Exec = func([]string) gateway.Outcome {
		if !ready {
			return gateway.Unavailable(errors.New("container is restarting"))
		}
		return gateway.Success("")
	}

	rep, err := s.rec.Apply(context.Background(), DesiredState{PrimaryDomain: "example.com"})
	s.Require().NoError(err)
	s.Empty(rep.Warnings)

	var order []string
	for _, c := range s.gw.Calls {
		if c.Op == "wait-ready" || c.Op == "exec" {
			order = append(order, strings.Join(append([]string{c.Op}, c.Args...), " "))
		}
	}
	s.Require().GreaterOrEqual(len(order), 3)
	s.Equal("wait-ready", order[0])
	s.Equal("exec domain add example.com", order[1])
	s.True(strings.HasPrefix(order[2], "exec email add admin@example.com "), order[2])

	doc, err := s.store.Load()
	s.Require().NoError(err)
	s.Equal("example.com", doc.PrimaryDomain())
	s.Equal(1, doc.Domains.Len())
	s.Len(s.accounts(), 1)
}

func (s *ReconcileSuite) TestOverlongSecret() {
	ctx := context.Background()
	long := strings.Repeat("x", MaxSecretLength+1)

	_, err := s.rec.Apply(ctx, DesiredState{
		PrimaryDomain: "example.com",
		Accounts:      []string{"alice:" + long + ":example.com", "bob:pw:example.com"},
	})
	s.True(IsValidation(err), "%v", err)
	s.Empty(s.gw.Calls)
	s.NoFileExists(s.store.Path())

	_, err = s.rec.Apply(ctx, DesiredState{
		PrimaryDomain: "example.com",
		Accounts:      []string{"alice:" + long[:MaxSecretLength] + ":example.com", "bob:pw:example.com"},
	})
	s.Require().NoError(err)
	s.Len(s.accounts(), 3)
	s.gw.Reset()

	_, _, err = s.rec.AddAccount(ctx, AccountSpec{User: "carol", Secret: long, Domain: "example.com"})
	s.True(IsValidation(err), "%v", err)
	err = s.rec.ChangeSecret(ctx, "bob@example.com", long)
	s.True(IsValidation(err), "%v", err)
	s.Empty(s.gw.Calls)

	acct, err := s.store.Account("bob@example.com")
	s.Require().NoError(err)
	s.True(registry.SecretMatches(acct, "pw"))
}

func (s *ReconcileSuite) TestPlanDoesNotWrite() {
	plan, err := s.rec.Plan(DesiredState{PrimaryDomain: "example.com", AdditionalDomains: []string{"example.org"}})
	s.Require().NoError(err)
	s.Len(plan.Synthesized(), 2)
	s.Equal([]string{"example.com", "example.org"}, plan.Domains)
	s.Empty(s.gw.Calls)
	s.NoFileExists(s.store.Path())
}

func (s *ReconcileSuite) TestChangeSecret() {
	ctx := context.Background()

	err := s.rec.ChangeSecret(ctx, "ghost@example.com", "newpass")
	s.ErrorIs(err, registry.ErrNotFound)
	s.Empty(s.gw.Calls)

	s.Require().NoError(s.store.UpsertAccount("bob@example.com", "old", "example.com", false))
	s.Require().NoError(s.rec.ChangeSecret(ctx, "Bob@Example.com", "new"))
	s.Require().Len(s.gw.Execs("email", "update"), 1)

	acct, err := s.store.Account("bob@example.com")
	s.Require().NoError(err)
	s.True(registry.SecretMatches(acct, "new"))

	s.gw.Exec = func([]string) gateway.Outcome { return gateway.Unavailable(errors.New("down")) }
	before := s.registryBytes()
	err = s.rec.ChangeSecret(ctx, "bob@example.com", "newer")
	s.ErrorIs(err, gateway.ErrUnavailable)
	s.Equal(before, s.registryBytes())
}

func (s *ReconcileSuite) TestAddAccount() {
	ctx := context.Background()

	_, _, err := s.rec.AddAccount(ctx, AccountSpec{User: "bob", Secret: "pw", Domain: "example.com"})
	s.True(IsValidation(err), "unmanaged domain")
	s.Empty(s.gw.Calls)

	_, err = s.store.UpsertDomain("example.com", true)
	s.Require().NoError(err)

	res, cc, err := s.rec.AddAccount(ctx, AccountSpec{User: "bob", Secret: "pw", Domain: "example.com"})
	s.Require().NoError(err)
	s.Equal(ActionCreated, res.Action)
	s.Require().NotNil(cc)
	s.Equal("pw", cc.Secret)

	res, cc, err = s.rec.AddAccount(ctx, AccountSpec{User: "bob", Secret: "pw", Domain: "example.com"})
	s.Require().NoError(err)
	s.Equal(ActionUnchanged, res.Action)
	s.Nil(cc)

	s.gw.Exec = func([]string) gateway.Outcome { return gateway.Failure(1, "rejected") }
	_, _, err = s.rec.AddAccount(ctx, AccountSpec{User: "carol", Secret: "pw", Domain: "example.com"})
	var cmdErr *gateway.CommandError
	s.ErrorAs(err, &cmdErr)
}

func (s *ReconcileSuite) TestReportRendering() {
	rep, err := s.rec.Apply(context.Background(), DesiredState{PrimaryDomain: "example.com"})
	s.Require().NoError(err)

	var buf bytes.Buffer
	s.Require().NoError(rep.WriteText(&buf))
	s.Contains(buf.String(), "admin@example.com")
	s.Contains(buf.String(), "mail.example.com:993 (SSL/TLS)")
	s.Contains(buf.String(), rep.Credentials[0].Secret)

	data, err := json.Marshal(rep)
	s.Require().NoError(err)
	var decoded map[string]interface{}
	s.Require().NoError(json.Unmarshal(data, &decoded))
	s.Contains(decoded, "domains")
	s.Contains(decoded, "accounts")
	s.Contains(decoded, "credentials")
}
