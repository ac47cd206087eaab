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

package dnsrecords

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DefaultResolvConf is read by SystemResolver.
const DefaultResolvConf = "/etc/resolv.conf"

// Resolver sends recursive queries to a single name server.
type Resolver struct {
	// Server is host:port of the name server.
	Server string

	Client *dns.Client
}

// SystemResolver uses the first name server listed in path.
func SystemResolver(path string) (*Resolver, error) {
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if len(conf.Servers) == 0 {
		return nil, fmt.Errorf("dnsrecords: no name server in %s", path)
	}
	return &Resolver{Server: net.JoinHostPort(conf.Servers[0], conf.Port)}, nil
}

func (r *Resolver) client() *dns.Client {
	if r.Client != nil {
		return r.Client
	}
	return &dns.Client{Timeout: 5 * time.Second}
}

// Query returns the answer records of type qtype for name. A missing name
// is not an error.
func (r *Resolver) Query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	in, _, err := r.client().ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return nil, err
	}
	switch in.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
	default:
		return nil, fmt.Errorf("%s %s: %s", name, dns.TypeToString[qtype], dns.RcodeToString[in.Rcode])
	}

	var res []dns.RR
	for _, rr := range in.Answer {
		if rr.Header().Rrtype == qtype {
			res = append(res, rr)
		}
	}
	return res, nil
}

// CheckResult tells whether an expected record is published.
type CheckResult struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Expected string `json:"expected"`
	Found    bool   `json:"found"`

	// Published lists the data of the records found under the same name
	// and type.
	Published []string `json:"published,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Check looks up every expected record. TTLs are not compared.
func Check(ctx context.Context, r *Resolver, expected []dns.RR) []CheckResult {
	res := make([]CheckResult, 0, len(expected))
	for _, want := range expected {
		h := want.Header()
		cr := CheckResult{
			Name:     strings.TrimSuffix(h.Name, "."),
			Type:     dns.TypeToString[h.Rrtype],
			Expected: rdata(want),
		}

		got, err := r.Query(ctx, h.Name, h.Rrtype)
		if err != nil {
			cr.Error = err.Error()
			res = append(res, cr)
			continue
		}
		for _, rr := range got {
			cr.Published = append(cr.Published, rdata(rr))
			if matches(rr, want) {
				cr.Found = true
			}
		}
		res = append(res, cr)
	}
	return res
}

// ErrMissing is returned by Missing when a record is not published.
var ErrMissing = errors.New("dnsrecords: records not published")

// Missing returns ErrMissing listing every record that was not found.
func Missing(results []CheckResult) error {
	var names []string
	for _, cr := range results {
		if !cr.Found {
			names = append(names, cr.Type+" "+cr.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMissing, strings.Join(names, ", "))
}

// matches reports whether got publishes the data of want. TXT strings are
// compared joined since resolvers and zone editors split long values at
// different boundaries.
func matches(got, want dns.RR) bool {
	gt, ok := got.(*dns.TXT)
	wt, wok := want.(*dns.TXT)
	if !ok || !wok {
		return dns.IsDuplicate(got, want)
	}
	return dns.CanonicalName(gt.Hdr.Name) == dns.CanonicalName(wt.Hdr.Name) &&
		strings.Join(gt.Txt, "") == strings.Join(wt.Txt, "")
}

func rdata(rr dns.RR) string {
	return strings.TrimSpace(strings.TrimPrefix(rr.String(), rr.Header().String()))
}
