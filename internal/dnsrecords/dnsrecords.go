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

// Package dnsrecords builds the DNS records an operator has to publish for
// the mail stack and reads the DKIM key record generated by the mail
// service.
package dnsrecords

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/miekg/dns"
)

// DefaultTTL of generated records.
const DefaultTTL = 3600

// DKIMKey is a published DKIM public key.
type DKIMKey struct {
	Selector string
	Value    string
}

type Params struct {
	Domain   string
	MailHost string

	// IPv4 and IPv6 of the host, A and AAAA records are omitted when empty.
	IPv4 string
	IPv6 string

	// DKIM is optional, the record is omitted without it.
	DKIM *DKIMKey

	// DMARCReport receives aggregate reports, dmarc@<domain> if empty.
	DMARCReport string
}

func hdr(name string, rrtype uint16) dns.RR_Header {
	return dns.RR_Header{Name: dns.Fqdn(name), Rrtype: rrtype, Class: dns.ClassINET, Ttl: DefaultTTL}
}

// txt splits value into strings of at most 255 bytes as required for TXT
// record data.
func txt(name, value string) *dns.TXT {
	rr := &dns.TXT{Hdr: hdr(name, dns.TypeTXT)}
	for len(value) > 255 {
		rr.Txt = append(rr.Txt, value[:255])
		value = value[255:]
	}
	rr.Txt = append(rr.Txt, value)
	return rr
}

// Records returns the records for p in the order they should be listed.
func Records(p Params) ([]dns.RR, error) {
	if p.Domain == "" || p.MailHost == "" {
		return nil, errors.New("dnsrecords: domain and mail host are required")
	}
	host := dns.Fqdn(p.MailHost)

	rrs := []dns.RR{
		&dns.MX{Hdr: hdr(p.Domain, dns.TypeMX), Preference: 10, Mx: host},
	}

	if p.IPv4 != "" {
		ip := net.ParseIP(p.IPv4).To4()
		if ip == nil {
			return nil, fmt.Errorf("dnsrecords: invalid IPv4 address %q", p.IPv4)
		}
		rrs = append(rrs, &dns.A{Hdr: hdr(host, dns.TypeA), A: ip})
	}
	if p.IPv6 != "" {
		ip := net.ParseIP(p.IPv6)
		if ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("dnsrecords: invalid IPv6 address %q", p.IPv6)
		}
		rrs = append(rrs, &dns.AAAA{Hdr: hdr(host, dns.TypeAAAA), AAAA: ip})
	}

	report := p.DMARCReport
	if report == "" {
		report = "dmarc@" + p.Domain
	}
	rrs = append(rrs,
		txt(p.Domain, "v=spf1 mx -all"),
		txt("_dmarc."+p.Domain, "v=DMARC1; p=quarantine; rua=mailto:"+report+"; adkim=s; aspf=s"),
	)
	if p.DKIM != nil {
		rrs = append(rrs, txt(p.DKIM.Selector+"._domainkey."+p.Domain, p.DKIM.Value))
	}

	rrs = append(rrs,
		&dns.CNAME{Hdr: hdr("autoconfig."+p.Domain, dns.TypeCNAME), Target: host},
		&dns.SRV{Hdr: hdr("_imaps._tcp."+p.Domain, dns.TypeSRV), Priority: 0, Weight: 1, Port: 993, Target: host},
		&dns.SRV{Hdr: hdr("_submissions._tcp."+p.Domain, dns.TypeSRV), Priority: 0, Weight: 1, Port: 465, Target: host},
		&dns.SRV{Hdr: hdr("_submission._tcp."+p.Domain, dns.TypeSRV), Priority: 0, Weight: 1, Port: 587, Target: host},
	)
	return rrs, nil
}

// WriteZone writes rrs in zone file presentation format.
func WriteZone(w io.Writer, domain string, rrs []dns.RR) error {
	if _, err := fmt.Fprintf(w, "; DNS records for %s\n", domain); err != nil {
		return err
	}
	for _, rr := range rrs {
		if _, err := fmt.Fprintln(w, rr.String()); err != nil {
			return err
		}
	}
	return nil
}

// ParseDKIM reads the DKIM record written by the mail service key generator
// (a zone file fragment, usually mail.txt) for domain.
func ParseDKIM(r io.Reader, domain string) (*DKIMKey, error) {
	zp := dns.NewZoneParser(r, dns.Fqdn(domain), "")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		t, isTXT := rr.(*dns.TXT)
		if !isTXT {
			continue
		}
		owner := strings.TrimSuffix(t.Hdr.Name, "."+dns.Fqdn(domain))
		selector, rest, found := strings.Cut(owner, "._domainkey")
		if !found || rest != "" || selector == "" {
			continue
		}
		return &DKIMKey{Selector: selector, Value: strings.Join(t.Txt, "")}, nil
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("dnsrecords: parse DKIM record: %w", err)
	}
	return nil, errors.New("dnsrecords: no DKIM record found")
}

// LoadDKIM reads the DKIM record from path.
func LoadDKIM(path, domain string) (*DKIMKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseDKIM(f, domain)
}
