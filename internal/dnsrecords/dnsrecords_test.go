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
	"bytes"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mailTxt = `mail._domainkey	IN	TXT	( "v=DKIM1; h=sha256; k=rsa; "
	  "p=MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAu1SU1LfVLPHCozMxH2Mo4lgOEePzNm0tRgeLezV6ffAt0gunVTLw7onLRnrq0/IzW7yWR7QkrmBL7jTKEn5u+RLfHJ3YUQWd+bbSk2VsuW0Jb"
	  "Vs0d0Ob8ZFyGBrpHXm3Fa4TAg9R3kXsaC2Z5yT0VZgyZ4Tpk1xNkS3xG7qRa0tVuqF6PFvSq9Sqj5E8bEg1NzS0T4VfJgE3y5Fz/p4u0x7yN3Kq1v5cTnZ8wQyM0sVqT6qR3zH4dL8nY3pQ2a" )  ; ----- DKIM key mail for example.com
`

func TestParseDKIM(t *testing.T) {
	key, err := ParseDKIM(strings.NewReader(mailTxt), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "mail", key.Selector)
	assert.True(t, strings.HasPrefix(key.Value, "v=DKIM1; h=sha256; k=rsa; p=MIIB"))
	assert.True(t, strings.HasSuffix(key.Value, "Y3pQ2a"))
	assert.NotContains(t, key.Value, `"`)
}

func TestParseDKIMMissing(t *testing.T) {
	_, err := ParseDKIM(strings.NewReader("example.com. IN MX 10 mail.example.com.\n"), "example.com")
	assert.Error(t, err)

	_, err = ParseDKIM(strings.NewReader("mail._domainkey IN BOGUS data\n"), "example.com")
	assert.Error(t, err)
}

func TestRecords(t *testing.T) {
	key, err := ParseDKIM(strings.NewReader(mailTxt), "example.com")
	require.NoError(t, err)

	rrs, err := Records(Params{
		Domain:   "example.com",
		MailHost: "mail.example.com",
		IPv4:     "203.0.113.7",
		DKIM:     key,
	})
	require.NoError(t, err)

	byType := map[uint16][]dns.RR{}
	for _, rr := range rrs {
		byType[rr.Header().Rrtype] = append(byType[rr.Header().Rrtype], rr)
	}
	require.Len(t, byType[dns.TypeMX], 1)
	assert.Equal(t, "mail.example.com.", byType[dns.TypeMX][0].(*dns.MX).Mx)
	require.Len(t, byType[dns.TypeA], 1)
	assert.Equal(t, "mail.example.com.", byType[dns.TypeA][0].Header().Name)
	assert.Empty(t, byType[dns.TypeAAAA])
	assert.Len(t, byType[dns.TypeTXT], 3)
	assert.Len(t, byType[dns.TypeSRV], 3)

	dkim := byType[dns.TypeTXT][2].(*dns.TXT)
	assert.Equal(t, "mail._domainkey.example.com.", dkim.Hdr.Name)
	for _, s := range dkim.Txt {
		assert.LessOrEqual(t, len(s), 255)
	}
	assert.Equal(t, key.Value, strings.Join(dkim.Txt, ""))
}

func TestRecordsRoundTrip(t *testing.T) {
	rrs, err := Records(Params{Domain: "example.com", MailHost: "mail.example.com", IPv6: "2001:db8::1"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteZone(&buf, "example.com", rrs))

	zp := dns.NewZoneParser(&buf, "example.com.", "")
	var parsed []dns.RR
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		parsed = append(parsed, rr)
	}
	require.NoError(t, zp.Err())
	require.Len(t, parsed, len(rrs))
	for i := range rrs {
		assert.True(t, dns.IsDuplicate(rrs[i], parsed[i]), rrs[i].String())
	}
}

func TestRecordsInvalid(t *testing.T) {
	_, err := Records(Params{Domain: "example.com"})
	assert.Error(t, err)
	_, err = Records(Params{Domain: "example.com", MailHost: "mail.example.com", IPv4: "2001:db8::1"})
	assert.Error(t, err)
	_, err = Records(Params{Domain: "example.com", MailHost: "mail.example.com", IPv6: "192.0.2.1"})
	assert.Error(t, err)
}
