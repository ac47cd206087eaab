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

package ctl

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/themadorg/mailstack/internal/dnsrecords"
	"github.com/themadorg/mailstack/internal/gateway"
	"github.com/themadorg/mailstack/internal/reconcile"
	"github.com/themadorg/mailstack/internal/registry"
)

type probeResult struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

type domainStatus struct {
	Name        string            `json:"name"`
	Primary     bool              `json:"primary"`
	MailHost    string            `json:"mail_host"`
	Site        bool              `json:"site_enabled"`
	DKIM        bool              `json:"dkim"`
	Certificate *gateway.CertInfo `json:"certificate,omitempty"`
}

type statusReport struct {
	Container string            `json:"container"`
	Running   bool              `json:"running"`
	Ready     bool              `json:"ready"`
	Services  []gateway.Service `json:"services,omitempty"`
	Probes    []probeResult     `json:"probes,omitempty"`
	Domains   []domainStatus    `json:"domains"`
	Accounts  int               `json:"accounts"`
	Admins    int               `json:"admins"`
	Registry  string            `json:"registry"`
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show container, service, certificate and registry state",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "probe-host",
				Usage: "Address the SMTP and IMAP probes connect to",
				Value: "127.0.0.1",
			},
			&cli.BoolFlag{
				Name:  "no-probe",
				Usage: "Skip the SMTP and IMAP probes",
			},
		}, configFlags()...),
		Action: withEnv(showStatus),
	}
}

func showStatus(ctx context.Context, c *cli.Context, e *env) error {
	st := statusReport{Container: e.cfg.Container, Registry: e.store.Path()}

	st.Running = e.docker.ContainerServiceUp(ctx, e.cfg.Container)
	if st.Running {
		st.Ready = e.mailServiceReady(ctx)
	}
	services, out := e.docker.ComposePS(ctx)
	if out.OK() {
		st.Services = services
	} else {
		e.log.DebugMsg("compose ps failed", "outcome", out.String())
	}

	doc, err := e.store.Load()
	if err != nil {
		return err
	}
	for _, a := range doc.Users.All() {
		st.Accounts++
		if a.IsAdmin {
			st.Admins++
		}
	}
	for _, d := range doc.Domains.All() {
		host := e.cfg.MailHost(d.Name)
		ds := domainStatus{
			Name:     d.Name,
			Primary:  d.Primary,
			MailHost: host,
			Site:     e.nginx.SiteEnabled(host),
			DKIM:     e.hasDKIM(d.Name),
		}
		info, err := e.certs.CertificateInfo(host)
		switch {
		case err == nil:
			ds.Certificate = &info
		case !errors.Is(err, gateway.ErrNoCertificate):
			e.log.Error("cannot inspect certificate", err, "host", host)
		}
		st.Domains = append(st.Domains, ds)
	}

	if st.Running && !c.Bool("no-probe") {
		serverName := ""
		if primary := doc.PrimaryDomain(); primary != "" {
			serverName = e.cfg.MailHost(primary)
		}
		st.Probes = runProbes(ctx, c.String("probe-host"), serverName)
	}

	if e.json {
		return e.printJSON(st)
	}
	return st.WriteText(e.out)
}

// runProbes checks that the mail ports answer with a protocol greeting.
func runProbes(ctx context.Context, host, serverName string) []probeResult {
	localName := serverName
	if localName == "" {
		localName = "localhost"
	}
	tlsConfig := &tls.Config{ServerName: serverName, InsecureSkipVerify: serverName == ""}

	probes := []struct {
		name string
		port string
		fn   func(addr string) error
	}{
		{"SMTP", "25", func(addr string) error { return gateway.ProbeSMTP(ctx, addr, localName) }},
		{"Submission", "587", func(addr string) error { return gateway.ProbeSMTP(ctx, addr, localName) }},
		{"IMAPS", "993", func(addr string) error { return gateway.ProbeIMAP(ctx, addr, true, tlsConfig) }},
		{"IMAP", "143", func(addr string) error { return gateway.ProbeIMAP(ctx, addr, false, nil) }},
	}

	res := make([]probeResult, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		addr := net.JoinHostPort(host, p.port)
		g.Go(func() error {
			pr := probeResult{Name: p.name, Address: addr, OK: true}
			if err := p.fn(addr); err != nil {
				pr.OK = false
				pr.Error = err.Error()
			}
			res[i] = pr
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func yesNo(b bool) string {
	if b {
		return "✅"
	}
	return "❌"
}

func (st statusReport) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Mail service (%s): running %s  ready %s\n", st.Container, yesNo(st.Running), yesNo(st.Ready))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if len(st.Services) != 0 {
		fmt.Fprintln(tw, "\nContainers:")
		for _, s := range st.Services {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", s.Name, s.State, orDash(s.Health), s.Status)
		}
	}
	if len(st.Probes) != 0 {
		fmt.Fprintln(tw, "\nProbes:")
		for _, p := range st.Probes {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", p.Name, p.Address, yesNo(p.OK), p.Error)
		}
	}

	fmt.Fprintln(tw, "\nDomains:")
	if len(st.Domains) == 0 {
		fmt.Fprintln(tw, "  none, run setup first")
	}
	for _, d := range st.Domains {
		role := "additional"
		if d.Primary {
			role = "primary"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\tsite %s\tDKIM %s\tcertificate %s\n",
			d.Name, role, d.MailHost, yesNo(d.Site), yesNo(d.DKIM), certSummary(d.Certificate))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\nRegistry %s: %d accounts, %d admins\n", st.Registry, st.Accounts, st.Admins)
	return err
}

func certSummary(info *gateway.CertInfo) string {
	switch {
	case info == nil:
		return "missing"
	case info.Valid:
		return "valid until " + info.NotAfter.Format(time.DateOnly)
	default:
		return info.Problem
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func dnsCommand() *cli.Command {
	return &cli.Command{
		Name:      "dns",
		Usage:     "Print the DNS records to publish",
		ArgsUsage: "[DOMAIN]",
		Description: `Print MX, SPF, DMARC, DKIM, autoconfig and SRV records for DOMAIN, or
for every managed domain. The DKIM record is included once the mail
service has generated the key.`,
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:  "check",
				Usage: "Query DNS and report which records are not published yet",
			},
			&cli.StringFlag{
				Name:  "resolver",
				Usage: "Name server (host:port) used by --check, default from " + dnsrecords.DefaultResolvConf,
			},
		}, configFlags()...),
		Action: withEnv(showDNS),
	}
}

type zoneView struct {
	Domain  string   `json:"domain"`
	Records []string `json:"records"`
}

func showDNS(ctx context.Context, c *cli.Context, e *env) error {
	var domains []string
	if d := c.Args().First(); d != "" {
		if err := reconcile.ValidateDomain(d); err != nil {
			return err
		}
		domains = []string{reconcile.NormalizeDomain(d)}
	} else {
		all, err := e.store.Domains()
		if err != nil {
			return err
		}
		for _, d := range all {
			domains = append(domains, d.Name)
		}
		if len(domains) == 0 {
			return fmt.Errorf("%w: no managed domain, run setup first", registry.ErrNotFound)
		}
	}

	if c.Bool("check") {
		return e.checkDNS(ctx, c.String("resolver"), domains)
	}

	var zones []zoneView
	for _, d := range domains {
		text, err := e.zoneText(d)
		if err != nil {
			return err
		}
		if !e.json {
			fmt.Fprintln(e.out, text)
			continue
		}
		zv := zoneView{Domain: d}
		for _, line := range strings.Split(text, "\n") {
			if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, ";") {
				zv.Records = append(zv.Records, line)
			}
		}
		zones = append(zones, zv)
	}
	if e.json {
		return e.printJSON(zones)
	}
	return nil
}

func (e *env) checkDNS(ctx context.Context, server string, domains []string) error {
	var (
		r   *dnsrecords.Resolver
		err error
	)
	if server != "" {
		r = &dnsrecords.Resolver{Server: server}
	} else if r, err = dnsrecords.SystemResolver(dnsrecords.DefaultResolvConf); err != nil {
		return err
	}

	var all []dnsrecords.CheckResult
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	for _, d := range domains {
		rrs, err := dnsrecords.Records(e.dnsParams(d))
		if err != nil {
			return err
		}
		results := dnsrecords.Check(ctx, r, rrs)
		all = append(all, results...)
		if e.json {
			continue
		}
		fmt.Fprintf(tw, "%s:\n", d)
		for _, cr := range results {
			note := cr.Error
			if !cr.Found && note == "" {
				note = "expected " + cr.Expected
				if len(cr.Published) != 0 {
					note += ", found " + strings.Join(cr.Published, " | ")
				}
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", yesNo(cr.Found), cr.Type, cr.Name, note)
		}
	}
	if e.json {
		if err := e.printJSON(all); err != nil {
			return err
		}
	} else if err := tw.Flush(); err != nil {
		return err
	}
	return dnsrecords.Missing(all)
}
