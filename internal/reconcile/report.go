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
	"text/tabwriter"

	"github.com/themadorg/mailstack/framework/log"
	"github.com/themadorg/mailstack/internal/autoconfig"
	"github.com/themadorg/mailstack/internal/gateway"
)

type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
	ActionFailed    Action = "failed"
)

// DKIM step results.
const (
	DKIMPresent   = "present"
	DKIMGenerated = "generated"
	DKIMFailed    = "failed"
)

type DomainResult struct {
	Name        string `json:"name"`
	Primary     bool   `json:"primary"`
	Added       string `json:"added"`
	Site        string `json:"site,omitempty"`
	Certificate string `json:"certificate,omitempty"`
}

type AccountResult struct {
	Address   string `json:"address"`
	Domain    string `json:"domain"`
	Admin     bool   `json:"admin"`
	Generated bool   `json:"generated"`
	Action    Action `json:"action"`
	Error     string `json:"error,omitempty"`

	cause error
}

// ClientConfig is what a user needs to set up a mail client. It carries the
// plaintext secret and is produced once, when the account is created.
type ClientConfig struct {
	Address  string              `json:"address"`
	Username string              `json:"username"`
	Secret   string              `json:"secret,omitempty"`
	Incoming []autoconfig.Server `json:"incoming"`
	Outgoing []autoconfig.Server `json:"outgoing"`
}

// Report is the result of Apply. Every recovered failure is listed in
// Warnings.
type Report struct {
	Domains          []DomainResult  `json:"domains"`
	Accounts         []AccountResult `json:"accounts"`
	Credentials      []ClientConfig  `json:"credentials,omitempty"`
	DKIM             string          `json:"dkim,omitempty"`
	MailServiceReady bool            `json:"mail_service_ready"`
	ProxyReloaded    bool            `json:"proxy_reloaded"`
	Warnings         []string        `json:"warnings,omitempty"`
}

func (rep *Report) warn(l log.Logger, msg string, err error) {
	l.Warn(msg, err)
	if err != nil {
		msg += ": " + err.Error()
	}
	rep.Warnings = append(rep.Warnings, msg)
}

// Failed returns the accounts that did not converge.
func (rep *Report) Failed() []AccountResult {
	var res []AccountResult
	for _, a := range rep.Accounts {
		if a.Action == ActionFailed {
			res = append(res, a)
		}
	}
	return res
}

// Unavailable reports whether an account failed because the mail service
// could not be reached at all.
func (rep *Report) Unavailable() bool {
	for _, a := range rep.Accounts {
		if a.Action == ActionFailed && errors.Is(a.cause, gateway.ErrUnavailable) {
			return true
		}
	}
	return false
}

// WriteText renders the report as human-readable sections.
func (rep *Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "Domains:")
	for _, d := range rep.Domains {
		role := "additional"
		if d.Primary {
			role = "primary"
		}
		fmt.Fprintf(tw, "  %s\t%s\tdomain: %s\tsite: %s\tcertificate: %s\n",
			d.Name, role, d.Added, orDash(d.Site), orDash(d.Certificate))
	}

	fmt.Fprintln(tw, "\nAccounts:")
	for _, a := range rep.Accounts {
		line := fmt.Sprintf("  %s\t%s", a.Address, a.Action)
		if a.Admin {
			line += "\tadmin"
		} else {
			line += "\t"
		}
		if a.Error != "" {
			line += "\t" + a.Error
		}
		fmt.Fprintln(tw, line)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, cc := range rep.Credentials {
		fmt.Fprintln(w)
		if err := cc.WriteText(w); err != nil {
			return err
		}
	}

	if rep.DKIM != "" {
		fmt.Fprintf(w, "\nDKIM keys: %s\n", rep.DKIM)
	}
	if len(rep.Warnings) != 0 {
		fmt.Fprintln(w, "\nWarnings:")
		for _, warn := range rep.Warnings {
			fmt.Fprintf(w, "  ⚠️  %s\n", warn)
		}
	}
	return nil
}

// WriteText renders the client settings. The secret is printed as is.
func (cc ClientConfig) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Client configuration for %s\n", cc.Address)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  Username:  %s\n", cc.Username)
	if cc.Secret != "" {
		fmt.Fprintf(w, "  Password:  %s\n", cc.Secret)
	}
	for _, s := range cc.Incoming {
		fmt.Fprintf(w, "  %-9s  %s\n", "IMAP:", s)
	}
	for _, s := range cc.Outgoing {
		fmt.Fprintf(w, "  %-9s  %s\n", "SMTP:", s)
	}
	if cc.Secret != "" {
		_, err = fmt.Fprintln(w, "  Store the password now, it is not shown again.")
	}
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
