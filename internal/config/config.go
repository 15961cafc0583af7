/*
Mailbak - receive-only SMTP server for mail backups.
Copyright © 2025 Mailbak contributors

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

// Package config defines the normalized, process-wide configuration value.
//
// A Config is constructed once by the front-end (cmd/mailbak), normalized
// and then shared read-only by all sessions and policy evaluations. It is
// never mutated after Prepare.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailbak/mailbak/framework/address"
	"github.com/mailbak/mailbak/framework/dns"
)

// Header is a required header name/value pair. Name is matched
// case-insensitively, Value is matched exactly.
type Header struct {
	Name  string
	Value string
}

// ParseHeader parses the "Header-Name: value" form accepted on the command
// line into a Header pair.
func ParseHeader(s string) (Header, error) {
	name, value, ok := strings.Cut(s, ":")
	if !ok {
		return Header{}, fmt.Errorf("config: malformed required header %q, want \"Name: value\"", s)
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	if name == "" {
		return Header{}, fmt.Errorf("config: malformed required header %q, empty name", s)
	}
	return Header{Name: name, Value: value}, nil
}

// Config is read-only after Prepare. All filters are opt-in: a zero value
// for any of them disables the corresponding check.
type Config struct {
	// Addresses to listen on, in host:port form.
	ListenAddrs []string

	// Hostname reported in the SMTP banner and used as the HELO fallback
	// for sender-policy evaluation.
	Hostname string

	// Root of the Maildir the accepted messages are delivered to.
	MaildirPath string

	// If non-empty, the only recipient address accepted at the RCPT step
	// (compared case-insensitively).
	AllowedRecipient string

	// If non-empty, the sender domain must match one of these entries
	// (compared case-insensitively).
	AllowedSenderDomains []string

	// Header pairs that must be present in every accepted message.
	RequiredHeaders []Header

	// Whether to evaluate the sender domain's SPF policy at the RCPT step.
	SenderPolicy bool

	// Upper bound on the wall-clock time of one sender-policy evaluation,
	// including all recursive DNS lookups.
	DNSTimeout time.Duration

	Debug bool
}

// Prepare validates the configuration and converts the allow-list entries
// into their canonical form so later comparisons are cheap.
func (c *Config) Prepare() error {
	if len(c.ListenAddrs) == 0 {
		return errors.New("config: no listen addresses")
	}
	if c.Hostname == "" {
		return errors.New("config: hostname is not set")
	}
	if c.MaildirPath == "" {
		return errors.New("config: maildir path is not set")
	}
	if c.DNSTimeout == 0 {
		c.DNSTimeout = 15 * time.Second
	}

	if c.AllowedRecipient != "" {
		norm, err := address.ForLookup(c.AllowedRecipient)
		if err != nil {
			return fmt.Errorf("config: invalid allowed recipient: %w", err)
		}
		c.AllowedRecipient = norm
	}

	for i, domain := range c.AllowedSenderDomains {
		norm, err := dns.ForLookup(domain)
		if err != nil {
			return fmt.Errorf("config: invalid allowed domain %q: %w", domain, err)
		}
		c.AllowedSenderDomains[i] = norm
	}

	return nil
}
