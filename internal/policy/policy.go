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

// Package policy decides whether a message is authorized backup traffic.
//
// The evaluator is a chain of opt-in filters consulted in a fixed order,
// first failure wins: recipient allow-list, sender-domain allow-list,
// sender-policy (SPF) check, required-header check. The first three run at
// the RCPT step so unauthorized senders are refused before any data is
// transferred; the header check runs once the message is fully buffered.
//
// Evaluation is side-effect free apart from logging and DNS lookups: the
// evaluator only reads the shared Config and produces immutable Decision
// values.
package policy

import (
	"context"
	"net"

	"github.com/emersion/go-message/textproto"
	"github.com/mailbak/mailbak/framework/address"
	"github.com/mailbak/mailbak/framework/dns"
	"github.com/mailbak/mailbak/framework/exterrors"
	"github.com/mailbak/mailbak/framework/log"
	"github.com/mailbak/mailbak/internal/config"
)

// Decision is the immutable outcome of one policy evaluation.
type Decision struct {
	// Whether the transaction should be refused.
	Reject bool

	// Name of the filter that produced the decision, for logging and
	// metrics. Empty for an accept produced by falling through the whole
	// chain.
	Check string

	// Protocol-level representation of the rejection. nil when Reject is
	// false.
	Reason *exterrors.SMTPError
}

type Evaluator struct {
	cfg      *config.Config
	resolver dns.Resolver
	log      log.Logger
}

func New(cfg *config.Config, resolver dns.Resolver, logger log.Logger) *Evaluator {
	if resolver == nil {
		resolver = dns.DefaultResolver()
	}
	return &Evaluator{
		cfg:      cfg,
		resolver: resolver,
		log:      logger,
	}
}

// CheckRcpt evaluates the filters that do not need the message body:
// recipient allow-list, sender-domain allow-list and, if enabled, the
// sender-policy check. helo is the HELO/EHLO name announced by the peer.
//
// An unconfigured filter is a no-op; with no filters configured every
// recipient is accepted.
func (e *Evaluator) CheckRcpt(ctx context.Context, mailFrom, rcptTo string, remoteAddr net.Addr, helo string) Decision {
	if d := e.checkRecipient(rcptTo); d.Reject {
		return d
	}
	if d := e.checkSenderDomain(mailFrom); d.Reject {
		return d
	}
	if e.cfg.SenderPolicy {
		if d := e.checkSenderPolicy(ctx, mailFrom, remoteAddr, helo); d.Reject {
			return d
		}
	}
	return Decision{}
}

func (e *Evaluator) checkRecipient(rcptTo string) Decision {
	if e.cfg.AllowedRecipient == "" {
		return Decision{}
	}
	if address.Equal(rcptTo, e.cfg.AllowedRecipient) {
		return Decision{}
	}

	return Decision{
		Reject: true,
		Check:  "rcpt_allowlist",
		Reason: &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "Recipient not accepted",
			CheckName:    "rcpt_allowlist",
			Misc:         map[string]interface{}{"rcpt": rcptTo},
		},
	}
}

func (e *Evaluator) checkSenderDomain(mailFrom string) Decision {
	if len(e.cfg.AllowedSenderDomains) == 0 {
		return Decision{}
	}

	reject := Decision{
		Reject: true,
		Check:  "sender_allowlist",
		Reason: &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "Sender domain not authorized",
			CheckName:    "sender_allowlist",
			Misc:         map[string]interface{}{"sender": mailFrom},
		},
	}

	// The null reverse-path has no domain and thus cannot be on the list.
	_, domain, err := address.Split(mailFrom)
	if err != nil || domain == "" {
		return reject
	}

	for _, allowed := range e.cfg.AllowedSenderDomains {
		if dns.Equal(domain, allowed) {
			return Decision{}
		}
	}
	return reject
}

// CheckHeader evaluates the required-header filter against the parsed header
// of the fully buffered message.
//
// Header names are matched case-insensitively (textproto handles that),
// values must match exactly. A pair is satisfied if any of the fields with
// the required name carries the required value.
func (e *Evaluator) CheckHeader(header textproto.Header) Decision {
	for _, required := range e.cfg.RequiredHeaders {
		if headerMatches(header, required) {
			continue
		}

		return Decision{
			Reject: true,
			Check:  "required_header",
			Reason: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "Message rejected by policy",
				CheckName:    "required_header",
				Misc:         map[string]interface{}{"header": required.Name},
			},
		}
	}
	return Decision{}
}

func headerMatches(header textproto.Header, required config.Header) bool {
	for f := header.FieldsByKey(required.Name); f.Next(); {
		if f.Value() == required.Value {
			return true
		}
	}
	return false
}
