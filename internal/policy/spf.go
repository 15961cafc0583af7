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

package policy

import (
	"context"
	"net"

	"blitiri.com.ar/go/spf"
	"github.com/mailbak/mailbak/framework/address"
	"github.com/mailbak/mailbak/framework/dns"
	"github.com/mailbak/mailbak/framework/exterrors"
	"golang.org/x/net/idna"
)

// checkSenderPolicy evaluates the sender domain's SPF policy (RFC 7208) for
// the connecting IP. Mechanism matching, include recursion and the 10-lookup
// bound are handled by the spf library; the context timeout additionally
// bounds the wall-clock time of the whole evaluation.
//
// Only an authenticated "fail" rejects. A missing or inconclusive policy
// (none, neutral, softfail) and any resolver failure (temperror, permerror)
// are logged and let the transaction proceed: a misconfigured domain or a
// flaky resolver must not make us drop mail we were set up to keep.
func (e *Evaluator) checkSenderPolicy(ctx context.Context, mailFrom string, remoteAddr net.Addr, helo string) Decision {
	tcpAddr, ok := remoteAddr.(*net.TCPAddr)
	if !ok {
		e.log.DebugMsg("sender-policy skipped", "reason", "non-IP peer address")
		return Decision{}
	}
	if mailFrom == "" {
		e.log.DebugMsg("sender-policy skipped", "reason", "null reverse-path")
		return Decision{}
	}

	sender, err := prepareMailFrom(mailFrom)
	if err != nil {
		return Decision{
			Reject: true,
			Check:  "sender_policy",
			Reason: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 7},
				Message:      "Malformed sender address",
				CheckName:    "sender_policy",
				Err:          err,
			},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.DNSTimeout)
	defer cancel()

	res, err := spf.CheckHostWithSender(tcpAddr.IP, dns.FQDN(helo), sender,
		spf.WithContext(ctx), spf.WithResolver(e.resolver))

	switch res {
	case spf.Pass:
		e.log.DebugMsg("sender-policy pass", "sender", mailFrom, "src_ip", tcpAddr.IP)
		return Decision{}
	case spf.Fail:
		return Decision{
			Reject: true,
			Check:  "sender_policy",
			Reason: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 23},
				Message:      "Sender-policy check failed",
				CheckName:    "sender_policy",
				Err:          err,
				Misc: map[string]interface{}{
					"sender": mailFrom,
					"src_ip": tcpAddr.IP.String(),
				},
			},
		}
	case spf.TempError, spf.PermError:
		// Resolver failure, not an authenticated failure. Callers must not
		// conflate the two, so it is logged and the transaction proceeds.
		reason, misc := exterrors.UnwrapDNSErr(err)
		misc["reason"] = reason
		misc["result"] = string(res)
		e.log.Error("sender-policy resolver error", exterrors.WithFields(err, misc),
			"sender", mailFrom, "src_ip", tcpAddr.IP)
		return Decision{}
	default: // none, neutral, softfail
		e.log.DebugMsg("sender-policy non-pass", "result", string(res),
			"sender", mailFrom, "src_ip", tcpAddr.IP)
		return Decision{}
	}
}

func prepareMailFrom(from string) (string, error) {
	// The MAIL FROM domain should be converted to A-labels before the
	// policy lookup (RFC 8616, Section 4).
	fromMbox, fromDomain, err := address.Split(from)
	if err != nil {
		return "", err
	}
	fromDomain, err = idna.ToASCII(fromDomain)
	if err != nil {
		return "", err
	}

	// %{s} and %{l} macros do not match anything if the local-part is
	// non-ASCII. Since the spf library does not seem to care, strip it.
	if !address.IsASCII(fromMbox) {
		fromMbox = ""
	}

	return fromMbox + "@" + dns.FQDN(fromDomain), nil
}
