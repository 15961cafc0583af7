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

package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/mailbak/mailbak/framework/exterrors"
	"github.com/mailbak/mailbak/framework/log"
)

type Session struct {
	endp *Endpoint

	remoteAddr net.Addr
	helo       func() string

	// Specific for the currently handled message. Mutex prevents a
	// concurrent Reset from observing inconsistent state.
	msgLock  sync.Mutex
	msgID    string
	mailFrom string
	rcptTo   string
	opts     smtp.MailOptions

	log log.Logger
}

// generateMsgID builds the random identifier used to correlate log entries
// for one transaction. It is not exposed to the client.
func generateMsgID() (string, error) {
	rawID := make([]byte, 32)
	_, err := rand.Read(rawID)
	return hex.EncodeToString(rawID), err
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	msgID, err := generateMsgID()
	if err != nil {
		return s.endp.wrapErr("", true, "MAIL", err)
	}

	s.msgID = msgID
	s.mailFrom = from
	s.rcptTo = ""
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = smtp.MailOptions{}
	}

	startedTransactions.Inc()
	s.log.DebugMsg("incoming message",
		"msg_id", s.msgID,
		"sender", from,
		"src_addr", s.remoteAddr,
	)

	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	// HELO name is used as a fallback identity for the sender-policy
	// lookup; an empty one would make the query malformed.
	helo := s.helo()
	if helo == "" {
		helo = s.endp.hostname
	}

	dec := s.endp.policy.CheckRcpt(context.Background(), s.mailFrom, to, s.remoteAddr, helo)
	if dec.Reject {
		rejectedRcpts.WithLabelValues(dec.Check).Inc()
		s.log.Error("RCPT error", dec.Reason, "msg_id", s.msgID, "rcpt", to)
		return s.endp.wrapErr(s.msgID, !s.opts.UTF8, "RCPT", dec.Reason)
	}

	s.rcptTo = to
	s.log.DebugMsg("RCPT ok", "msg_id", s.msgID, "rcpt", to)
	return nil
}

func (s *Session) Data(r io.Reader) error {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	wrapErr := func(err error) error {
		s.log.Error("DATA error", err, "msg_id", s.msgID)
		return s.endp.wrapErr(s.msgID, !s.opts.UTF8, "DATA", err)
	}

	blob, err := io.ReadAll(r)
	if err != nil {
		abortedTransactions.Inc()
		return wrapErr(exterrors.WithTemporary(
			fmt.Errorf("I/O error while reading body: %w", err), true))
	}

	// Header inspection happens on a copy of the byte stream, the stored
	// message is exactly what was received.
	if len(s.endp.cfg.RequiredHeaders) != 0 {
		header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(blob)))
		if err != nil {
			abortedTransactions.Inc()
			return wrapErr(&exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
				Message:      "Message rejected by policy",
				CheckName:    "required_header",
				Err:          err,
			})
		}
		if dec := s.endp.policy.CheckHeader(header); dec.Reject {
			abortedTransactions.Inc()
			return wrapErr(dec.Reason)
		}
	}

	name, err := s.endp.store.Deliver(bytes.NewReader(blob))
	if err != nil {
		abortedTransactions.Inc()
		return wrapErr(err)
	}

	completedTransactions.Inc()
	s.log.Msg("accepted",
		"msg_id", s.msgID,
		"sender", s.mailFrom,
		"rcpt", s.rcptTo,
		"stored_as", name,
	)

	s.cleanTransaction()
	return nil
}

func (s *Session) cleanTransaction() {
	s.msgID = ""
	s.mailFrom = ""
	s.rcptTo = ""
	s.opts = smtp.MailOptions{}
}

func (s *Session) Reset() {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	s.cleanTransaction()
	s.endp.Log.DebugMsg("reset")
}

func (s *Session) Logout() error {
	return nil
}

func (endp *Endpoint) wrapErr(msgID string, mangleUTF8 bool, command string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 4, 5},
			Message:      "High load, try again later",
		}
	}

	res := &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCodeNotSet,
		// Err on the side of caution if the error lacks SMTP annotations. If
		// we just pass the error text through, we might accidentally disclose
		// details of server configuration.
		Message: "Internal server error",
	}

	if exterrors.IsTemporary(err) {
		res.Code = 451
	}

	ctxInfo := exterrors.Fields(err)
	ctxCode, ok := ctxInfo["smtp_code"].(int)
	if ok {
		res.Code = ctxCode
	}
	ctxEnchCode, ok := ctxInfo["smtp_enchcode"].(exterrors.EnhancedCode)
	if ok {
		res.EnhancedCode = smtp.EnhancedCode(ctxEnchCode)
	}
	ctxMsg, ok := ctxInfo["smtp_msg"].(string)
	if ok {
		res.Message = ctxMsg
	}

	if msgID != "" {
		res.Message += " (msg ID = " + msgID + ")"
	}

	failedCmds.WithLabelValues(command, strconv.Itoa(res.Code),
		fmt.Sprintf("%d.%d.%d",
			res.EnhancedCode[0],
			res.EnhancedCode[1],
			res.EnhancedCode[2])).Inc()

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.4.1.
	if mangleUTF8 {
		b := strings.Builder{}
		b.Grow(len(res.Message))
		for _, ch := range res.Message {
			if ch > 128 {
				b.WriteRune('?')
			} else {
				b.WriteRune(ch)
			}
		}
		res.Message = b.String()
	}

	return res
}
