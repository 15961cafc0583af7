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

package exterrors

import (
	"fmt"
)

// EnhancedCode is a SMTP enhanced status code as defined in RFC 3463.
type EnhancedCode [3]int

func (ec EnhancedCode) FormatLog() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is the error that represents a protocol status that should be
// reported to the peer if this error reaches the session handler.
//
// The Message field is the only free-form text that may be sent over the
// wire. Everything else (CheckName, Misc, Err) exists for logging and must
// stay server-side.
type SMTPError struct {
	// SMTP status code. Its class defines whether the failure is permanent
	// (5xx) or temporary (4xx).
	Code int

	EnhancedCode EnhancedCode

	// Message that is sent to the peer in the response.
	Message string

	// Name of the policy check the error originates from, if any.
	CheckName string

	// Additional context for logging.
	Misc map[string]interface{}

	// Underlying error, if any. Never sent to the peer.
	Err error
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Error() string {
	if se.Err != nil {
		return se.Err.Error()
	}
	return se.Message
}

func (se *SMTPError) FormatLog() string {
	return fmt.Sprintf("%d %s: %v", se.Code, se.EnhancedCode.FormatLog(), se.Error())
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+5)
	for k, v := range se.Misc {
		ctx[k] = v
	}

	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.EnhancedCode
	ctx["smtp_msg"] = se.Message
	if se.CheckName != "" {
		ctx["check"] = se.CheckName
	}
	if se.Err != nil {
		ctx["reason"] = se.Err.Error()
	}

	return ctx
}
