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
	"net"
)

// UnwrapDNSErr extracts the reason string from a *net.DNSError, dropping the
// server name and the queried name that are not useful for the operator and
// must never reach the wire.
func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	dnsErr, ok := err.(*net.DNSError)
	if !ok {
		// Return non-nil in case the caller will try to 'extend' it with its
		// own values.
		return "", map[string]interface{}{}
	}

	return dnsErr.Err, map[string]interface{}{}
}
