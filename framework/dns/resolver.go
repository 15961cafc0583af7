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

// Package dns defines the interface used by mailbak to perform DNS lookups
// and helpers for comparing domain names.
//
// The Resolver interface is a subset of net.Resolver's methods and is
// satisfied by net.DefaultResolver. Tests substitute a mock resolver with
// predefined zones.
package dns

import (
	"context"
	"net"
)

// Resolver is an interface that describes DNS-related methods used by
// mailbak. It also satisfies the resolver interface of the sender-policy
// (SPF) library, so one resolver value serves both.
//
// It is implemented by net.DefaultResolver. Methods behave the same way.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) (names []string, err error)
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

func DefaultResolver() Resolver {
	return net.DefaultResolver
}
