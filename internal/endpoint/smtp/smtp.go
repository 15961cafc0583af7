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

// Package smtp implements the receive-only SMTP endpoint.
//
// The endpoint accepts inbound transactions, runs each one through the
// policy evaluator and hands accepted messages to the mailbox store. It
// never relays, never authenticates and reports acceptance to the client
// only after the store confirms durable delivery.
package smtp

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mailbak/mailbak/framework/dns"
	"github.com/mailbak/mailbak/framework/log"
	"github.com/mailbak/mailbak/internal/config"
	"github.com/mailbak/mailbak/internal/policy"
	"golang.org/x/net/idna"
)

// Store is the mailbox delivery interface. Deliver consumes the full
// message body and returns the stored filename once the message is durable.
type Store interface {
	Deliver(r io.Reader) (string, error)
}

type Endpoint struct {
	hostname string
	serv     *smtp.Server
	cfg      *config.Config
	policy   *policy.Evaluator
	store    Store

	listeners   []net.Listener
	listenersWg sync.WaitGroup

	Log log.Logger
}

func New(cfg *config.Config, store Store, resolver dns.Resolver, logger log.Logger) (*Endpoint, error) {
	hostname, err := idna.ToASCII(cfg.Hostname)
	if err != nil {
		return nil, fmt.Errorf("smtp: cannot represent the hostname %q in ASCII: %w", cfg.Hostname, err)
	}

	endp := &Endpoint{
		hostname: hostname,
		cfg:      cfg,
		policy:   policy.New(cfg, resolver, logger),
		store:    store,
		Log:      logger,
	}

	endp.serv = smtp.NewServer(endp)
	endp.serv.Domain = hostname
	endp.serv.ErrorLog = endp.Log
	endp.serv.ReadTimeout = 10 * time.Minute
	endp.serv.WriteTimeout = 1 * time.Minute
	endp.serv.EnableSMTPUTF8 = true

	return endp, nil
}

// Start binds all configured addresses and begins serving in the
// background. A failure to bind any address closes the listeners opened so
// far and reports the error.
func (endp *Endpoint) Start() error {
	for _, addr := range endp.cfg.ListenAddrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range endp.listeners {
				l.Close()
			}
			return fmt.Errorf("smtp: %w", err)
		}
		endp.Log.Printf("listening on %v", l.Addr())
		endp.Serve(l)
	}
	return nil
}

// Serve accepts connections from l in a background goroutine. Close stops
// it and waits for the goroutine to exit.
func (endp *Endpoint) Serve(l net.Listener) {
	endp.listeners = append(endp.listeners, l)

	endp.listenersWg.Add(1)
	go func() {
		if err := endp.serv.Serve(l); err != nil {
			endp.Log.Printf("failed to serve %v: %s", l.Addr(), err)
		}
		endp.listenersWg.Done()
	}()
}

func (endp *Endpoint) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &Session{
		endp:       endp,
		log:        endp.Log,
		remoteAddr: c.Conn().RemoteAddr(),
		helo:       c.Hostname,
	}, nil
}

func (endp *Endpoint) Close() error {
	endp.serv.Close()
	endp.listenersWg.Wait()
	return nil
}
