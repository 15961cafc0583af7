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

package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mailbak/mailbak/framework/dns"
	"github.com/mailbak/mailbak/framework/log"
	"github.com/mailbak/mailbak/internal/config"
	"github.com/mailbak/mailbak/internal/endpoint/smtp"
	"github.com/mailbak/mailbak/internal/maildir"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "mailbak",
		Usage:   "receive-only SMTP server for mail backups",
		Version: buildInfo(),
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "listen",
				Usage: "`ADDRESS`(es) to listen on, in host:port form",
				Value: cli.NewStringSlice("0.0.0.0:25"),
			},
			&cli.StringFlag{
				Name:     "hostname",
				Usage:    "server `NAME` reported in the SMTP banner",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "maildir",
				Usage:    "`PATH` of the Maildir to deliver accepted messages to",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "allowed-recipient",
				Usage: "the only `ADDRESS` accepted at the RCPT step, any if not set",
			},
			&cli.StringSliceFlag{
				Name:  "allowed-domain",
				Usage: "sender `DOMAIN` to accept mail from, any if not set",
			},
			&cli.StringSliceFlag{
				Name:  "required-header",
				Usage: "\"Name: value\" `HEADER` that must be present in every accepted message",
			},
			&cli.BoolFlag{
				Name:  "disable-sender-policy",
				Usage: "do not check the sender domain SPF policy",
			},
			&cli.DurationFlag{
				Name:  "dns-timeout",
				Usage: "upper bound on the `TIME` spent on one sender-policy evaluation",
				Value: 15 * time.Second,
			},
			&cli.StringFlag{
				Name:  "log",
				Usage: "default logging `TARGET`(s) (stderr, stderr_ts, syslog, off or a file path)",
				Value: "stderr",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
			&cli.StringFlag{
				Name:  "metrics",
				Usage: "serve Prometheus metrics over HTTP on `ADDRESS`",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		os.Exit(2)
	}
}

func run(ctx *cli.Context) error {
	out, err := logOutputOption(strings.Split(ctx.String("log"), " "))
	if err != nil {
		return err
	}
	log.DefaultLogger.Out = out
	log.DefaultLogger.Debug = ctx.Bool("debug")

	var hdrs []config.Header
	for _, s := range ctx.StringSlice("required-header") {
		hdr, err := config.ParseHeader(s)
		if err != nil {
			return err
		}
		hdrs = append(hdrs, hdr)
	}

	cfg := &config.Config{
		ListenAddrs:          ctx.StringSlice("listen"),
		Hostname:             ctx.String("hostname"),
		MaildirPath:          ctx.String("maildir"),
		AllowedRecipient:     ctx.String("allowed-recipient"),
		AllowedSenderDomains: ctx.StringSlice("allowed-domain"),
		RequiredHeaders:      hdrs,
		SenderPolicy:         !ctx.Bool("disable-sender-policy"),
		DNSTimeout:           ctx.Duration("dns-timeout"),
		Debug:                ctx.Bool("debug"),
	}
	if err := cfg.Prepare(); err != nil {
		return err
	}

	store, err := maildir.Open(cfg.MaildirPath, log.Logger{
		Name:  "maildir",
		Out:   log.DefaultLogger.Out,
		Debug: cfg.Debug,
	})
	if err != nil {
		return err
	}

	endp, err := smtp.New(cfg, store, dns.DefaultResolver(), log.Logger{
		Name:  "smtp",
		Out:   log.DefaultLogger.Out,
		Debug: cfg.Debug,
	})
	if err != nil {
		return err
	}
	if err := endp.Start(); err != nil {
		return err
	}
	defer endp.Close()

	if addr := ctx.String("metrics"); addr != "" {
		go func() {
			log.Printf("listening on %v for metrics requests", addr)
			log.Println("failed to listen on metrics endpoint:",
				http.ListenAndServe(addr, promhttp.Handler()))
		}()
	}

	log.DefaultLogger.Msg("server started",
		"version", buildInfo(),
		"mailbox", cfg.MaildirPath,
		"addrs", cfg.ListenAddrs,
	)

	handleSignals()

	log.Println("server stopping")
	return nil
}

func logOutputOption(args []string) (log.Output, error) {
	outs := make([]log.Output, 0, len(args))
	for _, arg := range args {
		switch arg {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			syslogOut, err := log.SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to syslog daemon: %v", err)
			}
			outs = append(outs, syslogOut)
		case "off":
			if len(args) != 1 {
				return nil, errors.New("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			w, err := os.OpenFile(arg, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
			if err != nil {
				return nil, fmt.Errorf("failed to create log file: %v", err)
			}
			outs = append(outs, log.WriteCloserOutput(w, true))
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}
