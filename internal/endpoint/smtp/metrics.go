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

import "github.com/prometheus/client_golang/prometheus"

var (
	startedTransactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailbak",
			Subsystem: "smtp",
			Name:      "started_transactions",
			Help:      "Amount of SMTP transactions started",
		},
	)
	completedTransactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailbak",
			Subsystem: "smtp",
			Name:      "completed_transactions",
			Help:      "Amount of SMTP transactions that ended with a stored message",
		},
	)
	abortedTransactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailbak",
			Subsystem: "smtp",
			Name:      "aborted_transactions",
			Help:      "Amount of SMTP transactions aborted at the DATA step",
		},
	)
	rejectedRcpts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailbak",
			Subsystem: "smtp",
			Name:      "rejected_rcpts",
			Help:      "RCPT commands rejected by policy, by failing check",
		},
		[]string{"check"},
	)
	failedCmds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailbak",
			Subsystem: "smtp",
			Name:      "failed_commands",
			Help:      "Failed transaction commands (MAIL, RCPT, DATA)",
		},
		[]string{"command", "smtp_code", "smtp_enchcode"},
	)
)

func init() {
	prometheus.MustRegister(startedTransactions)
	prometheus.MustRegister(completedTransactions)
	prometheus.MustRegister(abortedTransactions)
	prometheus.MustRegister(rejectedRcpts)
	prometheus.MustRegister(failedCmds)
}
