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
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/go-mockdns"
	"github.com/mailbak/mailbak/framework/exterrors"
	"github.com/mailbak/mailbak/internal/config"
	"github.com/mailbak/mailbak/internal/testutils"
)

const testMsg = "From: <sender@example.org>\r\n" +
	"Subject: Hello there!\r\n" +
	"\r\n" +
	"foobar\r\n"

type testStore struct {
	mu       sync.Mutex
	messages [][]byte

	err error
}

func (ts *testStore) Deliver(r io.Reader) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.err != nil {
		return "", ts.err
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	ts.messages = append(ts.messages, b)
	return fmt.Sprintf("msg-%d", len(ts.messages)), nil
}

func testEndpoint(t *testing.T, store Store, zones map[string]mockdns.Zone, tweak func(*config.Config)) string {
	t.Helper()

	cfg := &config.Config{
		ListenAddrs: []string{"127.0.0.1:0"},
		Hostname:    "mx.example.com",
		MaildirPath: t.TempDir(),
	}
	if tweak != nil {
		tweak(cfg)
	}
	if err := cfg.Prepare(); err != nil {
		t.Fatal(err)
	}

	endp, err := New(cfg, store, &mockdns.Resolver{Zones: zones}, testutils.Logger(t, "smtp"))
	if err != nil {
		t.Fatal(err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	endp.Serve(l)
	t.Cleanup(func() {
		endp.Close()
	})

	return l.Addr().String()
}

func submitMsg(t *testing.T, cl *smtp.Client, from string, rcpt string, msg string) error {
	t.Helper()

	// Error for this one is ignored because it fails if EHLO was already sent
	// and submitMsg can happen multiple times.
	_ = cl.Hello("mx.example.org")
	if err := cl.Mail(from, nil); err != nil {
		return err
	}
	if err := cl.Rcpt(rcpt, nil); err != nil {
		return err
	}
	data, err := cl.Data()
	if err != nil {
		return err
	}
	if _, err := data.Write([]byte(msg)); err != nil {
		return err
	}

	return data.Close()
}

func checkSMTPErr(t *testing.T, err error, code int, enchCode smtp.EnhancedCode) {
	t.Helper()

	if err == nil {
		t.Fatal("Expected an SMTP error, got none")
	}
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("Expected an SMTP error, got %T: %v", err, err)
	}
	if smtpErr.Code != code {
		t.Errorf("Wrong code: %d, want %d", smtpErr.Code, code)
	}
	if smtpErr.EnhancedCode != enchCode {
		t.Errorf("Wrong enhanced code: %v, want %v", smtpErr.EnhancedCode, enchCode)
	}
}

func TestSMTPDelivery(t *testing.T) {
	store := &testStore{}
	addr := testEndpoint(t, store, nil, func(cfg *config.Config) {
		cfg.AllowedRecipient = "backup@example.com"
	})

	cl, err := smtp.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := submitMsg(t, cl, "sender@example.org", "backup@example.com", testMsg); err != nil {
		t.Fatal(err)
	}

	if len(store.messages) != 1 {
		t.Fatal("Expected a message, got", len(store.messages))
	}
	if !bytes.Equal(store.messages[0], []byte(testMsg)) {
		t.Errorf("Stored bytes differ from submitted message:\ngot:  %q\nwant: %q", store.messages[0], testMsg)
	}
}

func TestSMTPDelivery_WrongRcpt(t *testing.T) {
	store := &testStore{}
	addr := testEndpoint(t, store, nil, func(cfg *config.Config) {
		cfg.AllowedRecipient = "backup@example.com"
	})

	cl, err := smtp.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = submitMsg(t, cl, "sender@example.org", "other@example.com", testMsg)
	checkSMTPErr(t, err, 550, smtp.EnhancedCode{5, 7, 1})

	if len(store.messages) != 0 {
		t.Error("Message stored despite rejected RCPT")
	}
}

func TestSMTPDelivery_SenderDomain(t *testing.T) {
	store := &testStore{}
	addr := testEndpoint(t, store, nil, func(cfg *config.Config) {
		cfg.AllowedRecipient = "backup@example.com"
		cfg.AllowedSenderDomains = []string{"example.org"}
	})

	cl, err := smtp.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := submitMsg(t, cl, "sender@example.org", "backup@example.com", testMsg); err != nil {
		t.Fatal(err)
	}

	err = submitMsg(t, cl, "sender@evil.net", "backup@example.com", testMsg)
	checkSMTPErr(t, err, 550, smtp.EnhancedCode{5, 7, 1})

	if len(store.messages) != 1 {
		t.Fatal("Expected exactly one stored message, got", len(store.messages))
	}
}

func TestSMTPDelivery_SenderPolicy(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"example.org.": {
			TXT: []string{"v=spf1 ip4:127.0.0.1 -all"},
		},
		"forged.org.": {
			TXT: []string{"v=spf1 ip4:203.0.113.1 -all"},
		},
	}

	store := &testStore{}
	addr := testEndpoint(t, store, zones, func(cfg *config.Config) {
		cfg.AllowedRecipient = "backup@example.com"
		cfg.SenderPolicy = true
	})

	cl, err := smtp.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := submitMsg(t, cl, "sender@example.org", "backup@example.com", testMsg); err != nil {
		t.Fatal(err)
	}

	err = submitMsg(t, cl, "sender@forged.org", "backup@example.com", testMsg)
	checkSMTPErr(t, err, 550, smtp.EnhancedCode{5, 7, 23})

	if len(store.messages) != 1 {
		t.Fatal("Expected exactly one stored message, got", len(store.messages))
	}
}

func TestSMTPDelivery_RequiredHeader(t *testing.T) {
	store := &testStore{}
	addr := testEndpoint(t, store, nil, func(cfg *config.Config) {
		cfg.AllowedRecipient = "backup@example.com"
		cfg.RequiredHeaders = []config.Header{{Name: "X-Backup-Key", Value: "secret"}}
	})

	cl, err := smtp.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	tagged := "X-Backup-Key: secret\r\n" + testMsg
	if err := submitMsg(t, cl, "sender@example.org", "backup@example.com", tagged); err != nil {
		t.Fatal(err)
	}

	err = submitMsg(t, cl, "sender@example.org", "backup@example.com", testMsg)
	checkSMTPErr(t, err, 550, smtp.EnhancedCode{5, 7, 1})

	if len(store.messages) != 1 {
		t.Fatal("Expected exactly one stored message, got", len(store.messages))
	}
	if !bytes.Equal(store.messages[0], []byte(tagged)) {
		t.Errorf("Stored bytes differ from submitted message:\ngot:  %q\nwant: %q", store.messages[0], tagged)
	}
}

func TestSMTPDelivery_StorageError(t *testing.T) {
	store := &testStore{
		err: exterrors.WithTemporary(errors.New("disk on fire"), true),
	}
	addr := testEndpoint(t, store, nil, func(cfg *config.Config) {
		cfg.AllowedRecipient = "backup@example.com"
	})

	cl, err := smtp.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = submitMsg(t, cl, "sender@example.org", "backup@example.com", testMsg)
	if err == nil {
		t.Fatal("Expected a DATA error, got none")
	}
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("Expected an SMTP error, got %T: %v", err, err)
	}
	if smtpErr.Code != 451 {
		t.Errorf("Wrong code: %d, want 451", smtpErr.Code)
	}
	// The raw storage error text must not reach the client.
	if smtpErr.Message == "disk on fire" {
		t.Error("Storage error text leaked to the client")
	}
}

func TestSMTPDelivery_MultipleTransactions(t *testing.T) {
	store := &testStore{}
	addr := testEndpoint(t, store, nil, func(cfg *config.Config) {
		cfg.AllowedRecipient = "backup@example.com"
	})

	cl, err := smtp.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	for i := 0; i < 3; i++ {
		msg := fmt.Sprintf("Subject: message %d\r\n\r\nbody %d\r\n", i, i)
		if err := submitMsg(t, cl, "sender@example.org", "backup@example.com", msg); err != nil {
			t.Fatal(err)
		}
	}

	if len(store.messages) != 3 {
		t.Fatal("Expected three stored messages, got", len(store.messages))
	}
}
