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

package maildir

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/mailbak/mailbak/framework/exterrors"
	"github.com/mailbak/mailbak/internal/testutils"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "mail"), testutils.Logger(t, "maildir"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestOpenCreatesSubdirs(t *testing.T) {
	s := testStore(t)

	for _, sub := range []string{"tmp", "new", "cur"} {
		fi, err := os.Stat(filepath.Join(s.Path(), sub))
		if err != nil {
			t.Fatalf("stat %s: %v", sub, err)
		}
		if !fi.IsDir() {
			t.Errorf("%s is not a directory", sub)
		}
	}
}

func TestDeliverRoundTrip(t *testing.T) {
	s := testStore(t)

	// CRLF line endings and a trailing partial line, stored bytes must be
	// exactly what was read from the wire.
	msg := []byte("From: a@example.org\r\nSubject: test\r\n\r\nbody \x00\xff\r\nno newline at end")

	name, err := s.Deliver(bytes.NewReader(msg))
	if err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(s.Path(), "new", name))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("stored bytes differ from input\ngot:  %q\nwant: %q", got, msg)
	}

	ents, err := os.ReadDir(filepath.Join(s.Path(), "tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 0 {
		t.Errorf("tmp/ not empty after delivery: %v", ents)
	}
}

func TestDeliverNameFormat(t *testing.T) {
	s := testStore(t)

	name, err := s.Deliver(strings.NewReader("test"))
	if err != nil {
		t.Fatal(err)
	}
	if parts := strings.SplitN(name, ".", 3); len(parts) != 3 {
		t.Errorf("name %q does not have time.unique.host form", name)
	}
}

func TestUniqueNameConcurrent(t *testing.T) {
	s := testStore(t)

	const (
		workers   = 8
		perWorker = 250
	)

	results := make(chan string, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				results <- s.uniqueName()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]struct{}, workers*perWorker)
	for name := range results {
		if _, ok := seen[name]; ok {
			t.Fatalf("duplicate name generated: %s", name)
		}
		seen[name] = struct{}{}
	}
}

func TestListOrderedByDelivery(t *testing.T) {
	s := testStore(t)

	var want []string
	for _, body := range []string{"first", "second", "third"} {
		name, err := s.Deliver(strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, name)
	}

	got, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("List returned %d names, want %d", len(got), len(want))
	}
	if !sort.StringsAreSorted(got) {
		t.Errorf("List output not sorted: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List[%d] = %s, want %s (delivery order)", i, got[i], want[i])
		}
	}
}

func TestListIncludesCur(t *testing.T) {
	s := testStore(t)

	name, err := s.Deliver(strings.NewReader("seen message"))
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a reader that moved the message to cur/.
	if err := os.Rename(
		filepath.Join(s.Path(), "new", name),
		filepath.Join(s.Path(), "cur", name+":2,S"),
	); err != nil {
		t.Fatal(err)
	}

	got, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != name+":2,S" {
		t.Errorf("List = %v, want [%s]", got, name+":2,S")
	}

	b, err := s.Read(name + ":2,S")
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "seen message" {
		t.Errorf("Read = %q", b)
	}
}

func TestReadRejectsPathEscape(t *testing.T) {
	s := testStore(t)

	if _, err := s.Read("../../etc/passwd"); err == nil {
		t.Error("Read accepted a path-traversal name")
	}
}

func TestDeliverFailureIsTemporary(t *testing.T) {
	s := testStore(t)

	// Break the mailbox so the tmp/ create fails.
	if err := os.RemoveAll(filepath.Join(s.Path(), "tmp")); err != nil {
		t.Fatal(err)
	}

	_, err := s.Deliver(strings.NewReader("doomed"))
	if err == nil {
		t.Fatal("Deliver succeeded with tmp/ missing")
	}
	if !exterrors.IsTemporary(err) {
		t.Errorf("storage error not classified as temporary: %v", err)
	}

	fields := exterrors.Fields(err)
	if fields["smtp_code"] != 451 {
		t.Errorf("smtp_code = %v, want 451", fields["smtp_code"])
	}

	ents, err := os.ReadDir(filepath.Join(s.Path(), "new"))
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 0 {
		t.Errorf("failed delivery left files under new/: %v", ents)
	}
}
