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

// Package maildir implements crash-safe, one-file-per-message delivery into
// a Maildir (tmp/new/cur) mailbox.
//
// The write contract: message bytes are written to tmp/ under a unique name,
// synced, then moved into new/ with a single atomic rename. A concurrent
// reader never observes a partially written message; a crash leaves at most
// an orphaned file under tmp/, cleanable out-of-band.
//
// Messages are never mutated or deleted by this package. Anything beyond
// delivery and read-only enumeration is owned by external tooling.
package maildir

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mailbak/mailbak/framework/exterrors"
	"github.com/mailbak/mailbak/framework/log"
	"github.com/oklog/ulid/v2"
)

type Store struct {
	path string
	host string

	Log log.Logger
}

// Open prepares the Maildir rooted at path, creating the root and the
// tmp/new/cur subdirectories if they do not exist yet.
func Open(path string, logger log.Logger) (*Store, error) {
	for _, sub := range []string{"", "tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0700); err != nil {
			return nil, fmt.Errorf("maildir: open: %w", err)
		}
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	// Maildir name encoding for characters that cannot appear in the
	// host part of a filename.
	host = strings.ReplaceAll(host, "/", "\\057")
	host = strings.ReplaceAll(host, ":", "\\072")

	return &Store{path: path, host: host, Log: logger}, nil
}

func (s *Store) Path() string {
	return s.path
}

// uniqueName builds the message filename: delivery time, a ULID and the
// host name. The ULID embeds milliseconds plus monotonic randomness, so
// concurrent writers on one host never collide and lexicographic order of
// names follows creation order.
func (s *Store) uniqueName() string {
	now := time.Now()
	return fmt.Sprintf("%d.%s.%s", now.Unix(), ulid.Make(), s.host)
}

// Deliver stores one message and returns its filename under new/.
//
// Success is reported only after the rename into new/ has completed. On any
// error the message is not visible under new/ or cur/; a rename failure is
// not retried since it usually indicates a filesystem or permission
// problem, not a transient condition.
func (s *Store) Deliver(r io.Reader) (name string, err error) {
	name = s.uniqueName()
	tmpPath := filepath.Join(s.path, "tmp", name)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", s.wrapIOErr("create", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		s.removeTemp(tmpPath)
		return "", s.wrapIOErr("write", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.removeTemp(tmpPath)
		return "", s.wrapIOErr("sync", err)
	}
	if err := f.Close(); err != nil {
		s.removeTemp(tmpPath)
		return "", s.wrapIOErr("close", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(s.path, "new", name)); err != nil {
		return "", s.wrapIOErr("rename", err)
	}

	return name, nil
}

func (s *Store) removeTemp(path string) {
	if err := os.Remove(path); err != nil {
		s.Log.Error("failed to remove temporary file", err)
	}
}

func (s *Store) wrapIOErr(op string, err error) error {
	return exterrors.WithTemporary(exterrors.WithFields(err, map[string]interface{}{
		"op":            "maildir " + op,
		"smtp_code":     451,
		"smtp_enchcode": exterrors.EnhancedCode{4, 3, 0},
		"smtp_msg":      "Temporary storage failure",
	}), true)
}

// List enumerates messages under new/ and cur/, ordered by filename. Since
// filenames embed the delivery time, the order is the delivery order. No
// locking is needed: messages are never mutated after the rename.
func (s *Store) List() ([]string, error) {
	var names []string
	for _, sub := range []string{"new", "cur"} {
		ents, err := os.ReadDir(filepath.Join(s.path, sub))
		if err != nil {
			return nil, fmt.Errorf("maildir: list: %w", err)
		}
		for _, ent := range ents {
			if ent.Type().IsRegular() {
				names = append(names, ent.Name())
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the verbatim stored bytes of the named message, looking
// under new/ first and then cur/.
func (s *Store) Read(name string) ([]byte, error) {
	// Reject names that could escape the mailbox.
	if name != filepath.Base(name) {
		return nil, fmt.Errorf("maildir: read: invalid message name %q", name)
	}

	b, err := os.ReadFile(filepath.Join(s.path, "new", name))
	if err == nil || !os.IsNotExist(err) {
		return b, err
	}
	return os.ReadFile(filepath.Join(s.path, "cur", name))
}
