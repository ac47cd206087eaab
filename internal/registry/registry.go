/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

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

// Package registry implements the persistent account/domain registry.
//
// The registry is a single JSON document. Every mutation is a full
// read-modify-write-replace cycle: the document is loaded, changed in memory
// and written back atomically. Concurrent writers are not supported, callers
// must serialize mutations. As a hardening each cycle holds an advisory
// exclusive flock on a lock file next to the document.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/themadorg/mailstack/framework/log"
	"github.com/themadorg/mailstack/internal/fsutil"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sys/unix"
)

// DefaultFileName is the registry file name relative to the configuration
// root.
const DefaultFileName = "users.json"

var ErrNotFound = errors.New("registry: account not found")

// StorageError is returned when the registry document cannot be read or
// written.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("registry: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

type Options struct {
	// NoLock disables the advisory lock around load-modify-save cycles.
	NoLock bool

	// HashCost is the bcrypt cost for stored secrets. Zero means
	// bcrypt.DefaultCost.
	HashCost int

	// Now is used for timestamps, time.Now if nil.
	Now func() time.Time

	Log log.Logger
}

// Store provides access to the registry document at a fixed path.
type Store struct {
	path     string
	lockPath string
	opts     Options
}

func New(path string, opts Options) *Store {
	if opts.HashCost == 0 {
		opts.HashCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log.Name == "" {
		opts.Log.Name = "registry"
	}
	return &Store{
		path:     path,
		lockPath: filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".lock"),
		opts:     opts,
	}
}

func (s *Store) Path() string {
	return s.path
}

// NormalizeAddress lower-cases and trims the address so that it can be used
// as the document key.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func (s *Store) now() time.Time {
	return s.opts.Now().UTC()
}

func (s *Store) lock(how int) (*fileLock, error) {
	if s.opts.NoLock {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o700); err != nil {
		return nil, &StorageError{Op: "lock", Path: s.lockPath, Err: err}
	}
	l, err := acquireLock(s.lockPath, how)
	if err != nil {
		return nil, &StorageError{Op: "lock", Path: s.lockPath, Err: err}
	}
	return l, nil
}

func (s *Store) unlock(l *fileLock) {
	if err := l.release(); err != nil {
		s.opts.Log.Error("failed to release registry lock", err, "path", s.lockPath)
	}
}

// Load reads and parses the document. A missing file is not an error, a
// fresh empty document is returned instead and the file is created on first
// write.
func (s *Store) Load() (*Document, error) {
	l, err := s.lock(unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer s.unlock(l)

	return s.load()
}

func (s *Store) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewDocument(s.now()), nil
		}
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}

	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, &StorageError{Op: "parse", Path: s.path, Err: err}
	}
	if doc.Metadata.Version == 0 {
		doc.Metadata.Version = DocumentVersion
	}
	return doc, nil
}

// Save writes the document atomically.
func (s *Store) Save(doc *Document) error {
	l, err := s.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer s.unlock(l)

	return s.save(doc)
}

func (s *Store) save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &StorageError{Op: "encode", Path: s.path, Err: err}
	}
	data = append(data, '\n')
	if err := fsutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return &StorageError{Op: "write", Path: s.path, Err: err}
	}
	return nil
}

// update runs one locked load-modify-save cycle. If fn returns an error
// nothing is written.
func (s *Store) update(fn func(doc *Document) error) error {
	l, err := s.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer s.unlock(l)

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

func (s *Store) hash(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), s.opts.HashCost)
	if err != nil {
		return "", fmt.Errorf("registry: hash secret: %w", err)
	}
	return string(h), nil
}

// modifiedAfter returns a timestamp strictly after prev.
func (s *Store) modifiedAfter(prev time.Time) time.Time {
	now := s.now()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

// UpsertAccount inserts or replaces the account. created is kept on update,
// last_modified always moves forward.
func (s *Store) UpsertAccount(address, secret, domain string, isAdmin bool) error {
	address = NormalizeAddress(address)
	hashed, err := s.hash(secret)
	if err != nil {
		return err
	}

	return s.update(func(doc *Document) error {
		acct, exists := doc.Users.Get(address)
		if exists {
			acct.LastModified = s.modifiedAfter(acct.LastModified)
		} else {
			now := s.now()
			acct = Account{Email: address, Created: now, LastModified: now}
		}
		acct.Password = hashed
		acct.Domain = strings.ToLower(domain)
		acct.IsAdmin = isAdmin
		doc.Users.Set(address, acct)

		s.opts.Log.DebugMsg("account stored", "address", address, "new", !exists)
		return nil
	})
}

// UpdateAccountSecret replaces the secret of an existing account. ErrNotFound
// is returned and nothing is written if the address is unknown.
func (s *Store) UpdateAccountSecret(address, newSecret string) error {
	address = NormalizeAddress(address)

	// Check before hashing and locking for write so a miss never touches
	// the file.
	doc, err := s.Load()
	if err != nil {
		return err
	}
	if _, ok := doc.Users.Get(address); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}

	hashed, err := s.hash(newSecret)
	if err != nil {
		return err
	}

	return s.update(func(doc *Document) error {
		acct, ok := doc.Users.Get(address)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		acct.Password = hashed
		acct.LastModified = s.modifiedAfter(acct.LastModified)
		doc.Users.Set(address, acct)
		return nil
	})
}

// UpsertDomain records the domain. If primary is set the domain becomes the
// only primary one. The first domain ever recorded is primary regardless of
// the flag. It reports whether the document was changed.
func (s *Store) UpsertDomain(name string, primary bool) (bool, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	changed := false

	err := s.update(func(doc *Document) error {
		dom, exists := doc.Domains.Get(name)
		if !exists {
			dom = Domain{Name: name, Created: s.now()}
			doc.Domains.Set(name, dom)
			changed = true
		}
		if doc.PrimaryDomain() == "" {
			primary = true
		}
		if primary && !dom.Primary {
			doc.setPrimary(name)
			changed = true
		}
		if !changed {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	return changed, err
}

var errUnchanged = errors.New("registry: unchanged")

// Account returns a single account.
func (s *Store) Account(address string) (Account, error) {
	doc, err := s.Load()
	if err != nil {
		return Account{}, err
	}
	acct, ok := doc.Users.Get(NormalizeAddress(address))
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return acct, nil
}

// SecretMatches compares secret with the hash stored in acct.
func SecretMatches(acct Account, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(acct.Password), []byte(secret)) == nil
}

// ListAccounts returns the accounts in document order. The document is read
// once, the returned sequence can be iterated any number of times.
func (s *Store) ListAccounts() (iter.Seq[Account], error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	return func(yield func(Account) bool) {
		for _, acct := range doc.Users.All() {
			if !yield(acct) {
				return
			}
		}
	}, nil
}

// Remove deletes the registry document and its lock file. Used only by the
// destructive teardown command.
func (s *Store) Remove() error {
	l, err := s.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer func() {
		s.unlock(l)
		os.Remove(s.lockPath)
	}()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Op: "remove", Path: s.path, Err: err}
	}
	return nil
}

// Domains returns the registered domains in document order.
func (s *Store) Domains() ([]Domain, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	domains := make([]Domain, 0, doc.Domains.Len())
	for _, d := range doc.Domains.All() {
		domains = append(domains, d)
	}
	return domains, nil
}
