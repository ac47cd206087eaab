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

package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
)

// DocumentVersion is the schema version written into new documents.
const DocumentVersion = 1

// Account is a single mailbox managed by mailstack.
type Account struct {
	Email string `json:"email"`
	// Password holds the bcrypt hash of the account secret, never the
	// plaintext.
	Password     string    `json:"password"`
	Domain       string    `json:"domain"`
	IsAdmin      bool      `json:"is_admin"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"last_modified"`
}

// Domain is a mail domain served by the stack. Certificate and DKIM key
// presence are derived from the filesystem and not stored.
type Domain struct {
	Name    string    `json:"name"`
	Primary bool      `json:"primary"`
	Created time.Time `json:"created"`
}

type Metadata struct {
	Created    time.Time `json:"created"`
	Version    int       `json:"version"`
	InstanceID string    `json:"instance_id"`
	// SecretKey is reserved for registry-wide key material and is empty for
	// now.
	SecretKey string `json:"secret_key"`
}

// Document is the whole registry as persisted on disk.
type Document struct {
	Users    Map[Account] `json:"users"`
	Domains  Map[Domain]  `json:"domains"`
	Metadata Metadata     `json:"metadata"`
}

// NewDocument returns an empty document with initialized metadata.
func NewDocument(now time.Time) *Document {
	return &Document{
		Metadata: Metadata{
			Created:    now,
			Version:    DocumentVersion,
			InstanceID: uuid.NewString(),
		},
	}
}

// PrimaryDomain returns the name of the primary domain or an empty string if
// no domain is registered yet.
func (d *Document) PrimaryDomain() string {
	for _, dom := range d.Domains.All() {
		if dom.Primary {
			return dom.Name
		}
	}
	return ""
}

// AdminFor returns the administrative account of the domain, if any.
func (d *Document) AdminFor(domain string) (Account, bool) {
	for _, acct := range d.Users.All() {
		if acct.IsAdmin && acct.Domain == domain {
			return acct, true
		}
	}
	return Account{}, false
}

// setPrimary marks name as the only primary domain.
func (d *Document) setPrimary(name string) {
	for key, dom := range d.Domains.All() {
		want := key == name
		if dom.Primary != want {
			dom.Primary = want
			d.Domains.Set(key, dom)
		}
	}
}

// Map is a string-keyed map that remembers insertion order and keeps it
// across JSON encoding.
type Map[V any] struct {
	keys []string
	vals map[string]V
}

func (m *Map[V]) Get(key string) (V, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Set stores the value. New keys are appended, existing keys keep their
// position.
func (m *Map[V]) Set(key string, val V) {
	if m.vals == nil {
		m.vals = make(map[string]V)
	}
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = val
}

func (m *Map[V]) Len() int {
	return len(m.keys)
}

// Keys returns a copy of the keys in insertion order.
func (m *Map[V]) Keys() []string {
	return append([]string(nil), m.keys...)
}

// All iterates over entries in insertion order. The iteration works on a
// snapshot of the keys so it can be restarted and tolerates Set calls from
// the loop body.
func (m *Map[V]) All() iter.Seq2[string, V] {
	keys := m.Keys()
	return func(yield func(string, V) bool) {
		for _, k := range keys {
			v, ok := m.vals[k]
			if !ok {
				continue
			}
			if !yield(k, v) {
				return
			}
		}
	}
}

func (m Map[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i != 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(m.vals[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *Map[V]) UnmarshalJSON(data []byte) error {
	m.keys = nil
	m.vals = nil

	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("registry: expected JSON object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("registry: expected object key, got %v", tok)
		}
		var val V
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("registry: key %q: %w", key, err)
		}
		m.Set(key, val)
	}

	_, err = dec.Token()
	return err
}
