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

package reconcile

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// DefaultSecretLength is the length of generated administrative secrets.
const DefaultSecretLength = 16

// GenerateSecret returns n characters from the base64 alphabet with '/',
// '+' and '=' removed. r is crypto/rand.Reader when nil.
func GenerateSecret(r io.Reader, n int) (string, error) {
	if n <= 0 {
		return "", errors.New("reconcile: secret length must be positive")
	}
	if r == nil {
		r = rand.Reader
	}

	var sb strings.Builder
	buf := make([]byte, n)
	for sb.Len() < n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, c := range base64.StdEncoding.EncodeToString(buf) {
			if c == '/' || c == '+' || c == '=' {
				continue
			}
			sb.WriteRune(c)
		}
	}
	return sb.String()[:n], nil
}
