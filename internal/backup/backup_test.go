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

package backup

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func archiveNames(t *testing.T, path string) map[string]string {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	res := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		res[hdr.Name] = string(data)
	}
	return res
}

func TestCreate(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "users.json"), []byte(`{"users":{}}`), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docker-data", "dms"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docker-data", "dms", "state"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink("users.json", filepath.Join(root, "link")))

	dir := filepath.Join(root, "backups")
	info, err := Create([]Source{{Path: root, Name: "mailstack"}}, Options{
		Dir: dir,
		Now: func() time.Time { return time.Date(2026, 4, 5, 6, 7, 8, 9_000_000, time.UTC) },
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "mailstack-2026-04-05_060708.009.tar.gz"), info.Path)
	assert.Positive(t, info.Size)

	names := archiveNames(t, info.Path)
	assert.Equal(t, `{"users":{}}`, names["mailstack/users.json"])
	assert.Equal(t, "x", names["mailstack/docker-data/dms/state"])
	assert.Contains(t, names, "mailstack/link")
	for name := range names {
		assert.NotContains(t, name, "backups", "archive must not contain itself")
	}
}

func TestRotate(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "users.json"), []byte("{}"), 0o600))
	dir := t.TempDir()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for range 5 {
		clock = clock.Add(time.Hour)
		_, err := Create([]Source{{Path: root, Name: "mailstack"}}, Options{
			Dir:  dir,
			Keep: 3,
			Now:  func() time.Time { return clock },
		})
		require.NoError(t, err)
	}

	list, err := List(dir)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, sort.SliceIsSorted(list, func(i, j int) bool { return list[i].Created.After(list[j].Created) }))
	assert.Equal(t, clock, list[0].Created)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temporary files left behind")
}

func TestSameSecond(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "users.json"), []byte("{}"), 0o600))
	dir := t.TempDir()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	create := func(at time.Time) (Info, error) {
		return Create([]Source{{Path: root, Name: "mailstack"}}, Options{
			Dir: dir,
			Now: func() time.Time { return at },
		})
	}

	first, err := create(base.Add(100 * time.Millisecond))
	require.NoError(t, err)
	second, err := create(base.Add(600 * time.Millisecond))
	require.NoError(t, err)
	assert.NotEqual(t, first.Path, second.Path)

	_, err = create(base.Add(600 * time.Millisecond))
	assert.ErrorIs(t, err, ErrExists)

	list, err := List(dir)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.Created, list[0].Created)
	assert.Equal(t, first.Created, list[1].Created)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "the refused archive leaves nothing behind")
}

func TestListReadsLegacyNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mailstack-2026-04-05_060708.tar.gz"), nil, 0o600))

	list, err := List(dir)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC), list[0].Created)
}

func TestListIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mailstack-garbage.tar.gz"), nil, 0o644))

	list, err := List(dir)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = List(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, list)
}
