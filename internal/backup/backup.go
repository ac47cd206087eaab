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

// Package backup archives the mail stack state into timestamped tar.gz files
// and keeps only the newest ones.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/themadorg/mailstack/framework/log"
)

const (
	filePrefix = "mailstack-"
	fileSuffix = ".tar.gz"
	timeFormat = "2006-01-02_150405.000"

	// parseFormat also accepts names written without milliseconds.
	parseFormat = "2006-01-02_150405"
)

// ErrExists is returned by Create when an archive with the same timestamp is
// already present.
var ErrExists = errors.New("backup: archive already exists")

// Source is a directory added to the archive under Name.
type Source struct {
	Path string
	Name string
}

type Options struct {
	// Dir receives the archives.
	Dir string

	// Keep is the number of archives kept after a new one is written.
	// Zero keeps everything.
	Keep int

	// Exclude lists absolute paths skipped while walking the sources.
	Exclude []string

	Now func() time.Time
	Log log.Logger
}

type Info struct {
	Path    string    `json:"path"`
	Created time.Time `json:"created"`
	Size    int64     `json:"size"`
}

// Create writes a new archive of sources into opts.Dir and rotates old
// archives.
func Create(sources []Source, opts Options) (Info, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	created := now().UTC()

	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return Info{}, err
	}
	// The archive directory may live inside a source.
	exclude := append([]string{opts.Dir}, opts.Exclude...)

	tmp, err := os.CreateTemp(opts.Dir, ".backup-*")
	if err != nil {
		return Info{}, err
	}
	defer os.Remove(tmp.Name())

	if err := writeArchive(tmp, sources, exclude); err != nil {
		tmp.Close()
		return Info{}, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Info{}, err
	}
	if err := tmp.Close(); err != nil {
		return Info{}, err
	}

	path := filepath.Join(opts.Dir, filePrefix+created.Format(timeFormat)+fileSuffix)
	if _, err := os.Lstat(path); err == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Info{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, err
	}
	opts.Log.Msg("backup written", "path", path, "size", st.Size())

	if opts.Keep > 0 {
		removed, err := Rotate(opts.Dir, opts.Keep)
		if err != nil {
			opts.Log.Error("backup rotation failed", err, "dir", opts.Dir)
		} else if removed > 0 {
			opts.Log.Debugf("removed %d old backups from %s", removed, opts.Dir)
		}
	}

	return Info{Path: path, Created: created, Size: st.Size()}, nil
}

func writeArchive(w io.Writer, sources []Source, exclude []string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, src := range sources {
		if err := addTree(tw, src, exclude); err != nil {
			return fmt.Errorf("backup: %s: %w", src.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func excluded(path string, exclude []string) bool {
	for _, e := range exclude {
		if path == e || strings.HasPrefix(path, e+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func addTree(tw *tar.Writer, src Source, exclude []string) error {
	return filepath.WalkDir(src.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if excluded(path, exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			// Sockets and devices.
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src.Path, path)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(src.Name, rel))
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// List returns the archives in dir, newest first.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var res []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ts := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		created, err := time.Parse(parseFormat, ts)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		res = append(res, Info{Path: filepath.Join(dir, name), Created: created, Size: info.Size()})
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].Created.After(res[j].Created)
	})
	return res, nil
}

// Rotate removes all but the keep newest archives in dir.
func Rotate(dir string, keep int) (int, error) {
	all, err := List(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := keep; i < len(all); i++ {
		if err := os.Remove(all[i].Path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
