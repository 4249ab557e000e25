// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package importer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// BackupLayout is the UTC timestamp suffix of backup files. It sorts
// lexically in time order.
const BackupLayout = "20060102T150405.000000000Z"

const backupInfix = ".bak-"

// BackupName returns the backup path of path for time ts.
func BackupName(path string, ts time.Time) string {
	return path + backupInfix + ts.UTC().Format(BackupLayout)
}

// Backups lists the existing backups of path, oldest first.
func Backups(path string) ([]string, error) {
	matches, err := filepath.Glob(globEscape(path) + backupInfix + "*")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range matches {
		if _, ok := backupTime(path, m); ok {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func backupTime(path, candidate string) (time.Time, bool) {
	suffix, ok := strings.CutPrefix(candidate, path+backupInfix)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(BackupLayout, suffix)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// nextBackupTime returns a timestamp not earlier than now and strictly later
// than every existing backup of path.
func (m *Manager) nextBackupTime(path string) (time.Time, error) {
	ts := m.clock.Now().UTC()
	existing, err := Backups(path)
	if err != nil {
		return time.Time{}, err
	}
	if n := len(existing); n > 0 {
		latest, _ := backupTime(path, existing[n-1])
		if !ts.After(latest) {
			ts = latest.Add(time.Nanosecond)
		}
	}
	return ts, nil
}

// backup copies the current content of path to a new backup file and
// returns its name. It returns "" when path does not exist.
func (m *Manager) backup(path string) (string, error) {
	src, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()
	info, err := src.Stat()
	if err != nil {
		return "", err
	}
	for attempt := 0; attempt < 8; attempt++ {
		ts, err := m.nextBackupTime(path)
		if err != nil {
			return "", err
		}
		name := BackupName(path, ts)
		dst, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if err := copySynced(dst, src); err != nil {
			_ = os.Remove(name)
			return "", err
		}
		return name, nil
	}
	return "", fmt.Errorf("could not allocate a backup name for %s", path)
}

func copySynced(dst, src *os.File) error {
	if _, err := src.Seek(0, 0); err != nil {
		_ = dst.Close()
		return err
	}
	if _, err := dst.ReadFrom(src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func globEscape(p string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return r.Replace(p)
}
