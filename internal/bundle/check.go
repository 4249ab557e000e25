// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package bundle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	sqliteMagic      = "SQLite format 3\x00"
	sqliteHeaderSize = 100
)

func checkConfig(data []byte) error {
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		var de *toml.DecodeError
		if errors.As(err, &de) {
			row, col := de.Position()
			return fmt.Errorf("invalid TOML at line %d column %d: %s", row, col, de.Error())
		}
		return fmt.Errorf("invalid TOML: %w", err)
	}
	return nil
}

// CheckSQLiteImage verifies the SQLite file header of data: the magic
// string, a power-of-two page size between 512 and 65536, and a total size
// that is a whole number of pages.
func CheckSQLiteImage(data []byte) error {
	if len(data) < sqliteHeaderSize {
		return errors.New("not a SQLite database: too short")
	}
	if !bytes.Equal(data[:len(sqliteMagic)], []byte(sqliteMagic)) {
		return errors.New("not a SQLite database: bad header")
	}
	pageSize := int(binary.BigEndian.Uint16(data[16:18]))
	if pageSize == 1 {
		pageSize = 65536
	}
	if pageSize < 512 || pageSize&(pageSize-1) != 0 {
		return fmt.Errorf("not a SQLite database: page size %d", pageSize)
	}
	if len(data)%pageSize != 0 {
		return fmt.Errorf("truncated SQLite database: %d bytes is not a multiple of page size %d", len(data), pageSize)
	}
	return nil
}
