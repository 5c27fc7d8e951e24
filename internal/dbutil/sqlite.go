// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dbutil opens the SQLite databases backing the Request Queue and
// Work-File Store persistence, shared so both get the same WAL/busy_timeout
// posture. Grounded in the teacher's internal/storage/{schema,datafile}.go,
// generalized away from the inode/dentry schema it was written for.
package dbutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"rqtree/internal/util"
)

// DefaultBusyTimeoutMS matches the teacher's DefaultBusyTimeout.
const DefaultBusyTimeoutMS = 30000

// EnvBusyTimeout overrides the busy_timeout used when opening a queue or
// work-file database, mirroring LATENTFS_BUSY_TIMEOUT.
const EnvBusyTimeout = "RQTREE_BUSY_TIMEOUT"

func busyTimeoutMS() int {
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return DefaultBusyTimeoutMS
}

func buildDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, busyTimeoutMS())
}

func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	return rows.Close()
}

// applyPragmas sets the PRAGMAs libsql ignores in the DSN.
func applyPragmas(db *sql.DB) error {
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMS())); err != nil {
		return fmt.Errorf("setting busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("setting journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("setting synchronous=NORMAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enabling foreign keys: %w", err)
	}
	return nil
}

// Open opens (creating if necessary) a libsql-backed SQLite database at path
// and wraps it with bun for type-safe queries, then applies schema via the
// given DDL statements (each executed independently, idempotently using
// "IF NOT EXISTS" as libsql prefers one statement per Exec call).
func Open(path string, ddl []string) (*bun.DB, error) {
	sqlDB, err := sql.Open("libsql", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	for _, stmt := range ddl {
		// WAL writers opening the queue and work-file databases concurrently
		// can transiently collide on the schema migration; retry those.
		err := util.Retry(context.Background(), func() error {
			_, err := bunDB.Exec(stmt)
			return err
		})
		if err != nil {
			bunDB.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}
	return bunDB, nil
}
