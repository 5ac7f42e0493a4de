// Drawbridge
// Copyright (C) 2025 Moatworks, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package synchub

import (
	"database/sql"
	"time"

	"github.com/gravitational/trace"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sync_patches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    workspace_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    payload BLOB,
    received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sync_patches_key_time
    ON sync_patches (user_id, workspace_id, received_at);
`

// SQLiteStore persists patch logs in a single-file SQLite database so they
// survive gateway restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path and ensures the
// schema. Busy timeout covers concurrent pushes from request goroutines.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, trace.BadParameter("missing database path")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append inserts the patches in one transaction, preserving order.
func (s *SQLiteStore) Append(key StoreKey, patches []Patch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return trace.Wrap(err)
	}
	stmt, err := tx.Prepare(`INSERT INTO sync_patches
        (user_id, workspace_id, session_id, entity_type, payload, received_at)
        VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return trace.Wrap(err)
	}
	defer stmt.Close()
	for _, p := range patches {
		if _, err := stmt.Exec(key.UserID, key.WorkspaceID, p.SessionID,
			p.EntityType, []byte(p.Payload), p.ReceivedAt.UnixNano()); err != nil {
			tx.Rollback()
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(tx.Commit())
}

// Since returns the key's patches received strictly after the cursor, in
// insertion order.
func (s *SQLiteStore) Since(key StoreKey, since time.Time) ([]Patch, error) {
	rows, err := s.db.Query(`SELECT session_id, entity_type, payload, received_at
        FROM sync_patches
        WHERE user_id = ? AND workspace_id = ? AND received_at > ?
        ORDER BY id`,
		key.UserID, key.WorkspaceID, since.UnixNano())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var patches []Patch
	for rows.Next() {
		var p Patch
		var payload []byte
		var receivedAt int64
		if err := rows.Scan(&p.SessionID, &p.EntityType, &payload, &receivedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		p.UserID = key.UserID
		p.Payload = payload
		p.ReceivedAt = time.Unix(0, receivedAt)
		patches = append(patches, p)
	}
	return patches, trace.Wrap(rows.Err())
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return trace.Wrap(s.db.Close())
}
