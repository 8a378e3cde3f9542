// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

// Store is the durable older tier of every device queue, one row per
// envelope keyed (queue_key, id). Rows carry an expiry so abandoned-device
// queues self-clean after the retention window even if nobody deletes them.
type Store struct {
	db        *sql.DB
	retention time.Duration
}

func NewStore(db *sql.DB, retention time.Duration) *Store {
	return &Store{db: db, retention: retention}
}

// Store appends envelopes under their cache-assigned ids. ON CONFLICT DO
// NOTHING makes the persister's migration idempotent: re-running a sweep over
// the same queue state neither duplicates nor drops entries.
func (s *Store) Store(ctx context.Context, key models.QueueKey, envelopes []models.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	expiresAt := time.Now().Add(s.retention)
	for _, env := range envelopes {
		if env.Ephemeral {
			// Ephemeral envelopes must never reach the durable tier.
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (queue_key, id, server_guid, type, client_timestamp,
				server_timestamp, source_uuid, source_device, destination_uuid, content, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (queue_key, id) DO NOTHING`,
			key.String(), env.ID, env.ServerGuid, env.Type, env.Timestamp,
			env.ServerTimestamp, nullString(env.SourceUUID), nullInt(env.SourceDevice),
			env.DestinationUUID, env.Content, expiresAt)
		if err != nil {
			return fmt.Errorf("failed to store envelope %d: %w", env.ID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) Load(ctx context.Context, key models.QueueKey, afterID int64, limit int) ([]models.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_guid, type, client_timestamp, server_timestamp,
			source_uuid, source_device, destination_uuid, content
		FROM messages
		WHERE queue_key = $1 AND id > $2 AND expires_at > CURRENT_TIMESTAMP
		ORDER BY id
		LIMIT $3`,
		key.String(), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var envelopes []models.Envelope
	for rows.Next() {
		var env models.Envelope
		var sourceUUID sql.NullString
		var sourceDevice sql.NullInt64
		err := rows.Scan(&env.ID, &env.ServerGuid, &env.Type, &env.Timestamp,
			&env.ServerTimestamp, &sourceUUID, &sourceDevice,
			&env.DestinationUUID, &env.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		env.SourceUUID = sourceUUID.String
		env.SourceDevice = sourceDevice.Int64
		envelopes = append(envelopes, env)
	}
	return envelopes, rows.Err()
}

func (s *Store) Delete(ctx context.Context, key models.QueueKey, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE queue_key = $1 AND id = ANY($2)`,
		key.String(), pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func (s *Store) DeleteAllFor(ctx context.Context, key models.QueueKey) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE queue_key = $1`, key.String())
	if err != nil {
		return fmt.Errorf("failed to delete device queue: %w", err)
	}
	return nil
}

func (s *Store) RemoveExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to remove expired messages: %w", err)
	}
	return result.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

var _ storage.MessageStore = (*Store)(nil)
