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

import "database/sql"

func Migrate(db *sql.DB) error {
	migrations := []string{
		// Durable message tier: one row per envelope, keyed by the
		// cache-assigned per-queue sequence id
		`CREATE TABLE IF NOT EXISTS messages (
			queue_key VARCHAR(255) NOT NULL,
			id BIGINT NOT NULL,
			server_guid VARCHAR(64) NOT NULL,
			type SMALLINT NOT NULL,
			client_timestamp BIGINT NOT NULL,
			server_timestamp BIGINT NOT NULL,
			source_uuid VARCHAR(64),
			source_device BIGINT,
			destination_uuid VARCHAR(64) NOT NULL,
			content BYTEA NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			PRIMARY KEY (queue_key, id)
		)`,

		// Index for the retention sweep
		`CREATE INDEX IF NOT EXISTS idx_messages_expiry
		ON messages(expires_at)`,

		// Device records: push routing only, registration lives elsewhere
		`CREATE TABLE IF NOT EXISTS devices (
			account_uuid VARCHAR(64) NOT NULL,
			device_id BIGINT NOT NULL,
			push_token VARCHAR(512),
			platform VARCHAR(16),
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_seen TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (account_uuid, device_id)
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
