// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	_ "github.com/jackc/pgx/v5/stdlib" // required for SQL access
	migrate "github.com/rubenv/sql-migrate"
)

// Migration of the messages table.
func Migration() *migrate.MemoryMigrationSource {
	return &migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "messages_01",
				Up: []string{
					`CREATE TABLE IF NOT EXISTS messages (
						id          BIGINT PRIMARY KEY,
						room_id     BIGINT NOT NULL,
						user_id     BIGINT NOT NULL,
						username    VARCHAR(254) NOT NULL,
						content     TEXT NOT NULL,
						created_at  TIMESTAMP NOT NULL DEFAULT NOW()
					)`,
					`CREATE INDEX IF NOT EXISTS messages_room_idx ON messages (room_id, id DESC)`,
				},
				Down: []string{
					`DROP TABLE IF EXISTS messages`,
				},
			},
		},
	}
}
