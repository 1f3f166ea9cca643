// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	_ "github.com/jackc/pgx/v5/stdlib" // required for SQL access
	migrate "github.com/rubenv/sql-migrate"
)

// Migration of the users table.
func Migration() *migrate.MemoryMigrationSource {
	return &migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "users_01",
				// Identifiers are composite 63-bit integers issued by the
				// sid package, never database sequences.
				Up: []string{
					`CREATE TABLE IF NOT EXISTS users (
						id          BIGINT PRIMARY KEY,
						name        VARCHAR(254) NOT NULL UNIQUE,
						phone       VARCHAR(32),
						secret      TEXT NOT NULL,
						created_at  TIMESTAMP NOT NULL DEFAULT NOW()
					)`,
					`CREATE UNIQUE INDEX IF NOT EXISTS users_phone_idx ON users (phone) WHERE phone <> ''`,
				},
				Down: []string{
					`DROP TABLE IF EXISTS users`,
				},
			},
		},
	}
}
