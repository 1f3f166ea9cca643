// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"time"

	"github.com/elaysia-feng/nebulachat/chat"
	"github.com/elaysia-feng/nebulachat/pkg/errors"
	repoerr "github.com/elaysia-feng/nebulachat/pkg/errors/repository"
	"github.com/elaysia-feng/nebulachat/pkg/postgres"
	"github.com/jmoiron/sqlx"
)

type messageRepo struct {
	db *sqlx.DB
}

var _ chat.Repository = (*messageRepo)(nil)

// NewRepository instantiates a PostgreSQL implementation of the messages
// repository.
func NewRepository(db *sqlx.DB) chat.Repository {
	return &messageRepo{db: db}
}

type dbMessage struct {
	ID        int64     `db:"id"`
	RoomID    int64     `db:"room_id"`
	UserID    int64     `db:"user_id"`
	Username  string    `db:"username"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

func (repo *messageRepo) Save(ctx context.Context, msg chat.Message) error {
	q := `INSERT INTO messages (id, room_id, user_id, username, content, created_at)
		VALUES (:id, :room_id, :user_id, :username, :content, :created_at)`

	dbm := dbMessage{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	if dbm.CreatedAt.IsZero() {
		dbm.CreatedAt = time.Now().UTC()
	}

	if _, err := repo.db.NamedExecContext(ctx, q, dbm); err != nil {
		return postgres.HandleError(repoerr.ErrCreateEntity, err)
	}
	return nil
}

func (repo *messageRepo) RetrieveRecent(ctx context.Context, roomID int64, limit int) ([]chat.Message, error) {
	q := `SELECT id, room_id, user_id, username, content, created_at
		FROM messages WHERE room_id = :room_id
		ORDER BY id DESC LIMIT :limit`

	params := map[string]interface{}{
		"room_id": roomID,
		"limit":   limit,
	}

	rows, err := repo.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, postgres.HandleError(repoerr.ErrViewEntity, err)
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		var dbm dbMessage
		if err := rows.StructScan(&dbm); err != nil {
			return nil, errors.Wrap(repoerr.ErrViewEntity, err)
		}
		msgs = append(msgs, chat.Message{
			ID:        dbm.ID,
			RoomID:    dbm.RoomID,
			UserID:    dbm.UserID,
			Username:  dbm.Username,
			Content:   dbm.Content,
			CreatedAt: dbm.CreatedAt,
		})
	}
	return msgs, nil
}
