// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"time"
)

// Message is one chat line addressed to a room.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"room_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository specifies the message persistence API.
type Repository interface {
	// Save persists the message.
	Save(ctx context.Context, msg Message) error

	// RetrieveRecent retrieves the newest messages of a room, newest
	// first, capped at limit.
	RetrieveRecent(ctx context.Context, roomID int64, limit int) ([]Message, error)
}
