// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package chat_test

import (
	"sync"
	"testing"

	"github.com/elaysia-feng/nebulachat/chat"
	"github.com/stretchr/testify/assert"
)

func TestRoomsCapacity(t *testing.T) {
	rooms := chat.NewRooms(2)

	assert.True(t, rooms.TryJoin(1, 10))
	assert.True(t, rooms.TryJoin(1, 11))
	assert.False(t, rooms.TryJoin(1, 12), "third member exceeds capacity")
	assert.Equal(t, 2, rooms.Occupancy(1))

	rooms.Leave(10)
	assert.True(t, rooms.TryJoin(1, 12), "freed slot can be retaken")
}

func TestRoomsRejoinIsIdempotent(t *testing.T) {
	rooms := chat.NewRooms(1)

	assert.True(t, rooms.TryJoin(1, 10))
	assert.True(t, rooms.TryJoin(1, 10), "joining the current room again succeeds")
	assert.Equal(t, 1, rooms.Occupancy(1))
}

func TestRoomsMoveBetweenRooms(t *testing.T) {
	rooms := chat.NewRooms(0)

	assert.True(t, rooms.TryJoin(1, 10))
	assert.True(t, rooms.TryJoin(2, 10))
	assert.Equal(t, 0, rooms.Occupancy(1), "moving must leave the old room")
	assert.Equal(t, 1, rooms.Occupancy(2))

	roomID, ok := rooms.Room(10)
	assert.True(t, ok)
	assert.Equal(t, int64(2), roomID)
}

func TestRoomsFullMoveKeepsMembership(t *testing.T) {
	rooms := chat.NewRooms(1)

	assert.True(t, rooms.TryJoin(1, 10))
	assert.True(t, rooms.TryJoin(2, 11))
	assert.False(t, rooms.TryJoin(2, 10), "target room is full")

	roomID, ok := rooms.Room(10)
	assert.True(t, ok)
	assert.Equal(t, int64(1), roomID, "failed move must not evict the member")
}

func TestRoomsSnapshot(t *testing.T) {
	rooms := chat.NewRooms(0)
	rooms.TryJoin(1, 10)
	rooms.TryJoin(1, 11)
	rooms.TryJoin(2, 12)

	fds := rooms.Snapshot(1)
	assert.ElementsMatch(t, []int{10, 11}, fds)
	assert.Empty(t, rooms.Snapshot(9))
}

func TestRoomsConcurrentChurn(t *testing.T) {
	rooms := chat.NewRooms(0)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(fd int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rooms.TryJoin(int64(j%4+1), fd)
			}
			rooms.Leave(fd)
		}(i)
	}
	wg.Wait()

	for room := int64(1); room <= 4; room++ {
		assert.Equal(t, 0, rooms.Occupancy(room))
	}
}
