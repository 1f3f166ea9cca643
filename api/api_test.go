// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package api_test

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/elaysia-feng/nebulachat/api"
	"github.com/elaysia-feng/nebulachat/chat"
	chatmocks "github.com/elaysia-feng/nebulachat/chat/mocks"
	"github.com/elaysia-feng/nebulachat/internal/reactor"
	"github.com/elaysia-feng/nebulachat/pkg/cache"
	kvmocks "github.com/elaysia-feng/nebulachat/pkg/kv/mocks"
	"github.com/elaysia-feng/nebulachat/pkg/server"
	"github.com/elaysia-feng/nebulachat/pkg/server/tcp"
	"github.com/elaysia-feng/nebulachat/pkg/sid"
	"github.com/elaysia-feng/nebulachat/pkg/workers"
	"github.com/elaysia-feng/nebulachat/sms"
	"github.com/elaysia-feng/nebulachat/users"
	usermocks "github.com/elaysia-feng/nebulachat/users/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCode = "123456"

type testEnv struct {
	srv   *tcp.Server
	store *kvmocks.Store
}

func startEnv(t *testing.T, roomCapacity int, chatCfg chat.Config) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := kvmocks.NewStore()
	engine := cache.NewEngine(store, logger, cache.WithSubmitter(func(task func()) { task() }))
	issuer, err := sid.New(store, 1)
	require.NoError(t, err)

	userRepo := usermocks.NewRepository()
	dir, err := users.NewDirectory(userRepo, engine, store, users.DirectoryConfig{}, logger)
	require.NoError(t, err)
	usersSvc := users.New(userRepo, dir, usermocks.NewHasher(), issuer)

	chatSvc := chat.New(chatmocks.NewRepository(), engine, store, issuer, func(task func()) { task() }, chatCfg, logger)

	// Cooldown is effectively disabled so scenarios may request codes for
	// the same phone back to back.
	smsSvc := sms.New(store, sms.NewLogProvider(logger), sms.Config{Cooldown: time.Nanosecond}, sms.WithGenerator(func() (string, error) {
		return testCode, nil
	}))

	rooms := chat.NewRooms(roomCapacity)
	handler := api.New(usersSvc, chatSvc, smsSvc, rooms, logger)

	r, err := reactor.New(64, true)
	require.NoError(t, err)
	pool := workers.New(4, 256, logger)

	srv := tcp.New(tcp.Config{
		Config:       server.Config{Host: "127.0.0.1", Port: "0"},
		MaxLineBytes: 1 << 16,
	}, r, pool, handler, logger)
	handler.Bind(srv)

	go srv.Start() //nolint:errcheck
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	t.Cleanup(func() {
		srv.Stop()
		pool.Stop()
		r.Close()
	})
	return &testEnv{srv: srv, store: store}
}

type client struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func connect(t *testing.T, env *testEnv) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", env.srv.Addr(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &client{t: t, conn: conn, rd: bufio.NewReader(conn)}
}

func (c *client) send(req map[string]any) {
	c.t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(raw, '\n'))
	require.NoError(c.t, err)
}

func (c *client) recv() map[string]any {
	c.t.Helper()
	line, err := c.rd.ReadString('\n')
	require.NoError(c.t, err)
	var resp map[string]any
	require.NoError(c.t, json.Unmarshal([]byte(line), &resp))
	return resp
}

func (c *client) roundTrip(req map[string]any) map[string]any {
	c.t.Helper()
	c.send(req)
	return c.recv()
}

func (c *client) registerAndLogin(name, phone, pass string) map[string]any {
	c.t.Helper()
	resp := c.roundTrip(map[string]any{"cmd": "register", "step": 1, "phone": phone})
	require.Equal(c.t, "code sent", resp["msg"])
	resp = c.roundTrip(map[string]any{"cmd": "register", "step": 2, "phone": phone, "code": testCode, "user": name, "pass": pass, "pass2": pass})
	require.Equal(c.t, true, resp["ok"])
	return c.roundTrip(map[string]any{"cmd": "login", "mode": "password", "user": name, "pass": pass})
}

func TestRegisterAndLoginByPassword(t *testing.T) {
	env := startEnv(t, 100, chat.Config{})
	c := connect(t, env)

	resp := c.roundTrip(map[string]any{"cmd": "register", "step": 1, "phone": "13800000001"})
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, "code sent", resp["msg"])

	resp = c.roundTrip(map[string]any{"cmd": "register", "step": 2, "phone": "13800000001", "code": testCode, "user": "alice", "pass": "p", "pass2": "p"})
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, "register success", resp["msg"])
	assert.Equal(t, "alice", resp["user"])
	assert.NotZero(t, resp["userId"])

	resp = c.roundTrip(map[string]any{"cmd": "login", "mode": "password", "user": "alice", "pass": "p"})
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, float64(1), resp["roomId"])
	assert.Equal(t, "login success", resp["msg"])
}

func TestWrongPassword(t *testing.T) {
	env := startEnv(t, 100, chat.Config{})
	c := connect(t, env)
	resp := c.registerAndLogin("alice", "13800000001", "p")
	require.Equal(t, true, resp["ok"])

	c2 := connect(t, env)
	resp = c2.roundTrip(map[string]any{"cmd": "login", "mode": "password", "user": "alice", "pass": "x"})
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "wrong username or password", resp["msg"])
}

func TestPasswordMismatchOnRegister(t *testing.T) {
	env := startEnv(t, 100, chat.Config{})
	c := connect(t, env)

	resp := c.roundTrip(map[string]any{"cmd": "register", "step": 1, "phone": "13800000001"})
	require.Equal(t, true, resp["ok"])
	resp = c.roundTrip(map[string]any{"cmd": "register", "step": 2, "phone": "13800000001", "code": testCode, "user": "alice", "pass": "p", "pass2": "q"})
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "two passwords not match", resp["msg"])
}

func TestSendAndHistory(t *testing.T) {
	env := startEnv(t, 100, chat.Config{})
	c := connect(t, env)
	resp := c.registerAndLogin("alice", "13800000001", "p")
	require.Equal(t, true, resp["ok"])

	resp = c.roundTrip(map[string]any{"cmd": "send_msg", "text": "hello"})
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, true, resp["broadcast"])
	assert.Equal(t, float64(1), resp["roomId"])
	assert.Equal(t, "alice", resp["fromName"])
	assert.Equal(t, "hello", resp["text"])
	assert.NotZero(t, resp["ts"])

	resp = c.roundTrip(map[string]any{"cmd": "get_history", "limit": 10})
	assert.Equal(t, true, resp["ok"])
	history, ok := resp["history"].([]any)
	require.True(t, ok)
	require.Len(t, history, 1)
	item := history[0].(map[string]any)
	assert.Equal(t, "hello", item["text"])
	assert.Equal(t, "alice", item["fromName"])
	assert.Equal(t, float64(1), item["roomId"])
}

func TestBroadcastReachesRoomPeers(t *testing.T) {
	env := startEnv(t, 100, chat.Config{})

	a := connect(t, env)
	resp := a.registerAndLogin("alice", "13800000001", "p")
	require.Equal(t, true, resp["ok"])

	b := connect(t, env)
	resp = b.registerAndLogin("bob", "13800000002", "p")
	require.Equal(t, true, resp["ok"])

	a.send(map[string]any{"cmd": "send_msg", "text": "hi all"})

	got := a.recv()
	assert.Equal(t, "hi all", got["text"], "sender receives the envelope")

	got = b.recv()
	assert.Equal(t, true, got["broadcast"])
	assert.Equal(t, "hi all", got["text"], "room peer receives the broadcast")
	assert.Equal(t, "alice", got["fromName"])
}

func TestRoomFull(t *testing.T) {
	env := startEnv(t, 1, chat.Config{})

	a := connect(t, env)
	resp := a.registerAndLogin("alice", "13800000001", "p")
	require.Equal(t, true, resp["ok"])
	require.Equal(t, float64(1), resp["roomId"])

	b := connect(t, env)
	resp = b.registerAndLogin("bob", "13800000002", "p")
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, float64(0), resp["roomId"])
	assert.Equal(t, "login success, but room 1 is full", resp["msg"])

	resp = b.roundTrip(map[string]any{"cmd": "join_room", "roomId": 1})
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "room is full", resp["msg"])
	assert.Equal(t, float64(0), resp["roomId"])
}

func TestJoinAndLeaveRooms(t *testing.T) {
	env := startEnv(t, 100, chat.Config{})
	c := connect(t, env)
	resp := c.registerAndLogin("alice", "13800000001", "p")
	require.Equal(t, true, resp["ok"])

	resp = c.roundTrip(map[string]any{"cmd": "join_room", "roomId": 1})
	assert.Equal(t, "already in this room", resp["msg"])

	resp = c.roundTrip(map[string]any{"cmd": "join_room", "roomId": 2})
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, float64(2), resp["roomId"])
	assert.Equal(t, "join room success", resp["msg"])

	resp = c.roundTrip(map[string]any{"cmd": "list_rooms"})
	assert.Equal(t, true, resp["ok"])
	rooms, ok := resp["rooms"].([]any)
	require.True(t, ok)
	require.Len(t, rooms, 1)
	room := rooms[0].(map[string]any)
	assert.Equal(t, float64(2), room["roomId"])
	assert.Equal(t, float64(1), room["size"])

	resp = c.roundTrip(map[string]any{"cmd": "leave_room"})
	assert.Equal(t, "leave room success", resp["msg"])
	resp = c.roundTrip(map[string]any{"cmd": "leave_room"})
	assert.Equal(t, "not in any room", resp["msg"])

	resp = c.roundTrip(map[string]any{"cmd": "send_msg", "text": "hi"})
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "not in any room", resp["msg"])
}

func TestAuthGate(t *testing.T) {
	env := startEnv(t, 100, chat.Config{})
	c := connect(t, env)

	for _, cmd := range []string{"send_msg", "get_history", "join_room", "leave_room", "list_rooms", "update_name"} {
		resp := c.roundTrip(map[string]any{"cmd": cmd})
		assert.Equal(t, false, resp["ok"], cmd)
		assert.Equal(t, "please login first", resp["err"], cmd)
	}
}

func TestEchoUpperQuitAndUnknown(t *testing.T) {
	env := startEnv(t, 100, chat.Config{})
	c := connect(t, env)

	resp := c.roundTrip(map[string]any{"cmd": "echo", "msg": "Ping"})
	assert.Equal(t, "Ping", resp["data"])

	resp = c.roundTrip(map[string]any{"cmd": "upper", "msg": "Ping"})
	assert.Equal(t, "PING", resp["data"])

	resp = c.roundTrip(map[string]any{"cmd": "nonsense"})
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "unknown cmd", resp["err"])

	resp = c.roundTrip(map[string]any{"cmd": "quit"})
	assert.Equal(t, "bye", resp["data"])
	assert.Equal(t, true, resp["close"])

	_, err := c.rd.ReadString('\n')
	assert.Equal(t, io.EOF, err, "server closes after the farewell")
}

func TestMalformedLineKeepsConnection(t *testing.T) {
	env := startEnv(t, 100, chat.Config{})
	c := connect(t, env)

	_, err := c.conn.Write([]byte("{not json\n"))
	require.NoError(t, err)
	resp := c.recv()
	assert.Equal(t, false, resp["ok"])
	assert.NotEmpty(t, resp["err"])

	resp = c.roundTrip(map[string]any{"cmd": "echo", "msg": "still here"})
	assert.Equal(t, "still here", resp["data"])
}

func TestSmsLoginFlow(t *testing.T) {
	env := startEnv(t, 100, chat.Config{})
	c := connect(t, env)

	resp := c.roundTrip(map[string]any{"cmd": "login", "mode": "sms", "step": 1, "phone": "13800000009"})
	assert.Equal(t, "code sent", resp["msg"])

	resp = c.roundTrip(map[string]any{"cmd": "login", "mode": "sms", "step": 2, "phone": "13800000009", "code": "999999"})
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "code mismatch", resp["msg"])

	resp = c.roundTrip(map[string]any{"cmd": "login", "mode": "sms", "step": 2, "phone": "13800000009", "code": testCode})
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, float64(1), resp["roomId"])
	assert.Equal(t, "login success", resp["msg"])

	resp = c.roundTrip(map[string]any{"cmd": "login", "mode": "sms", "step": 3, "phone": "13800000009"})
	assert.Equal(t, "invalid step for sms login", resp["msg"])

	resp = c.roundTrip(map[string]any{"cmd": "login", "mode": "carrier-pigeon"})
	assert.Equal(t, "invalid login mode", resp["msg"])
}

func TestUpdateName(t *testing.T) {
	env := startEnv(t, 100, chat.Config{})
	c := connect(t, env)
	resp := c.registerAndLogin("alice", "13800000001", "p")
	require.Equal(t, true, resp["ok"])

	resp = c.roundTrip(map[string]any{"cmd": "update_name", "newName": ""})
	assert.Equal(t, "newName cannot be empty", resp["msg"])

	resp = c.roundTrip(map[string]any{"cmd": "update_name", "newName": "alice2"})
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, "update username success", resp["msg"])
	assert.Equal(t, "alice", resp["oldName"])
	assert.Equal(t, "alice2", resp["newName"])
	assert.Equal(t, "13800000001", resp["phone"])

	// Subsequent traffic carries the new identity.
	resp = c.roundTrip(map[string]any{"cmd": "send_msg", "text": "hi"})
	assert.Equal(t, "alice2", resp["fromName"])
}

func TestResetPasswordFlow(t *testing.T) {
	env := startEnv(t, 100, chat.Config{})
	c := connect(t, env)
	resp := c.registerAndLogin("alice", "13800000001", "p")
	require.Equal(t, true, resp["ok"])

	c2 := connect(t, env)
	resp = c2.roundTrip(map[string]any{"cmd": "reset_pass", "step": 1, "phone": "13800000001"})
	require.Equal(t, "code sent", resp["msg"])
	resp = c2.roundTrip(map[string]any{"cmd": "reset_pass", "step": 2, "phone": "13800000001", "code": testCode, "newPass": "q"})
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, "reset password success", resp["msg"])

	resp = c2.roundTrip(map[string]any{"cmd": "login", "mode": "password", "user": "alice", "pass": "p"})
	assert.Equal(t, "wrong username or password", resp["msg"])
	resp = c2.roundTrip(map[string]any{"cmd": "login", "mode": "password", "user": "alice", "pass": "q"})
	assert.Equal(t, true, resp["ok"])
}

func TestResetPasswordUnknownPhone(t *testing.T) {
	env := startEnv(t, 100, chat.Config{})
	c := connect(t, env)

	resp := c.roundTrip(map[string]any{"cmd": "reset_pass", "step": 1, "phone": "13800000008"})
	require.Equal(t, "code sent", resp["msg"])
	resp = c.roundTrip(map[string]any{"cmd": "reset_pass", "step": 2, "phone": "13800000008", "code": testCode, "newPass": "q"})
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "phone not registered", resp["msg"])
}

func TestHistoryFailsClosedWhenDegradedWindowExhausted(t *testing.T) {
	env := startEnv(t, 100, chat.Config{DegradedPerSec: 3})
	c := connect(t, env)
	resp := c.registerAndLogin("alice", "13800000001", "p")
	require.Equal(t, true, resp["ok"])

	resp = c.roundTrip(map[string]any{"cmd": "send_msg", "text": "hello"})
	require.Equal(t, true, resp["ok"])

	env.store.SetFailing(true)

	failed := 0
	for i := 0; i < 20; i++ {
		resp = c.roundTrip(map[string]any{"cmd": "get_history", "limit": 10})
		if resp["ok"] == false {
			assert.Equal(t, "get history failed", resp["msg"])
			failed++
		}
	}
	assert.Positive(t, failed, "degraded reads beyond the admission window must fail")

	env.store.SetFailing(false)
	resp = c.roundTrip(map[string]any{"cmd": "get_history", "limit": 10})
	assert.Equal(t, true, resp["ok"], "reads succeed once the tier recovers")
}
