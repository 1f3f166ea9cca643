// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package api decodes the line protocol, gates commands on session state,
// calls the domain services and encodes responses.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/elaysia-feng/nebulachat/chat"
	"github.com/elaysia-feng/nebulachat/pkg/errors"
	svcerr "github.com/elaysia-feng/nebulachat/pkg/errors/service"
	"github.com/elaysia-feng/nebulachat/pkg/server/tcp"
	"github.com/elaysia-feng/nebulachat/sms"
	"github.com/elaysia-feng/nebulachat/users"
)

const defaultHistoryLimit = 10

// Responder is the slice of the chat server the handler writes through.
type Responder interface {
	Send(conn *tcp.Connection, line string)
	SendFinal(conn *tcp.Connection, line string)
	SendTo(fd int, line string)
}

// request is the union of every command's input fields.
type request struct {
	Cmd     string `json:"cmd"`
	Mode    string `json:"mode"`
	Step    int    `json:"step"`
	User    string `json:"user"`
	Pass    string `json:"pass"`
	Pass2   string `json:"pass2"`
	NewPass string `json:"newPass"`
	NewName string `json:"newName"`
	Phone   string `json:"phone"`
	Code    string `json:"code"`
	RoomID  int64  `json:"roomId"`
	Text    string `json:"text"`
	Limit   *int   `json:"limit"`
	Msg     string `json:"msg"`
}

type historyItem struct {
	ID       int64  `json:"id"`
	RoomID   int64  `json:"roomId"`
	FromID   int64  `json:"fromId"`
	FromName string `json:"fromName"`
	Text     string `json:"text"`
	TS       int64  `json:"ts"`
}

// Handler routes decoded commands to the domain services.
type Handler struct {
	users  users.Service
	chat   chat.Service
	sms    sms.Service
	rooms  *chat.Rooms
	out    Responder
	logger *slog.Logger
}

var _ tcp.Handler = (*Handler)(nil)

// New creates the protocol handler. Bind must be called with the server
// before it receives traffic.
func New(usersSvc users.Service, chatSvc chat.Service, smsSvc sms.Service, rooms *chat.Rooms, logger *slog.Logger) *Handler {
	return &Handler{
		users:  usersSvc,
		chat:   chatSvc,
		sms:    smsSvc,
		rooms:  rooms,
		logger: logger,
	}
}

// Bind attaches the responder the handler writes replies through.
func (h *Handler) Bind(out Responder) {
	h.out = out
}

func (h *Handler) reply(conn *tcp.Connection, fields map[string]any) {
	raw, err := json.Marshal(fields)
	if err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
		return
	}
	if final, _ := fields["close"].(bool); final {
		h.out.SendFinal(conn, string(raw))
		return
	}
	h.out.Send(conn, string(raw))
}

func ok(fields map[string]any) map[string]any {
	fields["ok"] = true
	return fields
}

func fail(msg string) map[string]any {
	return map[string]any{"ok": false, "msg": msg}
}

func protocolErr(reason string) map[string]any {
	return map[string]any{"ok": false, "err": reason}
}

// OnLine handles one decoded request line on a worker goroutine.
func (h *Handler) OnLine(ctx context.Context, conn *tcp.Connection, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		h.reply(conn, protocolErr(err.Error()))
		return
	}

	switch req.Cmd {
	case "login":
		h.login(ctx, conn, req)
	case "register":
		h.register(ctx, conn, req)
	case "reset_pass":
		h.resetPass(ctx, conn, req)
	case "update_name":
		h.authed(conn, func(uid int64, uname string) { h.updateName(ctx, conn, uid, uname, req) })
	case "join_room":
		h.authed(conn, func(int64, string) { h.joinRoom(conn, req) })
	case "leave_room":
		h.authed(conn, func(int64, string) { h.leaveRoom(conn) })
	case "list_rooms":
		h.authed(conn, func(int64, string) {
			h.reply(conn, ok(map[string]any{"rooms": h.rooms.List()}))
		})
	case "send_msg":
		h.authed(conn, func(uid int64, uname string) { h.sendMsg(ctx, conn, uid, uname, req) })
	case "get_history":
		h.authed(conn, func(int64, string) { h.getHistory(ctx, conn, req) })
	case "echo":
		h.reply(conn, ok(map[string]any{"data": req.Msg}))
	case "upper":
		h.reply(conn, ok(map[string]any{"data": strings.ToUpper(req.Msg)}))
	case "quit":
		h.reply(conn, ok(map[string]any{"data": "bye", "close": true}))
	default:
		h.reply(conn, protocolErr("unknown cmd"))
	}
}

// OnClose runs on the event loop when a connection goes away for any
// reason; room membership must not outlive the socket.
func (h *Handler) OnClose(conn *tcp.Connection) {
	h.rooms.Leave(conn.Fd())
}

// authed gates a command on a logged-in session.
func (h *Handler) authed(conn *tcp.Connection, run func(uid int64, uname string)) {
	uid, uname, loggedIn := conn.Session.User()
	if !loggedIn {
		h.reply(conn, protocolErr("please login first"))
		return
	}
	run(uid, uname)
}

func (h *Handler) login(ctx context.Context, conn *tcp.Connection, req request) {
	switch req.Mode {
	case "password":
		user, err := h.users.Authenticate(ctx, req.User, req.Pass)
		if err != nil {
			h.reply(conn, fail(loginFailure(err)))
			return
		}
		h.finishLogin(conn, user)
	case "sms":
		switch req.Step {
		case 1:
			h.reply(conn, h.sendCode(ctx, req.Phone))
		case 2:
			if err := h.sms.VerifyCode(ctx, req.Phone, req.Code); err != nil {
				h.reply(conn, fail(codeFailure(err)))
				return
			}
			user, err := h.users.LoginByPhone(ctx, req.Phone)
			if err != nil {
				h.reply(conn, fail(loginFailure(err)))
				return
			}
			h.finishLogin(conn, user)
		default:
			h.reply(conn, fail("invalid step for sms login"))
		}
	default:
		h.reply(conn, fail("invalid login mode"))
	}
}

// finishLogin marks the session authenticated and lands the client in the
// default room, or in no room when it is full.
func (h *Handler) finishLogin(conn *tcp.Connection, user users.User) {
	conn.Session.Login(user.ID, user.Name)

	if h.rooms.TryJoin(chat.DefaultRoom, conn.Fd()) {
		conn.Session.SetRoom(chat.DefaultRoom)
		h.reply(conn, ok(map[string]any{"roomId": chat.DefaultRoom, "msg": "login success"}))
		return
	}
	conn.Session.SetRoom(0)
	h.reply(conn, ok(map[string]any{"roomId": int64(0), "msg": "login success, but room 1 is full"}))
}

func (h *Handler) register(ctx context.Context, conn *tcp.Connection, req request) {
	switch req.Step {
	case 1:
		h.reply(conn, h.sendCode(ctx, req.Phone))
	case 2:
		if err := h.sms.VerifyCode(ctx, req.Phone, req.Code); err != nil {
			h.reply(conn, fail(codeFailure(err)))
			return
		}
		if req.Pass != req.Pass2 {
			h.reply(conn, fail("two passwords not match"))
			return
		}
		saved, err := h.users.Register(ctx, users.User{Name: req.User, Phone: req.Phone, Secret: req.Pass})
		if err != nil {
			h.reply(conn, fail("register failed"))
			return
		}
		h.reply(conn, ok(map[string]any{"msg": "register success", "user": saved.Name, "userId": saved.ID}))
	default:
		h.reply(conn, fail("invalid step for register"))
	}
}

func (h *Handler) resetPass(ctx context.Context, conn *tcp.Connection, req request) {
	switch req.Step {
	case 1:
		h.reply(conn, h.sendCode(ctx, req.Phone))
	case 2:
		if err := h.sms.VerifyCode(ctx, req.Phone, req.Code); err != nil {
			h.reply(conn, fail(codeFailure(err)))
			return
		}
		if err := h.users.ResetPassword(ctx, req.Phone, req.NewPass); err != nil {
			if errors.Contains(err, svcerr.ErrNotFound) {
				h.reply(conn, fail("phone not registered"))
				return
			}
			h.reply(conn, fail("reset password failed"))
			return
		}
		h.reply(conn, ok(map[string]any{"msg": "reset password success"}))
	default:
		h.reply(conn, fail("invalid step for reset_pass"))
	}
}

func (h *Handler) sendCode(ctx context.Context, phone string) map[string]any {
	if err := h.sms.SendCode(ctx, phone); err != nil {
		switch {
		case errors.Contains(err, svcerr.ErrInvalidPhone):
			return fail("invalid phone number")
		case errors.Contains(err, svcerr.ErrRateLimited):
			return fail("request too frequent, wait a bit")
		default:
			return fail("code sending failed")
		}
	}
	return ok(map[string]any{"msg": "code sent"})
}

func (h *Handler) updateName(ctx context.Context, conn *tcp.Connection, uid int64, oldName string, req request) {
	if req.NewName == "" {
		h.reply(conn, fail("newName cannot be empty"))
		return
	}
	if err := h.users.UpdateUsername(ctx, uid, oldName, req.NewName); err != nil {
		h.reply(conn, fail("update username failed"))
		return
	}
	conn.Session.Login(uid, req.NewName)

	user, err := h.users.ViewUser(ctx, uid)
	phone := ""
	if err == nil {
		phone = user.Phone
	}
	h.reply(conn, ok(map[string]any{
		"msg":     "update username success",
		"oldName": oldName,
		"newName": req.NewName,
		"phone":   phone,
	}))
}

func (h *Handler) joinRoom(conn *tcp.Connection, req request) {
	roomID := req.RoomID
	if roomID <= 0 {
		roomID = chat.DefaultRoom
	}

	if current, ok := h.rooms.Room(conn.Fd()); ok && current == roomID {
		h.reply(conn, fail("already in this room"))
		return
	}
	if !h.rooms.TryJoin(roomID, conn.Fd()) {
		current, _ := h.rooms.Room(conn.Fd())
		h.reply(conn, map[string]any{"ok": false, "msg": "room is full", "roomId": current})
		return
	}

	conn.Session.SetRoom(roomID)
	h.reply(conn, ok(map[string]any{"roomId": roomID, "msg": "join room success"}))
}

func (h *Handler) leaveRoom(conn *tcp.Connection) {
	if _, in := h.rooms.Room(conn.Fd()); !in {
		h.reply(conn, fail("not in any room"))
		return
	}
	h.rooms.Leave(conn.Fd())
	conn.Session.SetRoom(0)
	h.reply(conn, ok(map[string]any{"msg": "leave room success"}))
}

func (h *Handler) sendMsg(ctx context.Context, conn *tcp.Connection, uid int64, uname string, req request) {
	if req.Text == "" {
		h.reply(conn, fail("text cannot be empty"))
		return
	}
	roomID, in := h.rooms.Room(conn.Fd())
	if !in {
		h.reply(conn, fail("not in any room"))
		return
	}

	sent, err := h.chat.Send(ctx, chat.Message{
		RoomID:   roomID,
		UserID:   uid,
		Username: uname,
		Content:  req.Text,
	})
	if err != nil {
		h.reply(conn, fail("send failed"))
		return
	}

	envelope := ok(map[string]any{
		"broadcast": true,
		"roomId":    roomID,
		"fromId":    uid,
		"fromName":  uname,
		"text":      sent.Content,
		"ts":        sent.CreatedAt.Unix(),
	})
	raw, merr := json.Marshal(envelope)
	if merr != nil {
		h.logger.Error("failed to encode broadcast", slog.Any("error", merr))
		return
	}

	h.out.Send(conn, string(raw))
	for _, fd := range h.rooms.Snapshot(roomID) {
		if fd != conn.Fd() {
			h.out.SendTo(fd, string(raw))
		}
	}
}

func (h *Handler) getHistory(ctx context.Context, conn *tcp.Connection, req request) {
	limit := defaultHistoryLimit
	if req.Limit != nil {
		if *req.Limit < 0 {
			h.reply(conn, fail("invalid limit"))
			return
		}
		if *req.Limit > 0 {
			limit = *req.Limit
		}
	}
	roomID, in := h.rooms.Room(conn.Fd())
	if !in {
		h.reply(conn, fail("not in any room"))
		return
	}

	msgs, err := h.chat.History(ctx, roomID, limit)
	if err != nil {
		h.reply(conn, fail("get history failed"))
		return
	}

	history := make([]historyItem, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, historyItem{
			ID:       m.ID,
			RoomID:   m.RoomID,
			FromID:   m.UserID,
			FromName: m.Username,
			Text:     m.Content,
			TS:       m.CreatedAt.Unix(),
		})
	}
	h.reply(conn, ok(map[string]any{"roomId": roomID, "history": history}))
}

func loginFailure(err error) string {
	switch {
	case errors.Contains(err, svcerr.ErrLogin):
		return "wrong username or password"
	case errors.Contains(err, svcerr.ErrRateLimited):
		return "request too frequent, wait a bit"
	default:
		return "login failed"
	}
}

func codeFailure(err error) string {
	switch {
	case errors.Contains(err, sms.ErrCodeMismatch):
		return "code mismatch"
	case errors.Contains(err, sms.ErrCodeExpired):
		return "code not found or expired"
	case errors.Contains(err, svcerr.ErrInvalidPhone):
		return "invalid phone number"
	default:
		return "code verification failed"
	}
}
