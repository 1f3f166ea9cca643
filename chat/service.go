// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package chat implements room messaging: asynchronous message persistence
// and the cached history read path with its degraded-mode fallback.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/cache"
	"github.com/elaysia-feng/nebulachat/pkg/errors"
	repoerr "github.com/elaysia-feng/nebulachat/pkg/errors/repository"
	svcerr "github.com/elaysia-feng/nebulachat/pkg/errors/service"
	"github.com/elaysia-feng/nebulachat/pkg/kv"
	"github.com/elaysia-feng/nebulachat/pkg/lock"
	"github.com/elaysia-feng/nebulachat/pkg/sid"
)

const (
	// rebuildLockTTL bounds how long a crashed rebuilder can block peers.
	rebuildLockTTL = 5 * time.Second
	// rebuildWait is how long a loser waits for the winning rebuilder
	// before querying the relational store itself.
	rebuildWait = 50 * time.Millisecond
)

// Config tunes the history cache. Zero values fall back to the defaults
// below.
type Config struct {
	// HistoryTTL and HistoryJitter govern the logical expiry of cached
	// history pages.
	HistoryTTL    time.Duration
	HistoryJitter time.Duration
	// DefaultLimit applies when the client asks for no particular page
	// size; MaxLimit caps what it may ask for.
	DefaultLimit int
	MaxLimit     int
	// DegradedPerSec caps relational history queries while the key-value
	// tier is down.
	DegradedPerSec int
}

func (c Config) withDefaults() Config {
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = time.Minute
	}
	if c.HistoryJitter <= 0 {
		c.HistoryJitter = 30 * time.Second
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 50
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 200
	}
	if c.DegradedPerSec <= 0 {
		c.DegradedPerSec = 50
	}
	return c
}

// Service specifies the messaging API that must be fulfilled by the
// domain service implementation and all of its decorators.
type Service interface {
	// Send assigns the message an identifier and hands persistence to a
	// background worker. The returned message is what was broadcast, not
	// necessarily what is durable yet.
	Send(ctx context.Context, msg Message) (Message, error)

	// History returns the newest messages of a room, newest first. The
	// limit is clamped; zero selects the default page size.
	History(ctx context.Context, roomID int64, limit int) ([]Message, error)
}

type service struct {
	repo   Repository
	engine *cache.Engine
	status kv.Status
	idp    sid.Issuer
	submit cache.Submitter
	cfg    Config
	logger *slog.Logger

	limiter *cache.WindowLimiter
	// degradedMu serializes relational history reads while the key-value
	// tier is down, so at most one query per room is in flight.
	degradedMu sync.Mutex

	mu      sync.Mutex
	flights map[string]*sync.Mutex
	// served remembers which page sizes were handed out per room, so a
	// send can drop exactly the cached pages that exist.
	served map[int64]map[int]struct{}
}

var _ Service = (*service)(nil)

// New instantiates the chat service implementation. submit runs message
// persistence off the request path; a nil submit degrades to plain
// goroutines.
func New(repo Repository, engine *cache.Engine, status kv.Status, idp sid.Issuer, submit cache.Submitter, cfg Config, logger *slog.Logger) Service {
	cfg = cfg.withDefaults()
	return &service{
		repo:    repo,
		engine:  engine,
		status:  status,
		idp:     idp,
		submit:  submit,
		cfg:     cfg,
		logger:  logger,
		limiter: cache.NewWindowLimiter(cfg.DegradedPerSec),
		flights: map[string]*sync.Mutex{},
		served:  map[int64]map[int]struct{}{},
	}
}

func historyKey(roomID int64, limit int) string {
	return fmt.Sprintf("room:history:%d:%d", roomID, limit)
}

func (svc *service) Send(ctx context.Context, msg Message) (Message, error) {
	if msg.Content == "" || msg.RoomID == 0 {
		return Message{}, errors.ErrMalformedEntity
	}

	id, err := svc.idp.Next(ctx, "message")
	if err != nil {
		return Message{}, errors.Wrap(errors.ErrCreateEntity, err)
	}
	msg.ID = id
	msg.CreatedAt = time.Now().UTC()

	persist := func() {
		pctx := context.WithoutCancel(ctx)
		if err := svc.repo.Save(pctx, msg); err != nil {
			svc.logger.Error("failed to persist message",
				slog.Int64("message_id", msg.ID),
				slog.Int64("room_id", msg.RoomID),
				slog.Any("error", err),
			)
			return
		}
		svc.dropHistory(pctx, msg.RoomID)
	}
	if svc.submit != nil {
		svc.submit(persist)
	} else {
		go persist()
	}

	return msg, nil
}

// dropHistory deletes every cached history page handed out for the room.
func (svc *service) dropHistory(ctx context.Context, roomID int64) {
	svc.mu.Lock()
	keys := make([]string, 0, len(svc.served[roomID])+1)
	keys = append(keys, historyKey(roomID, svc.cfg.DefaultLimit))
	for limit := range svc.served[roomID] {
		if limit != svc.cfg.DefaultLimit {
			keys = append(keys, historyKey(roomID, limit))
		}
	}
	svc.mu.Unlock()

	if _, err := svc.engine.Store().Del(ctx, keys...); err != nil {
		svc.logger.Warn("failed to drop cached history", slog.Int64("room_id", roomID), slog.Any("error", err))
	}
}

func (svc *service) History(ctx context.Context, roomID int64, limit int) ([]Message, error) {
	switch {
	case limit <= 0:
		limit = svc.cfg.DefaultLimit
	case limit > svc.cfg.MaxLimit:
		limit = svc.cfg.MaxLimit
	}
	svc.trackLimit(roomID, limit)

	if svc.status != nil && svc.status.Down() {
		return svc.degradedHistory(ctx, roomID, limit)
	}

	key := historyKey(roomID, limit)
	ttl := cache.Jitter(svc.cfg.HistoryTTL, svc.cfg.HistoryJitter)
	msgs, found, err := cache.GetWithLogicalExpire(ctx, svc.engine, key, ttl, svc.loader(key, roomID, limit))
	if err != nil {
		if errors.Contains(err, repoerr.ErrViewEntity) {
			return nil, errors.Wrap(errors.ErrViewEntity, err)
		}
		// The key-value tier failed mid-request; fall back to the
		// degraded path rather than surfacing the store error.
		svc.logger.Warn("history falling back to relational store", slog.String("key", key), slog.Any("error", err))
		return svc.degradedHistory(ctx, roomID, limit)
	}
	if !found {
		return []Message{}, nil
	}
	return msgs, nil
}

// loader serializes concurrent rebuilds of one history page. Within the
// process a flight mutex admits one rebuilder; across processes a
// best-effort distributed lock does, with losers re-checking the cache
// before falling back to their own query.
func (svc *service) loader(key string, roomID int64, limit int) cache.Loader[[]Message] {
	return func(ctx context.Context) ([]Message, bool, error) {
		mu := svc.flightFor(key)
		mu.Lock()
		defer mu.Unlock()

		if msgs, fresh, err := cache.PeekLogical[[]Message](ctx, svc.engine, key); err == nil && fresh {
			return msgs, true, nil
		}

		if lk, err := lock.New(svc.engine.Store(), "lock:rebuild:"+key, rebuildLockTTL); err == nil {
			held, err := lk.TryLock(ctx)
			switch {
			case err == nil && held:
				defer func() {
					if uerr := lk.Unlock(context.WithoutCancel(ctx)); uerr != nil {
						svc.logger.Warn("failed to release rebuild lock", slog.String("key", key), slog.Any("error", uerr))
					}
				}()
			case err == nil && !held:
				// Another process is rebuilding; give it a beat and take
				// its result if it landed.
				time.Sleep(rebuildWait)
				if msgs, fresh, perr := cache.PeekLogical[[]Message](ctx, svc.engine, key); perr == nil && fresh {
					return msgs, true, nil
				}
			}
		}

		msgs, err := svc.repo.RetrieveRecent(ctx, roomID, limit)
		if err != nil {
			return nil, false, err
		}
		if msgs == nil {
			msgs = []Message{}
		}
		return msgs, true, nil
	}
}

func (svc *service) flightFor(key string) *sync.Mutex {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	mu, ok := svc.flights[key]
	if !ok {
		mu = &sync.Mutex{}
		svc.flights[key] = mu
	}
	return mu
}

func (svc *service) trackLimit(roomID int64, limit int) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	limits, ok := svc.served[roomID]
	if !ok {
		limits = map[int]struct{}{}
		svc.served[roomID] = limits
	}
	limits[limit] = struct{}{}
}

// degradedHistory reads straight from the relational store, admitted per
// second and serialized so a key-value outage cannot become a stampede.
func (svc *service) degradedHistory(ctx context.Context, roomID int64, limit int) ([]Message, error) {
	if !svc.limiter.Allow() {
		return nil, svcerr.ErrRateLimited
	}

	svc.degradedMu.Lock()
	defer svc.degradedMu.Unlock()

	msgs, err := svc.repo.RetrieveRecent(ctx, roomID, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrViewEntity, err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}
