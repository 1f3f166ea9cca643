// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package users

import (
	"context"
	"log/slog"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/cache"
	"github.com/elaysia-feng/nebulachat/pkg/errors"
	repoerr "github.com/elaysia-feng/nebulachat/pkg/errors/repository"
	svcerr "github.com/elaysia-feng/nebulachat/pkg/errors/service"
	"github.com/elaysia-feng/nebulachat/pkg/kv"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	nameKeyPrefix  = "user:name:"
	phoneKeyPrefix = "user:phone:"
)

// DirectoryConfig tunes the two lookup tiers. Zero values fall back to
// the defaults below.
type DirectoryConfig struct {
	// LocalSize bounds each in-process cache.
	LocalSize int
	// PositiveTTL and PositiveJitter govern in-process entries for
	// existing accounts.
	PositiveTTL    time.Duration
	PositiveJitter time.Duration
	// NegativeTTL and NegativeJitter govern in-process entries for
	// confirmed-absent accounts.
	NegativeTTL    time.Duration
	NegativeJitter time.Duration
	// KVTTL and KVNullTTL govern the key-value tier.
	KVTTL     time.Duration
	KVNullTTL time.Duration
	// DegradedPerSec caps relational lookups while the key-value tier is
	// down.
	DegradedPerSec int
}

func (c DirectoryConfig) withDefaults() DirectoryConfig {
	if c.LocalSize <= 0 {
		c.LocalSize = 1024
	}
	if c.PositiveTTL <= 0 {
		c.PositiveTTL = time.Hour
	}
	if c.PositiveJitter <= 0 {
		c.PositiveJitter = 10 * time.Minute
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 10 * time.Minute
	}
	if c.NegativeJitter <= 0 {
		c.NegativeJitter = 5 * time.Minute
	}
	if c.KVTTL <= 0 {
		c.KVTTL = 2 * time.Hour
	}
	if c.KVNullTTL <= 0 {
		c.KVNullTTL = 5 * time.Minute
	}
	if c.DegradedPerSec <= 0 {
		c.DegradedPerSec = 50
	}
	return c
}

type localEntry struct {
	user     User
	negative bool
	expireAt time.Time
}

type directory struct {
	repo    Repository
	engine  *cache.Engine
	status  kv.Status
	cfg     DirectoryConfig
	logger  *slog.Logger
	limiter *cache.WindowLimiter
	now     func() time.Time

	names  *lru.Cache[string, localEntry]
	phones *lru.Cache[string, localEntry]
}

var _ Directory = (*directory)(nil)

// NewDirectory builds the two-tier account directory: a small in-process
// LRU in front of the shared key-value tier, with the repository as the
// source of truth. status reports whether the key-value tier is down; while
// it is, lookups go straight to the repository behind a per-second limiter.
func NewDirectory(repo Repository, engine *cache.Engine, status kv.Status, cfg DirectoryConfig, logger *slog.Logger) (Directory, error) {
	cfg = cfg.withDefaults()
	names, err := lru.New[string, localEntry](cfg.LocalSize)
	if err != nil {
		return nil, err
	}
	phones, err := lru.New[string, localEntry](cfg.LocalSize)
	if err != nil {
		return nil, err
	}
	return &directory{
		repo:    repo,
		engine:  engine,
		status:  status,
		cfg:     cfg,
		logger:  logger,
		limiter: cache.NewWindowLimiter(cfg.DegradedPerSec),
		now:     time.Now,
		names:   names,
		phones:  phones,
	}, nil
}

func (d *directory) LookupByName(ctx context.Context, name string) (User, error) {
	return d.lookup(ctx, d.names, nameKeyPrefix+name, func(ctx context.Context) (User, error) {
		return d.repo.RetrieveByName(ctx, name)
	})
}

func (d *directory) LookupByPhone(ctx context.Context, phone string) (User, error) {
	return d.lookup(ctx, d.phones, phoneKeyPrefix+phone, func(ctx context.Context) (User, error) {
		return d.repo.RetrieveByPhone(ctx, phone)
	})
}

func (d *directory) lookup(ctx context.Context, local *lru.Cache[string, localEntry], key string, retrieve func(context.Context) (User, error)) (User, error) {
	if entry, ok := local.Get(key); ok && d.now().Before(entry.expireAt) {
		if entry.negative {
			return User{}, errors.ErrNotFound
		}
		return entry.user, nil
	}

	load := func(ctx context.Context) (User, bool, error) {
		u, err := retrieve(ctx)
		if err != nil {
			if errors.Contains(err, repoerr.ErrNotFound) {
				return User{}, false, nil
			}
			return User{}, false, err
		}
		return u, true, nil
	}

	if d.status != nil && d.status.Down() {
		return d.degraded(ctx, local, key, load)
	}

	u, found, err := cache.GetWithPassThrough(ctx, d.engine, key, d.cfg.KVNullTTL, d.cfg.KVTTL, load)
	if err != nil {
		if errors.Contains(err, repoerr.ErrViewEntity) {
			return User{}, err
		}
		// The key-value tier failed mid-request; fall back to the
		// degraded path rather than surfacing the store error.
		d.logger.Warn("account lookup falling back to relational store", slog.String("key", key), slog.Any("error", err))
		return d.degraded(ctx, local, key, load)
	}

	d.remember(local, key, u, !found)
	if !found {
		return User{}, errors.ErrNotFound
	}
	return u, nil
}

// degraded serves lookups from the repository alone, capped per second so
// a key-value outage cannot translate into a relational stampede.
func (d *directory) degraded(ctx context.Context, local *lru.Cache[string, localEntry], key string, load cache.Loader[User]) (User, error) {
	if !d.limiter.Allow() {
		return User{}, svcerr.ErrRateLimited
	}
	u, found, err := load(ctx)
	if err != nil {
		return User{}, err
	}
	d.remember(local, key, u, !found)
	if !found {
		return User{}, errors.ErrNotFound
	}
	return u, nil
}

func (d *directory) remember(local *lru.Cache[string, localEntry], key string, u User, negative bool) {
	ttl := cache.Jitter(d.cfg.PositiveTTL, d.cfg.PositiveJitter)
	if negative {
		ttl = cache.Jitter(d.cfg.NegativeTTL, d.cfg.NegativeJitter)
	}
	local.Add(key, localEntry{
		user:     u,
		negative: negative,
		expireAt: d.now().Add(ttl),
	})
}

func (d *directory) InvalidateName(ctx context.Context, name string) error {
	return d.invalidate(ctx, d.names, nameKeyPrefix+name)
}

func (d *directory) InvalidatePhone(ctx context.Context, phone string) error {
	return d.invalidate(ctx, d.phones, phoneKeyPrefix+phone)
}

func (d *directory) invalidate(ctx context.Context, local *lru.Cache[string, localEntry], key string) error {
	local.Remove(key)
	if _, err := d.engine.Store().Del(ctx, key); err != nil {
		d.logger.Warn("failed to drop cached account", slog.String("key", key), slog.Any("error", err))
		return err
	}
	return nil
}
