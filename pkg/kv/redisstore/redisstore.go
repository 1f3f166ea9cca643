// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package redisstore implements the key-value surface on Redis.
package redisstore

import (
	"context"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/errors"
	"github.com/elaysia-feng/nebulachat/pkg/kv"
	"github.com/redis/go-redis/v9"
)

var (
	errSet    = errors.New("failed to set key in redis")
	errGet    = errors.New("failed to get key from redis")
	errDel    = errors.New("failed to remove key from redis")
	errExpire = errors.New("failed to expire key in redis")
	errIncr   = errors.New("failed to increment key in redis")
	errEval   = errors.New("failed to eval script in redis")
)

var _ kv.Store = (*store)(nil)

type store struct {
	client redis.Cmdable
}

// New wraps a go-redis client (or a dedicated connection obtained from
// Client.Conn) as a kv.Store.
func New(client redis.Cmdable) kv.Store {
	return &store{client: client}
}

// Connect creates a Redis client from a URL.
func Connect(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	return redis.NewClient(opts), nil
}

func (s *store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrap(errSet, err)
	}
	return nil
}

func (s *store) SetNxEx(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errors.Wrap(errSet, err)
	}
	return ok, nil
}

func (s *store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", kv.ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(errGet, err)
	}
	return val, nil
}

func (s *store) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, errors.Wrap(errDel, err)
	}
	return n, nil
}

func (s *store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, errors.Wrap(errExpire, err)
	}
	return ok, nil
}

func (s *store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, errors.Wrap(errIncr, err)
	}
	return n, nil
}

func (s *store) Eval(ctx context.Context, script string, keys []string, args ...any) (int64, error) {
	res, err := s.client.Eval(ctx, script, keys, args...).Int64()
	if err != nil && err != redis.Nil {
		return 0, errors.Wrap(errEval, err)
	}
	return res, nil
}
