// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efrelay/backend/storage"
)

const cursorPrefix = "relay:cursor:" // relay:cursor:{name}

// unlockScript releases the lock only while the holder still owns it, so a
// worker whose lease expired mid-sweep cannot release a successor's claim.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// WorkLock is a TTL-bounded mutually exclusive lease on one unit of periodic
// work (persist sweep, device crawl). Claim is SET NX PX; release and renew
// are compare-and-act scripts.
type WorkLock struct {
	rdb     *redis.Client
	lockKey string
}

func NewWorkLock(rdb *redis.Client, lockKey string) *WorkLock {
	return &WorkLock{rdb: rdb, lockKey: lockKey}
}

func (l *WorkLock) Claim(ctx context.Context, workerID string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.lockKey, workerID, ttl).Result()
	if err != nil {
		return false, transient("claim work lock", err)
	}
	return ok, nil
}

func (l *WorkLock) Renew(ctx context.Context, workerID string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.lockKey}, workerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, transient("renew work lock", err)
	}
	return n == 1, nil
}

func (l *WorkLock) Release(ctx context.Context, workerID string) error {
	if err := unlockScript.Run(ctx, l.rdb, []string{l.lockKey}, workerID).Err(); err != nil {
		return transient("release work lock", err)
	}
	return nil
}

// CursorStore keeps sweep/crawl resume cursors as plain strings with no TTL;
// the consumer advances them only after a chunk fully completes.
type CursorStore struct {
	rdb *redis.Client
}

func NewCursorStore(rdb *redis.Client) *CursorStore {
	return &CursorStore{rdb: rdb}
}

func (s *CursorStore) Get(ctx context.Context, name string) (string, error) {
	value, err := s.rdb.Get(ctx, cursorPrefix+name).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		return "", transient("get cursor", err)
	}
	return value, nil
}

func (s *CursorStore) Set(ctx context.Context, name, value string) error {
	if err := s.rdb.Set(ctx, cursorPrefix+name, value, 0).Err(); err != nil {
		return transient("set cursor", err)
	}
	return nil
}

func (s *CursorStore) Clear(ctx context.Context, name string) error {
	if err := s.rdb.Del(ctx, cursorPrefix+name).Err(); err != nil {
		return transient("clear cursor", err)
	}
	return nil
}

var (
	_ storage.WorkLock     = (*WorkLock)(nil)
	_ storage.CursorStore  = (*CursorStore)(nil)
	_ storage.MessageCache = (*Cache)(nil)
)
