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
	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

const pushPendingKey = "relay:push:pending" // ZSET of queue keys scored by fire time (unix ms)

// claimScript atomically claims due jobs by pushing their fire time out to
// the lease deadline. A claimant that dies mid-processing simply lets the
// job come due again.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
for _, member in ipairs(due) do
	redis.call('ZADD', KEYS[1], 'XX', ARGV[2], member)
end
return due
`)

// PushQueue is the distributed pending-push schedule: one ZSET shared by the
// fleet, so whichever process's reaper runs next picks up due jobs.
type PushQueue struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewPushQueue(rdb *redis.Client, log zerolog.Logger) *PushQueue {
	return &PushQueue{
		rdb: rdb,
		log: log.With().Str("component", "push_queue").Logger(),
	}
}

func (q *PushQueue) Schedule(ctx context.Context, key models.QueueKey, fireAt time.Time) error {
	// NX keeps the earliest pending fire time: bursts of inserts for the
	// same device coalesce into one push.
	err := q.rdb.ZAddNX(ctx, pushPendingKey, redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: key.String(),
	}).Err()
	if err != nil {
		return transient("schedule push", err)
	}
	return nil
}

func (q *PushQueue) Cancel(ctx context.Context, key models.QueueKey) error {
	if err := q.rdb.ZRem(ctx, pushPendingKey, key.String()).Err(); err != nil {
		return transient("cancel push", err)
	}
	return nil
}

func (q *PushQueue) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.QueueKey, error) {
	members, err := claimScript.Run(ctx, q.rdb, []string{pushPendingKey},
		now.UnixMilli(), now.Add(lease).UnixMilli(), limit).StringSlice()
	if err != nil {
		return nil, transient("claim due pushes", err)
	}

	keys := make([]models.QueueKey, 0, len(members))
	for _, member := range members {
		key, err := models.ParseQueueKey(member)
		if err != nil {
			q.log.Warn().Str("member", member).Msg("dropping malformed queue key from push queue")
			q.rdb.ZRem(ctx, pushPendingKey, member)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (q *PushQueue) Complete(ctx context.Context, key models.QueueKey) error {
	return q.Cancel(ctx, key)
}

var _ storage.PushQueue = (*PushQueue)(nil)
