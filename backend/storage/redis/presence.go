// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

const (
	presencePrefix = "relay:presence:" // relay:presence:{queueKey} - owning process id, TTL'd
	displacePrefix = "relay:displace:" // relay:displace:{queueKey} - pub/sub channel
)

// refreshScript extends the marker TTL only while we still own it.
var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// clearScript deletes the marker only while we still own it, so a newer
// connection's marker elsewhere is never clobbered by a late disconnect.
var clearScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// PresenceStore keeps the fleet-wide device ownership markers in Redis and
// carries displacement signals over per-device pub/sub channels. Each process
// subscribes only to channels for devices it currently owns.
type PresenceStore struct {
	rdb *redis.Client
	log zerolog.Logger

	pubsub        *redis.PubSub
	displacements chan storage.DisplacementEvent

	mu     sync.Mutex
	closed bool
}

func NewPresenceStore(rdb *redis.Client, log zerolog.Logger) *PresenceStore {
	p := &PresenceStore{
		rdb:           rdb,
		log:           log.With().Str("component", "presence_store").Logger(),
		displacements: make(chan storage.DisplacementEvent, 64),
	}
	p.pubsub = rdb.Subscribe(context.Background())
	go p.readDisplacements()
	return p
}

func (p *PresenceStore) SetMarker(ctx context.Context, key models.QueueKey, processID string, ttl time.Duration) error {
	if err := p.rdb.Set(ctx, presencePrefix+key.String(), processID, ttl).Err(); err != nil {
		return transient("set presence marker", err)
	}
	return nil
}

func (p *PresenceStore) RefreshMarker(ctx context.Context, key models.QueueKey, processID string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, p.rdb, []string{presencePrefix + key.String()}, processID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, transient("refresh presence marker", err)
	}
	return n == 1, nil
}

func (p *PresenceStore) ClearMarker(ctx context.Context, key models.QueueKey, processID string) (bool, error) {
	n, err := clearScript.Run(ctx, p.rdb, []string{presencePrefix + key.String()}, processID).Int()
	if err != nil {
		return false, transient("clear presence marker", err)
	}
	return n == 1, nil
}

func (p *PresenceStore) GetMarker(ctx context.Context, key models.QueueKey) (string, error) {
	owner, err := p.rdb.Get(ctx, presencePrefix+key.String()).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		return "", transient("get presence marker", err)
	}
	return owner, nil
}

func (p *PresenceStore) PublishDisplacement(ctx context.Context, key models.QueueKey, processID string) error {
	if err := p.rdb.Publish(ctx, displacePrefix+key.String(), processID).Err(); err != nil {
		return transient("publish displacement", err)
	}
	return nil
}

func (p *PresenceStore) Subscribe(ctx context.Context, key models.QueueKey) error {
	return p.pubsub.Subscribe(ctx, displacePrefix+key.String())
}

func (p *PresenceStore) Unsubscribe(ctx context.Context, key models.QueueKey) error {
	return p.pubsub.Unsubscribe(ctx, displacePrefix+key.String())
}

func (p *PresenceStore) Displacements() <-chan storage.DisplacementEvent {
	return p.displacements
}

func (p *PresenceStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.pubsub.Close()
}

func (p *PresenceStore) readDisplacements() {
	for msg := range p.pubsub.Channel() {
		key, err := models.ParseQueueKey(strings.TrimPrefix(msg.Channel, displacePrefix))
		if err != nil {
			continue
		}
		ev := storage.DisplacementEvent{Queue: key, ProcessID: msg.Payload}
		select {
		case p.displacements <- ev:
		default:
			p.log.Warn().Str("queue", key.String()).Msg("dropping displacement event, buffer full")
		}
	}
	close(p.displacements)
}

var _ storage.PresenceStore = (*PresenceStore)(nil)
