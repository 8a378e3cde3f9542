// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

const (
	// Cached queues expire on their own if nothing touches them; the
	// persister normally migrates entries out long before this.
	queueTTL = 14 * 24 * time.Hour

	// Ephemeral lane: short TTL, capped length, at-most-once delivery.
	ephemeralTTL = 30 * time.Second
	ephemeralCap = 32

	// Redis key prefixes
	queuePrefix     = "relay:queue:"  // relay:queue:{queueKey} - ZSET of envelopes scored by id
	seqPrefix       = "relay:seq:"    // relay:seq:{queueKey} - per-queue id counter
	ephemeralPrefix = "relay:eph:"    // relay:eph:{queueKey} - list, newest at head
	slotPrefix      = "relay:slot:"   // relay:slot:{n} - set of queue keys in persister slot n
	notifyPrefix    = "relay:notify:" // relay:notify:{queueKey} - pub/sub channel

	notifyNew       = "new"
	notifyEphemeral = "ephemeral"
	notifyPersisted = "persisted"
)

// removeScriptSrc removes acknowledged entries and, when the queue is left
// empty, drops it from the persister's slot set in the same atomic step. A
// client-side SREM after the removal would race a concurrent insert and
// strand a live queue outside the sweep space until the next insert re-adds
// it. KEYS[1] is the queue ZSET, KEYS[2] the slot set; ARGV[1] is the slot
// member, ARGV[2..] the ids to remove.
const removeScriptSrc = `
for i = 2, #ARGV do
	redis.call('ZREMRANGEBYSCORE', KEYS[1], ARGV[i], ARGV[i])
end
if redis.call('ZCARD', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[1])
end
return 0
`

var removeScript = redis.NewScript(removeScriptSrc)

// seqKeyTTL is the expiry for the per-queue id counter. A durable row keeps
// its cache-assigned id for the retention window after it is persisted, and
// persistence happens no later than the queue TTL after the last insert. The
// counter must outlive the oldest possible row, or a reborn counter could
// reissue an id that still names a live row and the idempotent durable
// insert would silently swallow the new envelope.
func seqKeyTTL(retention time.Duration) time.Duration {
	return queueTTL + retention
}

// Cache is the Redis-backed recent tier of every device queue. Each queue is
// a ZSET scored by the server-assigned sequence id, with the id counter kept
// alongside so assignment is atomic and monotonic per cache epoch.
type Cache struct {
	rdb    *redis.Client
	seqTTL time.Duration
	log    zerolog.Logger

	pubsub *redis.PubSub
	events chan storage.QueueEvent

	mu     sync.Mutex
	closed bool
}

// NewCache wires the cache against rdb. retention is the durable store's
// retention window, which bounds how long the per-queue id counter must
// survive.
func NewCache(rdb *redis.Client, retention time.Duration, log zerolog.Logger) *Cache {
	c := &Cache{
		rdb:    rdb,
		seqTTL: seqKeyTTL(retention),
		log:    log.With().Str("component", "message_cache").Logger(),
		events: make(chan storage.QueueEvent, 256),
	}
	// Subscription set starts empty; Watch adds channels as connections
	// register for their devices.
	c.pubsub = rdb.Subscribe(context.Background())
	go c.readNotifications()
	return c
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %s: %w", op, err, storage.ErrRetryLater)
}

func (c *Cache) Insert(ctx context.Context, key models.QueueKey, env models.Envelope) (int64, error) {
	if env.Ephemeral {
		return 0, fmt.Errorf("ephemeral envelope on durable path for %s", key)
	}

	id, err := c.rdb.Incr(ctx, seqPrefix+key.String()).Result()
	if err != nil {
		return 0, transient("assign message id", err)
	}
	env.ID = id

	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, queuePrefix+key.String(), redis.Z{Score: float64(id), Member: data})
	pipe.Expire(ctx, queuePrefix+key.String(), queueTTL)
	pipe.Expire(ctx, seqPrefix+key.String(), c.seqTTL)
	pipe.SAdd(ctx, slotKey(key), key.String())
	pipe.Publish(ctx, notifyPrefix+key.String(), notifyNew)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, transient("store envelope", err)
	}

	return id, nil
}

func (c *Cache) InsertEphemeral(ctx context.Context, key models.QueueKey, env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	lane := ephemeralPrefix + key.String()
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, lane, data)
	pipe.LTrim(ctx, lane, 0, ephemeralCap-1)
	pipe.Expire(ctx, lane, ephemeralTTL)
	pipe.Publish(ctx, notifyPrefix+key.String(), notifyEphemeral)
	if _, err := pipe.Exec(ctx); err != nil {
		return transient("store ephemeral envelope", err)
	}
	return nil
}

func (c *Cache) TakeEphemeral(ctx context.Context, key models.QueueKey) ([]models.Envelope, error) {
	// List head is newest, so popping the tail yields oldest first.
	raw, err := c.rdb.RPopCount(ctx, ephemeralPrefix+key.String(), ephemeralCap).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, transient("take ephemeral envelopes", err)
	}

	envelopes := make([]models.Envelope, 0, len(raw))
	for _, data := range raw {
		var env models.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			continue // Skip malformed entries rather than fail the drain
		}
		env.Ephemeral = true
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

func (c *Cache) Get(ctx context.Context, key models.QueueKey, limit int) ([]models.Envelope, error) {
	raw, err := c.rdb.ZRange(ctx, queuePrefix+key.String(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, transient("read queue", err)
	}
	return decodeEnvelopes(raw), nil
}

func (c *Cache) Remove(ctx context.Context, key models.QueueKey, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, key.String())
	for _, id := range ids {
		args = append(args, id)
	}
	keys := []string{queuePrefix + key.String(), slotKey(key)}
	if err := removeScript.Run(ctx, c.rdb, keys, args...).Err(); err != nil {
		return transient("remove envelopes", err)
	}
	return nil
}

func (c *Cache) GetMessagesToPersist(ctx context.Context, key models.QueueKey, maxAge time.Duration, limit int) ([]models.Envelope, error) {
	raw, err := c.rdb.ZRange(ctx, queuePrefix+key.String(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, transient("read queue for persister", err)
	}

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	envelopes := decodeEnvelopes(raw)
	aged := envelopes[:0]
	for _, env := range envelopes {
		if env.ServerTimestamp <= cutoff {
			aged = append(aged, env)
		}
	}
	return aged, nil
}

func (c *Cache) HasMessages(ctx context.Context, key models.QueueKey) (bool, error) {
	n, err := c.rdb.ZCard(ctx, queuePrefix+key.String()).Result()
	if err != nil {
		return false, transient("check queue length", err)
	}
	return n > 0, nil
}

func (c *Cache) Clear(ctx context.Context, key models.QueueKey) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, queuePrefix+key.String())
	pipe.Del(ctx, seqPrefix+key.String())
	pipe.Del(ctx, ephemeralPrefix+key.String())
	pipe.SRem(ctx, slotKey(key), key.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return transient("clear queue", err)
	}
	return nil
}

func (c *Cache) QueuesInSlot(ctx context.Context, slot int) ([]models.QueueKey, error) {
	members, err := c.rdb.SMembers(ctx, slotPrefix+strconv.Itoa(slot)).Result()
	if err != nil {
		return nil, transient("list slot queues", err)
	}

	keys := make([]models.QueueKey, 0, len(members))
	for _, member := range members {
		key, err := models.ParseQueueKey(member)
		if err != nil {
			c.log.Warn().Str("member", member).Msg("dropping malformed queue key from slot set")
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (c *Cache) NotifyPersisted(ctx context.Context, key models.QueueKey) error {
	if err := c.rdb.Publish(ctx, notifyPrefix+key.String(), notifyPersisted).Err(); err != nil {
		return transient("publish persisted notification", err)
	}
	return nil
}

func (c *Cache) Watch(ctx context.Context, key models.QueueKey) error {
	return c.pubsub.Subscribe(ctx, notifyPrefix+key.String())
}

func (c *Cache) Unwatch(ctx context.Context, key models.QueueKey) error {
	return c.pubsub.Unsubscribe(ctx, notifyPrefix+key.String())
}

func (c *Cache) Events() <-chan storage.QueueEvent {
	return c.events
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.pubsub.Close()
}

func (c *Cache) readNotifications() {
	for msg := range c.pubsub.Channel() {
		key, err := models.ParseQueueKey(strings.TrimPrefix(msg.Channel, notifyPrefix))
		if err != nil {
			continue
		}

		var kind storage.QueueEventKind
		switch msg.Payload {
		case notifyNew:
			kind = storage.QueueEventNewMessage
		case notifyEphemeral:
			kind = storage.QueueEventNewEphemeral
		case notifyPersisted:
			kind = storage.QueueEventPersisted
		default:
			continue
		}

		select {
		case c.events <- storage.QueueEvent{Kind: kind, Queue: key}:
		default:
			// Consumers that fall this far behind recover via the
			// connection's periodic safety poll.
			c.log.Warn().Str("queue", key.String()).Msg("dropping queue notification, event buffer full")
		}
	}
	close(c.events)
}

func slotKey(key models.QueueKey) string {
	return slotPrefix + strconv.Itoa(storage.Slot(key))
}

func decodeEnvelopes(raw []string) []models.Envelope {
	envelopes := make([]models.Envelope, 0, len(raw))
	for _, data := range raw {
		var env models.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			continue // Skip malformed entries
		}
		envelopes = append(envelopes, env)
	}
	return envelopes
}
