// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package delivery

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

// SweepStatus is the explicit outcome of one sweep pass; no exceptions for
// control flow.
type SweepStatus int

const (
	SweepOk SweepStatus = iota
	// SweepSkipped means another worker holds the lock.
	SweepSkipped
	// SweepRetry means the sweep stopped on cluster trouble; the cursor
	// stays at the last completed slot and the next run resumes there.
	SweepRetry
)

const persisterCursorName = "persister"

// Persister migrates queues whose cached entries have aged past the persist
// delay into the durable store. One worker fleet-wide sweeps at a time,
// holding a TTL-bounded lease; the slot cursor survives worker death, so a
// successor resumes roughly where the last one stopped and at worst redoes
// the in-flight slot (idempotent by id).
type Persister struct {
	manager *Manager
	cache   storage.MessageCache
	lock    storage.WorkLock
	cursors storage.CursorStore
	log     zerolog.Logger

	workerID     string
	persistDelay time.Duration
	period       time.Duration
	lockTTL      time.Duration
	pageSize     int
}

func NewPersister(manager *Manager, cache storage.MessageCache, lock storage.WorkLock, cursors storage.CursorStore, workerID string, persistDelay, period time.Duration, pageSize int, log zerolog.Logger) *Persister {
	return &Persister{
		manager:      manager,
		cache:        cache,
		lock:         lock,
		cursors:      cursors,
		log:          log.With().Str("component", "message_persister").Str("worker", workerID).Logger(),
		workerID:     workerID,
		persistDelay: persistDelay,
		period:       period,
		lockTTL:      2 * period,
		pageSize:     pageSize,
	}
}

func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := p.Sweep(ctx)
			if err != nil {
				p.log.Warn().Err(err).Int("status", int(status)).Msg("persist sweep did not complete")
			}
		}
	}
}

// Sweep walks the whole slot space once, starting from the persisted cursor.
// A failure on one queue is logged and the sweep moves on; the cursor only
// advances past fully completed slots.
func (p *Persister) Sweep(ctx context.Context) (SweepStatus, error) {
	claimed, err := p.lock.Claim(ctx, p.workerID, p.lockTTL)
	if err != nil {
		return SweepRetry, err
	}
	if !claimed {
		return SweepSkipped, nil
	}
	defer func() {
		if err := p.lock.Release(ctx, p.workerID); err != nil {
			p.log.Warn().Err(err).Msg("failed to release sweep lock")
		}
	}()

	start := p.loadCursor(ctx)
	for i := 0; i < storage.SlotCount; i++ {
		select {
		case <-ctx.Done():
			return SweepRetry, ctx.Err()
		default:
		}

		slot := (start + i) % storage.SlotCount
		queues, err := p.cache.QueuesInSlot(ctx, slot)
		if err != nil {
			// Cursor untouched: the next sweep restarts from the last
			// good slot rather than silently skipping data.
			return SweepRetry, err
		}

		for _, key := range queues {
			if err := p.persistQueue(ctx, key); err != nil {
				p.log.Warn().Err(err).Str("queue", key.String()).Msg("failed to persist queue, continuing sweep")
			}
		}

		if err := p.cursors.Set(ctx, persisterCursorName, strconv.Itoa((slot+1)%storage.SlotCount)); err != nil {
			return SweepRetry, err
		}
		if _, err := p.lock.Renew(ctx, p.workerID, p.lockTTL); err != nil {
			p.log.Warn().Err(err).Msg("failed to renew sweep lock")
		}
	}

	return SweepOk, nil
}

func (p *Persister) persistQueue(ctx context.Context, key models.QueueKey) error {
	persisted := 0
	for {
		envelopes, err := p.cache.GetMessagesToPersist(ctx, key, p.persistDelay, p.pageSize)
		if err != nil {
			return err
		}
		if len(envelopes) == 0 {
			break
		}

		if err := p.manager.PersistMessages(ctx, key, envelopes); err != nil {
			return err
		}
		persisted += len(envelopes)

		if len(envelopes) < p.pageSize {
			break
		}
	}

	if persisted > 0 {
		p.log.Debug().Str("queue", key.String()).Int("count", persisted).Msg("persisted aged messages")
		// A live connection re-fetches from durable storage for the
		// purged range.
		if err := p.cache.NotifyPersisted(ctx, key); err != nil {
			p.log.Warn().Err(err).Str("queue", key.String()).Msg("failed to publish persisted notification")
		}
	}
	return nil
}

func (p *Persister) loadCursor(ctx context.Context) int {
	raw, err := p.cursors.Get(ctx, persisterCursorName)
	if err != nil || raw == "" {
		return 0
	}
	slot, err := strconv.Atoi(raw)
	if err != nil || slot < 0 || slot >= storage.SlotCount {
		return 0
	}
	return slot
}
