// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

// Transient cache writes get this many attempts before the sender sees a
// retry-later response.
const insertAttempts = 3

// MessageAvailabilityListener is what a live connection registers to hear
// about its device's queue. At most one listener per device per process is
// meaningful; the presence manager enforces at most one live connection per
// device fleet-wide.
type MessageAvailabilityListener interface {
	HandleNewMessagesAvailable()
	HandleNewEphemeralMessageAvailable()
	HandleMessagesPersisted()
}

// DisplacedPresenceListener is notified when a device's presence has been
// displaced because the same device opened a newer connection somewhere in
// the fleet. The handler must close its transport without further cluster
// calls.
type DisplacedPresenceListener interface {
	HandleDisplacement()
}

// PresenceChecker is the slice of the presence manager the message path
// needs: is anybody anywhere connected for this device right now.
type PresenceChecker interface {
	IsLocallyPresent(key models.QueueKey) bool
	IsPresent(ctx context.Context, key models.QueueKey) bool
}

// PushScheduler is the slice of the push fallback manager the message path
// needs.
type PushScheduler interface {
	Schedule(ctx context.Context, key models.QueueKey) error
	Cancel(ctx context.Context, key models.QueueKey) error
}

// Manager presents the cache tier and the durable tier as one logical
// ordered queue per device, and owns the per-process dispatch table that
// routes queue notifications to the locally registered connection.
type Manager struct {
	cache    storage.MessageCache
	store    storage.MessageStore
	presence PresenceChecker
	push     PushScheduler
	log      zerolog.Logger

	mu        sync.Mutex
	listeners map[string]MessageAvailabilityListener
}

func NewManager(cache storage.MessageCache, store storage.MessageStore, presence PresenceChecker, push PushScheduler, log zerolog.Logger) *Manager {
	return &Manager{
		cache:     cache,
		store:     store,
		presence:  presence,
		push:      push,
		log:       log.With().Str("component", "message_manager").Logger(),
		listeners: make(map[string]MessageAvailabilityListener),
	}
}

// Run consumes the cache's notification stream and dispatches events to
// locally registered listeners until the context ends.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-m.cache.Events():
			if !ok {
				return
			}
			m.dispatch(event)
		}
	}
}

func (m *Manager) dispatch(event storage.QueueEvent) {
	m.mu.Lock()
	listener := m.listeners[event.Queue.String()]
	m.mu.Unlock()
	if listener == nil {
		return
	}

	switch event.Kind {
	case storage.QueueEventNewMessage:
		listener.HandleNewMessagesAvailable()
	case storage.QueueEventNewEphemeral:
		listener.HandleNewEphemeralMessageAvailable()
	case storage.QueueEventPersisted:
		listener.HandleMessagesPersisted()
	}
}

// Insert accepts an envelope for a device. The sender gets success once the
// envelope has an id in the cache tier; delivery from there on is the
// recipient side's problem. Ephemeral envelopes take the best-effort lane
// and never get an id.
func (m *Manager) Insert(ctx context.Context, destinationUUID string, deviceID int64, env models.Envelope) (int64, error) {
	key := models.NewQueueKey(destinationUUID, deviceID)
	if env.ServerGuid == "" {
		env.ServerGuid = uuid.NewString()
	}
	env.ServerTimestamp = time.Now().UnixMilli()
	env.DestinationUUID = destinationUUID

	if env.Ephemeral {
		return 0, m.cache.InsertEphemeral(ctx, key, env)
	}

	var id int64
	var err error
	for attempt := 0; attempt < insertAttempts; attempt++ {
		id, err = m.cache.Insert(ctx, key, env)
		if err == nil || !errors.Is(err, storage.ErrRetryLater) {
			break
		}
	}
	if err != nil {
		return 0, err
	}

	if !m.presence.IsPresent(ctx, key) {
		if err := m.push.Schedule(ctx, key); err != nil {
			// Best effort: the connection-close path schedules again for
			// any queue left non-empty.
			m.log.Warn().Err(err).Str("queue", key.String()).Msg("failed to schedule fallback push")
		}
	}

	return id, nil
}

// GetMessagesForDevice merges the durable older tail with the cached recent
// tail, oldest first, so the client drains in assignment order.
func (m *Manager) GetMessagesForDevice(ctx context.Context, key models.QueueKey, limit int) ([]models.Envelope, error) {
	envelopes, err := m.store.Load(ctx, key, 0, limit)
	if err != nil {
		return nil, err
	}
	if len(envelopes) >= limit {
		return envelopes, nil
	}

	cached, err := m.cache.Get(ctx, key, limit-len(envelopes))
	if err != nil {
		return nil, err
	}

	// An envelope lives in exactly one tier except during the persist
	// migration window; prefer the durable copy when both are seen.
	seen := make(map[int64]bool, len(envelopes))
	for _, env := range envelopes {
		seen[env.ID] = true
	}
	for _, env := range cached {
		if !seen[env.ID] {
			envelopes = append(envelopes, env)
		}
	}
	return envelopes, nil
}

// Delete removes acknowledged envelopes from whichever tier holds each id.
func (m *Manager) Delete(ctx context.Context, key models.QueueKey, ids []int64) error {
	if err := m.cache.Remove(ctx, key, ids); err != nil {
		return err
	}
	return m.store.Delete(ctx, key, ids)
}

// HasCachedMessages is the disconnect-time check deciding whether one more
// push is warranted.
func (m *Manager) HasCachedMessages(ctx context.Context, key models.QueueKey) (bool, error) {
	return m.cache.HasMessages(ctx, key)
}

// TakeEphemeralMessages drains the device's ephemeral lane.
func (m *Manager) TakeEphemeralMessages(ctx context.Context, key models.QueueKey) ([]models.Envelope, error) {
	return m.cache.TakeEphemeral(ctx, key)
}

// PersistMessages migrates a batch from the cache tier to the durable tier.
// The durable write lands before the cache delete, so a crash in between
// leaves the envelope in both tiers (deduplicated on read, reconciled on the
// next sweep) rather than in neither.
func (m *Manager) PersistMessages(ctx context.Context, key models.QueueKey, envelopes []models.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	if err := m.store.Store(ctx, key, envelopes); err != nil {
		return err
	}
	ids := make([]int64, len(envelopes))
	for i, env := range envelopes {
		ids[i] = env.ID
	}
	return m.cache.Remove(ctx, key, ids)
}

// AddMessageAvailabilityListener registers the connection as the local
// callback target for the device and subscribes the process to the device's
// notification channel.
func (m *Manager) AddMessageAvailabilityListener(ctx context.Context, key models.QueueKey, listener MessageAvailabilityListener) error {
	m.mu.Lock()
	m.listeners[key.String()] = listener
	m.mu.Unlock()
	return m.cache.Watch(ctx, key)
}

// RemoveMessageAvailabilityListener unregisters the listener, but only if it
// is still the registered one, so a stale close cannot evict a newer
// connection's registration.
func (m *Manager) RemoveMessageAvailabilityListener(ctx context.Context, key models.QueueKey, listener MessageAvailabilityListener) {
	m.mu.Lock()
	current, ok := m.listeners[key.String()]
	if ok && current == listener {
		delete(m.listeners, key.String())
		ok = true
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok {
		if err := m.cache.Unwatch(ctx, key); err != nil {
			m.log.Warn().Err(err).Str("queue", key.String()).Msg("failed to unwatch queue notifications")
		}
	}
}

// DeleteAllForDevice purges both tiers; used on unregister and account
// deletion.
func (m *Manager) DeleteAllForDevice(ctx context.Context, key models.QueueKey) error {
	if err := m.cache.Clear(ctx, key); err != nil {
		return err
	}
	return m.store.DeleteAllFor(ctx, key)
}

// RemoveExpiredMessages drops durable rows past the retention window.
func (m *Manager) RemoveExpiredMessages(ctx context.Context, before time.Time) (int64, error) {
	return m.store.RemoveExpired(ctx, before)
}
