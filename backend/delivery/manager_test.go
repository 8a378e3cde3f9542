// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package delivery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

func testEnvelope(source string, n int) models.Envelope {
	return models.Envelope{
		Type:       models.EnvelopeCiphertext,
		Timestamp:  time.Now().UnixMilli(),
		SourceUUID: source,
		Content:    []byte(fmt.Sprintf("content-%d", n)),
	}
}

func TestInsertAssignsSequentialIDs(t *testing.T) {
	cache := newFakeCache()
	manager := NewManager(cache, newFakeStore(), &presenceStub{present: true}, &pushStub{}, zerolog.Nop())

	account := uuid.NewString()
	for i := 1; i <= 5; i++ {
		id, err := manager.Insert(context.Background(), account, 1, testEnvelope(uuid.NewString(), i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), id)
	}

	key := models.NewQueueKey(account, 1)
	envelopes, err := manager.GetMessagesForDevice(context.Background(), key, 10)
	require.NoError(t, err)
	require.Len(t, envelopes, 5)
	for i, env := range envelopes {
		assert.Equal(t, int64(i+1), env.ID)
		assert.NotEmpty(t, env.ServerGuid)
		assert.Equal(t, account, env.DestinationUUID)
	}
}

func TestGetMessagesMergesTiersOldestFirst(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore()
	manager := NewManager(cache, store, &presenceStub{present: true}, &pushStub{}, zerolog.Nop())

	account := uuid.NewString()
	key := models.NewQueueKey(account, 1)
	guids := make([]string, 0, 6)
	for i := 1; i <= 6; i++ {
		env := testEnvelope(uuid.NewString(), i)
		env.ServerGuid = uuid.NewString()
		guids = append(guids, env.ServerGuid)
		_, err := manager.Insert(context.Background(), account, 1, env)
		require.NoError(t, err)
	}

	// Age the first three into the durable tier.
	aged, err := cache.GetMessagesToPersist(context.Background(), key, 0, 3)
	require.NoError(t, err)
	require.Len(t, aged, 3)
	require.NoError(t, manager.PersistMessages(context.Background(), key, aged))
	assert.Equal(t, 3, store.size(key))
	assert.Equal(t, 3, cache.size(key))

	envelopes, err := manager.GetMessagesForDevice(context.Background(), key, 10)
	require.NoError(t, err)
	require.Len(t, envelopes, 6)
	for i, env := range envelopes {
		assert.Equal(t, int64(i+1), env.ID)
		assert.Equal(t, guids[i], env.ServerGuid)
	}
}

func TestGetMessagesDeduplicatesMidMigration(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore()
	manager := NewManager(cache, store, &presenceStub{present: true}, &pushStub{}, zerolog.Nop())

	account := uuid.NewString()
	key := models.NewQueueKey(account, 1)
	_, err := manager.Insert(context.Background(), account, 1, testEnvelope(uuid.NewString(), 1))
	require.NoError(t, err)

	// Simulate a crash between the durable write and the cache delete: the
	// envelope exists in both tiers.
	cached, err := cache.Get(context.Background(), key, 1)
	require.NoError(t, err)
	require.NoError(t, store.Store(context.Background(), key, cached))

	envelopes, err := manager.GetMessagesForDevice(context.Background(), key, 10)
	require.NoError(t, err)
	assert.Len(t, envelopes, 1)
}

func TestInsertSchedulesPushWhenAbsent(t *testing.T) {
	push := &pushStub{}
	manager := NewManager(newFakeCache(), newFakeStore(), &presenceStub{present: false}, push, zerolog.Nop())

	account := uuid.NewString()
	_, err := manager.Insert(context.Background(), account, 1, testEnvelope(uuid.NewString(), 1))
	require.NoError(t, err)

	require.Equal(t, 1, push.scheduledCount())
	assert.Equal(t, models.NewQueueKey(account, 1).String(), push.scheduled[0])
}

func TestInsertSkipsPushWhenPresent(t *testing.T) {
	push := &pushStub{}
	manager := NewManager(newFakeCache(), newFakeStore(), &presenceStub{present: true}, push, zerolog.Nop())

	_, err := manager.Insert(context.Background(), uuid.NewString(), 1, testEnvelope(uuid.NewString(), 1))
	require.NoError(t, err)
	assert.Zero(t, push.scheduledCount())
}

func TestEphemeralTakesBestEffortLane(t *testing.T) {
	cache := newFakeCache()
	push := &pushStub{}
	manager := NewManager(cache, newFakeStore(), &presenceStub{present: false}, push, zerolog.Nop())

	account := uuid.NewString()
	env := testEnvelope(uuid.NewString(), 1)
	env.Ephemeral = true
	id, err := manager.Insert(context.Background(), account, 1, env)
	require.NoError(t, err)
	assert.Zero(t, id)
	// No fallback push for ephemeral traffic.
	assert.Zero(t, push.scheduledCount())

	key := models.NewQueueKey(account, 1)
	envelopes, err := manager.GetMessagesForDevice(context.Background(), key, 10)
	require.NoError(t, err)
	assert.Empty(t, envelopes)

	taken, err := manager.TakeEphemeralMessages(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, taken, 1)
	assert.True(t, taken[0].Ephemeral)

	// The lane is drained on take.
	taken, err = manager.TakeEphemeralMessages(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, taken)
}

func TestDeleteNeverResurrects(t *testing.T) {
	cache := newFakeCache()
	manager := NewManager(cache, newFakeStore(), &presenceStub{present: true}, &pushStub{}, zerolog.Nop())

	account := uuid.NewString()
	key := models.NewQueueKey(account, 1)
	for i := 1; i <= 3; i++ {
		_, err := manager.Insert(context.Background(), account, 1, testEnvelope(uuid.NewString(), i))
		require.NoError(t, err)
	}

	require.NoError(t, manager.Delete(context.Background(), key, []int64{2}))
	_, err := manager.Insert(context.Background(), account, 1, testEnvelope(uuid.NewString(), 4))
	require.NoError(t, err)

	envelopes, err := manager.GetMessagesForDevice(context.Background(), key, 10)
	require.NoError(t, err)
	require.Len(t, envelopes, 3)
	for _, env := range envelopes {
		assert.NotEqual(t, int64(2), env.ID)
	}
}

func TestPersistIdempotentOnRepeat(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore()
	manager := NewManager(cache, store, &presenceStub{present: true}, &pushStub{}, zerolog.Nop())

	account := uuid.NewString()
	key := models.NewQueueKey(account, 1)
	for i := 1; i <= 4; i++ {
		_, err := manager.Insert(context.Background(), account, 1, testEnvelope(uuid.NewString(), i))
		require.NoError(t, err)
	}

	batch, err := cache.GetMessagesToPersist(context.Background(), key, 0, 10)
	require.NoError(t, err)
	require.Len(t, batch, 4)

	require.NoError(t, manager.PersistMessages(context.Background(), key, batch))
	require.NoError(t, manager.PersistMessages(context.Background(), key, batch))
	assert.Equal(t, 4, store.size(key))
	assert.Zero(t, cache.size(key))
}

func TestListenerDispatch(t *testing.T) {
	cache := newFakeCache()
	manager := NewManager(cache, newFakeStore(), &presenceStub{present: true}, &pushStub{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	account := uuid.NewString()
	key := models.NewQueueKey(account, 1)
	listener := &fakeListener{}
	require.NoError(t, manager.AddMessageAvailabilityListener(ctx, key, listener))

	_, err := manager.Insert(ctx, account, 1, testEnvelope(uuid.NewString(), 1))
	require.NoError(t, err)
	env := testEnvelope(uuid.NewString(), 2)
	env.Ephemeral = true
	_, err = manager.Insert(ctx, account, 1, env)
	require.NoError(t, err)
	require.NoError(t, cache.NotifyPersisted(ctx, key))

	require.Eventually(t, func() bool {
		return listener.newMessages.Load() == 1 &&
			listener.ephemerals.Load() == 1 &&
			listener.persisted.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRemoveListenerOnlyWhenStillRegistered(t *testing.T) {
	cache := newFakeCache()
	manager := NewManager(cache, newFakeStore(), &presenceStub{present: true}, &pushStub{}, zerolog.Nop())

	ctx := context.Background()
	key := models.NewQueueKey(uuid.NewString(), 1)
	older := &fakeListener{}
	newer := &fakeListener{}

	require.NoError(t, manager.AddMessageAvailabilityListener(ctx, key, older))
	require.NoError(t, manager.AddMessageAvailabilityListener(ctx, key, newer))

	event := storage.QueueEvent{Kind: storage.QueueEventNewMessage, Queue: key}

	// The stale close of the older connection must not evict the newer one.
	manager.RemoveMessageAvailabilityListener(ctx, key, older)
	manager.dispatch(event)
	assert.Equal(t, int32(1), newer.newMessages.Load())
	assert.Zero(t, older.newMessages.Load())

	manager.RemoveMessageAvailabilityListener(ctx, key, newer)
	manager.dispatch(event)
	assert.Equal(t, int32(1), newer.newMessages.Load())
}

func TestDeleteAllForDevicePurgesBothTiers(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore()
	manager := NewManager(cache, store, &presenceStub{present: true}, &pushStub{}, zerolog.Nop())

	account := uuid.NewString()
	key := models.NewQueueKey(account, 1)
	for i := 1; i <= 4; i++ {
		_, err := manager.Insert(context.Background(), account, 1, testEnvelope(uuid.NewString(), i))
		require.NoError(t, err)
	}
	batch, err := cache.GetMessagesToPersist(context.Background(), key, 0, 2)
	require.NoError(t, err)
	require.NoError(t, manager.PersistMessages(context.Background(), key, batch))

	require.NoError(t, manager.DeleteAllForDevice(context.Background(), key))
	assert.Zero(t, cache.size(key))
	assert.Zero(t, store.size(key))
}
