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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

// In-memory stand-ins for the Redis and Postgres tiers. They honor the same
// contracts (id assignment order, idempotent writes, watched-only event
// delivery) so the delivery logic can be exercised without a cluster.

type fakeCache struct {
	mu        sync.Mutex
	seq       map[string]int64
	queues    map[string][]models.Envelope
	ephemeral map[string][]models.Envelope
	watched   map[string]bool
	events    chan storage.QueueEvent
	insertErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		seq:       make(map[string]int64),
		queues:    make(map[string][]models.Envelope),
		ephemeral: make(map[string][]models.Envelope),
		watched:   make(map[string]bool),
		events:    make(chan storage.QueueEvent, 128),
	}
}

func (f *fakeCache) emit(key models.QueueKey, kind storage.QueueEventKind) {
	if !f.watched[key.String()] {
		return
	}
	select {
	case f.events <- storage.QueueEvent{Kind: kind, Queue: key}:
	default:
	}
}

func (f *fakeCache) Insert(ctx context.Context, key models.QueueKey, env models.Envelope) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.seq[key.String()]++
	env.ID = f.seq[key.String()]
	f.queues[key.String()] = append(f.queues[key.String()], env)
	f.emit(key, storage.QueueEventNewMessage)
	return env.ID, nil
}

func (f *fakeCache) InsertEphemeral(ctx context.Context, key models.QueueKey, env models.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ephemeral[key.String()] = append(f.ephemeral[key.String()], env)
	f.emit(key, storage.QueueEventNewEphemeral)
	return nil
}

func (f *fakeCache) TakeEphemeral(ctx context.Context, key models.QueueKey) ([]models.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	envelopes := f.ephemeral[key.String()]
	delete(f.ephemeral, key.String())
	return envelopes, nil
}

func (f *fakeCache) Get(ctx context.Context, key models.QueueKey, limit int) ([]models.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.queues[key.String()]
	if len(queue) > limit {
		queue = queue[:limit]
	}
	return append([]models.Envelope(nil), queue...), nil
}

func (f *fakeCache) Remove(ctx context.Context, key models.QueueKey, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := f.queues[key.String()][:0]
	for _, env := range f.queues[key.String()] {
		if !drop[env.ID] {
			kept = append(kept, env)
		}
	}
	f.queues[key.String()] = kept
	return nil
}

func (f *fakeCache) GetMessagesToPersist(ctx context.Context, key models.QueueKey, maxAge time.Duration, limit int) ([]models.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	var aged []models.Envelope
	for _, env := range f.queues[key.String()] {
		if env.ServerTimestamp <= cutoff {
			aged = append(aged, env)
		}
		if len(aged) == limit {
			break
		}
	}
	return aged, nil
}

func (f *fakeCache) HasMessages(ctx context.Context, key models.QueueKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[key.String()]) > 0, nil
}

func (f *fakeCache) Clear(ctx context.Context, key models.QueueKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queues, key.String())
	delete(f.seq, key.String())
	delete(f.ephemeral, key.String())
	return nil
}

func (f *fakeCache) QueuesInSlot(ctx context.Context, slot int) ([]models.QueueKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []models.QueueKey
	for raw, queue := range f.queues {
		if len(queue) == 0 {
			continue
		}
		key, err := models.ParseQueueKey(raw)
		if err != nil {
			continue
		}
		if storage.Slot(key) == slot {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (f *fakeCache) NotifyPersisted(ctx context.Context, key models.QueueKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit(key, storage.QueueEventPersisted)
	return nil
}

func (f *fakeCache) Watch(ctx context.Context, key models.QueueKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[key.String()] = true
	return nil
}

func (f *fakeCache) Unwatch(ctx context.Context, key models.QueueKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watched, key.String())
	return nil
}

func (f *fakeCache) Events() <-chan storage.QueueEvent {
	return f.events
}

func (f *fakeCache) size(key models.QueueKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[key.String()])
}

type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]map[int64]models.Envelope
	failFor map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:    make(map[string]map[int64]models.Envelope),
		failFor: make(map[string]bool),
	}
}

func (f *fakeStore) Store(ctx context.Context, key models.QueueKey, envelopes []models.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[key.String()] {
		return errors.New("durable store unavailable")
	}
	if f.rows[key.String()] == nil {
		f.rows[key.String()] = make(map[int64]models.Envelope)
	}
	for _, env := range envelopes {
		if env.Ephemeral {
			continue
		}
		if _, exists := f.rows[key.String()][env.ID]; !exists {
			f.rows[key.String()][env.ID] = env
		}
	}
	return nil
}

func (f *fakeStore) Load(ctx context.Context, key models.QueueKey, afterID int64, limit int) ([]models.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id := range f.rows[key.String()] {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	envelopes := make([]models.Envelope, 0, len(ids))
	for _, id := range ids {
		envelopes = append(envelopes, f.rows[key.String()][id])
	}
	return envelopes, nil
}

func (f *fakeStore) Delete(ctx context.Context, key models.QueueKey, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.rows[key.String()], id)
	}
	return nil
}

func (f *fakeStore) DeleteAllFor(ctx context.Context, key models.QueueKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, key.String())
	return nil
}

func (f *fakeStore) RemoveExpired(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) size(key models.QueueKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[key.String()])
}

type presenceStub struct{ present bool }

func (s *presenceStub) IsLocallyPresent(models.QueueKey) bool { return s.present }

func (s *presenceStub) IsPresent(context.Context, models.QueueKey) bool { return s.present }

type pushStub struct {
	mu        sync.Mutex
	scheduled []string
	canceled  []string
}

func (s *pushStub) Schedule(ctx context.Context, key models.QueueKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, key.String())
	return nil
}

func (s *pushStub) Cancel(ctx context.Context, key models.QueueKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, key.String())
	return nil
}

func (s *pushStub) scheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}

// presenceHub wires several fakePresenceStores together the way one Redis
// does for several processes.
type presenceHub struct {
	mu      sync.Mutex
	markers map[string]string
	subs    map[string][]*fakePresenceStore
}

func newPresenceHub() *presenceHub {
	return &presenceHub{
		markers: make(map[string]string),
		subs:    make(map[string][]*fakePresenceStore),
	}
}

func (h *presenceHub) newStore() *fakePresenceStore {
	return &fakePresenceStore{
		hub:           h,
		displacements: make(chan storage.DisplacementEvent, 16),
	}
}

func (h *presenceHub) marker(key models.QueueKey) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.markers[key.String()]
}

type fakePresenceStore struct {
	hub           *presenceHub
	displacements chan storage.DisplacementEvent
}

func (f *fakePresenceStore) SetMarker(ctx context.Context, key models.QueueKey, processID string, ttl time.Duration) error {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	f.hub.markers[key.String()] = processID
	return nil
}

func (f *fakePresenceStore) RefreshMarker(ctx context.Context, key models.QueueKey, processID string, ttl time.Duration) (bool, error) {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	return f.hub.markers[key.String()] == processID, nil
}

func (f *fakePresenceStore) ClearMarker(ctx context.Context, key models.QueueKey, processID string) (bool, error) {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	if f.hub.markers[key.String()] != processID {
		return false, nil
	}
	delete(f.hub.markers, key.String())
	return true, nil
}

func (f *fakePresenceStore) GetMarker(ctx context.Context, key models.QueueKey) (string, error) {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	return f.hub.markers[key.String()], nil
}

func (f *fakePresenceStore) PublishDisplacement(ctx context.Context, key models.QueueKey, processID string) error {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	ev := storage.DisplacementEvent{Queue: key, ProcessID: processID}
	for _, sub := range f.hub.subs[key.String()] {
		select {
		case sub.displacements <- ev:
		default:
		}
	}
	return nil
}

func (f *fakePresenceStore) Subscribe(ctx context.Context, key models.QueueKey) error {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	for _, sub := range f.hub.subs[key.String()] {
		if sub == f {
			return nil
		}
	}
	f.hub.subs[key.String()] = append(f.hub.subs[key.String()], f)
	return nil
}

func (f *fakePresenceStore) Unsubscribe(ctx context.Context, key models.QueueKey) error {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	subs := f.hub.subs[key.String()][:0]
	for _, sub := range f.hub.subs[key.String()] {
		if sub != f {
			subs = append(subs, sub)
		}
	}
	f.hub.subs[key.String()] = subs
	return nil
}

func (f *fakePresenceStore) Displacements() <-chan storage.DisplacementEvent {
	return f.displacements
}

type fakePushQueue struct {
	mu      sync.Mutex
	pending map[string]time.Time
}

func newFakePushQueue() *fakePushQueue {
	return &fakePushQueue{pending: make(map[string]time.Time)}
}

func (f *fakePushQueue) Schedule(ctx context.Context, key models.QueueKey, fireAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.pending[key.String()]; !exists {
		f.pending[key.String()] = fireAt
	}
	return nil
}

func (f *fakePushQueue) Cancel(ctx context.Context, key models.QueueKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, key.String())
	return nil
}

func (f *fakePushQueue) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.QueueKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []models.QueueKey
	for raw, fireAt := range f.pending {
		if fireAt.After(now) || len(keys) == limit {
			continue
		}
		key, err := models.ParseQueueKey(raw)
		if err != nil {
			continue
		}
		f.pending[raw] = now.Add(lease)
		keys = append(keys, key)
	}
	return keys, nil
}

func (f *fakePushQueue) Complete(ctx context.Context, key models.QueueKey) error {
	return f.Cancel(ctx, key)
}

func (f *fakePushQueue) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

type fakeDevices struct {
	mu      sync.Mutex
	devices map[string]*models.Device
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{devices: make(map[string]*models.Device)}
}

func (f *fakeDevices) add(device models.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[device.QueueKey().String()] = &device
}

func (f *fakeDevices) GetDevice(ctx context.Context, accountUUID string, deviceID int64) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	device, ok := f.devices[models.NewQueueKey(accountUUID, deviceID).String()]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *device
	return &copied, nil
}

func (f *fakeDevices) UpdateDeviceToken(ctx context.Context, accountUUID string, deviceID int64, token, platform string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if device, ok := f.devices[models.NewQueueKey(accountUUID, deviceID).String()]; ok {
		device.PushToken = token
		device.Platform = platform
	}
	return nil
}

func (f *fakeDevices) ClearDeviceToken(ctx context.Context, accountUUID string, deviceID int64) error {
	return f.UpdateDeviceToken(ctx, accountUUID, deviceID, "", "")
}

func (f *fakeDevices) ListDevices(ctx context.Context, cursor string, limit int) ([]models.Device, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.devices {
		if key > cursor {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	devices := make([]models.Device, 0, len(keys))
	for _, key := range keys {
		devices = append(devices, *f.devices[key])
	}
	next := ""
	if len(devices) == limit {
		next = keys[len(keys)-1]
	}
	return devices, next, nil
}

type fakeLock struct {
	mu     sync.Mutex
	holder string
}

func (f *fakeLock) Claim(ctx context.Context, workerID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder != "" {
		return false, nil
	}
	f.holder = workerID
	return true, nil
}

func (f *fakeLock) Renew(ctx context.Context, workerID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holder == workerID, nil
}

func (f *fakeLock) Release(ctx context.Context, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder == workerID {
		f.holder = ""
	}
	return nil
}

type fakeCursors struct {
	mu      sync.Mutex
	cursors map[string]string
}

func newFakeCursors() *fakeCursors {
	return &fakeCursors{cursors: make(map[string]string)}
}

func (f *fakeCursors) Get(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[name], nil
}

func (f *fakeCursors) Set(ctx context.Context, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[name] = value
	return nil
}

func (f *fakeCursors) Clear(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cursors, name)
	return nil
}

type fakeSender struct {
	mu      sync.Mutex
	results []PushResult
	sent    []*models.Device
}

func (f *fakeSender) SendPush(ctx context.Context, device *models.Device) (PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, device)
	if len(f.results) == 0 {
		return PushOk, nil
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result, nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeTransport struct {
	mu          sync.Mutex
	sent        []models.Envelope
	sendErr     error
	closed      bool
	closeCode   int
	closeReason string
	handler     func()
}

func (f *fakeTransport) Send(ctx context.Context, env models.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
}

func (f *fakeTransport) SetCloseHandler(handler func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) sentIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.sent))
	for _, env := range f.sent {
		ids = append(ids, env.ID)
	}
	return ids
}

func (f *fakeTransport) sentEphemeralCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, env := range f.sent {
		if env.Ephemeral {
			count++
		}
	}
	return count
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) closedWith() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

type fakeListener struct {
	newMessages atomic.Int32
	ephemerals  atomic.Int32
	persisted   atomic.Int32
	displaced   atomic.Int32
}

func (l *fakeListener) HandleNewMessagesAvailable() { l.newMessages.Add(1) }

func (l *fakeListener) HandleNewEphemeralMessageAvailable() { l.ephemerals.Add(1) }

func (l *fakeListener) HandleMessagesPersisted() { l.persisted.Add(1) }

func (l *fakeListener) HandleDisplacement() { l.displaced.Add(1) }

var (
	_ storage.MessageCache  = (*fakeCache)(nil)
	_ storage.MessageStore  = (*fakeStore)(nil)
	_ storage.PresenceStore = (*fakePresenceStore)(nil)
	_ storage.PushQueue     = (*fakePushQueue)(nil)
	_ storage.DeviceStore   = (*fakeDevices)(nil)
	_ storage.WorkLock      = (*fakeLock)(nil)
	_ storage.CursorStore   = (*fakeCursors)(nil)
	_ PushSender            = (*fakeSender)(nil)
	_ Transport             = (*fakeTransport)(nil)
)
