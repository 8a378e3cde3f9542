// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package storage

import (
	"context"
	"errors"
	"hash/crc32"
	"time"

	"github.com/efchatnet/efrelay/backend/models"
)

var (
	// ErrRetryLater marks transient cluster failures (timeout, partition).
	// Callers must not assume the write happened and may retry.
	ErrRetryLater = errors.New("transient storage failure, retry later")

	// ErrNotFound is returned for lookups of records that do not exist.
	ErrNotFound = errors.New("not found")
)

// SlotCount is the fixed partition space the persister sweeps. Queue keys
// hash onto slots; the slot assignment must stay stable across restarts, so
// changing this constant invalidates in-flight sweep cursors.
const SlotCount = 256

// Slot returns the persister partition a queue key belongs to.
func Slot(key models.QueueKey) int {
	return int(crc32.ChecksumIEEE([]byte(key.String())) % SlotCount)
}

// QueueEventKind is the closed set of queue notification kinds carried over
// the cluster pub/sub side-channel.
type QueueEventKind int

const (
	QueueEventNewMessage QueueEventKind = iota
	QueueEventNewEphemeral
	QueueEventPersisted
)

type QueueEvent struct {
	Kind  QueueEventKind
	Queue models.QueueKey
}

// MessageCache is the distributed recent tier of every device queue. Insert
// assigns ids atomically; all operations are bounded by the caller's context
// and surface cluster trouble as ErrRetryLater.
type MessageCache interface {
	// Insert assigns the next sequence id for the queue, stores the
	// envelope under it and announces QueueEventNewMessage fleet-wide.
	Insert(ctx context.Context, key models.QueueKey, env models.Envelope) (int64, error)

	// InsertEphemeral puts the envelope on the short-lived ephemeral lane
	// and announces QueueEventNewEphemeral. No id is assigned and nothing
	// survives the lane TTL.
	InsertEphemeral(ctx context.Context, key models.QueueKey, env models.Envelope) error

	// TakeEphemeral drains and returns the ephemeral lane, oldest first.
	TakeEphemeral(ctx context.Context, key models.QueueKey) ([]models.Envelope, error)

	// Get returns up to limit cached envelopes, oldest first.
	Get(ctx context.Context, key models.QueueKey, limit int) ([]models.Envelope, error)

	// Remove deletes by id. Removing an absent id is not an error.
	Remove(ctx context.Context, key models.QueueKey, ids []int64) error

	// GetMessagesToPersist returns cached envelopes whose server timestamp
	// is older than maxAge, oldest first, for migration to durable storage.
	GetMessagesToPersist(ctx context.Context, key models.QueueKey, maxAge time.Duration, limit int) ([]models.Envelope, error)

	HasMessages(ctx context.Context, key models.QueueKey) (bool, error)

	// Clear drops the whole cached queue, its sequence counter and its slot
	// membership.
	Clear(ctx context.Context, key models.QueueKey) error

	// QueuesInSlot lists the queue keys currently holding cached messages
	// in the given persister slot.
	QueuesInSlot(ctx context.Context, slot int) ([]models.QueueKey, error)

	// NotifyPersisted announces QueueEventPersisted so a live connection
	// re-fetches from the durable tier.
	NotifyPersisted(ctx context.Context, key models.QueueKey) error

	// Watch subscribes this process to the queue's notification channel;
	// matching events are delivered on Events. Unwatch reverses it.
	Watch(ctx context.Context, key models.QueueKey) error
	Unwatch(ctx context.Context, key models.QueueKey) error
	Events() <-chan QueueEvent
}

// MessageStore is the durable older tier. Inserts are append-only by id and
// idempotent, so re-running a persist sweep over the same state is safe.
type MessageStore interface {
	Store(ctx context.Context, key models.QueueKey, envelopes []models.Envelope) error
	// Load pages id-ascending, returning envelopes with id > afterID.
	Load(ctx context.Context, key models.QueueKey, afterID int64, limit int) ([]models.Envelope, error)
	Delete(ctx context.Context, key models.QueueKey, ids []int64) error
	DeleteAllFor(ctx context.Context, key models.QueueKey) error
	// RemoveExpired drops rows past their retention window.
	RemoveExpired(ctx context.Context, before time.Time) (int64, error)
}

// DeviceStore is the account/device boundary: push token lookup and repair.
type DeviceStore interface {
	GetDevice(ctx context.Context, accountUUID string, deviceID int64) (*models.Device, error)
	UpdateDeviceToken(ctx context.Context, accountUUID string, deviceID int64, token, platform string) error
	// ClearDeviceToken removes a token the platform reported as invalid.
	ClearDeviceToken(ctx context.Context, accountUUID string, deviceID int64) error
	// ListDevices pages the device table for crawlers: returns a chunk of
	// devices after the opaque cursor plus the cursor for the next chunk.
	ListDevices(ctx context.Context, cursor string, limit int) ([]models.Device, string, error)
}

// DisplacementEvent announces that ProcessID claimed the device. A process
// hears its own claim echoed back through a subscription left over from an
// earlier connection to the same device; consumers must ignore those.
type DisplacementEvent struct {
	Queue     models.QueueKey
	ProcessID string
}

// PresenceStore holds the fleet-wide connection ownership markers and the
// displacement side-channel.
type PresenceStore interface {
	SetMarker(ctx context.Context, key models.QueueKey, processID string, ttl time.Duration) error
	// RefreshMarker extends the TTL only while the marker still names
	// processID; false means ownership was lost to a newer connection.
	RefreshMarker(ctx context.Context, key models.QueueKey, processID string, ttl time.Duration) (bool, error)
	// ClearMarker deletes the marker only while it still names processID.
	ClearMarker(ctx context.Context, key models.QueueKey, processID string) (bool, error)
	// GetMarker returns the owning process id, or "" when nobody is present.
	GetMarker(ctx context.Context, key models.QueueKey) (string, error)

	PublishDisplacement(ctx context.Context, key models.QueueKey, processID string) error
	// Subscribe registers interest in displacement events for one key;
	// processes subscribe only for devices they locally own.
	Subscribe(ctx context.Context, key models.QueueKey) error
	Unsubscribe(ctx context.Context, key models.QueueKey) error
	Displacements() <-chan DisplacementEvent
}

// PushQueue is the distributed scheduled-push structure, sorted by fire time
// so any process can claim due jobs.
type PushQueue interface {
	// Schedule adds a pending push unless one already exists for the key
	// (debounce: bursts of inserts coalesce into one push).
	Schedule(ctx context.Context, key models.QueueKey, fireAt time.Time) error
	Cancel(ctx context.Context, key models.QueueKey) error
	// ClaimDue atomically claims up to limit due jobs by pushing their fire
	// time out by lease; a crashed claimant's jobs come due again.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.QueueKey, error)
	// Complete removes a claimed job once processed (or found moot).
	Complete(ctx context.Context, key models.QueueKey) error
}

// WorkLock is a fleet-wide mutually exclusive lease for periodic work.
type WorkLock interface {
	Claim(ctx context.Context, workerID string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, workerID string) error
}

// CursorStore persists opaque resume cursors for sweeps and crawls. Get
// returns "" for an unset cursor.
type CursorStore interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
	Clear(ctx context.Context, name string) error
}
