// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

// PresenceManager tracks which devices this process owns a live connection
// for, mirrored fleet-wide as TTL'd markers in the shared cache. At most one
// process holds a device at a time; a newer connection displaces the older
// one wherever it lives.
type PresenceManager struct {
	store     storage.PresenceStore
	processID string
	markerTTL time.Duration
	heartbeat time.Duration
	log       zerolog.Logger

	mu    sync.Mutex
	local map[string]DisplacedPresenceListener
}

func NewPresenceManager(store storage.PresenceStore, processID string, markerTTL, heartbeat time.Duration, log zerolog.Logger) *PresenceManager {
	return &PresenceManager{
		store:     store,
		processID: processID,
		markerTTL: markerTTL,
		heartbeat: heartbeat,
		log:       log.With().Str("component", "presence_manager").Str("process", processID).Logger(),
		local:     make(map[string]DisplacedPresenceListener),
	}
}

// Run services displacement events and refreshes marker TTLs until the
// context ends. Under a cluster partition longer than the marker TTL the
// rest of the fleet treats our devices as absent; at-most-one-writer wins
// over strict liveness.
func (pm *PresenceManager) Run(ctx context.Context) {
	ticker := time.NewTicker(pm.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-pm.store.Displacements():
			if !ok {
				return
			}
			// On a same-process reconnect our own claim echoes back
			// through the older connection's still-active subscription;
			// honoring it would displace the connection that just won.
			if ev.ProcessID == pm.processID {
				continue
			}
			pm.displaceLocal(ctx, ev.Queue)
		case <-ticker.C:
			pm.refreshMarkers(ctx)
		}
	}
}

// SetPresent claims the device for this process: any previous owner, local
// or remote, is told to disconnect before we commit locally.
func (pm *PresenceManager) SetPresent(ctx context.Context, key models.QueueKey, listener DisplacedPresenceListener) error {
	// A previous connection in this very process is displaced directly;
	// going through pub/sub would race the new registration.
	pm.mu.Lock()
	previous := pm.local[key.String()]
	delete(pm.local, key.String())
	pm.mu.Unlock()
	if previous != nil {
		previous.HandleDisplacement()
	}

	// Remote owners hear this on their subscription. On a same-process
	// reconnect the older connection's subscription is still live and hears
	// it too; Run drops events carrying our own process id.
	if err := pm.store.PublishDisplacement(ctx, key, pm.processID); err != nil {
		return err
	}
	if err := pm.store.Subscribe(ctx, key); err != nil {
		return err
	}
	if err := pm.store.SetMarker(ctx, key, pm.processID, pm.markerTTL); err != nil {
		pm.store.Unsubscribe(ctx, key)
		return err
	}

	pm.mu.Lock()
	pm.local[key.String()] = listener
	pm.mu.Unlock()
	return nil
}

// ClearPresence removes the local record and the fleet marker, the latter
// only while it still names this process.
func (pm *PresenceManager) ClearPresence(ctx context.Context, key models.QueueKey) {
	pm.mu.Lock()
	_, owned := pm.local[key.String()]
	delete(pm.local, key.String())
	pm.mu.Unlock()
	if !owned {
		return
	}

	if err := pm.store.Unsubscribe(ctx, key); err != nil {
		pm.log.Warn().Err(err).Str("queue", key.String()).Msg("failed to unsubscribe displacement channel")
	}
	if _, err := pm.store.ClearMarker(ctx, key, pm.processID); err != nil {
		pm.log.Warn().Err(err).Str("queue", key.String()).Msg("failed to clear presence marker")
	}
}

// IsLocallyPresent is a pure local lookup for fast-path decisions.
func (pm *PresenceManager) IsLocallyPresent(key models.QueueKey) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.local[key.String()] != nil
}

// IsPresent checks the local table first, then the fleet marker.
func (pm *PresenceManager) IsPresent(ctx context.Context, key models.QueueKey) bool {
	if pm.IsLocallyPresent(key) {
		return true
	}
	owner, err := pm.store.GetMarker(ctx, key)
	if err != nil {
		// Can't tell; claiming absence errs toward one redundant push
		// rather than a silently stranded queue.
		pm.log.Warn().Err(err).Str("queue", key.String()).Msg("failed to read presence marker")
		return false
	}
	return owner != ""
}

func (pm *PresenceManager) displaceLocal(ctx context.Context, key models.QueueKey) {
	pm.mu.Lock()
	listener := pm.local[key.String()]
	delete(pm.local, key.String())
	pm.mu.Unlock()
	if listener == nil {
		return
	}

	if err := pm.store.Unsubscribe(ctx, key); err != nil {
		pm.log.Warn().Err(err).Str("queue", key.String()).Msg("failed to unsubscribe displaced channel")
	}
	pm.log.Debug().Str("queue", key.String()).Msg("presence displaced by newer connection")
	listener.HandleDisplacement()
}

// refreshMarkers extends the TTL of every locally owned marker. A refresh
// that finds the marker owned elsewhere means a concurrent SetPresent on
// another process won the race without our subscription hearing it; treat it
// as displacement.
func (pm *PresenceManager) refreshMarkers(ctx context.Context) {
	pm.mu.Lock()
	keys := make([]models.QueueKey, 0, len(pm.local))
	for raw := range pm.local {
		key, err := models.ParseQueueKey(raw)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	pm.mu.Unlock()

	for _, key := range keys {
		ok, err := pm.store.RefreshMarker(ctx, key, pm.processID, pm.markerTTL)
		if err != nil {
			pm.log.Warn().Err(err).Str("queue", key.String()).Msg("failed to refresh presence marker")
			continue
		}
		if !ok {
			pm.displaceLocal(ctx, key)
		}
	}
}

var _ PresenceChecker = (*PresenceManager)(nil)
