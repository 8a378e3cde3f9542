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
	"time"

	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

// PushResult classifies a platform sender response.
type PushResult int

const (
	PushOk PushResult = iota
	// PushInvalidToken means the device uninstalled or rotated its token:
	// clean up the record, never retry.
	PushInvalidToken
	// PushTransient means the platform was unreachable; retry with backoff.
	PushTransient
)

// PushSender is the APNs/FCM boundary.
type PushSender interface {
	SendPush(ctx context.Context, device *models.Device) (PushResult, error)
}

// PushFallbackManager schedules a delayed platform push for every message
// enqueued toward a device with no live connection, and cancels it when the
// device connects or acknowledges in time. Jobs live in a fleet-shared
// sorted structure, so whichever process's reaper runs next handles them.
type PushFallbackManager struct {
	queue    storage.PushQueue
	devices  storage.DeviceStore
	presence PresenceChecker
	manager  *Manager
	sender   PushSender
	log      zerolog.Logger

	debounce     time.Duration
	reaperPeriod time.Duration
	claimLease   time.Duration
	claimBatch   int
	maxAttempts  int
	retryBackoff time.Duration
}

func NewPushFallbackManager(queue storage.PushQueue, devices storage.DeviceStore, presence PresenceChecker, sender PushSender, debounce, reaperPeriod, claimLease time.Duration, log zerolog.Logger) *PushFallbackManager {
	return &PushFallbackManager{
		queue:        queue,
		devices:      devices,
		presence:     presence,
		sender:       sender,
		log:          log.With().Str("component", "push_fallback").Logger(),
		debounce:     debounce,
		reaperPeriod: reaperPeriod,
		claimLease:   claimLease,
		claimBatch:   64,
		maxAttempts:  3,
		retryBackoff: time.Second,
	}
}

// SetManager wires the message manager in after construction; the manager
// and the push fallback reference each other.
func (p *PushFallbackManager) SetManager(manager *Manager) {
	p.manager = manager
}

func (p *PushFallbackManager) Schedule(ctx context.Context, key models.QueueKey) error {
	return p.queue.Schedule(ctx, key, time.Now().Add(p.debounce))
}

func (p *PushFallbackManager) Cancel(ctx context.Context, key models.QueueKey) error {
	return p.queue.Cancel(ctx, key)
}

// Run reaps due jobs until the context ends. A failure on one device never
// aborts the rest of the batch.
func (p *PushFallbackManager) Run(ctx context.Context) {
	ticker := time.NewTicker(p.reaperPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reap(ctx)
		}
	}
}

func (p *PushFallbackManager) reap(ctx context.Context) {
	keys, err := p.queue.ClaimDue(ctx, time.Now(), p.claimLease, p.claimBatch)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to claim due pushes")
		return
	}

	for _, key := range keys {
		p.process(ctx, key)
	}
}

// process re-checks whether the push is still warranted and sends at most
// one. A fired timer that finds the condition already resolved is a no-op.
func (p *PushFallbackManager) process(ctx context.Context, key models.QueueKey) {
	if p.presence.IsPresent(ctx, key) {
		// A live connection will drain the queue itself.
		p.complete(ctx, key)
		return
	}

	has, err := p.manager.HasCachedMessages(ctx, key)
	if err != nil {
		// Leave the job claimed; it comes due again after the lease.
		p.log.Warn().Err(err).Str("queue", key.String()).Msg("failed to check queue before push")
		return
	}
	if !has {
		p.complete(ctx, key)
		return
	}

	device, err := p.devices.GetDevice(ctx, key.AccountUUID, key.DeviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.complete(ctx, key)
			return
		}
		p.log.Warn().Err(err).Str("queue", key.String()).Msg("failed to load device for push")
		return
	}
	if !device.Enabled || device.PushToken == "" {
		// Not registered for push: drop, never retry.
		p.log.Debug().Str("queue", key.String()).Msg("device has no usable push token")
		p.complete(ctx, key)
		return
	}

	p.send(ctx, key, device)
}

func (p *PushFallbackManager) send(ctx context.Context, key models.QueueKey, device *models.Device) {
	backoff := p.retryBackoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		result, err := p.sender.SendPush(ctx, device)
		switch result {
		case PushOk:
			p.complete(ctx, key)
			return
		case PushInvalidToken:
			if err := p.devices.ClearDeviceToken(ctx, key.AccountUUID, key.DeviceID); err != nil {
				p.log.Warn().Err(err).Str("queue", key.String()).Msg("failed to clear invalid push token")
			}
			p.complete(ctx, key)
			return
		case PushTransient:
			p.log.Debug().Err(err).Str("queue", key.String()).Int("attempt", attempt).Msg("transient push failure")
			if attempt == p.maxAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	p.log.Warn().Str("queue", key.String()).Msg("dropping push after repeated transient failures")
	p.complete(ctx, key)
}

func (p *PushFallbackManager) complete(ctx context.Context, key models.QueueKey) {
	if err := p.queue.Complete(ctx, key); err != nil {
		p.log.Warn().Err(err).Str("queue", key.String()).Msg("failed to complete push job")
	}
}

var _ PushScheduler = (*PushFallbackManager)(nil)
