// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/models"
)

// RetentionJob purges queues of devices that have been disabled longer than
// the retention window (fed chunks by the device crawler) and sweeps expired
// durable rows on a timer. Row-level expiry catches what the crawler misses
// and vice versa.
type RetentionJob struct {
	manager   *Manager
	retention time.Duration
	period    time.Duration
	log       zerolog.Logger
}

func NewRetentionJob(manager *Manager, retention, period time.Duration, log zerolog.Logger) *RetentionJob {
	return &RetentionJob{
		manager:   manager,
		retention: retention,
		period:    period,
		log:       log.With().Str("component", "retention").Logger(),
	}
}

// ProcessChunk implements CrawlListener.
func (r *RetentionJob) ProcessChunk(ctx context.Context, devices []models.Device) error {
	cutoff := time.Now().Add(-r.retention)
	for _, device := range devices {
		if device.Enabled || device.LastSeen.After(cutoff) {
			continue
		}
		key := device.QueueKey()
		if err := r.manager.DeleteAllForDevice(ctx, key); err != nil {
			return err
		}
		r.log.Info().Str("queue", key.String()).Msg("purged queue of long-disabled device")
	}
	return nil
}

// Run periodically drops durable rows past their expiry.
func (r *RetentionJob) Run(ctx context.Context) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := r.manager.RemoveExpiredMessages(ctx, time.Now())
			if err != nil {
				r.log.Warn().Err(err).Msg("failed to remove expired messages")
			} else if removed > 0 {
				r.log.Info().Int64("count", removed).Msg("removed expired messages")
			}
		}
	}
}
