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
	"github.com/efchatnet/efrelay/backend/storage"
)

// CrawlStatus is the explicit outcome of one crawl pass.
type CrawlStatus int

const (
	CrawlOk CrawlStatus = iota
	CrawlSkipped
	// CrawlRestart means a chunk failed; the cursor stays at the last good
	// chunk and the next pass resumes there.
	CrawlRestart
)

// CrawlListener processes one chunk of devices. Returning an error stops the
// crawl without advancing the cursor past the chunk.
type CrawlListener interface {
	ProcessChunk(ctx context.Context, devices []models.Device) error
}

// DeviceCrawler walks the whole device table in bounded chunks with an
// inter-chunk delay, resuming from an opaque cursor that only advances on
// full-chunk success. One worker crawls at a time, fleet-wide.
type DeviceCrawler struct {
	devices  storage.DeviceStore
	cursors  storage.CursorStore
	lock     storage.WorkLock
	listener CrawlListener
	log      zerolog.Logger

	workerID   string
	cursorName string
	period     time.Duration
	chunkSize  int
	chunkDelay time.Duration
	lockTTL    time.Duration
}

func NewDeviceCrawler(devices storage.DeviceStore, cursors storage.CursorStore, lock storage.WorkLock, listener CrawlListener, workerID, cursorName string, period time.Duration, chunkSize int, chunkDelay time.Duration, log zerolog.Logger) *DeviceCrawler {
	return &DeviceCrawler{
		devices:    devices,
		cursors:    cursors,
		lock:       lock,
		listener:   listener,
		log:        log.With().Str("component", "device_crawler").Str("crawl", cursorName).Logger(),
		workerID:   workerID,
		cursorName: cursorName,
		period:     period,
		chunkSize:  chunkSize,
		chunkDelay: chunkDelay,
		lockTTL:    2 * period,
	}
}

func (c *DeviceCrawler) Run(ctx context.Context) {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := c.Crawl(ctx)
			if err != nil {
				c.log.Warn().Err(err).Int("status", int(status)).Msg("crawl did not complete")
			}
		}
	}
}

func (c *DeviceCrawler) Crawl(ctx context.Context) (CrawlStatus, error) {
	claimed, err := c.lock.Claim(ctx, c.workerID, c.lockTTL)
	if err != nil {
		return CrawlRestart, err
	}
	if !claimed {
		return CrawlSkipped, nil
	}
	defer func() {
		if err := c.lock.Release(ctx, c.workerID); err != nil {
			c.log.Warn().Err(err).Msg("failed to release crawl lock")
		}
	}()

	cursor, err := c.cursors.Get(ctx, c.cursorName)
	if err != nil {
		return CrawlRestart, err
	}

	for {
		select {
		case <-ctx.Done():
			return CrawlRestart, ctx.Err()
		default:
		}

		devices, next, err := c.devices.ListDevices(ctx, cursor, c.chunkSize)
		if err != nil {
			return CrawlRestart, err
		}
		if len(devices) > 0 {
			if err := c.listener.ProcessChunk(ctx, devices); err != nil {
				// Cursor stays put: the chunk is redone, not skipped.
				return CrawlRestart, err
			}
		}

		if next == "" {
			if err := c.cursors.Clear(ctx, c.cursorName); err != nil {
				return CrawlRestart, err
			}
			return CrawlOk, nil
		}
		if err := c.cursors.Set(ctx, c.cursorName, next); err != nil {
			return CrawlRestart, err
		}
		cursor = next

		if _, err := c.lock.Renew(ctx, c.workerID, c.lockTTL); err != nil {
			c.log.Warn().Err(err).Msg("failed to renew crawl lock")
		}

		select {
		case <-ctx.Done():
			return CrawlRestart, ctx.Err()
		case <-time.After(c.chunkDelay):
		}
	}
}
