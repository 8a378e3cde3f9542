// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

// DeviceStore reads and repairs the relay's device records. Registration is
// handled by the account service; this side only needs tokens and liveness.
type DeviceStore struct {
	db *sql.DB
}

func NewDeviceStore(db *sql.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

func (s *DeviceStore) GetDevice(ctx context.Context, accountUUID string, deviceID int64) (*models.Device, error) {
	device := &models.Device{}
	var token, platform sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT account_uuid, device_id, push_token, platform, enabled, last_seen, created_at
		FROM devices
		WHERE account_uuid = $1 AND device_id = $2`,
		accountUUID, deviceID).Scan(
		&device.AccountUUID, &device.DeviceID, &token, &platform,
		&device.Enabled, &device.LastSeen, &device.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	device.PushToken = token.String
	device.Platform = platform.String
	return device, nil
}

func (s *DeviceStore) UpdateDeviceToken(ctx context.Context, accountUUID string, deviceID int64, token, platform string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET push_token = $3, platform = $4
		WHERE account_uuid = $1 AND device_id = $2`,
		accountUUID, deviceID, token, platform)
	if err != nil {
		return fmt.Errorf("failed to update device token: %w", err)
	}
	return nil
}

func (s *DeviceStore) ClearDeviceToken(ctx context.Context, accountUUID string, deviceID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET push_token = NULL
		WHERE account_uuid = $1 AND device_id = $2`,
		accountUUID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to clear device token: %w", err)
	}
	return nil
}

// ListDevices pages the device table in primary-key order. The cursor is the
// opaque "{uuid}::{deviceId}" of the last row of the previous chunk; "" means
// start from the beginning, and a returned "" means the crawl is complete.
func (s *DeviceStore) ListDevices(ctx context.Context, cursor string, limit int) ([]models.Device, string, error) {
	afterUUID := ""
	afterDevice := int64(0)
	if cursor != "" {
		idx := strings.LastIndex(cursor, "::")
		if idx < 0 {
			return nil, "", fmt.Errorf("malformed device cursor %q", cursor)
		}
		deviceID, err := strconv.ParseInt(cursor[idx+2:], 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("malformed device cursor %q", cursor)
		}
		afterUUID = cursor[:idx]
		afterDevice = deviceID
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT account_uuid, device_id, push_token, platform, enabled, last_seen, created_at
		FROM devices
		WHERE (account_uuid, device_id) > ($1, $2)
		ORDER BY account_uuid, device_id
		LIMIT $3`,
		afterUUID, afterDevice, limit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var device models.Device
		var token, platform sql.NullString
		err := rows.Scan(&device.AccountUUID, &device.DeviceID, &token, &platform,
			&device.Enabled, &device.LastSeen, &device.CreatedAt)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan device row: %w", err)
		}
		device.PushToken = token.String
		device.Platform = platform.String
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(devices) == limit {
		last := devices[len(devices)-1]
		next = last.QueueKey().String()
	}
	return devices, next, nil
}

var _ storage.DeviceStore = (*DeviceStore)(nil)
