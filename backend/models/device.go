// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import "time"

// Push platforms supported by the fallback sender.
const (
	PlatformAPN = "apn"
	PlatformFCM = "fcm"
)

// Device is the relay's view of a registered device: just enough to decide
// whether and where a fallback push can be sent. Registration and key
// management live elsewhere.
type Device struct {
	AccountUUID string    `json:"account_uuid" db:"account_uuid"`
	DeviceID    int64     `json:"device_id" db:"device_id"`
	PushToken   string    `json:"push_token,omitempty" db:"push_token"`
	Platform    string    `json:"platform,omitempty" db:"platform"`
	Enabled     bool      `json:"enabled" db:"enabled"`
	LastSeen    time.Time `json:"last_seen" db:"last_seen"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

func (d *Device) QueueKey() QueueKey {
	return QueueKey{AccountUUID: d.AccountUUID, DeviceID: d.DeviceID}
}
