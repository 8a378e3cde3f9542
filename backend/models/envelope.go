// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvelopeType identifies what kind of encrypted payload an envelope carries.
// The relay never inspects the payload itself.
type EnvelopeType int

const (
	EnvelopeUnknown               EnvelopeType = 0
	EnvelopeCiphertext            EnvelopeType = 1
	EnvelopeKeyExchange           EnvelopeType = 2
	EnvelopePreKeyBundle          EnvelopeType = 3
	EnvelopeReceipt               EnvelopeType = 5
	EnvelopeUnidentifiedSender    EnvelopeType = 6
	EnvelopeServerDeliveryReceipt EnvelopeType = 7
)

// Envelope is one end-to-end-encrypted message unit addressed to a single
// device. Content is opaque to the server. ID is the server-assigned
// per-queue sequence number; delivery order is ID order, not client
// timestamp order.
type Envelope struct {
	ID              int64        `json:"id" db:"id"`
	ServerGuid      string       `json:"server_guid" db:"server_guid"`
	Type            EnvelopeType `json:"type" db:"type"`
	Timestamp       int64        `json:"timestamp" db:"client_timestamp"`
	ServerTimestamp int64        `json:"server_timestamp" db:"server_timestamp"`
	SourceUUID      string       `json:"source_uuid,omitempty" db:"source_uuid"`
	SourceDevice    int64        `json:"source_device,omitempty" db:"source_device"`
	DestinationUUID string       `json:"destination_uuid" db:"destination_uuid"`
	Content         []byte       `json:"content" db:"content"`

	// Ephemeral envelopes (typing indicators and the like) are delivered
	// at most once, never persisted, and dropped when no connection is live.
	Ephemeral bool `json:"ephemeral,omitempty" db:"-"`
}

// QueueKey addresses one device's mailbox.
type QueueKey struct {
	AccountUUID string `json:"account_uuid"`
	DeviceID    int64  `json:"device_id"`
}

func NewQueueKey(accountUUID string, deviceID int64) QueueKey {
	return QueueKey{AccountUUID: accountUUID, DeviceID: deviceID}
}

// String returns the canonical form used in Redis keys and pub/sub channel
// names. The separator cannot appear in a UUID.
func (k QueueKey) String() string {
	return k.AccountUUID + "::" + strconv.FormatInt(k.DeviceID, 10)
}

func ParseQueueKey(s string) (QueueKey, error) {
	idx := strings.LastIndex(s, "::")
	if idx < 0 {
		return QueueKey{}, fmt.Errorf("malformed queue key %q", s)
	}
	deviceID, err := strconv.ParseInt(s[idx+2:], 10, 64)
	if err != nil {
		return QueueKey{}, fmt.Errorf("malformed device id in queue key %q", s)
	}
	return QueueKey{AccountUUID: s[:idx], DeviceID: deviceID}, nil
}
