// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package push

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/delivery"
	"github.com/efchatnet/efrelay/backend/models"
)

// LogSender stands in for the APNs/FCM senders in deployments without
// platform credentials: every push is logged and reported delivered so the
// fallback pipeline stays exercised end to end.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log.With().Str("component", "push_sender").Logger()}
}

func (s *LogSender) SendPush(ctx context.Context, device *models.Device) (delivery.PushResult, error) {
	s.log.Info().
		Str("account", device.AccountUUID).
		Int64("device", device.DeviceID).
		Str("platform", device.Platform).
		Msg("would send wakeup push")
	return delivery.PushOk, nil
}

var _ delivery.PushSender = (*LogSender)(nil)
