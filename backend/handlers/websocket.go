// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/delivery"
	"github.com/efchatnet/efrelay/backend/middleware"
	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/transport"
)

// WebSocketHandler upgrades an authenticated device to its persistent
// delivery connection.
type WebSocketHandler struct {
	manager  *delivery.Manager
	presence *delivery.PresenceManager
	push     delivery.PushScheduler
	log      zerolog.Logger

	pageSize    int
	ackTimeout  time.Duration
	safetyPoll  time.Duration
	idleTimeout time.Duration

	upgrader websocket.Upgrader
}

func NewWebSocketHandler(manager *delivery.Manager, presence *delivery.PresenceManager, push delivery.PushScheduler, pageSize int, ackTimeout, safetyPoll, idleTimeout time.Duration, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:     manager,
		presence:    presence,
		push:        push,
		log:         log.With().Str("component", "websocket_handler").Logger(),
		pageSize:    pageSize,
		ackTimeout:  ackTimeout,
		safetyPoll:  safetyPoll,
		idleTimeout: idleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy is enforced by the CORS middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *WebSocketHandler) Attach(w http.ResponseWriter, r *http.Request) {
	accountUUID, deviceID, ok := middleware.GetDeviceIdentity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	key := models.NewQueueKey(accountUUID, deviceID)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("queue", key.String()).Msg("websocket upgrade failed")
		return
	}

	tr := transport.NewWebSocket(ws, h.idleTimeout, h.log)
	conn := delivery.NewConnection(key, h.manager, h.presence, h.push, tr, h.pageSize, h.ackTimeout, h.safetyPoll, h.log)
	if err := conn.Open(r.Context()); err != nil {
		h.log.Warn().Err(err).Str("queue", key.String()).Msg("failed to open delivery connection")
		tr.Close(delivery.CloseError, "failed to register connection")
		return
	}
}
