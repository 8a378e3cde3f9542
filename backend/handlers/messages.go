// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/efchatnet/efrelay/backend/delivery"
	"github.com/efchatnet/efrelay/backend/middleware"
	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

type MessageHandler struct {
	manager *delivery.Manager
	push    delivery.PushScheduler
}

func NewMessageHandler(manager *delivery.Manager, push delivery.PushScheduler) *MessageHandler {
	return &MessageHandler{manager: manager, push: push}
}

// SendMessage accepts one encrypted envelope for a destination device. The
// sender gets 201 once the envelope has an id in the cache tier; delivery is
// handled entirely on the recipient side.
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	destinationUUID := vars["uuid"]
	deviceID, err := strconv.ParseInt(vars["deviceId"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid device id", http.StatusBadRequest)
		return
	}

	var req struct {
		Type      models.EnvelopeType `json:"type"`
		Timestamp int64               `json:"timestamp"`
		Content   []byte              `json:"content"`
		Ephemeral bool                `json:"ephemeral"`
		Sealed    bool                `json:"sealed"` // sealed-sender: omit source
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	env := models.Envelope{
		ServerGuid: uuid.NewString(),
		Type:       req.Type,
		Timestamp:  req.Timestamp,
		Content:    req.Content,
		Ephemeral:  req.Ephemeral,
	}
	if !req.Sealed {
		sourceUUID, sourceDevice, ok := middleware.GetDeviceIdentity(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		env.SourceUUID = sourceUUID
		env.SourceDevice = sourceDevice
	}

	id, err := h.manager.Insert(r.Context(), destinationUUID, deviceID, env)
	if err != nil {
		if errors.Is(err, storage.ErrRetryLater) {
			w.Header().Set("Retry-After", "5")
			http.Error(w, "Try again later", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "Failed to accept message", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":          id,
		"server_guid": env.ServerGuid,
	})
}

// GetMessages is the non-websocket fetch path: the authenticated device
// reads a page of its own queue.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	accountUUID, deviceID, ok := middleware.GetDeviceIdentity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	key := models.NewQueueKey(accountUUID, deviceID)

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	envelopes, err := h.manager.GetMessagesForDevice(r.Context(), key, limit)
	if err != nil {
		http.Error(w, "Failed to retrieve messages", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"messages": envelopes,
		"count":    len(envelopes),
	})
}

// AckMessages deletes acknowledged envelopes and cancels any pending
// fallback push for the device.
func (h *MessageHandler) AckMessages(w http.ResponseWriter, r *http.Request) {
	accountUUID, deviceID, ok := middleware.GetDeviceIdentity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	key := models.NewQueueKey(accountUUID, deviceID)

	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.manager.Delete(r.Context(), key, req.IDs); err != nil {
		http.Error(w, "Failed to delete messages", http.StatusInternalServerError)
		return
	}
	// Any acknowledgement proves the client is alive; a pending push is moot.
	h.push.Cancel(r.Context(), key)

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "deleted",
	})
}
