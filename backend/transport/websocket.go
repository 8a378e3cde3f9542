// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/models"
)

var ErrConnectionClosed = errors.New("websocket connection closed")

// Wire frame kinds. The relay pushes "message" frames; clients answer each
// with an "ack" carrying the same frame id.
const (
	frameMessage = "message"
	frameAck     = "ack"
)

type frame struct {
	Type     string           `json:"type"`
	ID       uint64           `json:"id"`
	Envelope *models.Envelope `json:"envelope,omitempty"`
}

// WebSocket adapts a gorilla websocket into delivery's Transport: Send
// writes a message frame and blocks until the matching ack frame arrives.
type WebSocket struct {
	ws  *websocket.Conn
	log zerolog.Logger

	idleTimeout time.Duration

	writeMu sync.Mutex

	mu           sync.Mutex
	nextID       uint64
	pending      map[uint64]chan struct{}
	closeHandler func()

	closed    chan struct{}
	closeOnce sync.Once
}

func NewWebSocket(ws *websocket.Conn, idleTimeout time.Duration, log zerolog.Logger) *WebSocket {
	t := &WebSocket{
		ws:          ws,
		log:         log.With().Str("component", "websocket").Logger(),
		idleTimeout: idleTimeout,
		pending:     make(map[uint64]chan struct{}),
		closed:      make(chan struct{}),
	}

	ws.SetReadDeadline(time.Now().Add(idleTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	go t.readLoop()
	go t.pingLoop()
	return t
}

// Send delivers one envelope and waits for the client's ack.
func (t *WebSocket) Send(ctx context.Context, env models.Envelope) error {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	ack := make(chan struct{})
	t.pending[id] = ack
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.write(frame{Type: frameMessage, ID: id, Envelope: &env}); err != nil {
		return err
	}

	select {
	case <-ack:
		return nil
	case <-t.closed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WebSocket) Close(code int, reason string) {
	t.closeOnce.Do(func() {
		close(t.closed)

		deadline := time.Now().Add(time.Second)
		message := websocket.FormatCloseMessage(code, reason)
		t.writeMu.Lock()
		t.ws.WriteControl(websocket.CloseMessage, message, deadline)
		t.writeMu.Unlock()

		t.ws.Close()
	})
}

func (t *WebSocket) SetCloseHandler(handler func()) {
	t.mu.Lock()
	t.closeHandler = handler
	t.mu.Unlock()
}

func (t *WebSocket) write(f frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.closed:
		return ErrConnectionClosed
	default:
	}

	t.ws.SetWriteDeadline(time.Now().Add(t.idleTimeout))
	return t.ws.WriteJSON(f)
}

func (t *WebSocket) readLoop() {
	defer func() {
		t.mu.Lock()
		handler := t.closeHandler
		t.mu.Unlock()
		if handler != nil {
			handler()
		}
	}()

	for {
		var f frame
		if err := t.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		t.ws.SetReadDeadline(time.Now().Add(t.idleTimeout))

		if f.Type != frameAck {
			continue
		}
		t.mu.Lock()
		ack := t.pending[f.ID]
		delete(t.pending, f.ID)
		t.mu.Unlock()
		if ack != nil {
			close(ack)
		}
	}
}

func (t *WebSocket) pingLoop() {
	interval := t.idleTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(time.Second)
			t.writeMu.Lock()
			err := t.ws.WriteControl(websocket.PingMessage, nil, deadline)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
