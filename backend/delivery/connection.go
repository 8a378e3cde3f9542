// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/models"
)

// Close codes on the transport.
const (
	CloseNormal    = 1000
	CloseError     = 1011
	CloseDisplaced = 4409
)

// Transport is the persistent duplex connection to one authenticated device.
// Send blocks until the client acknowledges the envelope or the context
// ends; framing and encryption are someone else's problem.
type Transport interface {
	Send(ctx context.Context, env models.Envelope) error
	Close(code int, reason string)
	SetCloseHandler(handler func())
}

// Connection state machine states.
const (
	stateCreated int32 = iota
	stateActive
	stateIdle
	stateClosed
)

// Connection drains one device's queue to its live transport: each envelope
// exactly once per connection, in assignment order, deleted only after the
// client acknowledges it.
type Connection struct {
	key      models.QueueKey
	manager  *Manager
	presence *PresenceManager
	push     PushScheduler
	tr       Transport
	log      zerolog.Logger

	pageSize     int
	ackTimeout   time.Duration
	pollInterval time.Duration

	state  atomic.Int32
	wake   chan struct{}
	reload atomic.Bool

	closed    chan struct{}
	closeOnce sync.Once
}

func NewConnection(key models.QueueKey, manager *Manager, presence *PresenceManager, push PushScheduler, tr Transport, pageSize int, ackTimeout, pollInterval time.Duration, log zerolog.Logger) *Connection {
	return &Connection{
		key:          key,
		manager:      manager,
		presence:     presence,
		push:         push,
		tr:           tr,
		log:          log.With().Str("component", "connection").Str("queue", key.String()).Logger(),
		pageSize:     pageSize,
		ackTimeout:   ackTimeout,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
}

// Open registers the connection as this device's listener and presence
// owner, cancels any pending fallback push, and starts the drain loop.
func (c *Connection) Open(ctx context.Context) error {
	c.tr.SetCloseHandler(func() {
		c.shutdown(true, CloseNormal, "client disconnected")
	})

	if err := c.manager.AddMessageAvailabilityListener(ctx, c.key, c); err != nil {
		return err
	}
	if err := c.presence.SetPresent(ctx, c.key, c); err != nil {
		c.manager.RemoveMessageAvailabilityListener(ctx, c.key, c)
		return err
	}
	if err := c.push.Cancel(ctx, c.key); err != nil {
		c.log.Warn().Err(err).Msg("failed to cancel pending push")
	}

	c.state.Store(stateActive)
	go c.drainLoop()
	c.signal()
	return nil
}

// Close ends the connection gracefully, releasing presence and listener
// registrations on the way out.
func (c *Connection) Close(code int, reason string) {
	c.shutdown(true, code, reason)
}

// HandleNewMessagesAvailable implements MessageAvailabilityListener.
func (c *Connection) HandleNewMessagesAvailable() {
	c.signal()
}

// HandleMessagesPersisted invalidates any in-flight cache-tier read: the
// next drain pass re-fetches from the start so the now-durable range is
// included.
func (c *Connection) HandleMessagesPersisted() {
	c.reload.Store(true)
	c.signal()
}

// HandleNewEphemeralMessageAvailable delivers the ephemeral lane best-effort
// and immediately. If the connection cannot take it right now, the messages
// are gone; that is the contract.
func (c *Connection) HandleNewEphemeralMessageAvailable() {
	select {
	case <-c.closed:
		return
	default:
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.ackTimeout)
		defer cancel()

		envelopes, err := c.manager.TakeEphemeralMessages(ctx, c.key)
		if err != nil {
			c.log.Debug().Err(err).Msg("failed to take ephemeral messages")
			return
		}
		for _, env := range envelopes {
			if err := c.tr.Send(ctx, env); err != nil {
				return
			}
		}
	}()
}

// HandleDisplacement implements DisplacedPresenceListener: close the
// transport and release local resources without further cluster calls, so a
// displacement cannot cascade into a displacement storm. The presence
// manager has already dropped the local record; the marker now belongs to
// the newer connection.
func (c *Connection) HandleDisplacement() {
	c.shutdown(false, CloseDisplaced, "connected elsewhere")
}

func (c *Connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connection) drainLoop() {
	// The periodic poll covers notifications missed during transient
	// pub/sub disconnects.
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		case <-ticker.C:
		}

		if !c.drain() {
			c.shutdown(true, CloseError, "delivery stalled")
			return
		}
	}
}

// drain pages the queue out to the transport until it is empty. Returns
// false when the client stopped acknowledging and the connection should be
// torn down so the client reconnects fresh.
func (c *Connection) drain() bool {
	for {
		select {
		case <-c.closed:
			return true
		default:
		}
		c.reload.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), c.ackTimeout)
		envelopes, err := c.manager.GetMessagesForDevice(ctx, c.key, c.pageSize)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to read queue page")
			return true // transient; retried on next wake or poll
		}
		if len(envelopes) == 0 {
			c.state.Store(stateIdle)
			return true
		}
		c.state.Store(stateActive)

		if err := c.sendPage(envelopes); err != nil {
			// One retry per page: redelivery after a reconnect repeats at
			// most the last unacknowledged page.
			c.log.Warn().Err(err).Msg("page delivery failed, retrying once")
			if err := c.sendPage(envelopes); err != nil {
				c.log.Warn().Err(err).Msg("page delivery failed twice, closing")
				return false
			}
		}

		if c.reload.Swap(false) {
			continue // persister moved entries mid-drain; re-read both tiers
		}
		if len(envelopes) < c.pageSize {
			c.state.Store(stateIdle)
			return true
		}
	}
}

func (c *Connection) sendPage(envelopes []models.Envelope) error {
	ids := make([]int64, 0, len(envelopes))
	for _, env := range envelopes {
		ctx, cancel := context.WithTimeout(context.Background(), c.ackTimeout)
		err := c.tr.Send(ctx, env)
		cancel()
		if err != nil {
			return err
		}
		ids = append(ids, env.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.ackTimeout)
	defer cancel()
	if err := c.manager.Delete(ctx, c.key, ids); err != nil {
		c.log.Warn().Err(err).Msg("failed to delete acknowledged messages")
	}
	// The client just acknowledged: any pending fallback push is moot.
	if err := c.push.Cancel(ctx, c.key); err != nil {
		c.log.Debug().Err(err).Msg("failed to cancel push after ack")
	}
	return nil
}

// shutdown runs the single close path: cancel the drain loop, unregister the
// listener, release presence (unless displaced), and schedule a fallback
// push if undelivered messages remain.
func (c *Connection) shutdown(clearPresence bool, code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(stateClosed)
		close(c.closed)

		ctx, cancel := context.WithTimeout(context.Background(), c.ackTimeout)
		defer cancel()

		c.manager.RemoveMessageAvailabilityListener(ctx, c.key, c)
		if clearPresence {
			c.presence.ClearPresence(ctx, c.key)
		}

		if has, err := c.manager.HasCachedMessages(ctx, c.key); err == nil && has {
			if err := c.push.Schedule(ctx, c.key); err != nil {
				c.log.Warn().Err(err).Msg("failed to schedule push for undelivered messages")
			}
		}

		c.tr.Close(code, reason)
		c.log.Debug().Int("code", code).Str("reason", reason).Msg("connection closed")
	})
}
