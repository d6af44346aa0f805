package mq

import (
	"fmt"
	"time"
)

// internalPublish processes a publish request synchronously with locking.
func (c *Client) internalPublish(req *publishRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	if pkt.QoS == 0 {
		c.sessionLock.Unlock()
		select {
		case c.outgoing <- pkt:
			req.token.complete(nil)
		case <-c.stop:
			req.token.complete(ErrClientDisconnected)
		}
		return
	}

	// Flow control for QoS > 0: admit at most MaxInFlight unacknowledged
	// publishes at a time. The blocking (default) form queues the request
	// until a slot frees up; WithNonBlocking rejects it immediately instead.
	limit := c.effectiveMaxInFlight()
	if c.outbound.len() >= limit {
		if req.nonBlocking {
			c.sessionLock.Unlock()
			req.token.complete(fmt.Errorf("%w", errMaxMessagesInflight))
			return
		}
		c.publishQueue = append(c.publishQueue, req)
		c.sessionLock.Unlock()
		return
	}

	pkt.PacketID = c.nextID()
	if pkt.PacketID == 0 {
		c.sessionLock.Unlock()
		req.token.complete(errNoPacketIDs)
		return
	}

	c.pending[pkt.PacketID] = &pendingOp{
		packet:    pkt,
		token:     req.token,
		qos:       pkt.QoS,
		timestamp: time.Now(),
	}

	next := expectPuback
	if pkt.QoS == 2 {
		next = expectPubrec
	}
	c.outbound.append(&inflightMessage{
		PacketID:  pkt.PacketID,
		QoS:       pkt.QoS,
		Retained:  pkt.Retain,
		Pub:       newPublication(pkt.Topic, pkt.Payload),
		Next:      next,
		TouchedAt: time.Now(),
	})

	// A Put failure aborts the publish and rolls back the in-flight
	// insertion rather than sending a message this Client cannot durably
	// track, per the persistence error-handling contract.
	if c.opts.Persistence != nil && pkt.QoS > 0 {
		if err := persistOutboundPublish(c.opts.Persistence, pkt); err != nil {
			delete(c.pending, pkt.PacketID)
			c.outbound.remove(pkt.PacketID)
			c.sessionLock.Unlock()
			c.opts.Logger.Warn("failed to persist publish, publish aborted", "packet_id", pkt.PacketID, "error", err)
			req.token.complete(fmt.Errorf("%w: %v", errPersistence, err))
			return
		}
	}

	c.sessionLock.Unlock()
	select {
	case c.outgoing <- pkt:
	case <-c.stop:
		req.token.complete(ErrClientDisconnected)
	}
}

// helper for sending - assumes lock is HELD
// Returns true if sent, false if queue full or stopped
func (c *Client) sendPublishLocked(req *publishRequest) bool {
	pkt := req.packet

	pkt.PacketID = c.nextID()
	if pkt.PacketID == 0 {
		req.token.complete(errNoPacketIDs)
		return true // handled: don't requeue, the token is already completed
	}

	c.pending[pkt.PacketID] = &pendingOp{
		packet:    pkt,
		token:     req.token,
		qos:       pkt.QoS,
		timestamp: time.Now(),
	}

	next := expectPuback
	if pkt.QoS == 2 {
		next = expectPubrec
	}
	c.outbound.append(&inflightMessage{
		PacketID:  pkt.PacketID,
		QoS:       pkt.QoS,
		Retained:  pkt.Retain,
		Pub:       newPublication(pkt.Topic, pkt.Payload),
		Next:      next,
		TouchedAt: time.Now(),
	})

	// Persist before handing off to the socket, so a Put failure can still
	// abort the publish instead of sending a message this Client cannot
	// durably track.
	if c.opts.Persistence != nil && pkt.QoS > 0 {
		if err := persistOutboundPublish(c.opts.Persistence, pkt); err != nil {
			delete(c.pending, pkt.PacketID)
			c.outbound.remove(pkt.PacketID)
			c.opts.Logger.Warn("failed to persist publish, publish aborted", "packet_id", pkt.PacketID, "error", err)
			req.token.complete(fmt.Errorf("%w: %v", errPersistence, err))
			return true // handled: don't requeue, the token is already completed
		}
	}

	select {
	case c.outgoing <- pkt:
		return true

	case <-c.stop:
		// Client stopped, treat as "not sent" but also won't be retried successfully
		return false

	default:
		// Channel full, back off
		// Remove from pending since we failed to send
		delete(c.pending, pkt.PacketID)
		c.outbound.remove(pkt.PacketID)
		return false
	}
}

// internalSubscribe processes a subscribe request synchronously with locking.
func (c *Client) internalSubscribe(req *subscribeRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	pkt.PacketID = c.nextID()
	if pkt.PacketID == 0 {
		c.sessionLock.Unlock()
		req.token.complete(errNoPacketIDs)
		return
	}

	c.pending[pkt.PacketID] = &pendingOp{
		packet:    pkt,
		token:     req.token,
		timestamp: time.Now(),
	}

	// Register before receiving SUBACK to avoid racing
	// with the server since it might sent messages right away
	// before we get a SUBACK.
	for i, topic := range pkt.Topics {
		var subOpts SubscribeOptions
		subOpts.Persistence = req.persistence

		qos := uint8(0)
		if i < len(pkt.QoS) {
			qos = pkt.QoS[i]
		}

		c.subscriptions[topic] = subscriptionEntry{
			handler: req.handler,
			options: subOpts,
			qos:     qos,
		}
	}

	c.sessionLock.Unlock()
	select {
	case c.outgoing <- pkt:
	case <-c.stop:
		req.token.complete(ErrClientDisconnected)
	}
}

// internalUnsubscribe processes an unsubscribe request synchronously with locking.
func (c *Client) internalUnsubscribe(req *unsubscribeRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	pkt.PacketID = c.nextID()
	if pkt.PacketID == 0 {
		c.sessionLock.Unlock()
		req.token.complete(errNoPacketIDs)
		return
	}

	c.pending[pkt.PacketID] = &pendingOp{
		packet:    pkt,
		token:     req.token,
		timestamp: time.Now(),
	}

	for _, topic := range req.topics {
		delete(c.subscriptions, topic)
	}

	c.sessionLock.Unlock()
	select {
	case c.outgoing <- pkt:
	case <-c.stop:
		req.token.complete(ErrClientDisconnected)
	}
}
