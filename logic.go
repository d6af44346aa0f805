package mq

import (
	"fmt"
	"time"

	"github.com/tinfoilcode/mqgo/internal/packets"
)

// logicLoop is the single-threaded state machine that manages all client state.
// This avoids the need for mutexes on the pending and subscriptions maps.
func (c *Client) logicLoop() {
	defer c.wg.Done()

	retryTicker := time.NewTicker(5 * time.Second)
	defer retryTicker.Stop()

	for {
		select {
		case pkt := <-c.incoming:
			c.sessionLock.Lock()
			c.handleIncoming(pkt)
			c.sessionLock.Unlock()

		case <-retryTicker.C:
			c.sessionLock.Lock()
			c.retryPending()
			c.processPublishQueue()
			c.sessionLock.Unlock()

		case <-c.stop:
			c.opts.Logger.Debug("logicLoop stopped")
			c.sessionLock.Lock()
			for _, op := range c.pending {
				op.token.complete(ErrClientDisconnected)
			}
			// Complete tokens for queued publish requests
			for _, req := range c.publishQueue {
				req.token.complete(ErrClientDisconnected)
			}
			c.publishQueue = nil
			c.sessionLock.Unlock()
			return
		}
	}
}

// internalResetState resets session state (e.g. on clean session reconnect).
// It acquires the session lock.
func (c *Client) internalResetState() {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()
	c.inbound.freeAll()
	c.inbound = newInflightTable()
	c.outbound.freeAll()
	c.outbound = newInflightTable()
	c.recvQueue.drain()
	c.nextPacketID = 0
	if c.opts.Persistence != nil {
		if err := c.opts.Persistence.Clear(); err != nil {
			c.opts.Logger.Warn("failed to clear persisted in-flight state", "error", err)
		}
	}
}

// handleIncoming processes incoming packets from the server.
func (c *Client) handleIncoming(pkt packets.Packet) {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		c.handlePublish(p)

	case *packets.PubackPacket:
		c.handlePuback(p)

	case *packets.PubrecPacket:
		c.handlePubrec(p)

	case *packets.PubrelPacket:
		c.handlePubrel(p)

	case *packets.PubcompPacket:
		c.handlePubcomp(p)

	case *packets.SubackPacket:
		c.handleSuback(p)

	case *packets.UnsubackPacket:
		c.handleUnsuback(p)

	case *packets.PingrespPacket:
		// Keepalive response - signal writeLoop that PINGRESP was received
		select {
		case c.pingPendingCh <- struct{}{}:
		default:
			// Channel full, which means writeLoop hasn't processed the previous signal yet
		}

	case *packets.DisconnectPacket:
		c.handleDisconnectPacket(p)
	}
}

// handlePublish processes an incoming PUBLISH packet.
func (c *Client) handlePublish(p *packets.PublishPacket) {
	// For QoS 2, check if we've already received this packet
	// inbound table: the PacketID occupies a slot from PUBLISH until PUBREL).
	if p.QoS == 2 {
		if _, exists := c.inbound.find(p.PacketID); exists {
			// Duplicate QoS 2 message - send PUBREC but don't deliver again
			select {
			case c.outgoing <- &packets.PubrecPacket{PacketID: p.PacketID}:
			case <-c.stop:
			default:
			}
			return
		}
		c.inbound.append(&inflightMessage{
			PacketID:  p.PacketID,
			QoS:       2,
			Retained:  p.Retain,
			Pub:       newPublication(p.Topic, p.Payload),
			Next:      expectPubrel,
			TouchedAt: time.Now(),
		})

		if err := persistInboundPublish(c.opts.Persistence, p); err != nil {
			c.opts.Logger.Warn("failed to persist inbound QoS2 record", "packet_id", p.PacketID, "error", err)
		}
	}

	// Find matching handlers
	var handlers []MessageHandler
	for filter, entry := range c.subscriptions {
		if MatchTopic(filter, p.Topic) {
			if entry.handler != nil {
				handlers = append(handlers, entry.handler)
			}
		}
	}

	// Use default handler if no matches found
	if len(handlers) == 0 {
		if c.defaultHandler != nil {
			handlers = append(handlers, c.defaultHandler)
		} else if c.opts != nil && c.opts.DefaultPublishHandler != nil {
			handlers = append(handlers, c.opts.DefaultPublishHandler)
		}
	}

	msg := Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       QoS(p.QoS),
		Retained:  p.Retain,
		Duplicate: p.Dup,
	}

	if len(handlers) == 0 {
		// No handler claimed this message: it belongs to a sync-mode caller
		// driving Receive().
		c.recvQueue.push(msg)
	} else {
		// Call handlers in separate goroutines (don't block logicLoop)
		for _, handler := range handlers {
			h := c.wrapHandler(handler)
			go h(c, msg)
		}
	}

	switch p.QoS {
	case 1:
		select {
		case c.outgoing <- &packets.PubackPacket{PacketID: p.PacketID}:
		case <-c.stop:
		default:
			// If we can't send PUBACK right now, the broker will
			// retransmit with DUP and we ack on that delivery.
		}
	case 2:
		select {
		case c.outgoing <- &packets.PubrecPacket{PacketID: p.PacketID}:
		case <-c.stop:
		default:
		}
	}
}

// handlePuback processes a PUBACK packet (QoS 1 acknowledgment), completing
// the outbound in-flight slot.
func (c *Client) handlePuback(p *packets.PubackPacket) {
	if msg, ok := c.outbound.find(p.PacketID); ok {
		msg.Pub.release()
		c.completeOutbound(p.PacketID, nil)
		c.processPublishQueue()
	}
}

// handlePubrec processes a PUBREC packet (QoS 2, step 1).
func (c *Client) handlePubrec(p *packets.PubrecPacket) {
	if msg, ok := c.outbound.find(p.PacketID); ok {
		pubrel := &packets.PubrelPacket{PacketID: p.PacketID, Version: c.opts.ProtocolVersion}
		select {
		case c.outgoing <- pubrel:
			msg.Next = expectPubcomp
			msg.TouchedAt = time.Now()
			if err := persistPubrelMarker(c.opts.Persistence, pubrel); err != nil {
				c.opts.Logger.Warn("failed to persist PUBREL marker", "packet_id", p.PacketID, "error", err)
			}
		case <-c.stop:
		default:
		}
	}
}

// handlePubrel processes a PUBREL packet (QoS 2, step 2), releasing the
// inbound in-flight slot.
func (c *Client) handlePubrel(p *packets.PubrelPacket) {
	select {
	case c.outgoing <- &packets.PubcompPacket{PacketID: p.PacketID}:
	case <-c.stop:
	default:
	}

	if msg, ok := c.inbound.find(p.PacketID); ok {
		msg.Pub.release()
		c.inbound.remove(p.PacketID)
	}
	removeInboundPersisted(c.opts.Persistence, p.PacketID)
}

// handlePubcomp processes a PUBCOMP packet (QoS 2, step 3).
func (c *Client) handlePubcomp(p *packets.PubcompPacket) {
	if msg, ok := c.outbound.find(p.PacketID); ok {
		msg.Pub.release()
		c.completeOutbound(p.PacketID, nil)
		c.processPublishQueue()
	}
}

// completeOutbound finalizes the token for packetID, removes it from the
// outbound table, and erases its persisted record.
func (c *Client) completeOutbound(packetID uint16, err error) {
	if op, ok := c.pending[packetID]; ok {
		op.token.complete(err)
		delete(c.pending, packetID)
	}
	c.outbound.remove(packetID)
	removeOutboundPersisted(c.opts.Persistence, packetID)
}

// handleSuback processes a SUBACK packet.
func (c *Client) handleSuback(p *packets.SubackPacket) {
	if op, ok := c.pending[p.PacketID]; ok {
		// A SUBACK must carry exactly one return code per requested topic
		// filter. A mismatch means the broker violated the protocol in a way
		// the client cannot safely recover from locally, so the operation
		// fails hard rather than padding/truncating the result.
		if subPkt, ok := op.packet.(*packets.SubscribePacket); ok && len(p.ReturnCodes) != len(subPkt.Topics) {
			c.opts.Logger.Error("SUBACK return code count mismatch",
				"packet_id", p.PacketID, "want", len(subPkt.Topics), "got", len(p.ReturnCodes))
			op.token.complete(fmt.Errorf("%w: SUBACK returned %d codes for %d topics",
				ErrProtocolViolation, len(p.ReturnCodes), len(subPkt.Topics)))
			delete(c.pending, p.PacketID)
			return
		}

		// Check for subscription failures
		var err error
		for _, code := range p.ReturnCodes {
			if code >= 0x80 {
				err = ErrSubscriptionFailed
				break
			}
		}

		// Save subscriptions if successful
		if c.opts.SessionStore != nil && err == nil { // Global error (e.g. timeout) check
			if subPkt, ok := op.packet.(*packets.SubscribePacket); ok {
				for i, topic := range subPkt.Topics {
					// Check individual result code
					success := false
					if i < len(p.ReturnCodes) && p.ReturnCodes[i] < 0x80 {
						success = true
					}

					if success {
						if entry, ok := c.subscriptions[topic]; ok {
							// Only persist if enabled (default is true)
							if entry.options.Persistence {
								sub := c.convertToSubscriptionInfo(entry)
								if err := c.opts.SessionStore.SaveSubscription(topic, sub); err != nil {
									c.opts.Logger.Warn("failed to persist subscription", "topic", topic, "error", err)
								}
							}
						}
					}
				}
			}
		}

		op.token.complete(err)
		delete(c.pending, p.PacketID)
	}
}

// handleUnsuback processes an UNSUBACK packet.
func (c *Client) handleUnsuback(p *packets.UnsubackPacket) {
	if op, ok := c.pending[p.PacketID]; ok {
		op.token.complete(nil)
		delete(c.pending, p.PacketID)

		// Delete subscriptions from store
		if c.opts.SessionStore != nil {
			if unsubPkt, ok := op.packet.(*packets.UnsubscribePacket); ok {
				for _, topic := range unsubPkt.Topics {
					if err := c.opts.SessionStore.DeleteSubscription(topic); err != nil {
						c.opts.Logger.Warn("failed to delete subscription", "topic", topic, "error", err)
					}
				}
			}
		}
	}
}

// retryInflightNow re-fires every outbound in-flight handshake: zeroing
// TouchedAt makes each message older than any retry interval, so the retry
// walk resends PUBLISH (with DUP) or PUBREL immediately. Called right after
// a successful non-clean reconnect instead of waiting for the next tick.
func (c *Client) retryInflightNow() {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()
	c.outbound.each(func(m *inflightMessage) { m.TouchedAt = time.Time{} })
	c.retryPending()
}

// retryPending retransmits SUBSCRIBE/UNSUBSCRIBE acks and outbound publish
// handshakes that haven't progressed in opts.RetryInterval (default 20s),
// following the retry rule (resend last unacknowledged packet with DUP
// set where applicable).
func (c *Client) retryPending() {
	now := time.Now()
	interval := c.opts.RetryInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}

	for id, op := range c.pending {
		if _, isOutbound := c.outbound.find(id); isOutbound {
			continue // handled below via the outbound table
		}
		if now.Sub(op.timestamp) > interval {
			select {
			case c.outgoing <- op.packet:
				op.timestamp = now
			case <-c.stop:
				return
			default:
				return
			}
		}
	}

	c.outbound.each(func(msg *inflightMessage) {
		if now.Sub(msg.TouchedAt) <= interval {
			return
		}

		var pkt packets.Packet
		switch msg.Next {
		case expectPuback, expectPubrec:
			pkt = &packets.PublishPacket{
				PacketID: msg.PacketID,
				Topic:    msg.Pub.Topic,
				Payload:  msg.Pub.Payload,
				QoS:      msg.QoS,
				Retain:   msg.Retained,
				Dup:      true,
			}
		case expectPubcomp:
			pkt = &packets.PubrelPacket{PacketID: msg.PacketID, Version: c.opts.ProtocolVersion}
		default:
			return
		}

		select {
		case c.outgoing <- pkt:
			msg.TouchedAt = now
		case <-c.stop:
		default:
			// outgoing queue full; try again on the next retry tick
		}
	})
}

// nextID generates the next packet ID (1-65535, cycling), skipping any id
// currently occupied in pending, outbound, or inbound (a packet
// id in use by one direction is never reused until freed). It returns 0
// after a full scan finds every id occupied; callers must treat 0 as
// "no packet identifiers available" and fail the operation.
func (c *Client) nextID() uint16 {
	for i := 0; i < 65535; i++ {
		c.nextPacketID++
		if c.nextPacketID == 0 {
			c.nextPacketID = 1
		}
		if _, used := c.pending[c.nextPacketID]; used {
			continue
		}
		if c.outbound.has(c.nextPacketID) || c.inbound.has(c.nextPacketID) {
			continue
		}
		return c.nextPacketID
	}
	return 0
}

// handleDisconnectPacket processes an unsolicited DISCONNECT from the server.
// MQTT 3.1.1 brokers never send DISCONNECT to a client; receiving one means
// either a non-conformant broker or a misidentified packet, so the client
// logs it and records it as the reason reported when the connection is lost.
// It does not itself close the connection.
func (c *Client) handleDisconnectPacket(p *packets.DisconnectPacket) {
	c.opts.Logger.Warn("received unexpected DISCONNECT from server")

	c.connLock.Lock()
	c.lastDisconnectReason = fmt.Errorf("server sent DISCONNECT")
	c.connLock.Unlock()
}
