package mq

import (
	"context"
	"strings"
	"time"
)

// Receive is the sync-mode façade operation: it blocks
// until a message becomes available on the received-queue, the client
// disconnects, or ctx is done. It is meant for callers that never register a
// MessageHandler (e.g. via WithSubscription(topic, nil)) and instead drive
// their own receive loop.
//
// If the delivered topic contains an embedded NUL byte, Receive still
// returns the full topic and payload but reports ResultCodeTopicnameTruncated
// so the caller can detect the condition (Go strings are length-prefixed,
// so nothing is actually truncated, unlike a NUL-terminated C buffer).
func (c *Client) Receive(ctx context.Context) (Message, ResultCode, error) {
	if msg, ok := c.recvQueue.pop(); ok {
		return msg, receiveResultCode(msg), nil
	}

	for {
		select {
		case <-ctx.Done():
			return Message{}, ResultCodeFailure, ctx.Err()
		case <-c.stop:
			return Message{}, ResultCodeDisconnected, ErrClientDisconnected
		case <-c.recvQueue.notify:
			if msg, ok := c.recvQueue.pop(); ok {
				return msg, receiveResultCode(msg), nil
			}
			// spurious wakeup (another goroutine drained it first); keep waiting
		}
	}
}

func receiveResultCode(msg Message) ResultCode {
	if strings.IndexByte(msg.Topic, 0) >= 0 {
		return ResultCodeTopicnameTruncated
	}
	return ResultCodeSuccess
}

// Yield is the sync-mode liveness tick. The async client's
// architecture already runs keep-alive/retry on an independent goroutine
// (logicLoop), so there is no event-loop cycle for a sync caller to drive
// manually; Yield simply waits for ctx to end or a short internal tick,
// giving callers something to call in a loop without busy-spinning.
func (c *Client) Yield(ctx context.Context) {
	t := time.NewTimer(100 * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-c.stop:
	case <-t.C:
	}
}

// WaitForCompletion blocks until the outbound Message with packetID is no
// longer in-flight, the client disconnects, or ctx ends. It is the id-based
// counterpart to Token.Wait for callers that only have the packet id, e.g.
// from GetPendingDeliveryTokens.
func (c *Client) WaitForCompletion(ctx context.Context, packetID uint16) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		c.sessionLock.Lock()
		_, inFlight := c.outbound.find(packetID)
		c.sessionLock.Unlock()
		if !inFlight {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return ErrClientDisconnected
		case <-ticker.C:
		}
	}
}

// GetPendingDeliveryTokens returns the packet ids currently in the outbound
// in-flight table, in table order (ascending, except across the 65535 to 1
// wrap of packet ids). An empty slice means none are
// pending (the Go equivalent of a -1-terminated array).
func (c *Client) GetPendingDeliveryTokens() []uint16 {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()
	return c.outbound.ids()
}
