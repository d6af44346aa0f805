package mq

import (
	"fmt"
)

// loadSessionState loads the persisted subscription set into the client.
// This must be called BEFORE the CONNECT packet is sent. Outbound/inbound
// in-flight state is restored separately by restoreInflight, which reads the
// lower-level Persistence store rather than SessionStore.
func (c *Client) loadSessionState() error {
	if c.opts.SessionStore == nil {
		return nil
	}

	c.opts.Logger.Debug("loading persistent session state")

	// note: handlers are lost, but we restore the subscription state
	// so we know what topics we are subscribed to.
	subs, err := c.opts.SessionStore.LoadSubscriptions()
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	if c.subscriptions == nil {
		c.subscriptions = make(map[string]subscriptionEntry)
	}

	for topic, sub := range subs {
		entry := c.convertFromSubscriptionInfo(sub)
		if handler, ok := c.opts.InitialSubscriptions[topic]; ok {
			entry.handler = handler
		}
		c.subscriptions[topic] = entry
	}

	c.opts.Logger.Info("loaded session state", "subscriptions", len(c.subscriptions))

	return nil
}

// checkSessionPresent handles the Session Present flag from CONNACK.
// If valid, it keeps the loaded state.
// If invalid (false), it clears stale persistent state and resubscribes.
//
// NOTE: This runs in the connection/reconnection loop.
func (c *Client) checkSessionPresent(sessionPresent bool) error {
	if sessionPresent {
		c.opts.Logger.Debug("session present, keeping loaded state")
		return nil
	}

	c.opts.Logger.Debug("session not present (clean start), clearing stale state and resubscribing")

	// Trigger Logic Loop Reset: clears the outbound/inbound in-flight tables
	// and their persisted records, since the broker has discarded the
	// session they referred to.
	c.internalResetState()

	// Resubscribe to subscriptions added via WithSubscription
	go c.resubscribeAll()

	return nil
}

// --- Conversion Helpers ---

func (c *Client) convertToSubscriptionInfo(entry subscriptionEntry) *SubscriptionInfo {
	return &SubscriptionInfo{
		QoS: entry.qos,
	}
}

func (c *Client) convertFromSubscriptionInfo(sub *SubscriptionInfo) subscriptionEntry {
	return subscriptionEntry{
		qos: sub.QoS,
		// handler is set by caller if available in the initial subscriptions
	}
}
