package mq

import (
	"fmt"
	"time"

	"github.com/tinfoilcode/mqgo/internal/packets"
)

// SubscribeOptions holds configuration for a subscription.
type SubscribeOptions struct {
	Persistence bool // Persistence enabled by default (must be manually set to true by default logic)
}

// SubscribeOption is a functional option for configuring a subscription.
type SubscribeOption func(*SubscribeOptions)

// WithPersistence sets whether the subscription should be persisted to the session store.
// If true (default), the subscription is saved and restored on process restart.
// If false, the subscription is ephemeral and lost on client restart.
// This is independent of the MQTT CleanSession flag, which controls server-side persistence.
func WithPersistence(persistence bool) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Persistence = persistence
	}
}

// Subscribe subscribes to a topic with the specified QoS level.
//
// The handler function is called for each message received on topics matching
// the subscription filter. If a message matches multiple subscription filters,
// the handlers for all matching subscriptions will be called.
//
// The handler is called in a separate goroutine, so it should not block for
// long periods.
//
// Topic filters support MQTT wildcards:
//   - '+' matches a single level (e.g., "sensors/+/temperature")
//   - '#' matches multiple levels (e.g., "sensors/#")
//
// The function returns a Token that completes when the subscription is
// acknowledged by the server.
//
// For persistent sessions (CleanSession=false), it is recommended to use the
// mq.WithSubscription option during Dial instead. This ensures handlers are
// automatically re-registered if the session is lost and the client must
// re-subscribe.
//
// Example (simple subscription):
//
//	token := client.Subscribe("sensors/temperature", 1,
//	    func(c *mq.Client, msg mq.Message) {
//	        fmt.Printf("Temperature: %s\n", string(msg.Payload))
//	    })
//	if err := token.Wait(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
func (c *Client) Subscribe(topic string, qos QoS, handler MessageHandler, opts ...SubscribeOption) Token {
	c.opts.Logger.Debug("subscribing to topic", "topic", topic, "qos", qos)

	if err := validateSubscribeTopic(topic, c.opts); err != nil {
		tok := newToken()
		tok.complete(fmt.Errorf("invalid topic filter: %w", err))
		return tok
	}

	subOpts := &SubscribeOptions{
		Persistence: true,
	}
	for _, opt := range opts {
		opt(subOpts)
	}

	pkt := &packets.SubscribePacket{
		PacketID: 0, // Assigned by internalSubscribe
		Topics:   []string{topic},
		QoS:      []uint8{uint8(qos)},
		Version:  c.opts.ProtocolVersion,
	}

	tok := newToken()

	req := &subscribeRequest{
		packet:      pkt,
		handler:     handler,
		token:       tok,
		persistence: subOpts.Persistence,
	}

	c.internalSubscribe(req)

	return tok
}

// TopicQoS pairs a topic filter with its requested QoS level, for batch
// subscriptions via SubscribeMultiple.
type TopicQoS struct {
	Topic string
	QoS   QoS
}

// SubscribeMultiple subscribes to several topic filters with one SUBSCRIBE
// packet. The handler receives messages for every filter in the batch; the
// returned Token completes when the single SUBACK arrives, carrying an error
// if the server rejected any of the filters.
//
// Example:
//
//	token := client.SubscribeMultiple([]mq.TopicQoS{
//	    {Topic: "sensors/+/temperature", QoS: mq.AtLeastOnce},
//	    {Topic: "alerts/#", QoS: mq.ExactlyOnce},
//	}, handler)
func (c *Client) SubscribeMultiple(filters []TopicQoS, handler MessageHandler, opts ...SubscribeOption) Token {
	if len(filters) == 0 {
		tok := newToken()
		tok.complete(nil)
		return tok
	}

	c.opts.Logger.Debug("subscribing to topics", "count", len(filters))

	topics := make([]string, 0, len(filters))
	qos := make([]uint8, 0, len(filters))
	for _, f := range filters {
		if err := validateSubscribeTopic(f.Topic, c.opts); err != nil {
			tok := newToken()
			tok.complete(fmt.Errorf("invalid topic filter %q: %w", f.Topic, err))
			return tok
		}
		topics = append(topics, f.Topic)
		qos = append(qos, uint8(f.QoS))
	}

	subOpts := &SubscribeOptions{
		Persistence: true,
	}
	for _, opt := range opts {
		opt(subOpts)
	}

	pkt := &packets.SubscribePacket{
		Topics:  topics,
		QoS:     qos,
		Version: c.opts.ProtocolVersion,
	}

	tok := newToken()

	req := &subscribeRequest{
		packet:      pkt,
		handler:     handler,
		token:       tok,
		persistence: subOpts.Persistence,
	}

	c.internalSubscribe(req)

	return tok
}

// Unsubscribe unsubscribes from one or more topics.
//
// After unsubscribing, the client will no longer receive messages on the
// specified topics. The function returns a Token that completes when the
// unsubscription is acknowledged by the server.
//
// Example (single topic):
//
//	token := client.Unsubscribe("sensors/temperature")
//	token.Wait(context.Background())
//
// Example (multiple topics):
//
//	token := client.Unsubscribe("sensors/temp", "sensors/humidity", "sensors/pressure")
//	if err := token.Wait(context.Background()); err != nil {
//	    log.Printf("Unsubscribe failed: %v", err)
//	}
func (c *Client) Unsubscribe(topics ...string) Token {
	c.opts.Logger.Debug("unsubscribing from topics", "topics", topics)

	if len(topics) == 0 {
		tok := newToken()
		tok.complete(nil)
		return tok
	}

	pkt := &packets.UnsubscribePacket{
		Topics:  topics,
		Version: c.opts.ProtocolVersion,
	}
	tok := newToken()
	req := &unsubscribeRequest{
		packet: pkt,
		topics: topics,
		token:  tok,
	}
	c.internalUnsubscribe(req)

	return tok
}

// resubscribeAll resubscribes to all active subscriptions after reconnection.
// This is called automatically by the reconnect loop.
func (c *Client) resubscribeAll() {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()

	if len(c.subscriptions) == 0 {
		return
	}

	c.opts.Logger.Debug("resubscribing to topics", "count", len(c.subscriptions))

	var topics []string
	var qos []uint8
	for topic, entry := range c.subscriptions {
		topics = append(topics, topic)
		qos = append(qos, entry.qos)
	}

	// Batch subscriptions to avoid exceeding server limits.
	// Most servers limit SUBSCRIBE packets to 100-200 topics.
	const batchSize = 100

	for i := 0; i < len(topics); i += batchSize {
		end := min(i+batchSize, len(topics))

		id := c.nextID()
		if id == 0 {
			c.opts.Logger.Warn("no packet identifiers available, resubscribe aborted")
			return
		}

		pkt := &packets.SubscribePacket{
			PacketID: id,
			Topics:   topics[i:end],
			QoS:      qos[i:end],
			Version:  c.opts.ProtocolVersion,
		}

		// Store pending operation BEFORE sending packet to avoid race conditions
		c.pending[pkt.PacketID] = &pendingOp{
			packet:    pkt,
			token:     newToken(),
			qos:       1,
			timestamp: time.Now(),
		}

		select {
		case c.outgoing <- pkt:
		case <-c.stop:
			return
		}

		c.opts.Logger.Debug("resubscribe packet sent",
			"packet_id", pkt.PacketID,
			"topics_count", len(pkt.Topics))
	}
}
