// Package mq provides a lightweight, idiomatic MQTT 3.1/3.1.1 client library for Go.
//
// The library is designed with zero external dependencies (only Go standard
// library) and provides a clean, functional options-based API for connecting
// to MQTT servers, publishing messages, and subscribing to topics.
//
// # Features
//
//   - MQTT 3.1.1 (and 3.1 "MQIsdp", with automatic fallback) CONNECT/CONNACK,
//     PUBLISH/PUBACK/PUBREC/PUBREL/PUBCOMP, SUBSCRIBE/SUBACK,
//     UNSUBSCRIBE/UNSUBACK, and PINGREQ/PINGRESP flows
//   - QoS 0, 1, and 2 delivery with retry and DUP-flag retransmission
//   - TLS/SSL encrypted connections
//   - Automatic reconnection with exponential backoff
//   - Clean, idiomatic Go API with functional options
//   - Context-based cancellation and timeouts
//   - Callback-driven or poll-driven consumption (Subscribe handlers or Receive)
//   - Pluggable persistence of in-flight messages and subscriptions across
//     process restarts
//   - Zero external dependencies (main library)
//
// # Quick Start
//
// Connect to a server and publish a message:
//
//	client, err := mq.Dial("tcp://localhost:1883", mq.WithClientID("my-client"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect(context.Background())
//
//	token := client.Publish("sensors/temperature", []byte("22.5"), mq.WithQoS(1))
//	err = token.Wait(context.Background())  // 'select' also supported, see further down
//
// Subscribe to a topic:
//
//	client.Subscribe("sensors/+/temperature", mq.AtLeastOnce,
//	    func(c *mq.Client, msg mq.Message) {
//	        fmt.Printf("%s: %s\n", msg.Topic, string(msg.Payload))
//	    })
//
// # Connection Options
//
// The Dial and DialContext functions accept various options to configure the client:
//
//   - WithClientID(id) - Set the MQTT client identifier
//   - WithCredentials(user, pass) - Set username and password
//   - WithKeepAlive(duration) - Set keepalive interval (default: 60s)
//   - WithCleanSession(bool) - Set the Clean Session flag
//   - WithAutoReconnect(bool) - Enable auto-reconnect (default: true)
//   - WithTLS(config) - Enable TLS encryption
//   - WithWill(topic, payload, qos, retained) - Set Last Will and Testament
//
// # TLS Connections
//
// The library supports TLS/SSL encrypted connections:
//
//	client, err := mq.Dial("tls://server:8883",
//	    mq.WithClientID("secure-client"),
//	    mq.WithTLS(&tls.Config{
//	        InsecureSkipVerify: false,
//	    }))
//
// Supported URL schemes: tcp://, mqtt://, tls://, ssl://, mqtts://
//
// # Quality of Service
//
// The library supports all three MQTT QoS levels:
//
//   - QoS 0 (mq.AtMostOnce): At most once delivery (fire and forget)
//   - QoS 1 (mq.AtLeastOnce): At least once delivery (acknowledged)
//   - QoS 2 (mq.ExactlyOnce): Exactly once delivery (assured)
//
// Example:
//
//	// Using named constants (recommended)
//	client.Publish("topic", []byte("data"), mq.WithQoS(mq.AtLeastOnce))
//
//	// Using numeric values
//	client.Publish("topic", []byte("data"), mq.WithQoS(1))
//
// # Wildcard Subscriptions
//
// MQTT supports two wildcard characters in topic filters:
//
//   - '+' matches a single level (e.g., "sensors/+/temperature")
//   - '#' matches multiple levels (e.g., "sensors/#")
//
// Example:
//
//	// Subscribe to all temperature sensors
//	client.Subscribe("sensors/+/temperature", mq.AtLeastOnce, handler)
//
//	// Subscribe to all sensor data
//	client.Subscribe("sensors/#", mq.AtMostOnce, handler)
//
// # Client-side Session Persistence
//
// Two pluggable stores cover the two halves of a persistent session. A
// Persistence (set with WithStore) holds unacknowledged QoS 1/2 publishes as
// opaque wire blobs, so incomplete handshakes resume after a restart. A
// SessionStore (set with WithSessionStore) holds the subscription set.
//
//	store, _ := mq.NewFileStore("/path/to/persist", "client-id")
//	client, _ := mq.Dial(server,
//	    mq.WithClientID("client-id"),
//	    mq.WithCleanSession(false),
//	    mq.WithStore(mq.NewFilePersistence("/path/to/persist")),
//	    mq.WithSessionStore(store),
//	    // persistent subscription
//	    mq.WithSubscription("topic", handler),
//	)
//
// Ephemeral subscriptions (made with mq.WithPersistence(false) on Subscribe)
// are never written to the session store, even when the client itself uses
// one.
//
// # Error Handling
//
// Operations return a Token that can be used for both blocking and non-blocking
// error handling.
//
//	// Blocking with timeout
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	if err := token.Wait(ctx); err != nil {
//	    log.Printf("operation failed: %v", err)
//	}
//
//	// Non-blocking with select
//	select {
//	case <-token.Done():
//	    if err := token.Error(); err != nil {
//	        log.Printf("Failed: %v", err)
//	    }
//	case <-time.After(5 * time.Second):
//	    log.Println("Timeout")
//	}
//
// The client handles reconnection automatically unless configured otherwise.
package mq
