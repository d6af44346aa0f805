package mq

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tinfoilcode/mqgo/internal/packets"
)

// decodeStoredPacket decodes a persisted blob using the same codec that
// encoded it, following the "restore from a blob" contract: parse the fixed
// header, read the body, and invoke the corresponding constructor.
func decodeStoredPacket(blob []byte, version uint8) (packets.Packet, error) {
	pkt, err := packets.ReadPacket(bytes.NewReader(blob), version, 0)
	if err != nil {
		return nil, fmt.Errorf("bad persisted record: %w", err)
	}
	return pkt, nil
}

func parseKeyID(prefix, key string) (uint16, bool) {
	n, err := strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// restoreInflight rebuilds outbound/inbound from Persistence at Client
// construction. It must run before CONNECT is sent.
func (c *Client) restoreInflight() error {
	store := c.opts.Persistence
	if store == nil {
		return nil
	}

	keys, err := store.Keys()
	if err != nil {
		return fmt.Errorf("failed to list persisted keys: %w", err)
	}

	for _, key := range keys {
		switch {
		case strings.HasPrefix(key, outboundPrefix):
			id, ok := parseKeyID(outboundPrefix, key)
			if !ok {
				continue
			}
			blob, err := store.Get(key)
			if err != nil {
				c.opts.Logger.Warn("dropping unreadable persisted outbound record", "key", key, "error", err)
				_ = store.Remove(key)
				continue
			}
			pkt, err := decodeStoredPacket(blob, c.opts.ProtocolVersion)
			if err != nil {
				c.opts.Logger.Warn("dropping malformed persisted outbound record", "key", key, "error", err)
				_ = store.Remove(key)
				continue
			}
			pub, ok := pkt.(*packets.PublishPacket)
			if !ok {
				_ = store.Remove(key)
				continue
			}

			next := expectPuback
			if pub.QoS == 2 {
				if store.ContainsKey(pubrelKey(id)) {
					next = expectPubcomp
				} else {
					next = expectPubrec
				}
			}

			c.outbound.insertOrdered(&inflightMessage{
				PacketID:  id,
				QoS:       pub.QoS,
				Retained:  pub.Retain,
				Pub:       newPublication(pub.Topic, pub.Payload),
				Next:      next,
				TouchedAt: time.Time{}, // fire on the next retry tick
				StoredLen: len(blob),
			})

		case strings.HasPrefix(key, pubrelPrefix):
			id, ok := parseKeyID(pubrelPrefix, key)
			if !ok {
				continue
			}
			if !store.ContainsKey(outboundKey(id)) {
				// orphaned PUBREL marker with no matching outbound record
				_ = store.Remove(key)
			}

		case strings.HasPrefix(key, inboundPrefix):
			id, ok := parseKeyID(inboundPrefix, key)
			if !ok {
				continue
			}
			blob, err := store.Get(key)
			if err != nil {
				c.opts.Logger.Warn("dropping unreadable persisted inbound record", "key", key, "error", err)
				_ = store.Remove(key)
				continue
			}
			pkt, err := decodeStoredPacket(blob, c.opts.ProtocolVersion)
			if err != nil {
				c.opts.Logger.Warn("dropping malformed persisted inbound record", "key", key, "error", err)
				_ = store.Remove(key)
				continue
			}
			pub, ok := pkt.(*packets.PublishPacket)
			if !ok {
				_ = store.Remove(key)
				continue
			}

			c.inbound.insertOrdered(&inflightMessage{
				PacketID:  id,
				QoS:       2,
				Retained:  pub.Retain,
				Pub:       newPublication(pub.Topic, pub.Payload),
				Next:      expectPubrel,
				TouchedAt: time.Now(),
				StoredLen: len(blob),
			})
		}
	}

	c.outbound.rotateToWrapGap()
	return nil
}

// persistOutboundPublish writes the wire encoding of pkt under s-<id>.
func persistOutboundPublish(store Persistence, pkt *packets.PublishPacket) error {
	if store == nil {
		return nil
	}
	var buf bytes.Buffer
	if _, err := pkt.WriteTo(&buf); err != nil {
		return err
	}
	return store.Put(outboundKey(pkt.PacketID), buf.Bytes())
}

// persistPubrelMarker writes the wire encoding of pkt under sc-<id>.
func persistPubrelMarker(store Persistence, pkt *packets.PubrelPacket) error {
	if store == nil {
		return nil
	}
	var buf bytes.Buffer
	if _, err := pkt.WriteTo(&buf); err != nil {
		return err
	}
	return store.Put(pubrelKey(pkt.PacketID), buf.Bytes())
}

// persistInboundPublish writes the wire encoding of pkt under r-<id>.
func persistInboundPublish(store Persistence, pkt *packets.PublishPacket) error {
	if store == nil {
		return nil
	}
	var buf bytes.Buffer
	if _, err := pkt.WriteTo(&buf); err != nil {
		return err
	}
	return store.Put(inboundKey(pkt.PacketID), buf.Bytes())
}

func removeOutboundPersisted(store Persistence, id uint16) {
	if store == nil {
		return
	}
	_ = store.Remove(outboundKey(id))
	_ = store.Remove(pubrelKey(id))
}

func removeInboundPersisted(store Persistence, id uint16) {
	if store == nil {
		return
	}
	_ = store.Remove(inboundKey(id))
}
