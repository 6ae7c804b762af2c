package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"tandem/api/internal/metrics"
)

const stripeCount = 64

// Message is the frame written to clients and read from them.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Relay forwards an already-delivered event to other nodes.
type Relay interface {
	Forward(ctx context.Context, room Room, event string, data json.RawMessage, exclude string) error
}

// Broadcaster delivers events to room members. Dispatch for a given room is
// serialized by a lock stripe so every subscriber sees one room's events in
// publish order. Rooms hashing to different stripes dispatch in parallel.
type Broadcaster struct {
	registry *Registry
	metrics  *metrics.Metrics
	log      logrus.FieldLogger

	relayMu sync.RWMutex
	relay   Relay

	stripes [stripeCount]sync.Mutex
}

func NewBroadcaster(registry *Registry, m *metrics.Metrics, logger logrus.FieldLogger) *Broadcaster {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Broadcaster{
		registry: registry,
		metrics:  m,
		log:      logger.WithField("component", "broadcaster"),
	}
}

func (b *Broadcaster) SetRelay(relay Relay) {
	b.relayMu.Lock()
	b.relay = relay
	b.relayMu.Unlock()
}

// Publish encodes payload once and enqueues it for every member of room
// except the connection named by exclude. Delivery is best effort: a full
// send buffer drops the frame for that subscriber only. The returned error
// covers encoding and relay failures; local delivery never fails.
//
// The relay forward happens under the room's stripe lock, so other nodes
// receive one room's events in the same order as local members.
func (b *Broadcaster) Publish(ctx context.Context, room Room, event string, payload any, exclude string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}

	b.relayMu.RLock()
	relay := b.relay
	b.relayMu.RUnlock()

	stripe := b.stripe(room)
	stripe.Lock()
	defer stripe.Unlock()

	b.deliverLocked(room, event, frame, exclude)
	if relay == nil {
		return nil
	}
	if err := relay.Forward(ctx, room, event, data, exclude); err != nil {
		return fmt.Errorf("relay %s to %s: %w", event, room, err)
	}
	return nil
}

// Deliver fans pre-encoded data out to local members only. The relay calls it
// for events that originated on another node.
func (b *Broadcaster) Deliver(room Room, event string, data json.RawMessage, exclude string) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}
	stripe := b.stripe(room)
	stripe.Lock()
	defer stripe.Unlock()

	b.deliverLocked(room, event, frame, exclude)
	return nil
}

func (b *Broadcaster) stripe(room Room) *sync.Mutex {
	return &b.stripes[xxhash.Sum64String(room.String())%stripeCount]
}

func encodeFrame(event string, data json.RawMessage) ([]byte, error) {
	frame, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode frame %s: %w", event, err)
	}
	return frame, nil
}

// deliverLocked requires the room's stripe lock.
func (b *Broadcaster) deliverLocked(room Room, event string, frame []byte, exclude string) {
	var delivered, dropped int
	for _, sub := range b.registry.Members(room) {
		if exclude != "" && sub.ID() == exclude {
			continue
		}
		if sub.Send(frame) {
			delivered++
		} else {
			dropped++
		}
	}

	if b.metrics != nil {
		b.metrics.Delivered.WithLabelValues(event).Add(float64(delivered))
		b.metrics.Dropped.WithLabelValues(event).Add(float64(dropped))
	}
	if dropped > 0 {
		b.log.WithFields(logrus.Fields{
			"room":    room.String(),
			"event":   event,
			"dropped": dropped,
		}).Warn("subscriber buffers full; event dropped")
	}
}
