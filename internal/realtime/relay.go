package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Envelope is the cross-node wire format on the relay channel.
type Envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Exclude string          `json:"exclude,omitempty"`
}

// RedisRelay shares broadcasts between API nodes over one Redis pub/sub
// channel. Each node delivers locally first, then forwards; envelopes a node
// published itself are ignored on receipt.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	log     logrus.FieldLogger
	backoff time.Duration
}

// Dial parses a redis:// URL and verifies the server answers.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisRelay(client *redis.Client, channel, origin string, logger logrus.FieldLogger) *RedisRelay {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  origin,
		log:     logger.WithFields(logrus.Fields{"component": "relay", "channel": channel}),
		backoff: time.Second,
	}
}

func (r *RedisRelay) Forward(ctx context.Context, room Room, event string, data json.RawMessage, exclude string) error {
	payload, err := json.Marshal(Envelope{
		Origin:  r.origin,
		Room:    room.String(),
		Event:   event,
		Data:    data,
		Exclude: exclude,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// Run subscribes to the relay channel and hands foreign envelopes to the
// broadcaster until ctx ends. A closed subscription is reopened after a
// short pause.
func (r *RedisRelay) Run(ctx context.Context, b *Broadcaster) error {
	for {
		sub := r.client.Subscribe(ctx, r.channel)
		r.consume(ctx, sub.Channel(), b)
		_ = sub.Close()

		if ctx.Err() != nil {
			return nil
		}
		r.log.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.backoff):
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context, ch <-chan *redis.Message, b *Broadcaster) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.WithError(err).Warn("unable to parse envelope")
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			room, ok := ParseRoom(env.Room)
			if !ok {
				r.log.WithField("room", env.Room).Warn("envelope names unknown room")
				continue
			}
			if err := b.Deliver(room, env.Event, env.Data, env.Exclude); err != nil {
				r.log.WithError(err).Warn("deliver relayed event")
			}
		}
	}
}
