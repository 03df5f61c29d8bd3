package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reader is one subscriber's view onto a channel's stream: either a plain
// cursor-based reader or a consumer-group reader, per §4.G.1/§4.G.4.
type Reader interface {
	// Run blocks, delivering decoded messages to out, until ctx is
	// cancelled or the stream read fails unrecoverably.
	Run(ctx context.Context, out chan<- *Message) error
	Channel() string
}

// PlainReader replays a channel from a caller-chosen starting id: "$" for
// only-new, or an explicit id. "" and ">" are treated as "$"; there is no
// separate undelivered-since-last-ack mode, though a reader that
// auto-advances its cursor resumes from its saved cursor when one exists.
type PlainReader struct {
	client      *redis.Client
	channel     string
	lastID      string
	autoAdvance bool // true only for the subscriber's own user channel
}

// NewPlainReader builds a PlainReader starting from startID.
func NewPlainReader(client *redis.Client, channel, startID string, autoAdvanceCursor bool) *PlainReader {
	id := startID
	if id == "" || id == ">" {
		id = "$"
	}
	return &PlainReader{client: client, channel: channel, lastID: id, autoAdvance: autoAdvanceCursor}
}

func (r *PlainReader) Channel() string { return r.channel }

// Run implements Reader. Per §4.G.4, only the user-channel reader advances
// its cursor automatically across reconnects; other channels treat the
// cursor as externally managed and the caller is responsible for persisting
// progress if it cares to.
func (r *PlainReader) Run(ctx context.Context, out chan<- *Message) error {
	key := StreamKey(r.channel)
	cursorKey := "confd:bus:cursor:" + r.channel

	if r.autoAdvance {
		if saved, err := r.client.Get(ctx, cursorKey).Result(); err == nil && saved != "" {
			r.lastID = saved
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, r.lastID},
			Block:   time.Second,
			Count:   100,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				r.lastID = entry.ID
				msg := decodeEntry(entry)
				if msg == nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		if r.autoAdvance {
			_ = r.client.Set(ctx, cursorKey, r.lastID, 0).Err()
		}
	}
}

// ConsumerGroupReader joins the channel's consumer group under a unique
// consumer name, so Redis guarantees each stream entry is delivered to
// exactly one consumer in the group. It ACKs every successfully delivered
// message to prevent re-delivery.
type ConsumerGroupReader struct {
	client   *redis.Client
	channel  string
	group    string
	consumer string
}

// NewConsumerGroupReader builds a ConsumerGroupReader for channel, using
// channel itself as the group name (per §4.G.1) and consumer as this
// worker's unique consumer identity ("{user_id}:{session_suffix}").
func NewConsumerGroupReader(client *redis.Client, channel, consumer string) *ConsumerGroupReader {
	return &ConsumerGroupReader{client: client, channel: channel, group: channel, consumer: consumer}
}

func (r *ConsumerGroupReader) Channel() string { return r.channel }

func (r *ConsumerGroupReader) ensureGroup(ctx context.Context) error {
	key := StreamKey(r.channel)
	err := r.client.XGroupCreateMkStream(ctx, key, r.group, "$").Err()
	if err != nil && !isBusyGroupErr(err) {
		return err
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// Run implements Reader.
func (r *ConsumerGroupReader) Run(ctx context.Context, out chan<- *Message) error {
	if err := r.ensureGroup(ctx); err != nil {
		return err
	}
	key := StreamKey(r.channel)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{key, ">"},
			Block:    time.Second,
			Count:    100,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				msg := decodeEntry(entry)
				if msg == nil {
					_ = r.client.XAck(ctx, key, r.group, entry.ID).Err()
					continue
				}
				select {
				case out <- msg:
					_ = r.client.XAck(ctx, key, r.group, entry.ID).Err()
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func decodeEntry(entry redis.XMessage) *Message {
	raw, ok := entry.Values["payload"].(string)
	if !ok {
		return nil
	}
	msg, err := Decode([]byte(raw))
	if err != nil {
		return nil
	}
	return msg
}
