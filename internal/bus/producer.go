package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelTTL is how long an idle channel's metadata hash (and thus
// the channel itself, once its stream also expires) survives.
const DefaultChannelTTL = 4 * time.Hour

// DefaultStreamMaxLen caps every bus stream, trimmed approximately on every
// write.
const DefaultStreamMaxLen = 10000

// Producer implements the send_message contract of §4.G.2.
type Producer struct {
	client     *redis.Client
	channelTTL time.Duration
}

// NewProducer builds a Producer publishing through client.
func NewProducer(client *redis.Client) *Producer {
	return &Producer{client: client, channelTTL: DefaultChannelTTL}
}

// Send rewrites msg's channel/back_channel shorthand against sender,
// timestamps it, XADDs it to the channel's stream, and refreshes the
// channel's metadata TTL.
func (p *Producer) Send(ctx context.Context, sender Principal, msg *Message) error {
	msg.Channel = ExpandShorthand(msg.Channel, sender.SessionChannel, sender.UserChannel)
	if msg.BackChannel != "" {
		msg.BackChannel = ExpandShorthand(msg.BackChannel, sender.SessionChannel, sender.UserChannel)
	}
	msg.Stamp(time.Now())

	encoded, err := Encode(msg)
	if err != nil {
		return err
	}

	streamKey := StreamKey(msg.Channel)
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: DefaultStreamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": encoded},
	}).Err(); err != nil {
		return err
	}

	if err := p.client.HSet(ctx, MetaKey(msg.Channel), "last_write", msg.Created).Err(); err != nil {
		return err
	}
	return p.client.Expire(ctx, MetaKey(msg.Channel), p.channelTTL).Err()
}
