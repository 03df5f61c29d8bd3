package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uib-gmbh/confd/internal/bus"
	"github.com/uib-gmbh/confd/internal/testutil"
)

func TestPlainReader_DeliversPublishedMessages(t *testing.T) {
	client := testutil.NewTestRedis(t)
	producer := bus.NewProducer(client)
	sender := bus.Principal{SessionChannel: "session:a", UserChannel: "user:alice"}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := make(chan *bus.Message, 4)
	reader := bus.NewPlainReader(client, "user:alice", "$", false)
	go func() { _ = reader.Run(ctx, out) }()

	time.Sleep(20 * time.Millisecond) // let the reader block on XREAD first
	require.NoError(t, producer.Send(ctx, sender, &bus.Message{Type: bus.TypeEvent, Channel: "user:alice", Sender: sender.UserChannel}))

	select {
	case msg := <-out:
		assert.Equal(t, "user:alice", msg.Channel)
		assert.Equal(t, "user:alice", msg.Sender)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestConsumerGroupReader_NoDuplicateDeliveryAcrossConsumers(t *testing.T) {
	client := testutil.NewTestRedis(t)
	producer := bus.NewProducer(client)
	sender := bus.Principal{SessionChannel: "session:a", UserChannel: "user:admin", IsAdmin: true}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const n = 10
	out1 := make(chan *bus.Message, n)
	out2 := make(chan *bus.Message, n)

	r1 := bus.NewConsumerGroupReader(client, "service:messagebus", "worker-1")
	r2 := bus.NewConsumerGroupReader(client, "service:messagebus", "worker-2")
	go func() { _ = r1.Run(ctx, out1) }()
	go func() { _ = r2.Run(ctx, out2) }()

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < n; i++ {
		require.NoError(t, producer.Send(ctx, sender, &bus.Message{Type: bus.TypeEvent, Channel: "service:messagebus"}))
	}

	deadline := time.After(time.Second)
	received := 0
	for received < n {
		select {
		case <-out1:
			received++
		case <-out2:
			received++
		case <-deadline:
			t.Fatalf("only received %d/%d messages before timeout", received, n)
		}
	}

	// Drain a little longer: neither consumer should see any message twice.
	select {
	case <-out1:
		t.Fatal("received a duplicate delivery on worker-1")
	case <-out2:
		t.Fatal("received a duplicate delivery on worker-2")
	case <-time.After(100 * time.Millisecond):
	}
}
