package logfabric_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uib-gmbh/confd/internal/logfabric"
	"github.com/uib-gmbh/confd/internal/testutil"
)

func TestSink_WriteAndTail(t *testing.T) {
	client := testutil.NewTestRedis(t)
	sink := logfabric.NewSink(client, "node1")

	n, err := sink.Write([]byte(`{"message":"hello","level":"info"}`))
	require.NoError(t, err)
	assert.Equal(t, 34, n)

	records, err := logfabric.Tail(context.Background(), client, "node1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "hello", records[0].Message)
}

func TestFollow_ReceivesNewEntries(t *testing.T) {
	client := testutil.NewTestRedis(t)
	sink := logfabric.NewSink(client, "node1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	out := make(chan logfabric.Record, 1)
	go func() {
		_ = logfabric.Follow(ctx, client, "node1", out)
	}()

	time.Sleep(100 * time.Millisecond)
	_, err := sink.Write([]byte(`{"message":"live","level":"warn"}`))
	require.NoError(t, err)

	select {
	case rec := <-out:
		assert.Equal(t, "live", rec.Message)
	case <-ctx.Done():
		t.Fatal("timed out waiting for followed record")
	}
}
