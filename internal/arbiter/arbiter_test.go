package arbiter_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uib-gmbh/confd/internal/arbiter"
	"github.com/uib-gmbh/confd/internal/auth"
)

func TestHeartbeat_SignAndVerify(t *testing.T) {
	tokens, err := auth.NewTokenManager([]byte("signing-key-0123456789"), []byte("01234567890123456789012345678901"))
	require.NoError(t, err)

	token, err := arbiter.SignHeartbeat(tokens, "node1", 3, 128*1024*1024)
	require.NoError(t, err)

	node, hb, err := arbiter.VerifyHeartbeat(tokens, token)
	require.NoError(t, err)
	assert.Equal(t, "node1", node)
	assert.Equal(t, 3, hb.WorkerNum)
	assert.Equal(t, int64(128*1024*1024), hb.RSSBytes)
	assert.NotZero(t, hb.PID)
}

func TestArbiter_RestartsFailedWorker(t *testing.T) {
	var runs int32
	a := arbiter.New(arbiter.Options{
		Workers: 1,
		Run: func(ctx context.Context, n int) error {
			atomic.AddInt32(&runs, 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
				return nil
			}
		},
		Log: zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_ = a.Serve(ctx, nil)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(2))
}
