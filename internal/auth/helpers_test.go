package auth_test

import (
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/uib-gmbh/confd/internal/testutil"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	return testutil.NewTestRedis(t)
}
