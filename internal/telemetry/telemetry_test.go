package telemetry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/uib-gmbh/confd/internal/telemetry"
)

func TestBestTier(t *testing.T) {
	tier := telemetry.BestTier(telemetry.DefaultLadder, 2*time.Hour)
	assert.Equal(t, "minute", tier.Suffix)

	tier = telemetry.BestTier(telemetry.DefaultLadder, 40*24*time.Hour)
	assert.Equal(t, "hour", tier.Suffix)

	tier = telemetry.BestTier(telemetry.DefaultLadder, 10*365*24*time.Hour)
	assert.Equal(t, "day", tier.Suffix)
}
