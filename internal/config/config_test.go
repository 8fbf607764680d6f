package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 30*time.Second, cfg.HoldMinTTL)
	require.Equal(t, 10*time.Minute, cfg.HoldDefaultTTL)
	require.Equal(t, 100, cfg.SweepBatch)
	require.False(t, cfg.RefundRestocksStock)
	require.Equal(t, 75, cfg.RiskReviewThreshold)
	require.Empty(t, cfg.KafkaBrokers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("HOLD_MIN_TTL", "1m")
	t.Setenv("HOLD_DEFAULT_TTL", "30m")
	t.Setenv("REFUND_RESTOCKS_STOCK", "true")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, time.Minute, cfg.HoldMinTTL)
	require.Equal(t, 30*time.Minute, cfg.HoldDefaultTTL)
	require.True(t, cfg.RefundRestocksStock)
	require.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_RejectsTTLBelowFloor(t *testing.T) {
	t.Setenv("HOLD_MIN_TTL", "5s")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RejectsDefaultBelowMin(t *testing.T) {
	t.Setenv("HOLD_MIN_TTL", "5m")
	t.Setenv("HOLD_DEFAULT_TTL", "1m")

	_, err := Load()
	require.Error(t, err)
}
