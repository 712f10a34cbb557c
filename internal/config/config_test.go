package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.HTTP.Addr)
	assert.Equal(t, 5, cfg.Ledger.LowStockThreshold)
	assert.Equal(t, []string{"kafka:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 10*time.Second, cfg.Mpesa.Timeout)
	assert.Equal(t, StoreDriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "orders", cfg.Redis.BroadcastTopic)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LOW_STOCK_THRESHOLD", "2")
	t.Setenv("MPESA_TIMEOUT", "3s")
	t.Setenv("MPESA_SHORTCODE", "174379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 2, cfg.Ledger.LowStockThreshold)
	assert.Equal(t, 3*time.Second, cfg.Mpesa.Timeout)
	assert.Equal(t, "174379", cfg.Mpesa.ShortCode)
}

func TestLoadRejectsNegativeThreshold(t *testing.T) {
	t.Setenv("LOW_STOCK_THRESHOLD", "-1")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnknownStoreDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")

	_, err := Load()
	assert.Error(t, err)
}
