package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, StoreDriverPostgres, cfg.StoreDriver)
	assert.Equal(t, LockBackendLocal, cfg.LockBackend)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
	assert.Equal(t, "Asia/Jakarta", cfg.LedgerTimezone)
	rate, err := cfg.VATRate()
	require.NoError(t, err)
	assert.Equal(t, "0.1", rate.String())
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_DRIVER")
}

func TestLoadConfigRejectsBadVATRate(t *testing.T) {
	t.Setenv("LEDGER_VAT_RATE", "ten percent")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("LEDGER_VAT_RATE", "-0.1")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigLockBackend(t *testing.T) {
	t.Setenv("LOCK_BACKEND", "redis")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, LockBackendRedis, cfg.LockBackend)

	t.Setenv("LOCK_BACKEND", "zookeeper")
	_, err = LoadConfig()
	require.Error(t, err)
}
