package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFillsDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
share_nothing: true
tx_timeout_ms: 9000
wal:
  dir: /var/lib/txcore/wal
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.ShareNothing)
	require.Equal(t, 9000, cfg.TxTimeoutMS)
	require.Equal(t, "/var/lib/txcore/wal", cfg.WAL.Dir)
	require.Equal(t, Default().DeadlockScanIntervalMS, cfg.DeadlockScanIntervalMS)
}

func TestValidateRejectsDeterministicAndShareNothingTogether(t *testing.T) {
	cfg := Default()
	cfg.Deterministic = true
	cfg.ShareNothing = true
	require.Error(t, cfg.Validate())
}
