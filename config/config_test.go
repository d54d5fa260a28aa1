package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Miner.APIURL)
	require.Greater(t, cfg.CPU.Workers, 0)
}

func TestLoadMergesFileOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
data_dir: /tmp/miner
miner:
  api_url: https://pool.example/api
wallet:
  consolidate_address: "0xdest"
  wallets_per_gpu: 8
cpu:
  enabled: true
  workers: 2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/miner", cfg.DataDir)
	require.Equal(t, "https://pool.example/api", cfg.Miner.APIURL)
	require.Equal(t, "0xdest", cfg.Wallet.ConsolidateAddress)
	require.Equal(t, 8, cfg.Wallet.WalletsPerGPU)
	require.True(t, cfg.CPU.Enabled)
	require.Equal(t, 2, cfg.CPU.Workers)
}

func TestLoadRecoversFromCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	// Unresolved merge-conflict markers make this invalid YAML; the
	// recognizable scalar keys must still be recovered and the original
	// written aside.
	body := `
<<<<<<< HEAD
api_url: https://pool-a.example/api
=======
api_url: https://pool-b.example/api
>>>>>>> other
consolidate_address: "0xdest"
wallets_per_gpu: 6
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://pool-b.example/api", cfg.Miner.APIURL) // last occurrence wins
	require.Equal(t, "0xdest", cfg.Wallet.ConsolidateAddress)
	require.Equal(t, 6, cfg.Wallet.WalletsPerGPU)

	_, statErr := os.Stat(path + ".broken")
	require.NoError(t, statErr)
}

func TestApplyFlagsWinOverFile(t *testing.T) {
	cfg := Default()
	cfg.CPU.Enabled = true
	cfg.CPU.Workers = 8

	ApplyFlags(cfg, false, true, 2, "/elsewhere", "")
	require.False(t, cfg.CPU.Enabled)
	require.Equal(t, 2, cfg.CPU.Workers)
	require.Equal(t, "/elsewhere", cfg.DataDir)
	require.NotEmpty(t, cfg.Miner.APIURL) // empty flag leaves the loaded value alone
}
