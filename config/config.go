// Package config loads the YAML configuration the core subsystems read at
// startup: defaults first, then the file, then CLI-flag overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/cpu"
	"gopkg.in/yaml.v3"

	"github.com/BerithFoundation/berith-miner/log"
)

// Config holds the key groups the miner consumes.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Miner struct {
		APIURL       string `yaml:"api_url"`
		PollInterval int    `yaml:"poll_interval"` // seconds; default 10
	} `yaml:"miner"`

	Wallet struct {
		ConsolidateAddress string `yaml:"consolidate_address"`
		WalletsPerGPU      int    `yaml:"wallets_per_gpu"`
		DevFeeAddress      string `yaml:"dev_fee_address"`
	} `yaml:"wallet"`

	CPU struct {
		Enabled bool `yaml:"enabled"`
		Workers int  `yaml:"workers"`
	} `yaml:"cpu"`

	GPU struct {
		DeviceIDs []int `yaml:"device_ids"`
	} `yaml:"gpu"`
}

// Default returns a Config populated with the process defaults, before any
// file or flag overrides are applied.
func Default() *Config {
	cfg := &Config{DataDir: "./data"}
	cfg.Miner.APIURL = "https://coordinator.example/api"
	cfg.Miner.PollInterval = 10
	cfg.Wallet.WalletsPerGPU = 4
	cfg.CPU.Enabled = false
	cfg.CPU.Workers = defaultCPUWorkers()
	return cfg
}

// defaultCPUWorkers derives the default from the running host rather than
// hard-coding a count.
func defaultCPUWorkers() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Load reads path, merging onto Default(). A malformed file is never a
// reason to fail the process: best effort is
// made to recover the recognized scalar keys via regex (matched by key name
// at any indentation, whatever section they sit in), the
// original is preserved alongside as path+".broken", and the loader
// returns a Config filled with whatever it managed to recover.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		log.Warn("config file malformed, attempting best-effort recovery", "path", path, "err", err)
		recoverConfig(cfg, raw)
		broken := path + ".broken"
		if werr := os.WriteFile(broken, raw, 0o644); werr != nil {
			log.Warn("failed to write .broken backup", "path", broken, "err", werr)
		} else {
			log.Warn("wrote unparsed config aside", "path", broken)
		}
		return cfg, nil
	}
	if cfg.CPU.Workers <= 0 {
		cfg.CPU.Workers = defaultCPUWorkers()
	}
	return cfg, nil
}

var scalarKeyRe = regexp.MustCompile(`(?m)^\s*([A-Za-z0-9_]+)\s*:\s*(.+?)\s*$`)

// recoverConfig scans raw line-by-line for "key: value" pairs it recognizes
// among the flat keys it knows how to place, ignoring anything it can't
// confidently parse. It never returns an error: best effort only.
func recoverConfig(cfg *Config, raw []byte) {
	for _, m := range scalarKeyRe.FindAllSubmatch(raw, -1) {
		key := string(m[1])
		val := strings.Trim(string(m[2]), `"'`)
		switch key {
		case "api_url":
			cfg.Miner.APIURL = val
		case "consolidate_address":
			cfg.Wallet.ConsolidateAddress = val
		case "dev_fee_address":
			cfg.Wallet.DevFeeAddress = val
		case "data_dir":
			cfg.DataDir = val
		case "wallets_per_gpu":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.Wallet.WalletsPerGPU = n
			}
		case "workers":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.CPU.Workers = n
			}
		case "enabled":
			cfg.CPU.Enabled = val == "true"
		}
	}
}

// ApplyFlags overlays CLI-flag overrides onto a loaded Config; flags win
// over both the file and the defaults.
func ApplyFlags(cfg *Config, cpuEnabled bool, cpuEnabledSet bool, workers int, dataDir, apiURL string) {
	if cpuEnabledSet {
		cfg.CPU.Enabled = cpuEnabled
	}
	if workers > 0 {
		cfg.CPU.Workers = workers
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if apiURL != "" {
		cfg.Miner.APIURL = apiURL
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{data_dir=%s api_url=%s cpu.enabled=%v cpu.workers=%d gpu.devices=%v}",
		c.DataDir, c.Miner.APIURL, c.CPU.Enabled, c.CPU.Workers, c.GPU.DeviceIDs)
}
