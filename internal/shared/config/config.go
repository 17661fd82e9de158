package config

import (
	"os"
	"strconv"

	"gopkg.in/ini.v1"
	"liuproxy_pool/internal/shared/types"
)

// LoadIni loads the behavior configuration file and applies defaults plus
// environment overrides on top of it.
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvInt(&cfg.ProbeConf.Concurrency, "POOL_PROBE_CONCURRENCY")
	overrideFromEnvInt(&cfg.ProbeConf.TimeoutSeconds, "POOL_PROBE_TIMEOUT")
	ApplyDefaults(cfg)
	return nil
}

// ApplyDefaults fills in zero values so a sparse ini file still yields a
// runnable configuration.
func ApplyDefaults(cfg *types.Config) {
	if cfg.PoolConf.DataDir == "" {
		cfg.PoolConf.DataDir = "data"
	}
	if cfg.PoolConf.DiscoveryIntervalMinutes <= 0 {
		cfg.PoolConf.DiscoveryIntervalMinutes = 60
	}
	if cfg.PoolConf.RecheckIntervalSeconds <= 0 {
		cfg.PoolConf.RecheckIntervalSeconds = 300
	}
	if cfg.PoolConf.RecheckBatchSize <= 0 {
		cfg.PoolConf.RecheckBatchSize = 200
	}
	if cfg.PoolConf.DegradeThreshold <= 0 {
		cfg.PoolConf.DegradeThreshold = 2
	}
	if cfg.PoolConf.DeadThreshold <= cfg.PoolConf.DegradeThreshold {
		cfg.PoolConf.DeadThreshold = cfg.PoolConf.DegradeThreshold + 1
	}
	if cfg.PoolConf.PruneAfterHours <= 0 {
		cfg.PoolConf.PruneAfterHours = 72
	}
	if cfg.ProbeConf.TimeoutSeconds <= 0 {
		cfg.ProbeConf.TimeoutSeconds = 10
	}
	if cfg.ProbeConf.Concurrency <= 0 {
		cfg.ProbeConf.Concurrency = 50
	}
	if cfg.ProbeConf.Target == "" {
		cfg.ProbeConf.Target = "www.gstatic.com:443"
	}
	if cfg.LogConf.Level == "" {
		cfg.LogConf.Level = "info"
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
