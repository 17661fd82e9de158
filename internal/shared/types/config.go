package types

// PoolConf controls the pool maintenance cycles and health thresholds.
type PoolConf struct {
	DataDir                  string `ini:"data_dir"`
	DiscoveryIntervalMinutes int    `ini:"discovery_interval_minutes"`
	RecheckIntervalSeconds   int    `ini:"recheck_interval_seconds"`
	RecheckBatchSize         int    `ini:"recheck_batch_size"`
	DegradeThreshold         int    `ini:"degrade_threshold"`
	DeadThreshold            int    `ini:"dead_threshold"`
	PruneAfterHours          int    `ini:"prune_after_hours"`

	// ExtraSources is a comma-separated list of additional raw ip:port
	// list URLs, merged into the built-in source registry.
	ExtraSources string `ini:"extra_sources"`
}

// ProbeConf controls the connectivity probes issued by the validator.
type ProbeConf struct {
	TimeoutSeconds int    `ini:"timeout_seconds"`
	Concurrency    int    `ini:"concurrency"`
	Target         string `ini:"target"` // host:port reached through the candidate
}

// WebConf contains the status/selection API configuration.
type WebConf struct {
	ListenAddr  string `ini:"listen_addr"` // empty disables the API
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// Config is the unified configuration structure for the pool daemon.
type Config struct {
	PoolConf  `ini:"pool"`
	ProbeConf `ini:"probe"`
	WebConf   `ini:"web"`
	LogConf   `ini:"log"`
}
