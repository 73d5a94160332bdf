package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("50ms", "30s", "1m").
type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Storage StorageConfig  `json:"storage"`
	Tick    TickConfig     `json:"tick"`
	Workers WorkersConfig  `json:"workers"`
	OTP     OTPConfig      `json:"otp"`
	Admin   AdminConfig    `json:"admin"`
	Metrics *MetricsConfig `json:"metrics,omitempty"`
}

// LoggingConfig is the only section applied without a restart.
// Format is "console" (default) or "json"; an empty file disables the file sink.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format,omitempty"`
	Stderr bool   `json:"stderr,omitempty"`
	File   string `json:"file,omitempty"`
}

// StorageConfig selects the backing store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ranch.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

// TickConfig controls the main loop.
//
// Defaults: interval "50ms", flush_every 20, flush_timeout "10s".
type TickConfig struct {
	Interval     string `json:"interval,omitempty"`
	FlushEvery   int    `json:"flush_every,omitempty"`
	FlushTimeout string `json:"flush_timeout,omitempty"`
}

type WorkersConfig struct {
	Count    int    `json:"count,omitempty"`
	SlowTask string `json:"slow_task,omitempty"`
}

// OTPConfig controls one-time codes. Sweep is a cron spec; "off" disables it.
type OTPConfig struct {
	TTL   string `json:"ttl,omitempty"`
	Sweep string `json:"sweep,omitempty"`
}

// AdminConfig controls the operator HTTP server (healthz, metrics, pprof).
//
// Prefer a loopback addr. A non-loopback addr needs a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:9470"
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	HealthTimeout string `json:"health_timeout,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// MetricsConfig controls the periodic stats report. Omitted means defaults.
type MetricsConfig struct {
	Report string `json:"report,omitempty"` // cron spec, default "@every 5m"; "off" disables
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Storage: StorageConfig{Driver: "memory"},
	}
}
