package config

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"ranchd/internal/observability/admin"
	"ranchd/internal/storage"
	"ranchd/internal/task/scheduler"
	"ranchd/internal/tick"
	logx "ranchd/pkg/logx"
)

const (
	DefaultOTPSweep    = "@every 1m"
	DefaultStatsReport = "@every 5m"
)

// Runtime is Config validated and converted to the settings each service takes.
type Runtime struct {
	Logging  logx.Config
	Storage  storage.Config
	Tick     tick.Config
	Workers  int
	SlowTask time.Duration
	OTPTTL   time.Duration
	// Empty disables the schedule.
	OTPSweep    string
	StatsReport string
	Admin       admin.Config
}

// Resolve validates cfg and fills defaults. It never starts anything.
func Resolve(cfg *Config) (Runtime, error) {
	var out Runtime
	if cfg == nil {
		cfg = Default()
	}

	lc := cfg.Logging
	if lc.Level != "" && !logx.ValidLevel(lc.Level) {
		return out, fmt.Errorf("logging.level: unknown level %q", lc.Level)
	}
	if !logx.ValidFormat(lc.Format) {
		return out, fmt.Errorf("logging.format: want console or json, got %q", lc.Format)
	}
	out.Logging = logx.Config{
		Level:  lc.Level,
		Format: strings.ToLower(strings.TrimSpace(lc.Format)),
		Stderr: lc.Stderr,
		File:   strings.TrimSpace(lc.File),
	}

	var err error
	if out.Storage, err = resolveStorage(cfg.Storage); err != nil {
		return out, err
	}

	tc := cfg.Tick
	if out.Tick.Interval, err = duration("tick.interval", tc.Interval, 50*time.Millisecond); err != nil {
		return out, err
	}
	if tc.FlushEvery < 0 {
		return out, fmt.Errorf("tick.flush_every must be >= 0")
	}
	out.Tick.FlushEvery = tc.FlushEvery
	if out.Tick.FlushEvery == 0 {
		out.Tick.FlushEvery = 20
	}
	if out.Tick.FlushTimeout, err = duration("tick.flush_timeout", tc.FlushTimeout, 10*time.Second); err != nil {
		return out, err
	}

	if cfg.Workers.Count < 0 {
		return out, fmt.Errorf("workers.count must be >= 0")
	}
	out.Workers = cfg.Workers.Count
	if out.Workers == 0 {
		out.Workers = 4
	}
	if out.SlowTask, err = duration("workers.slow_task", cfg.Workers.SlowTask, 750*time.Millisecond); err != nil {
		return out, err
	}

	if out.OTPTTL, err = duration("otp.ttl", cfg.OTP.TTL, 30*time.Second); err != nil {
		return out, err
	}
	if out.OTPSweep, err = resolveSpec("otp.sweep", cfg.OTP.Sweep, DefaultOTPSweep); err != nil {
		return out, err
	}
	report := ""
	if cfg.Metrics != nil {
		report = cfg.Metrics.Report
	}
	if out.StatsReport, err = resolveSpec("metrics.report", report, DefaultStatsReport); err != nil {
		return out, err
	}

	if out.Admin, err = resolveAdmin(cfg.Admin); err != nil {
		return out, err
	}
	return out, nil
}

// Validate is Resolve for use as a ConfigManager validator.
func Validate(_ context.Context, cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

func resolveStorage(sc StorageConfig) (storage.Config, error) {
	out := storage.Config{
		Driver:   strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:     strings.TrimSpace(sc.Path),
		DSN:      strings.TrimSpace(sc.DSN),
		MaxConns: sc.MaxConns,
	}
	switch out.Driver {
	case "", "none", "memory":
	case "file", "sqlite", "sqlite3":
		if out.Path == "" {
			return out, fmt.Errorf("storage.path is required for driver %q", out.Driver)
		}
	case "postgres", "postgresql", "pgx":
		if out.DSN == "" {
			return out, fmt.Errorf("storage.dsn is required for driver %q", out.Driver)
		}
	default:
		return out, fmt.Errorf("storage.driver: unknown driver %q", sc.Driver)
	}
	if sc.MaxConns < 0 {
		return out, fmt.Errorf("storage.max_conns must be >= 0")
	}
	bt, err := duration("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return out, err
	}
	out.BusyTimeout = bt
	return out, nil
}

func resolveSpec(path, raw, def string) (string, error) {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "":
		return def, nil
	case "off", "none", "disabled":
		return "", nil
	}
	if err := scheduler.ParseSpec(s); err != nil {
		return "", fmt.Errorf("%s: invalid cron spec %q: %w", path, raw, err)
	}
	return s, nil
}

func resolveAdmin(ac AdminConfig) (admin.Config, error) {
	out := admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:9470"
	}

	var err error
	if out.HealthTimeout, err = duration("admin.health_timeout", ac.HealthTimeout, 2*time.Second); err != nil {
		return out, err
	}
	if out.ReadTimeout, err = duration("admin.read_timeout", ac.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// 0 by default so /debug/pprof/profile (30s+) works.
	if out.WriteTimeout, err = duration("admin.write_timeout", ac.WriteTimeout, 0); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = duration("admin.idle_timeout", ac.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("admin.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		if !out.AllowInsecure && out.Token == "" && !isLoopbackHost(out.Addr) {
			return out, fmt.Errorf("admin: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

func isLoopbackHost(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
