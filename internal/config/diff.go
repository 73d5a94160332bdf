package config

import (
	"sort"
	"strings"

	logx "ranchd/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets (admin token, storage dsn) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file", strings.TrimSpace(newCfg.Logging.File) != ""),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		ns := newCfg.Storage
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
		)
	}

	if oldCfg.Tick != newCfg.Tick {
		changed = append(changed, "tick")
		attrs = append(attrs,
			logx.String("tick.interval", newCfg.Tick.Interval),
			logx.Int("tick.flush_every", newCfg.Tick.FlushEvery),
		)
	}

	if oldCfg.Workers != newCfg.Workers {
		changed = append(changed, "workers")
		attrs = append(attrs, logx.Int("workers.count", newCfg.Workers.Count))
	}

	if oldCfg.OTP != newCfg.OTP {
		changed = append(changed, "otp")
		attrs = append(attrs,
			logx.String("otp.ttl", newCfg.OTP.TTL),
			logx.String("otp.sweep", newCfg.OTP.Sweep),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
		)
	}

	if metricsReport(oldCfg) != metricsReport(newCfg) {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.String("metrics.report", metricsReport(newCfg)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists the sections in changed that only take effect after a restart.
// Everything except logging is applied at startup.
func RestartRequired(changed []string) []string {
	out := make([]string, 0, len(changed))
	for _, s := range changed {
		if s != "logging" {
			out = append(out, s)
		}
	}
	return out
}

func metricsReport(c *Config) string {
	if c.Metrics == nil {
		return ""
	}
	return c.Metrics.Report
}
