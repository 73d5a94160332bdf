package logx

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits how often a repeating condition is logged.
//
// Hot loops (tick flushes, health polls) call Allow on every occurrence; only
// one record per interval gets through and the skipped count is reported with it.
type Throttle struct {
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottle allows one record per every (burst 1). every <= 0 allows all.
func NewThrottle(every time.Duration) *Throttle {
	lim := rate.NewLimiter(rate.Inf, 1)
	if every > 0 {
		lim = rate.NewLimiter(rate.Every(every), 1)
	}
	return &Throttle{lim: lim}
}

// Allow reports whether a record may be written now and how many were
// suppressed since the previous allowed one.
func (t *Throttle) Allow() (bool, uint64) {
	if t == nil || t.lim == nil {
		return true, 0
	}
	if !t.lim.Allow() {
		t.suppressed.Add(1)
		return false, 0
	}
	return true, t.suppressed.Swap(0)
}
