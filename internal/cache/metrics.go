package cache

// Metrics receives cache events. Implementations must be safe for concurrent use.
type Metrics interface {
	Hit(cache string)
	Miss(cache string)
	Stored(cache string, n int)
	StoreFailed(cache string)
	Unavailable(cache string)
	Size(cache string, entries int)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) Hit(string)         {}
func (NoopMetrics) Miss(string)        {}
func (NoopMetrics) Stored(string, int) {}
func (NoopMetrics) StoreFailed(string) {}
func (NoopMetrics) Unavailable(string) {}
func (NoopMetrics) Size(string, int)   {}
