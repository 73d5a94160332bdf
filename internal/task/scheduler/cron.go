package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	logx "ranchd/pkg/logx"
)

// Cron turns cron specs into recurring jobs. Each trigger queues the job on
// the scheduler, so it runs on the tick-driving goroutine like any other job.
type Cron struct {
	mu     sync.Mutex
	jobs   *Service
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	names  map[string]cron.EntryID
}

func NewCron(jobs *Service, log logx.Logger) *Cron {
	if log.IsZero() {
		log = logx.Nop()
	}
	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Cron{
		jobs:   jobs,
		log:    log,
		parser: parser,
		c:      cron.New(cron.WithParser(parser), cron.WithLocation(time.Local)),
		names:  map[string]cron.EntryID{},
	}
}

// ParseSpec validates a cron spec ("@every 1m", "*/5 * * * *", ...).
func ParseSpec(spec string) error {
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := p.Parse(strings.TrimSpace(spec))
	return err
}

// Add registers fn under name. Re-adding a name replaces the previous entry.
func (c *Cron) Add(name, spec string, fn func()) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("cron: name is required")
	}
	if fn == nil {
		return fmt.Errorf("cron %s: nil job", name)
	}
	sched, err := c.parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return fmt.Errorf("cron %s: invalid spec %q: %w", name, spec, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.names[name]; ok {
		c.c.Remove(id)
	}
	c.names[name] = c.c.Schedule(sched, cron.FuncJob(func() {
		c.jobs.QueueNamed(name, fn, time.Time{})
	}))
	c.log.Debug("cron registered", logx.String("name", name), logx.String("spec", spec))
	return nil
}

// Next returns the next trigger time for name.
func (c *Cron) Next(name string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.names[name]
	if !ok {
		return time.Time{}, false
	}
	return c.c.Entry(id).Next, true
}

func (c *Cron) Start() {
	c.c.Start()
	c.log.Info("cron started", logx.Int("entries", len(c.c.Entries())))
}

// Stop stops triggering and waits for in-flight trigger callbacks or ctx.
func (c *Cron) Stop(ctx context.Context) {
	select {
	case <-c.c.Stop().Done():
	case <-ctx.Done():
	}
}
