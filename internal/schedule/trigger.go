// Package schedule is the optional built-in trigger: it starts poll cycles
// on a cron or interval schedule for systems without an external one.
package schedule

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	logx "accountpolld/pkg/logx"
)

type Config struct {
	Enabled  bool
	Spec     string
	Timezone string // IANA name; empty means local time
}

// Trigger calls fire on schedule. fire must not block.
type Trigger struct {
	mu   sync.Mutex
	log  logx.Logger
	fire func()
	cfg  Config

	c       *cron.Cron
	entry   cron.EntryID
	running bool
}

func NewTrigger(cfg Config, fire func(), log logx.Logger) *Trigger {
	return &Trigger{cfg: cfg, fire: fire, log: log}
}

// Start begins firing if the schedule is enabled. Calling it twice is a
// no-op.
func (t *Trigger) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.running = true
	return t.startLocked()
}

// Stop halts the schedule and waits for a running fire to return.
func (t *Trigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.stopLocked()
}

// Apply swaps the configuration; a running trigger restarts with it.
func (t *Trigger) Apply(cfg Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg == t.cfg {
		return nil
	}
	t.cfg = cfg
	if !t.running {
		return nil
	}
	t.stopLocked()
	return t.startLocked()
}

// Next returns the next fire time, or zero when nothing is scheduled.
func (t *Trigger) Next() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c == nil {
		return time.Time{}
	}
	return t.c.Entry(t.entry).Next
}

func (t *Trigger) startLocked() error {
	if !t.cfg.Enabled {
		t.log.Debug("built-in schedule disabled")
		return nil
	}
	spec, err := ParseSchedule(t.cfg.Spec)
	if err != nil {
		return errors.Wrap(err, "schedule.spec")
	}
	sched, err := spec.Compile()
	if err != nil {
		return errors.Wrap(err, "schedule.spec")
	}
	loc, err := location(t.cfg.Timezone)
	if err != nil {
		return errors.Wrap(err, "schedule.timezone")
	}

	t.c = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{log: t.log}),
		cron.WithChain(cron.Recover(cronLogger{log: t.log})),
	)
	t.entry = t.c.Schedule(sched, cron.FuncJob(t.fire))
	t.c.Start()

	t.log.Info("built-in schedule started",
		logx.String("spec", t.cfg.Spec),
		logx.String("kind", spec.Kind.String()),
		logx.String("tz", loc.String()),
		logx.Time("next", t.c.Entry(t.entry).Next),
	)
	return nil
}

func (t *Trigger) stopLocked() {
	if t.c == nil {
		return
	}
	<-t.c.Stop().Done()
	t.c = nil
	t.entry = 0
}

func location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Trace("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
