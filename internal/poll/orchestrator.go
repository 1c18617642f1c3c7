// Package poll runs poll cycles: it enumerates targets, gates them by
// interval, obtains credentials, supervises plugins, forwards notifications
// and reports one completion per cycle.
//
// All poll state lives on the dispatch Loop. Blocking work (registry and
// account reads, identity exchanges, process I/O) happens on helper
// goroutines that post their results back.
package poll

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"accountpolld/internal/auth"
	"accountpolld/internal/clock"
	"accountpolld/internal/eventbus"
	"accountpolld/internal/helper"
	"accountpolld/internal/push"
	logx "accountpolld/pkg/logx"
)

// Record is the interval gate state of a target, kept for the daemon's
// lifetime.
type Record struct {
	LastPolledAt time.Time
	InFlight     bool
}

// Summary describes a completed cycle.
type Summary struct {
	CycleID    string
	Jobs       int
	Dispatched int
	Skipped    int
	Duration   time.Duration
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Loop       *Loop
	Enumerator *Enumerator
	Auth       *auth.Coordinator
	Launcher   *helper.Launcher
	Poster     push.Poster
	Bus        eventbus.Bus
	Clock      clock.Clock
	Log        logx.Logger
}

// Orchestrator owns the poll state. Apart from RunCycle, SetEnumerator and
// SetLauncherConfig, its methods run on the loop.
type Orchestrator struct {
	loop     *Loop
	enum     *Enumerator
	auth     *auth.Coordinator
	launcher *helper.Launcher
	poster   push.Poster
	bus      eventbus.Bus
	clock    clock.Clock
	log      logx.Logger

	ctx        context.Context
	records    map[Target]*Record
	onComplete []func(Summary)
}

func New(ctx context.Context, d Deps) *Orchestrator {
	o := &Orchestrator{
		loop:     d.Loop,
		enum:     d.Enumerator,
		auth:     d.Auth,
		launcher: d.Launcher,
		poster:   d.Poster,
		bus:      d.Bus,
		clock:    d.Clock,
		log:      d.Log,
		ctx:      ctx,
		records:  map[Target]*Record{},
	}
	if o.bus == nil {
		o.bus = eventbus.Nop{}
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	return o
}

// OnComplete registers fn to run on the loop after each cycle completes,
// strictly after every notification of that cycle was posted. Register
// before the first RunCycle.
func (o *Orchestrator) OnComplete(fn func(Summary)) {
	o.onComplete = append(o.onComplete, fn)
}

// SetEnumerator replaces the enumerator for cycles started afterwards.
func (o *Orchestrator) SetEnumerator(e *Enumerator) {
	o.loop.Post(func() { o.enum = e })
}

// SetLauncherConfig applies new plugin settings to later launches.
func (o *Orchestrator) SetLauncherConfig(cfg helper.Config) {
	o.loop.Post(func() { o.launcher.SetConfig(cfg) })
}

// RunCycle starts a poll cycle and returns immediately. Cycles may overlap;
// each one completes on its own.
func (o *Orchestrator) RunCycle() {
	o.loop.Post(o.startCycle)
}

// Shutdown kills the plugins still running and returns how many were
// signalled.
func (o *Orchestrator) Shutdown(ctx context.Context) (int, error) {
	n := 0
	err := o.loop.Call(ctx, func() { n = o.launcher.KillAll() })
	return n, err
}

// Record returns the gate state of t. Loop only.
func (o *Orchestrator) Record(t Target) (Record, bool) {
	r, ok := o.records[t]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

type cycle struct {
	id      string
	started time.Time
	log     logx.Logger

	// pending starts at 1 for the dispatch pass itself, so targets that
	// resolve synchronously cannot complete the cycle early.
	pending    int
	jobs       int
	dispatched int
	skipped    int
}

type attempt struct {
	c         *cycle
	job       Job
	rec       *Record
	log       logx.Logger
	started   time.Time
	forwarded int
	invalid   bool
	resolved  bool
}

func (o *Orchestrator) startCycle() {
	c := &cycle{id: uuid.NewString(), started: o.clock.Now(), pending: 1}
	c.log = o.log.With(logx.String("cycle", c.id))
	c.log.Debug("poll cycle started")

	enum, ctx := o.enum, o.ctx
	go func() {
		jobs := enum.Enumerate(ctx)
		o.loop.Post(func() { o.dispatchAll(c, jobs) })
	}()
}

func (o *Orchestrator) dispatchAll(c *cycle, jobs []Job) {
	c.jobs = len(jobs)
	o.bus.Publish(eventbus.Event{
		Type: eventbus.TypeCycleStarted,
		Data: eventbus.CycleStarted{CycleID: c.id, Jobs: len(jobs)},
	})

	for _, job := range jobs {
		o.schedule(c, job)
	}
	o.release(c)
}

func (o *Orchestrator) record(t Target) *Record {
	r, ok := o.records[t]
	if !ok {
		r = &Record{}
		o.records[t] = r
	}
	return r
}

// schedule applies the in-flight and interval gates and dispatches job.
func (o *Orchestrator) schedule(c *cycle, job Job) {
	rec := o.record(job.Target)
	now := o.clock.Now()

	reason := ""
	switch {
	case rec.InFlight:
		reason = SkipInFlight
	case !rec.LastPolledAt.IsZero() && now.Sub(rec.LastPolledAt) < job.Descriptor.Interval:
		reason = SkipInterval
	}
	if reason != "" {
		c.skipped++
		c.log.Debug("skipping poll", append(job.Target.fields(), logx.String("reason", reason))...)
		o.bus.Publish(eventbus.Event{
			Type: eventbus.TypeTargetSkipped,
			Data: eventbus.TargetSkipped{CycleID: c.id, Target: job.Target.event(), Reason: reason},
		})
		return
	}

	// Recorded before dispatch so a slow poll cannot be stacked by the next
	// cycle.
	rec.LastPolledAt = now
	rec.InFlight = true
	c.pending++
	c.dispatched++

	a := &attempt{
		c:       c,
		job:     job,
		rec:     rec,
		started: now,
		log:     c.log.With(job.Target.fields()...),
	}

	if !job.Descriptor.NeedsAuthData {
		o.launch(a, nil)
		return
	}
	o.auth.Obtain(o.ctx, job.Target.AccountID, job.Target.ServiceID, func(r auth.Result) {
		if r.Err != nil {
			o.resolve(a, r.Err)
			return
		}
		creds := r.Credentials
		if creds == nil {
			creds = map[string]any{}
		}
		o.launch(a, creds)
	})
}

func (o *Orchestrator) launch(a *attempt, creds map[string]any) {
	d := a.job.Descriptor
	req := helper.Request{
		HelperID:  d.Key,
		AppID:     d.AppID,
		AccountID: a.job.Target.AccountID,
		Auth:      creds,
	}

	_, err := o.launcher.Start(helper.SpecFor(d), helper.Handlers{
		Started: func(p *helper.Process) {
			if err := p.Send(req); err != nil {
				a.log.Warn("plugin request not sent", logx.Err(err))
			}
		},
		Response: func(_ *helper.Process, r helper.Response) {
			o.interpret(a, r)
		},
		Terminated: func(_ *helper.Process, e helper.Exit) {
			var err error
			switch {
			case a.invalid:
				err = ErrInvalidAuthReported
			case !e.Responded:
				err = e.Err
			}
			o.resolve(a, err)
		},
	})
	if err != nil {
		o.resolve(a, errors.Mark(err, ErrStartFailed))
	}
}

// interpret handles the plugin's response. Invalid credentials prime the
// next cycle's forced refresh and suppress forwarding; otherwise every
// notification is posted individually under the plugin's appId.
func (o *Orchestrator) interpret(a *attempt, r helper.Response) {
	if r.InvalidAuth() {
		a.invalid = true
		a.log.Info("plugin reported invalid credentials")
		o.auth.MarkInvalid(a.job.Target.AccountID, a.job.Target.ServiceID)
		return
	}
	if r.Error != nil {
		a.log.Warn("plugin reported an error",
			logx.String("code", r.Error.Code),
			logx.String("message", r.Error.Message),
		)
	}
	for _, n := range r.Notifications {
		o.poster.Post(a.job.Descriptor.AppID, n)
		a.forwarded++
	}
}

func (o *Orchestrator) resolve(a *attempt, err error) {
	if a.resolved {
		return
	}
	a.resolved = true
	a.rec.InFlight = false

	outcome := outcomeOf(err)
	if err != nil && outcome != OutcomeInvalidAuth {
		a.log.Warn("poll failed", logx.String("outcome", outcome), logx.Err(err))
	} else {
		a.log.Debug("poll resolved", logx.String("outcome", outcome), logx.Int("notifications", a.forwarded))
	}

	ev := eventbus.TargetResolved{
		CycleID:       a.c.id,
		Target:        a.job.Target.event(),
		Outcome:       outcome,
		Notifications: a.forwarded,
		StartedAt:     a.started,
		Duration:      o.clock.Now().Sub(a.started),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	o.bus.Publish(eventbus.Event{Type: eventbus.TypeTargetResolved, Data: ev})

	o.release(a.c)
}

// release drops one pending unit. At zero, completion is posted rather than
// run, so it is ordered after every Post issued by closures already queued.
func (o *Orchestrator) release(c *cycle) {
	c.pending--
	if c.pending != 0 {
		return
	}
	o.loop.Post(func() { o.complete(c) })
}

func (o *Orchestrator) complete(c *cycle) {
	s := Summary{
		CycleID:    c.id,
		Jobs:       c.jobs,
		Dispatched: c.dispatched,
		Skipped:    c.skipped,
		Duration:   o.clock.Now().Sub(c.started),
	}
	c.log.Info("poll cycle complete",
		logx.Int("jobs", s.Jobs),
		logx.Int("dispatched", s.Dispatched),
		logx.Int("skipped", s.Skipped),
		logx.Duration("took", s.Duration),
	)
	o.bus.Publish(eventbus.Event{
		Type: eventbus.TypeCycleComplete,
		Data: eventbus.CycleComplete{CycleID: c.id, Dispatched: s.Dispatched, Skipped: s.Skipped, Duration: s.Duration},
	})
	for _, fn := range o.onComplete {
		fn(s)
	}
}
