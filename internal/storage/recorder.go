package storage

import (
	"context"
	"time"

	"accountpolld/internal/eventbus"
	logx "accountpolld/pkg/logx"
)

// Recorder persists target.resolved events. It reads from its own bus
// subscription, so a slow disk drops history rather than stalling polls.
type Recorder struct {
	store Store
	log   logx.Logger

	events <-chan eventbus.Event
	unsub  func()
}

// NewRecorder subscribes to bus immediately so that events published before
// Run starts are kept.
func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	ch, unsub := bus.Subscribe(256)
	return &Recorder{store: store, log: log, events: ch, unsub: unsub}
}

// Run writes history until ctx ends or the subscription closes.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-r.events:
			if !ok {
				return nil
			}
			res, isResolved := ev.Data.(eventbus.TargetResolved)
			if !isResolved {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := r.store.Append(wctx, EntryFrom(res)); err != nil {
				r.log.Warn("history append failed", logx.String("cycle", res.CycleID), logx.Err(err))
			}
			cancel()
		}
	}
}

// EntryFrom converts a resolved-target event into a history entry.
func EntryFrom(r eventbus.TargetResolved) Entry {
	return Entry{
		At:            r.StartedAt,
		CycleID:       r.CycleID,
		AccountID:     r.Target.AccountID,
		ServiceID:     r.Target.ServiceID,
		PluginKey:     r.Target.PluginKey,
		Outcome:       r.Outcome,
		Notifications: r.Notifications,
		Error:         r.Error,
		TookMS:        r.Duration.Milliseconds(),
	}
}
