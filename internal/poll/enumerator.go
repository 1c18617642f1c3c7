package poll

import (
	"context"

	"accountpolld/internal/accounts"
	"accountpolld/internal/eventbus"
	"accountpolld/internal/registry"
	logx "accountpolld/pkg/logx"
)

// Target is the unit of scheduling and interval gating.
type Target struct {
	AccountID uint32
	ServiceID string
	PluginKey string
}

func (t Target) event() eventbus.Target {
	return eventbus.Target{AccountID: t.AccountID, ServiceID: t.ServiceID, PluginKey: t.PluginKey}
}

func (t Target) fields() []logx.Field {
	return []logx.Field{
		logx.Uint32("account", t.AccountID),
		logx.String("service", t.ServiceID),
		logx.String("plugin", t.PluginKey),
	}
}

// Job pairs a target with the descriptor that polls it.
type Job struct {
	Target     Target
	Descriptor registry.Descriptor
}

// RegistryLoader returns the current plugin registry.
type RegistryLoader interface {
	Load() (*registry.Registry, error)
}

// Enumerator lists the jobs of a cycle. It performs blocking reads and is
// run off the dispatch goroutine.
type Enumerator struct {
	registry RegistryLoader
	store    accounts.Store
	log      logx.Logger
}

func NewEnumerator(reg RegistryLoader, store accounts.Store, log logx.Logger) *Enumerator {
	return &Enumerator{registry: reg, store: store, log: log}
}

// Enumerate emits one job per enabled account, enabled service and
// registry descriptor (in key order) such that the descriptor's service
// list is empty or names the service, and the store reports a non-empty
// usage of the service by the descriptor's application.
//
// It never fails: an unreadable registry or account list yields no jobs,
// and a failing account is skipped.
func (e *Enumerator) Enumerate(ctx context.Context) []Job {
	reg, err := e.registry.Load()
	if err != nil {
		e.log.Warn("plugin registry unavailable", logx.Err(err))
		return nil
	}
	for _, d := range reg.Dropped {
		e.log.Warn("incomplete plugin data; entry dropped",
			logx.String("plugin", d.Key),
			logx.String("reason", d.Reason),
		)
	}
	if len(reg.Descriptors) == 0 {
		return nil
	}

	ids, err := e.store.EnabledAccounts(ctx)
	if err != nil {
		e.log.Warn("cannot list accounts", logx.Err(err))
		return nil
	}

	var jobs []Job
	for _, id := range ids {
		services, err := e.store.EnabledServices(ctx, id)
		if err != nil {
			e.log.Warn("cannot list account services; skipping account", logx.Uint32("account", id), logx.Err(err))
			continue
		}
		for _, svc := range services {
			for _, d := range reg.Descriptors {
				if !d.MatchesService(svc) {
					continue
				}
				usage, err := e.store.ServiceUsage(ctx, d.AppID, svc)
				if err != nil {
					e.log.Warn("service usage lookup failed",
						logx.String("app_id", d.AppID), logx.String("service", svc), logx.Err(err))
					continue
				}
				if usage == "" {
					continue
				}
				jobs = append(jobs, Job{
					Target:     Target{AccountID: id, ServiceID: svc, PluginKey: d.Key},
					Descriptor: d,
				})
			}
		}
	}
	return jobs
}
