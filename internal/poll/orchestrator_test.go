package poll

import (
	"context"
	"testing"
	"time"

	"accountpolld/internal/accounts"
	"accountpolld/internal/auth"
	"accountpolld/internal/eventbus"
	"accountpolld/internal/registry"
)

func descriptor(key, exec, app string) registry.Descriptor {
	return registry.Descriptor{Key: key, Exec: exec, Profile: registry.Unconfined, AppID: app}
}

func mailStore() *fakeStore {
	return &fakeStore{
		accounts: map[uint32][]string{7: {"mail"}},
		usage:    map[string]map[string]string{"mailer": {"mail": "Mail"}},
	}
}

func TestCycleForwardsNotificationsBeforeCompletion(t *testing.T) {
	exec, requests := plugin(t, `{"notifications":[{"message":"hello"}]}`)
	h := newHarness(t, []registry.Descriptor{descriptor("mailer-plugin", exec, "mailer")}, mailStore())

	s := h.cycle()
	if s.Jobs != 1 || s.Dispatched != 1 || s.Skipped != 0 {
		t.Fatalf("summary = %+v", s)
	}
	h.noMoreCompletions()

	got := h.journal.snapshot()
	want := []string{`post mailer {"message":"hello"}`, "complete"}
	if len(got) != len(want) {
		t.Fatalf("journal = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("journal[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	reqs := readRequests(t, requests)
	if len(reqs) != 1 {
		t.Fatalf("requests = %v", reqs)
	}
	if reqs[0]["helperId"] != "mailer-plugin" || reqs[0]["appId"] != "mailer" || reqs[0]["accountId"] != float64(7) {
		t.Fatalf("request = %v", reqs[0])
	}
	if _, ok := reqs[0]["auth"]; ok {
		t.Fatalf("auth sent to a plugin that does not need it: %v", reqs[0])
	}
}

func TestCycleWithoutAccountsCompletes(t *testing.T) {
	exec, requests := plugin(t, `{}`)
	h := newHarness(t, []registry.Descriptor{descriptor("p", exec, "mailer")}, &fakeStore{})

	s := h.cycle()
	if s.Jobs != 0 || s.Dispatched != 0 {
		t.Fatalf("summary = %+v", s)
	}
	h.noMoreCompletions()
	if reqs := readRequests(t, requests); len(reqs) != 0 {
		t.Fatalf("plugin ran: %v", reqs)
	}
}

func TestCycleWithUnreadableRegistryCompletes(t *testing.T) {
	h := newHarness(t, nil, mailStore())
	h.onLoop(func() {
		h.orch.enum = NewEnumerator(staticRegistry{err: registry.ErrUnreadable}, mailStore(), h.orch.log)
	})

	if s := h.cycle(); s.Jobs != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if got := h.journal.snapshot(); len(got) != 1 || got[0] != "complete" {
		t.Fatalf("journal = %q", got)
	}
}

func TestIntervalGate(t *testing.T) {
	exec, requests := plugin(t, `{"notifications":[]}`)
	d := descriptor("p", exec, "mailer")
	d.Interval = time.Minute
	h := newHarness(t, []registry.Descriptor{d}, mailStore())

	if s := h.cycle(); s.Dispatched != 1 {
		t.Fatalf("first cycle = %+v", s)
	}

	h.clock.Advance(30 * time.Second)
	if s := h.cycle(); s.Dispatched != 0 || s.Skipped != 1 {
		t.Fatalf("cycle within interval = %+v", s)
	}
	if n := len(readRequests(t, requests)); n != 1 {
		t.Fatalf("plugin ran %d times within interval", n)
	}

	h.clock.Advance(30 * time.Second)
	if s := h.cycle(); s.Dispatched != 1 {
		t.Fatalf("cycle after interval = %+v", s)
	}
	if n := len(readRequests(t, requests)); n != 2 {
		t.Fatalf("plugin ran %d times, want 2", n)
	}

	target := Target{AccountID: 7, ServiceID: "mail", PluginKey: "p"}
	h.onLoop(func() {
		rec, ok := h.orch.Record(target)
		if !ok || rec.InFlight || !rec.LastPolledAt.Equal(h.clock.Now()) {
			t.Errorf("record = %+v, %v", rec, ok)
		}
	})
}

func TestInvalidAuthForcesRefreshAndStalls(t *testing.T) {
	exec, requests := plugin(t, `{"error":{"code":"ERR_INVALID_AUTH","message":"token expired"}}`)
	d := descriptor("p", exec, "mailer")
	d.NeedsAuthData = true
	h := newHarness(t, []registry.Descriptor{d}, mailStore())
	h.identity.desc = accounts.AuthDescriptor{
		Method:     "oauth2",
		Mechanism:  "web_server",
		Parameters: map[string]any{"ClientId": "cid", "ClientSecret": "secret"},
	}
	h.identity.reply = map[string]any{"AccessToken": "tok"}

	resolved, unsub := h.bus.Subscribe(32)
	defer unsub()

	h.cycle()
	if got := h.journal.snapshot(); len(got) != 1 || got[0] != "complete" {
		t.Fatalf("invalid auth response forwarded: %q", got)
	}
	h.onLoop(func() {
		if p := h.coord.Phase(7, "mail"); p != auth.NeedsRefresh {
			t.Errorf("phase = %v, want NeedsRefresh", p)
		}
	})

	reqs := readRequests(t, requests)
	if len(reqs) != 1 {
		t.Fatalf("requests = %v", reqs)
	}
	creds, _ := reqs[0]["auth"].(map[string]any)
	if creds["AccessToken"] != "tok" || creds["ClientId"] != "cid" || creds["ClientSecret"] != "secret" {
		t.Fatalf("auth payload = %v", reqs[0]["auth"])
	}

	// The identity provider hands back the same token: the poll is dropped.
	h.cycle()
	if n := len(readRequests(t, requests)); n != 1 {
		t.Fatalf("plugin launched after a stalled refresh (%d runs)", n)
	}
	h.onLoop(func() {
		if p := h.coord.Phase(7, "mail"); p != auth.Stalled {
			t.Errorf("phase = %v, want Stalled", p)
		}
	})

	// Stalled behaves like fresh: no forced refresh, the plugin runs again.
	h.cycle()
	if n := len(readRequests(t, requests)); n != 2 {
		t.Fatalf("plugin runs = %d, want 2", n)
	}

	forced := h.identity.forced()
	want := []bool{false, true, false}
	if len(forced) != len(want) {
		t.Fatalf("forced = %v, want %v", forced, want)
	}
	for i := range want {
		if forced[i] != want[i] {
			t.Fatalf("forced = %v, want %v", forced, want)
		}
	}

	var outcomes []string
	for {
		select {
		case ev := <-resolved:
			if r, ok := ev.Data.(eventbus.TargetResolved); ok {
				outcomes = append(outcomes, r.Outcome)
			}
			continue
		default:
		}
		break
	}
	wantOutcomes := []string{OutcomeInvalidAuth, OutcomeAuthStalled, OutcomeInvalidAuth}
	if len(outcomes) != len(wantOutcomes) {
		t.Fatalf("outcomes = %v, want %v", outcomes, wantOutcomes)
	}
	for i := range wantOutcomes {
		if outcomes[i] != wantOutcomes[i] {
			t.Fatalf("outcomes = %v, want %v", outcomes, wantOutcomes)
		}
	}
}

func TestSingleCompletionWithMixedOutcomes(t *testing.T) {
	okExec, _ := plugin(t, `{"notifications":[{"n":1},{"n":2}]}`)
	badExec, _ := plugin(t, `not json`)
	store := &fakeStore{
		accounts: map[uint32][]string{1: {"mail"}, 2: {"mail"}, 3: {"mail"}},
		usage: map[string]map[string]string{
			"good": {"mail": "yes"},
			"bad":  {"mail": "yes"},
		},
	}
	descs := []registry.Descriptor{
		descriptor("a-good", okExec, "good"),
		descriptor("b-bad", badExec, "bad"),
		descriptor("c-missing", "/nonexistent/plugin", "good"),
	}
	h := newHarness(t, descs, store)

	s := h.cycle()
	if s.Jobs != 9 || s.Dispatched != 9 {
		t.Fatalf("summary = %+v", s)
	}
	h.noMoreCompletions()

	got := h.journal.snapshot()
	if len(got) != 7 || got[len(got)-1] != "complete" {
		t.Fatalf("journal = %q", got)
	}
	for _, e := range got[:6] {
		if e != `post good {"n":1}` && e != `post good {"n":2}` {
			t.Fatalf("unexpected entry %q", e)
		}
	}
}

func TestOverlappingCycleSkipsInFlightTarget(t *testing.T) {
	slow := descriptor("p", "sleep 30", "mailer")
	h := newHarness(t, []registry.Descriptor{slow}, mailStore())

	h.orch.RunCycle()
	h.clock.WaitForTimers(1)

	second := h.cycle()
	if second.Dispatched != 0 || second.Skipped != 1 {
		t.Fatalf("overlapping cycle = %+v", second)
	}

	h.clock.Advance(10 * time.Second)
	first := h.wait()
	if first.Dispatched != 1 {
		t.Fatalf("first cycle = %+v", first)
	}
	if first.CycleID == second.CycleID {
		t.Fatalf("cycles share id %q", first.CycleID)
	}
	h.noMoreCompletions()
}

func TestShutdownKillsRunningPlugins(t *testing.T) {
	h := newHarness(t, []registry.Descriptor{descriptor("p", "sleep 30", "mailer")}, mailStore())

	h.orch.RunCycle()
	h.clock.WaitForTimers(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := h.orch.Shutdown(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Shutdown = %d, %v", n, err)
	}
	if s := h.wait(); s.Dispatched != 1 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestForcedRefreshServesEveryPluginOfService(t *testing.T) {
	execA, requestsA := plugin(t, `{"notifications":[{"from":"a"}]}`)
	execB, requestsB := plugin(t, `{"notifications":[{"from":"b"}]}`)
	a := descriptor("a", execA, "mailer")
	a.NeedsAuthData = true
	b := descriptor("b", execB, "mailer")
	b.NeedsAuthData = true
	h := newHarness(t, []registry.Descriptor{a, b}, mailStore())
	h.identity.reply = map[string]any{"AccessToken": "old"}

	h.cycle()
	h.onLoop(func() { h.coord.MarkInvalid(7, "mail") })
	h.identity.mu.Lock()
	h.identity.reply = map[string]any{"AccessToken": "new"}
	h.identity.mu.Unlock()

	s := h.cycle()
	if s.Dispatched != 2 {
		t.Fatalf("summary = %+v", s)
	}
	for _, path := range []string{requestsA, requestsB} {
		reqs := readRequests(t, path)
		if len(reqs) != 2 {
			t.Fatalf("%s: runs = %d, want 2", path, len(reqs))
		}
		creds, _ := reqs[1]["auth"].(map[string]any)
		if creds["AccessToken"] != "new" {
			t.Fatalf("%s: auth = %v", path, reqs[1]["auth"])
		}
	}
	h.onLoop(func() {
		if p := h.coord.Phase(7, "mail"); p != auth.Fresh {
			t.Errorf("phase = %v, want Fresh", p)
		}
	})

	forced := h.identity.forced()
	want := []bool{false, false, true, true}
	if len(forced) != len(want) {
		t.Fatalf("forced = %v, want %v", forced, want)
	}
	for i := range want {
		if forced[i] != want[i] {
			t.Fatalf("forced = %v, want %v", forced, want)
		}
	}
}
