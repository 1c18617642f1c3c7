package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"accountpolld/internal/accounts"
	"accountpolld/internal/auth"
	"accountpolld/internal/clock"
	"accountpolld/internal/eventbus"
	"accountpolld/internal/helper"
	"accountpolld/internal/registry"
	logx "accountpolld/pkg/logx"
)

type staticRegistry struct {
	reg *registry.Registry
	err error
}

func (s staticRegistry) Load() (*registry.Registry, error) { return s.reg, s.err }

type fakeStore struct {
	accounts map[uint32][]string
	usage    map[string]map[string]string
	failing  map[uint32]bool
}

func (f *fakeStore) EnabledAccounts(context.Context) ([]uint32, error) {
	var ids []uint32
	for id := range f.accounts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (f *fakeStore) EnabledServices(_ context.Context, id uint32) ([]string, error) {
	if f.failing[id] {
		return nil, fmt.Errorf("account %d unreadable", id)
	}
	return f.accounts[id], nil
}

func (f *fakeStore) ServiceUsage(_ context.Context, app, svc string) (string, error) {
	return f.usage[app][svc], nil
}

type fakeIdentity struct {
	mu       sync.Mutex
	desc     accounts.AuthDescriptor
	reply    map[string]any
	requests []accounts.SessionRequest
}

func (f *fakeIdentity) AuthDescriptor(context.Context, uint32, string) (accounts.AuthDescriptor, error) {
	return f.desc, nil
}

func (f *fakeIdentity) Authenticate(_ context.Context, _ uint32, _ string, req accounts.SessionRequest) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	out := map[string]any{}
	for k, v := range f.reply {
		out[k] = v
	}
	return out, nil
}

func (f *fakeIdentity) forced() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bool
	for _, r := range f.requests {
		out = append(out, r.ForceTokenRefresh)
	}
	return out
}

// journal records posts and completions in the order they happened on the
// loop.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) Post(appID string, payload json.RawMessage) {
	j.add("post " + appID + " " + string(payload))
}

type harness struct {
	t        *testing.T
	clock    *clock.FakeClock
	loop     *Loop
	orch     *Orchestrator
	coord    *auth.Coordinator
	identity *fakeIdentity
	journal  *journal
	bus      *eventbus.MemBus
	done     chan Summary
}

func newHarness(t *testing.T, descs []registry.Descriptor, store accounts.Store) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := logx.Nop()
	h := &harness{
		t:        t,
		clock:    clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		loop:     NewLoop(log),
		identity: &fakeIdentity{},
		journal:  &journal{},
		bus:      eventbus.New(),
		done:     make(chan Summary, 8),
	}
	go func() { _ = h.loop.Run(ctx) }()

	h.coord = auth.NewCoordinator(h.identity, h.loop.Post, log)
	h.orch = New(ctx, Deps{
		Loop:       h.loop,
		Enumerator: NewEnumerator(staticRegistry{reg: &registry.Registry{Descriptors: descs}}, store, log),
		Auth:       h.coord,
		Launcher:   helper.NewLauncher(helper.Config{Timeout: 10 * time.Second}, h.loop.Post, helper.WithClock(h.clock)),
		Poster:     h.journal,
		Bus:        h.bus,
		Clock:      h.clock,
		Log:        log,
	})
	h.orch.OnComplete(func(s Summary) {
		h.journal.add("complete")
		h.done <- s
	})
	return h
}

func (h *harness) cycle() Summary {
	h.t.Helper()
	h.orch.RunCycle()
	return h.wait()
}

func (h *harness) wait() Summary {
	h.t.Helper()
	select {
	case s := <-h.done:
		return s
	case <-time.After(15 * time.Second):
		h.t.Fatalf("cycle never completed")
	}
	return Summary{}
}

func (h *harness) noMoreCompletions() {
	h.t.Helper()
	select {
	case s := <-h.done:
		h.t.Fatalf("unexpected extra completion %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func (h *harness) onLoop(fn func()) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.loop.Call(ctx, fn); err != nil {
		h.t.Fatalf("loop call: %v", err)
	}
}

// plugin writes a helper script that logs each request line next to itself
// and prints reply.
func plugin(t *testing.T, reply string) (exec, requests string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "plugin.sh")
	body := "#!/bin/sh\nIFS= read -r line\nprintf '%s\\n' \"$line\" >> \"$0.requests\"\ncat <<'JSON'\n" + reply + "\nJSON\n"
	if err := os.WriteFile(p, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return p, p + ".requests"
}

func readRequests(t *testing.T, path string) []map[string]any {
	t.Helper()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("request %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}
