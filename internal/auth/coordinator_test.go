package auth

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"accountpolld/internal/accounts"
	logx "accountpolld/pkg/logx"
)

type fakeIdentity struct {
	mu       sync.Mutex
	desc     accounts.AuthDescriptor
	replies  []map[string]any
	err      error
	requests []accounts.SessionRequest
}

func (f *fakeIdentity) AuthDescriptor(context.Context, uint32, string) (accounts.AuthDescriptor, error) {
	return f.desc, nil
}

func (f *fakeIdentity) Authenticate(_ context.Context, _ uint32, _ string, req accounts.SessionRequest) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r, nil
}

func (f *fakeIdentity) lastRequest(t *testing.T) accounts.SessionRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatalf("no requests made")
	}
	return f.requests[len(f.requests)-1]
}

// obtain runs one Obtain and drains the posted completion, the way the
// dispatch loop would.
func obtain(t *testing.T, c *Coordinator, queue chan func()) Result {
	t.Helper()
	var got *Result
	c.Obtain(context.Background(), 1, "mail", func(r Result) { got = &r })
	select {
	case fn := <-queue:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatalf("completion never posted")
	}
	if got == nil {
		t.Fatalf("done not called")
	}
	return *got
}

func newTestCoordinator(id accounts.Identity) (*Coordinator, chan func()) {
	queue := make(chan func(), 4)
	return NewCoordinator(id, func(fn func()) { queue <- fn }, logx.Nop()), queue
}

func TestObtainAlwaysDisablesUserInteraction(t *testing.T) {
	id := &fakeIdentity{replies: []map[string]any{{"AccessToken": "a"}}}
	c, q := newTestCoordinator(id)

	res := obtain(t, c, q)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	req := id.lastRequest(t)
	if req.UIPolicy != accounts.UIPolicyNoUserInteraction || req.ForceTokenRefresh {
		t.Fatalf("request = %+v", req)
	}
}

func TestRefreshStateMachine(t *testing.T) {
	id := &fakeIdentity{replies: []map[string]any{
		{"AccessToken": "a"},
		{"AccessToken": "a"}, // forced refresh, unchanged: stall
		{"AccessToken": "a"}, // stalled behaves as fresh
		{"AccessToken": "b"}, // forced refresh, new token
	}}
	c, q := newTestCoordinator(id)

	if res := obtain(t, c, q); res.Err != nil || res.Credentials["AccessToken"] != "a" {
		t.Fatalf("first = %+v", res)
	}

	c.MarkInvalid(1, "mail")
	if c.Phase(1, "mail") != NeedsRefresh {
		t.Fatalf("phase = %v", c.Phase(1, "mail"))
	}
	res := obtain(t, c, q)
	if !errors.Is(res.Err, ErrAuthStalled) || res.Credentials != nil {
		t.Fatalf("expected stall, got %+v", res)
	}
	if !id.lastRequest(t).ForceTokenRefresh {
		t.Fatalf("refresh was not forced")
	}
	if c.Phase(1, "mail") != Stalled {
		t.Fatalf("phase = %v", c.Phase(1, "mail"))
	}

	res = obtain(t, c, q)
	if res.Err != nil || id.lastRequest(t).ForceTokenRefresh {
		t.Fatalf("stalled state must behave as fresh: %+v force=%v", res, id.lastRequest(t).ForceTokenRefresh)
	}

	c.MarkInvalid(1, "mail")
	res = obtain(t, c, q)
	if res.Err != nil || res.Credentials["AccessToken"] != "b" {
		t.Fatalf("new token after refresh: %+v", res)
	}
	if c.Phase(1, "mail") != Fresh {
		t.Fatalf("phase = %v", c.Phase(1, "mail"))
	}
}

func TestStallComparesCanonicalJSON(t *testing.T) {
	// Same content, different construction order.
	first := map[string]any{"AccessToken": "a", "ExpiresIn": 3600}
	second := map[string]any{"ExpiresIn": 3600, "AccessToken": "a"}
	id := &fakeIdentity{replies: []map[string]any{first, second}}
	c, q := newTestCoordinator(id)

	obtain(t, c, q)
	c.MarkInvalid(1, "mail")
	if res := obtain(t, c, q); !errors.Is(res.Err, ErrAuthStalled) {
		t.Fatalf("expected stall, got %+v", res)
	}
}

func TestFailureLeavesStateUntouched(t *testing.T) {
	id := &fakeIdentity{replies: []map[string]any{{"AccessToken": "a"}}}
	c, q := newTestCoordinator(id)
	obtain(t, c, q)
	c.MarkInvalid(1, "mail")

	id.err = errors.New("network down")
	res := obtain(t, c, q)
	if !errors.Is(res.Err, ErrAuthFailed) {
		t.Fatalf("err = %v", res.Err)
	}
	if c.Phase(1, "mail") != NeedsRefresh {
		t.Fatalf("phase changed on failure: %v", c.Phase(1, "mail"))
	}
}

func TestNormalize(t *testing.T) {
	params := map[string]any{
		"ClientId": "cid", "ClientSecret": "csec",
		"ConsumerKey": "ck", "ConsumerSecret": "csk",
		"host": "coolmail.ex",
	}
	reply := map[string]any{"AccessToken": "tok"}

	cases := []struct {
		mechanism string
		want      map[string]any
	}{
		{"web_server", map[string]any{"AccessToken": "tok", "ClientId": "cid", "ClientSecret": "csec"}},
		{"user_agent", map[string]any{"AccessToken": "tok", "ClientId": "cid", "ClientSecret": "csec"}},
		{"HMAC-SHA1", map[string]any{"AccessToken": "tok", "ConsumerKey": "ck", "ConsumerSecret": "csk"}},
		{"PLAINTEXT", map[string]any{"AccessToken": "tok", "ConsumerKey": "ck", "ConsumerSecret": "csk"}},
		{"RSA-SHA1", map[string]any{"AccessToken": "tok", "ConsumerKey": "ck", "ConsumerSecret": "csk"}},
		{"password", map[string]any{"AccessToken": "tok"}},
	}
	for _, tc := range cases {
		got := Normalize(accounts.AuthDescriptor{Mechanism: tc.mechanism, Parameters: params}, reply)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.mechanism, got, tc.want)
		}
	}
	if len(reply) != 1 {
		t.Fatalf("Normalize mutated its input: %v", reply)
	}
}

// obtainPair issues two Obtain calls before either reply is handled, like two
// plugins bound to one account service in the same cycle.
func obtainPair(t *testing.T, c *Coordinator, queue chan func()) [2]Result {
	t.Helper()
	var got [2]*Result
	for i := range got {
		c.Obtain(context.Background(), 1, "mail", func(r Result) { got[i] = &r })
	}
	for range got {
		select {
		case fn := <-queue:
			fn()
		case <-time.After(2 * time.Second):
			t.Fatalf("completion never posted")
		}
	}
	var out [2]Result
	for i, r := range got {
		if r == nil {
			t.Fatalf("done %d not called", i)
		}
		out[i] = *r
	}
	return out
}

func TestConcurrentRefreshSharesNewToken(t *testing.T) {
	id := &fakeIdentity{replies: []map[string]any{{"AccessToken": "old"}, {"AccessToken": "new"}}}
	c, q := newTestCoordinator(id)
	obtain(t, c, q)
	c.MarkInvalid(1, "mail")

	for i, res := range obtainPair(t, c, q) {
		if res.Err != nil || res.Credentials["AccessToken"] != "new" {
			t.Fatalf("obtain %d = %+v", i, res)
		}
	}
	if p := c.Phase(1, "mail"); p != Fresh {
		t.Fatalf("phase = %v, want Fresh", p)
	}
	for i, req := range id.requests[1:] {
		if !req.ForceTokenRefresh {
			t.Fatalf("request %d not forced", i+1)
		}
	}
}

func TestConcurrentRefreshBothStallOnUnchangedToken(t *testing.T) {
	id := &fakeIdentity{replies: []map[string]any{{"AccessToken": "old"}}}
	c, q := newTestCoordinator(id)
	obtain(t, c, q)
	c.MarkInvalid(1, "mail")

	for i, res := range obtainPair(t, c, q) {
		if !errors.Is(res.Err, ErrAuthStalled) {
			t.Fatalf("obtain %d = %+v, want stall", i, res)
		}
	}
	if p := c.Phase(1, "mail"); p != Stalled {
		t.Fatalf("phase = %v, want Stalled", p)
	}
}
