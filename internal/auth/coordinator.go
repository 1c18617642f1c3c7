// Package auth obtains plugin credentials from the identity provider and
// decides when a token refresh must be forced.
//
// A Coordinator is owned by the poll dispatch goroutine: Obtain and
// MarkInvalid must be called from it, and completion callbacks are posted
// back to it. Provider calls run on their own goroutines.
package auth

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"accountpolld/internal/accounts"
	logx "accountpolld/pkg/logx"
)

var (
	// ErrAuthFailed marks an identity provider error. The poll is abandoned
	// for this cycle and the refresh state is left as it was.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrAuthStalled reports a forced refresh that produced the same reply
	// as the one already rejected by the plugin.
	ErrAuthStalled = errors.New("authentication stalled: forced refresh returned unchanged credentials")
)

// Phase is the refresh state of one account service.
type Phase int

const (
	Fresh Phase = iota
	NeedsRefresh
	// Stalled behaves like Fresh on the next request.
	Stalled
)

func (p Phase) String() string {
	switch p {
	case Fresh:
		return "fresh"
	case NeedsRefresh:
		return "needs_refresh"
	case Stalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// Key identifies an account service.
type Key struct {
	AccountID uint32
	ServiceID string
}

// State is kept for the daemon's lifetime.
type State struct {
	Phase Phase
	// LastReply is the canonical JSON of the last accepted provider reply.
	LastReply []byte
}

// Result is delivered to the Obtain callback exactly once.
type Result struct {
	// Credentials is the normalized reply to hand to the plugin.
	Credentials map[string]any
	Err         error
}

// Coordinator drives authentication exchanges.
type Coordinator struct {
	identity accounts.Identity
	post     func(func())
	log      logx.Logger

	states map[Key]*State
}

// NewCoordinator returns a Coordinator. post must enqueue fn on the
// goroutine that owns the coordinator.
func NewCoordinator(identity accounts.Identity, post func(func()), log logx.Logger) *Coordinator {
	return &Coordinator{
		identity: identity,
		post:     post,
		log:      log,
		states:   map[Key]*State{},
	}
}

func (c *Coordinator) state(k Key) *State {
	st, ok := c.states[k]
	if !ok {
		st = &State{}
		c.states[k] = st
	}
	return st
}

// Phase returns the current phase of an account service.
func (c *Coordinator) Phase(account uint32, service string) Phase {
	if st, ok := c.states[Key{account, service}]; ok {
		return st.Phase
	}
	return Fresh
}

// MarkInvalid records that a plugin rejected the credentials it was given.
// The next Obtain for the account service forces a token refresh.
func (c *Coordinator) MarkInvalid(account uint32, service string) {
	st := c.state(Key{account, service})
	st.Phase = NeedsRefresh
	c.log.Debug("credentials marked invalid",
		logx.Uint32("account", account),
		logx.String("service", service),
	)
}

// Obtain asks the identity provider for credentials and calls done on the
// owning goroutine with the outcome.
func (c *Coordinator) Obtain(ctx context.Context, account uint32, service string, done func(Result)) {
	key := Key{account, service}
	force := c.state(key).Phase == NeedsRefresh

	go func() {
		desc, reply, err := c.exchange(ctx, account, service, force)
		c.post(func() { done(c.resolve(key, force, desc, reply, err)) })
	}()
}

func (c *Coordinator) exchange(ctx context.Context, account uint32, service string, force bool) (accounts.AuthDescriptor, map[string]any, error) {
	desc, err := c.identity.AuthDescriptor(ctx, account, service)
	if err != nil {
		return desc, nil, errors.Wrap(err, "auth descriptor")
	}
	reply, err := c.identity.Authenticate(ctx, account, service, accounts.SessionRequest{
		Descriptor:        desc,
		UIPolicy:          accounts.UIPolicyNoUserInteraction,
		ForceTokenRefresh: force,
	})
	if err != nil {
		return desc, nil, errors.Wrap(err, "authenticate")
	}
	return desc, reply, nil
}

func (c *Coordinator) resolve(key Key, forced bool, desc accounts.AuthDescriptor, reply map[string]any, err error) Result {
	log := c.log.With(logx.Uint32("account", key.AccountID), logx.String("service", key.ServiceID))
	if err != nil {
		log.Warn("authentication error", logx.Err(err))
		return Result{Err: errors.Mark(err, ErrAuthFailed)}
	}

	canon, err := json.Marshal(reply)
	if err != nil {
		log.Warn("authentication reply not serializable", logx.Err(err))
		return Result{Err: errors.Mark(errors.Wrap(err, "encode reply"), ErrAuthFailed)}
	}

	// The phase is read at reply time: a sibling request for the same
	// account service may already have accepted a new token.
	st := c.state(key)
	refreshing := st.Phase == NeedsRefresh || (forced && st.Phase == Stalled)
	if refreshing && st.LastReply != nil && bytes.Equal(canon, st.LastReply) {
		st.Phase = Stalled
		log.Info("forced token refresh returned the same credentials; skipping poll")
		return Result{Err: ErrAuthStalled}
	}

	st.Phase = Fresh
	st.LastReply = canon
	return Result{Credentials: Normalize(desc, reply)}
}
