// Package transport holds what trigger transports share with the poll
// engine.
package transport

// Poller starts a poll cycle without waiting for it.
type Poller interface {
	RunCycle()
}

// Notifier announces the end of a poll cycle to the transport's clients.
type Notifier interface {
	Done() error
}

// PollerFunc adapts a function to Poller.
type PollerFunc func()

func (f PollerFunc) RunCycle() { f() }
