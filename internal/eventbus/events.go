package eventbus

import "time"

// Poll lifecycle event types.
const (
	TypeCycleStarted   = "cycle.started"
	TypeTargetSkipped  = "target.skipped"
	TypeTargetResolved = "target.resolved"
	TypeCycleComplete  = "cycle.complete"
)

// Target identifies one account+service+plugin combination in event data.
type Target struct {
	AccountID uint32 `json:"account_id"`
	ServiceID string `json:"service_id"`
	PluginKey string `json:"plugin_key"`
}

type CycleStarted struct {
	CycleID string `json:"cycle_id"`
	Jobs    int    `json:"jobs"`
}

// TargetSkipped reports a target that was not dispatched. Reason is
// "interval" or "in_flight".
type TargetSkipped struct {
	CycleID string `json:"cycle_id"`
	Target  Target `json:"target"`
	Reason  string `json:"reason"`
}

// TargetResolved reports a dispatched target once it fully resolved.
// Outcome is one of the poll outcome names ("ok", "timeout", ...).
type TargetResolved struct {
	CycleID       string        `json:"cycle_id"`
	Target        Target        `json:"target"`
	Outcome       string        `json:"outcome"`
	Notifications int           `json:"notifications"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

type CycleComplete struct {
	CycleID    string        `json:"cycle_id"`
	Dispatched int           `json:"dispatched"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"`
}
