package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultKeep is the number of history entries retained by either driver.
const DefaultKeep = 10000

// Config configures storage.
//
// Driver values:
//   - "file": JSON lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty, "none", "off" or "disabled", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Keep        int           // 0 means DefaultKeep
}

func (c Config) keep() int {
	if c.Keep > 0 {
		return c.Keep
	}
	return DefaultKeep
}

// Entry is one resolved poll.
type Entry struct {
	At            time.Time `json:"at"`
	CycleID       string    `json:"cycle_id"`
	AccountID     uint32    `json:"account_id"`
	ServiceID     string    `json:"service_id"`
	PluginKey     string    `json:"plugin_key"`
	Outcome       string    `json:"outcome"`
	Notifications int       `json:"notifications"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}
