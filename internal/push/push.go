// Package push forwards plugin notifications to the push service.
package push

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	logx "accountpolld/pkg/logx"
)

const (
	PostalService   = "com.ubuntu.Postal"
	PostalInterface = "com.ubuntu.Postal"
	PostalPathBase  = "/com/ubuntu/Postal/"
)

// Poster delivers one notification. Delivery is fire-and-forget: Post
// returns once the message is queued and never waits for the receiver.
type Poster interface {
	Post(appID string, payload json.RawMessage)
}

// ObjectPath returns the Postal object for appID. The package part (up to
// the first '_') is used, with characters that are not valid in object
// paths written as _xx hex escapes.
func ObjectPath(appID string) dbus.ObjectPath {
	pkg, _, _ := strings.Cut(appID, "_")

	var b strings.Builder
	b.WriteString(PostalPathBase)
	for i := 0; i < len(pkg); i++ {
		switch c := pkg[i]; c {
		case '+', '.', '-', ':', '~', '_':
			fmt.Fprintf(&b, "_%02x", c)
		default:
			b.WriteByte(c)
		}
	}
	return dbus.ObjectPath(b.String())
}

// Postal posts to com.ubuntu.Postal on a bus connection.
type Postal struct {
	conn *dbus.Conn
	log  logx.Logger
}

func NewPostal(conn *dbus.Conn, log logx.Logger) *Postal {
	return &Postal{conn: conn, log: log}
}

func (p *Postal) Post(appID string, payload json.RawMessage) {
	path := ObjectPath(appID)
	call := p.conn.Object(PostalService, path).Go(
		PostalInterface+".Post", dbus.FlagNoReplyExpected, nil,
		appID, string(payload),
	)
	if call != nil && call.Err != nil {
		p.log.Warn("push post failed",
			logx.String("app_id", appID),
			logx.String("path", string(path)),
			logx.Err(call.Err),
		)
		return
	}
	p.log.Debug("push posted", logx.String("app_id", appID), logx.Int("bytes", len(payload)))
}

// LogPoster only logs; used when no push service is configured.
type LogPoster struct {
	Log logx.Logger
}

func (p LogPoster) Post(appID string, payload json.RawMessage) {
	p.Log.Info("notification", logx.String("app_id", appID), logx.String("payload", string(payload)))
}
