// Package dbus exports the poll trigger on the D-Bus session (or system)
// bus:
//
//	object    /com/ubuntu/AccountPolld
//	interface com.ubuntu.AccountPolld
//	method    Poll()   start a cycle, returns immediately
//	signal    Done()   emitted once per completed cycle
package dbus

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"accountpolld/internal/transport"
	logx "accountpolld/pkg/logx"
)

const (
	ServiceName = "com.ubuntu.AccountPolld"
	ObjectPath  = godbus.ObjectPath("/com/ubuntu/AccountPolld")
	Interface   = "com.ubuntu.AccountPolld"

	DoneSignal = Interface + ".Done"
	PollMethod = Interface + ".Poll"
)

// IntrospectXML describes the exported object.
const IntrospectXML = `<node>
  <interface name="` + Interface + `">
    <method name="Poll" />
    <signal name="Done" />
  </interface>` + introspect.IntrospectDataString + `</node>`

// ErrNameTaken means another process owns the bus name.
var ErrNameTaken = errors.New("bus name already owned")

// Connect opens a new connection to the "session"
// (default) or "system" bus.
func Connect(bus string) (*godbus.Conn, error) {
	var (
		conn *godbus.Conn
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(bus)) {
	case "", "session":
		conn, err = godbus.ConnectSessionBus()
	case "system":
		conn, err = godbus.ConnectSystemBus()
	default:
		return nil, errors.Newf("unknown bus %q", bus)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s bus", bus)
	}
	return conn, nil
}

// Server owns the exported object and the well-known name.
type Server struct {
	conn   *godbus.Conn
	name   string
	poller transport.Poller
	log    logx.Logger

	mu    sync.Mutex
	owned bool
}

var _ transport.Notifier = (*Server)(nil)

func NewServer(conn *godbus.Conn, name string, poller transport.Poller, log logx.Logger) *Server {
	if strings.TrimSpace(name) == "" {
		name = ServiceName
	}
	return &Server{conn: conn, name: name, poller: poller, log: log}
}

func (s *Server) Name() string { return s.name }

// Start exports the object, then claims the name. Clients can only reach
// the object once it is fully exported.
func (s *Server) Start() error {
	if err := s.conn.Export(handler{s}, ObjectPath, Interface); err != nil {
		return errors.Wrap(err, "export poll object")
	}
	if err := s.conn.Export(introspect.Introspectable(IntrospectXML), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return errors.Wrap(err, "export introspection")
	}

	reply, err := s.conn.RequestName(s.name, godbus.NameFlagDoNotQueue)
	if err != nil {
		s.unexport()
		return errors.Wrapf(err, "request name %s", s.name)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		s.unexport()
		return errors.Wrapf(ErrNameTaken, "%s", s.name)
	}

	s.mu.Lock()
	s.owned = true
	s.mu.Unlock()
	s.log.Info("bus name acquired", logx.String("name", s.name), logx.String("path", string(ObjectPath)))
	return nil
}

// Stop releases the name and removes the object.
func (s *Server) Stop() {
	s.mu.Lock()
	owned := s.owned
	s.owned = false
	s.mu.Unlock()

	if owned {
		if _, err := s.conn.ReleaseName(s.name); err != nil {
			s.log.Debug("release name failed", logx.Err(err))
		}
	}
	s.unexport()
}

func (s *Server) unexport() {
	_ = s.conn.Export(nil, ObjectPath, Interface)
	_ = s.conn.Export(nil, ObjectPath, "org.freedesktop.DBus.Introspectable")
}

// Done emits the Done signal. It must be called from the dispatch loop so
// that it follows every push post of the cycle on the connection.
func (s *Server) Done() error {
	if err := s.conn.Emit(ObjectPath, DoneSignal); err != nil {
		return errors.Wrap(err, "emit Done")
	}
	return nil
}

// handler carries only the exported method set.
type handler struct{ s *Server }

func (h handler) Poll() *godbus.Error {
	h.s.log.Debug("Poll requested over D-Bus")
	h.s.poller.RunCycle()
	return nil
}
