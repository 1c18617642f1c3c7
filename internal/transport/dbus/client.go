package dbus

import (
	"context"

	"github.com/cockroachdb/errors"
	godbus "github.com/godbus/dbus/v5"
)

// PollAndWait asks the daemon owning name to poll and waits for the next
// Done signal. Cycles are not identified on the bus, so an overlapping
// cycle started by someone else may end the wait first.
func PollAndWait(ctx context.Context, conn *godbus.Conn, name string) error {
	if name == "" {
		name = ServiceName
	}
	opts := []godbus.MatchOption{
		godbus.WithMatchObjectPath(ObjectPath),
		godbus.WithMatchInterface(Interface),
		godbus.WithMatchMember("Done"),
	}
	if err := conn.AddMatchSignalContext(ctx, opts...); err != nil {
		return errors.Wrap(err, "subscribe to Done")
	}
	defer func() { _ = conn.RemoveMatchSignal(opts...) }()

	signals := make(chan *godbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	call := conn.Object(name, ObjectPath).CallWithContext(ctx, PollMethod, 0)
	if call.Err != nil {
		return errors.Wrapf(call.Err, "call %s", PollMethod)
	}

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for Done")
		case sig, ok := <-signals:
			if !ok {
				return errors.New("bus connection closed")
			}
			if isDone(sig) {
				return nil
			}
		}
	}
}

func isDone(sig *godbus.Signal) bool {
	return sig != nil && sig.Path == ObjectPath && sig.Name == DoneSignal
}
