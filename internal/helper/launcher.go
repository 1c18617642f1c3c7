// Package helper launches and supervises plugin processes.
//
// Each poll runs one short-lived child. The child receives one request line
// on stdin and answers with one JSON document on stdout; stderr goes to the
// daemon log. A lifetime timer escalates from SIGTERM to SIGKILL.
//
// All process events are delivered through the post function given to the
// Launcher, so callers observe them on a single goroutine in order.
package helper

import (
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
	"mvdan.cc/sh/v3/shell"

	"accountpolld/internal/clock"
	"accountpolld/internal/registry"
	logx "accountpolld/pkg/logx"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultGrace   = time.Second

	// ProfilePlaceholder in the launcher argv is replaced by the plugin's
	// confinement profile.
	ProfilePlaceholder = "{profile}"
)

// Config controls how plugins are started.
type Config struct {
	// Launcher is the confinement argv prefix; confined plugins run as
	// Launcher + exec fields.
	Launcher []string
	Timeout  time.Duration
	Grace    time.Duration
}

// DefaultLauncher returns the click confinement helper argv prefix.
func DefaultLauncher() []string {
	return []string{"aa-exec-click", "-p", ProfilePlaceholder, "--"}
}

func (c Config) withDefaults() Config {
	if len(c.Launcher) == 0 {
		c.Launcher = DefaultLauncher()
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	return c
}

// Spec names the plugin to run.
type Spec struct {
	Exec    string
	Profile string
}

// SpecFor returns the launch spec of a registry descriptor.
func SpecFor(d registry.Descriptor) Spec {
	return Spec{Exec: d.Exec, Profile: d.Profile}
}

// Handlers receive process events on the post goroutine.
type Handlers struct {
	// Started fires once the process is running; Send is legal from here on.
	Started func(p *Process)
	// Response fires at most once, with the first complete JSON object.
	Response func(p *Process, r Response)
	// Terminated fires exactly once for every started process.
	Terminated func(p *Process, e Exit)
}

// SignalFunc delivers sig to the process group led by pid.
type SignalFunc func(pid int, sig unix.Signal) error

func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// not a group leader (yet); fall back to the process itself
		err = unix.Kill(pid, sig)
	}
	return err
}

type Option func(*Launcher)

func WithClock(c clock.Clock) Option { return func(l *Launcher) { l.clock = c } }

func WithLogger(log logx.Logger) Option { return func(l *Launcher) { l.log = log } }

// WithSignal replaces signal delivery.
func WithSignal(fn SignalFunc) Option { return func(l *Launcher) { l.signal = fn } }

// WithEnv sets the child environment (default: the daemon's).
func WithEnv(env []string) Option { return func(l *Launcher) { l.env = env } }

// Launcher starts plugin processes. Its methods must be called on the post
// goroutine.
type Launcher struct {
	cfg    Config
	post   func(func())
	clock  clock.Clock
	log    logx.Logger
	signal SignalFunc
	env    []string

	live map[int]*Process
}

func NewLauncher(cfg Config, post func(func()), opts ...Option) *Launcher {
	l := &Launcher{
		cfg:    cfg.withDefaults(),
		post:   post,
		clock:  clock.Real(),
		signal: signalGroup,
		live:   map[int]*Process{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetConfig applies new settings to processes started afterwards.
func (l *Launcher) SetConfig(cfg Config) { l.cfg = cfg.withDefaults() }

func (l *Launcher) Config() Config { return l.cfg }

// Command returns the argv used to run spec.
func (l *Launcher) Command(spec Spec) ([]string, error) {
	fields, err := shell.Fields(spec.Exec, os.Getenv)
	if err != nil {
		return nil, errors.Wrapf(err, "parse exec line %q", spec.Exec)
	}
	if len(fields) == 0 {
		return nil, errors.Newf("empty exec line")
	}
	if spec.Profile == registry.Unconfined {
		return fields, nil
	}

	argv := make([]string, 0, len(l.cfg.Launcher)+len(fields))
	for _, a := range l.cfg.Launcher {
		argv = append(argv, strings.ReplaceAll(a, ProfilePlaceholder, spec.Profile))
	}
	return append(argv, fields...), nil
}

// Start launches spec. A start failure is returned synchronously and no
// handler fires. On success Started, then at most one Response, then
// Terminated are posted.
func (l *Launcher) Start(spec Spec, h Handlers) (*Process, error) {
	argv, err := l.Command(spec)
	if err != nil {
		return nil, err
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, errors.Wrap(err, "stdout pipe")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, errors.Wrap(err, "stderr pipe")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.Env = l.env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, errors.Wrapf(err, "start %s", argv[0])
	}
	// the child owns its ends now
	closeAll(stdinR, stdoutW, stderrW)

	p := &Process{
		l:        l,
		h:        h,
		cfg:      l.cfg,
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		argv:     argv,
		stdin:    stdinW,
		stderrRL: newStderrLimiter(),
	}
	p.log = l.log.With(logx.Int("pid", p.pid), logx.String("exec", spec.Exec))
	p.log.Debug("plugin started", logx.Strs("argv", argv))

	l.live[p.pid] = p

	// Posted before any reader can post, so Started is always first.
	l.post(p.onStarted)
	p.watch(stdoutR, stderrR)
	return p, nil
}

// Running returns the number of started processes that have not exited.
func (l *Launcher) Running() int { return len(l.live) }

// KillAll sends SIGKILL to every running process group. Their Terminated
// handlers still fire if the post goroutine keeps running.
func (l *Launcher) KillAll() int {
	n := 0
	for pid, p := range l.live {
		p.killSent = true
		if err := l.signal(pid, unix.SIGKILL); err != nil {
			p.log.Debug("SIGKILL failed", logx.Err(err))
			continue
		}
		n++
	}
	return n
}

func closeAll(fs ...*os.File) {
	for _, f := range fs {
		_ = f.Close()
	}
}
