package helper

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"accountpolld/internal/clock"
	logx "accountpolld/pkg/logx"
)

// drainTimeout bounds how long exit reporting waits for output still held
// open by a grandchild.
const drainTimeout = 500 * time.Millisecond

// Exit describes how a process ended.
type Exit struct {
	// Code is the exit status, or -1 when the process was killed by a signal.
	Code int
	// Signal names the terminating signal, if any.
	Signal string
	// TimedOut is set when the lifetime timer fired at least once.
	TimedOut bool
	// Responded is set when a Response was delivered.
	Responded bool
	// Err classifies a process that ended without a response
	// (ErrTimeout, ErrCrash or ErrMalformedOutput). Nil when Responded.
	Err error
}

// Process is one running plugin. Its methods must be called on the post
// goroutine.
type Process struct {
	l    *Launcher
	h    Handlers
	cfg  Config
	cmd  *exec.Cmd
	pid  int
	argv []string
	log  logx.Logger

	stdin *os.File

	started   bool
	sent      bool
	responded bool
	exited    bool
	termSent  bool
	killSent  bool
	timer     *clock.Timer

	buf       []byte
	malformed bool

	stderrRL *stderrLimiter
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) Argv() []string { return append([]string(nil), p.argv...) }

// Send writes req to the plugin's stdin and closes it. It may be called
// once, after Started.
func (p *Process) Send(req Request) error {
	if !p.started {
		return ErrNotStarted
	}
	if p.sent {
		return ErrAlreadySent
	}
	line, err := req.Encode()
	if err != nil {
		return err
	}
	p.sent = true

	w := p.stdin
	log := p.log
	go func() {
		defer w.Close()
		if _, err := w.Write(line); err != nil {
			// the plugin may exit without reading; that is its business
			log.Debug("plugin request write failed", logx.Err(err))
		}
	}()
	return nil
}

func (p *Process) onStarted() {
	p.started = true
	p.timer = p.l.clock.AfterFunc(p.cfg.Timeout, func() { p.l.post(p.onTimer) })
	if p.h.Started != nil {
		p.h.Started(p)
	}
}

// onTimer escalates: SIGTERM first, SIGKILL once the grace period passed.
func (p *Process) onTimer() {
	if p.exited {
		return
	}
	if !p.termSent {
		p.termSent = true
		p.log.Warn("plugin timed out; terminating", logx.Duration("timeout", p.cfg.Timeout))
		if err := p.l.signal(p.pid, unix.SIGTERM); err != nil {
			p.log.Debug("SIGTERM failed", logx.Err(err))
		}
		p.timer.Reset(p.cfg.Grace)
		return
	}
	if !p.killSent {
		p.killSent = true
		p.log.Warn("plugin ignored SIGTERM; killing")
		if err := p.l.signal(p.pid, unix.SIGKILL); err != nil {
			p.log.Debug("SIGKILL failed", logx.Err(err))
		}
	}
}

// onStdout buffers a chunk and tries to parse the whole buffer as one JSON
// document. An incomplete document just waits for more output.
func (p *Process) onStdout(chunk []byte) {
	if p.responded {
		return
	}
	p.buf = append(p.buf, chunk...)
	if !json.Valid(p.buf) {
		return
	}

	doc := p.buf
	p.buf = nil
	resp, err := parseResponse(doc)
	if err != nil {
		p.malformed = true
		p.log.Warn("plugin output rejected", logx.Err(err))
		return
	}
	p.responded = true
	p.malformed = false
	if resp.Ignored > 0 {
		p.log.Warn("plugin sent notifications that are not objects",
			logx.Int("ignored", resp.Ignored),
			logx.Int("kept", len(resp.Notifications)),
		)
	}
	if p.h.Response != nil {
		p.h.Response(p, resp)
	}
}

func (p *Process) onExit(waitErr error) {
	p.exited = true
	delete(p.l.live, p.pid)
	if !p.sent {
		_ = p.stdin.Close()
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if n := p.stderrRL.suppressed; n > 0 {
		p.log.Warn("plugin stderr lines suppressed", logx.Int("lines", n))
	}

	e := Exit{TimedOut: p.termSent, Responded: p.responded}
	var ee *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &ee):
		e.Code = ee.ExitCode()
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			e.Signal = unix.SignalName(ws.Signal())
		}
	default:
		e.Code = -1
	}

	if !p.responded {
		switch {
		case p.termSent:
			e.Err = errors.Wrapf(ErrTimeout, "after %s", p.cfg.Timeout)
		case e.Code != 0 || e.Signal != "":
			e.Err = errors.Wrapf(ErrCrash, "exit code %d %s", e.Code, e.Signal)
		case p.malformed || len(p.buf) > 0:
			e.Err = errors.Wrapf(ErrMalformedOutput, "%d unparsed bytes", len(p.buf))
		default:
			e.Err = errors.Wrap(ErrMalformedOutput, "no output")
		}
	}
	p.log.Debug("plugin exited",
		logx.Int("code", e.Code),
		logx.String("signal", e.Signal),
		logx.Bool("responded", e.Responded),
		logx.Err(e.Err),
	)

	if p.h.Terminated != nil {
		p.h.Terminated(p, e)
	}
}

// watch starts the goroutines that feed output and exit status back
// through post. Exit is posted only after stdout was drained, so every
// chunk is seen before Terminated.
func (p *Process) watch(stdout, stderr *os.File) {
	post := p.l.post
	drained := make(chan struct{}, 2)

	go func() {
		defer func() { drained <- struct{}{} }()
		b := make([]byte, 4096)
		for {
			n, err := stdout.Read(b)
			if n > 0 {
				chunk := append([]byte(nil), b[:n]...)
				post(func() { p.onStdout(chunk) })
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		defer func() { drained <- struct{}{} }()
		forwardStderr(stderr, p.log, p.stderrRL)
	}()

	go func() {
		err := p.cmd.Wait()
		timeout := time.NewTimer(drainTimeout)
		defer timeout.Stop()
		for pending := 2; pending > 0; {
			select {
			case <-drained:
				pending--
			case <-timeout.C:
				// a grandchild still holds the pipes; cut it off
				closeAll(stdout, stderr)
			}
		}
		closeAll(stdout, stderr)
		post(func() { p.onExit(err) })
	}()
}

type stderrLimiter struct {
	lim *rate.Limiter
	// suppressed is only read after the stderr goroutine finished.
	suppressed int
}

func newStderrLimiter() *stderrLimiter {
	return &stderrLimiter{lim: rate.NewLimiter(rate.Every(100*time.Millisecond), 20)}
}

func forwardStderr(r io.Reader, log logx.Logger, rl *stderrLimiter) {
	forwardLines(r, func(line string) {
		if !rl.lim.Allow() {
			rl.suppressed++
			return
		}
		log.Info("plugin stderr", logx.String("line", line))
	})
}

// forwardLines calls fn for every line of r without the trailing newline.
func forwardLines(r io.Reader, fn func(string)) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			fn(line)
		}
		if err != nil {
			return
		}
	}
}
