package process

import (
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Handle identifies one launched worker. At most one live Handle exists per
// supervisor; it is replaced on restart.
type Handle struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Command   string    `json:"command"`

	cmd      *exec.Cmd
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	exitErr  error
	exitedAt time.Time
	closers  []io.Closer
}

// NewHandle returns a handle for a process the caller tracks itself. The
// caller reports the exit with MarkExited.
func NewHandle(pid int, command string, startedAt time.Time) *Handle {
	return &Handle{PID: pid, Command: command, StartedAt: startedAt, done: make(chan struct{})}
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether Done is closed.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// MarkExited records the exit and closes Done. Only the first call counts.
func (h *Handle) MarkExited(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.exitErr = err
		h.exitedAt = time.Now()
		closers := h.closers
		h.closers = nil
		h.mu.Unlock()
		for _, c := range closers {
			_ = c.Close()
		}
		close(h.done)
	})
}

// ExitErr returns the error cmd.Wait reported, nil while running or on a clean exit.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// ExitCode returns the exit status, or -1 when still running or unknown.
func (h *Handle) ExitCode() int {
	if !h.Exited() {
		return -1
	}
	err := h.ExitErr()
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Uptime is the time since launch, frozen at exit.
func (h *Handle) Uptime() time.Duration {
	h.mu.Lock()
	end := h.exitedAt
	h.mu.Unlock()
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(h.StartedAt)
}

func (h *Handle) attach(c io.Closer) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.closers = append(h.closers, c)
	h.mu.Unlock()
}

// monitor waits for the command and finalizes the handle. It is the only
// caller of cmd.Wait.
func (h *Handle) monitor() {
	err := h.cmd.Wait()
	h.MarkExited(err)
}
