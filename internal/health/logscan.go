package health

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const (
	DefaultTailBytes = 100 * 1024
	DefaultLogWindow = 5 * time.Minute
)

// LogScan looks for critical patterns in a log file. Each scan examines only
// bytes appended since the previous one, so a match taints a single cycle.
// On the first scan a file not written within Window is skipped entirely.
type LogScan struct {
	CheckName    string
	Path         string
	Patterns     []string
	TailBytes    int64
	Window       time.Duration
	CheckTimeout time.Duration
	Now          func() time.Time

	mu      sync.Mutex
	cursor  int64
	started bool
}

// NewLogScan returns a scanner with defaults applied.
func NewLogScan(name, path string, patterns []string) *LogScan {
	return &LogScan{CheckName: name, Path: path, Patterns: patterns}
}

func (l *LogScan) Name() string {
	if l.CheckName == "" {
		return "logscan"
	}
	return l.CheckName
}

func (*LogScan) Kind() Kind               { return KindLogScan }
func (l *LogScan) Timeout() time.Duration { return l.CheckTimeout }

func (l *LogScan) Probe(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fi, err := os.Stat(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			l.started, l.cursor = true, 0
			return "no log file", nil
		}
		return "", err
	}
	size := fi.Size()
	tail := l.TailBytes
	if tail <= 0 {
		tail = DefaultTailBytes
	}

	var start int64
	switch {
	case !l.started:
		l.started = true
		window := l.Window
		if window <= 0 {
			window = DefaultLogWindow
		}
		if l.now().Sub(fi.ModTime()) > window {
			l.cursor = size
			return "log idle", nil
		}
		start = max(0, size-tail)
	case size < l.cursor:
		// truncated or rotated
		start = max(0, size-tail)
	default:
		start = max(l.cursor, size-tail)
	}
	if start >= size {
		l.cursor = size
		return "no new output", nil
	}

	f, err := os.Open(l.Path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, size-start)
	n, err := f.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		return "", err
	}
	buf = buf[:n]
	l.cursor = start + int64(n)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	for _, p := range l.Patterns {
		if p != "" && bytes.Contains(buf, []byte(p)) {
			return fmt.Sprintf("scanned %d bytes", n), fmt.Errorf("found critical pattern %q", p)
		}
	}
	return fmt.Sprintf("scanned %d bytes", n), nil
}

func (l *LogScan) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}
