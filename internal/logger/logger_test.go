package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestOutputWriters_DirOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	cfg := OutputConfig{Dir: dir}
	outW, errW, err := cfg.Writers("bot")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)

	for _, p := range []string{"bot.stdout.log", "bot.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Fatalf("%s not created: %v", p, err)
		}
	}
}

func TestOutputWriters_ExplicitPathsWin(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "s.out.log")
	cfg := OutputConfig{Dir: dir, StdoutPath: sp}
	out, errPath := cfg.Paths("bot")
	assert.Equal(t, sp, out)
	assert.Equal(t, filepath.Join(dir, "bot.stderr.log"), errPath)
}

func TestOutputWriters_NoneConfigured(t *testing.T) {
	outW, errW, err := OutputConfig{}.Writers("bot")
	require.NoError(t, err)
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers when nothing is configured")
	}
}

func TestOutputWriters_Defaults(t *testing.T) {
	outW, _, err := OutputConfig{StdoutPath: filepath.Join(t.TempDir(), "x")}.Writers("bot")
	require.NoError(t, err)
	l, ok := outW.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_Formats(t *testing.T) {
	for _, format := range []string{"text", "json", "color"} {
		var buf bytes.Buffer
		log, closer, err := New(Config{Format: format}, &buf)
		require.NoError(t, err, format)
		log.Info("cycle done", "verdict", "healthy")
		_ = closer.Close()
		assert.Contains(t, buf.String(), "cycle done", format)
		assert.Contains(t, buf.String(), "healthy", format)
	}
	_, _, err := New(Config{Format: "xml"}, io.Discard)
	assert.Error(t, err)
}

func TestNew_FileAndMirror(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "botwarden.log")
	var console bytes.Buffer
	log, closer, err := New(Config{Level: "debug", Stderr: true, File: FileConfig{Path: path}}, &console)
	require.NoError(t, err)
	log.Debug("probe", "check", "heartbeat")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "check=heartbeat")
	assert.Contains(t, console.String(), "check=heartbeat")
}

func TestColorTextHandler_LevelPrefix(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	log := slog.New(h).With("component", "supervisor")
	log.Warn("cooldown")
	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "cooldown")
	assert.Contains(t, out, "component=supervisor")
	assert.False(t, strings.Contains(out, "time="), "time should be hidden: %s", out)
}
