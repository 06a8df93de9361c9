package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWritersWithDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "workers")
	cfg := Config{Dir: dir}
	outW, errW, err := cfg.Writers("default-1")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	for _, p := range []string{"default-1.stdout.log", "default-1.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Fatalf("log not created at %s: %v", p, err)
		}
	}
}

func TestWritersDisabled(t *testing.T) {
	outW, errW, err := Config{}.Writers("x")
	if err != nil || outW != nil || errW != nil {
		t.Fatalf("expected nil writers, got %v %v %v", outW, errW, err)
	}
	if (Config{}).Enabled() {
		t.Fatalf("empty config should be disabled")
	}
}

func TestWritersRotationDefaults(t *testing.T) {
	outW, _, err := Config{Dir: t.TempDir()}.Writers("d")
	if err != nil {
		t.Fatalf("Writers: %v", err)
	}
	l, ok := outW.(*lj.Logger)
	if !ok {
		t.Fatalf("expected lumberjack logger, got %T", outW)
	}
	if l.MaxSize != DefaultMaxSizeMB || l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("defaults not applied: %+v", l)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestNewHandlerFormats(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, Options{Format: "json"})).Info("tick", "supervisor", "web")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"supervisor":"web"`) {
		t.Fatalf("expected json output, got %q", buf.String())
	}

	buf.Reset()
	slog.New(NewHandler(&buf, Options{Color: true})).Warn("slow")
	if !strings.Contains(buf.String(), "33mWARN") {
		t.Fatalf("expected colored level, got %q", buf.String())
	}

	buf.Reset()
	slog.New(NewHandler(&buf, Options{Level: "error"})).Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at error level, got %q", buf.String())
	}
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "horizon.log")
	l, closer := New(Options{File: path})
	l.Info("started", "pid", 1)
	closeIf(closer)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), "started") {
		t.Fatalf("missing log line: %q", b)
	}
}
