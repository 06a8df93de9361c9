package detector

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

// startSleep starts a short-lived sleep process and returns *exec.Cmd already started
func startSleep(t *testing.T, dur string) *exec.Cmd {
	t.Helper()
	// #nosec G204
	cmd := exec.Command("/bin/sh", "-c", "sleep "+dur)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestPIDFileRoundTrip(t *testing.T) {
	requireUnix(t)
	cmd := startSleep(t, "2")
	time.Sleep(20 * time.Millisecond)

	path := filepath.Join(t.TempDir(), "run", "horizon.pid")
	if err := WritePIDFile(path, cmd.Process.Pid, "web@host"); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, meta, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != cmd.Process.Pid || meta.Name != "web@host" {
		t.Fatalf("unexpected pidfile content: %d %+v", pid, meta)
	}
	alive, err := PIDFileDetector{PIDFile: path}.Alive()
	if err != nil || !alive {
		t.Fatalf("expected alive, got %v %v", alive, err)
	}
}

func TestPIDFileDetectorStartMismatch(t *testing.T) {
	requireUnix(t)
	cmd := startSleep(t, "2")
	time.Sleep(20 * time.Millisecond)
	start := ProcStartUnix(cmd.Process.Pid)
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	path := filepath.Join(t.TempDir(), "x.pid")
	content := strconv.Itoa(cmd.Process.Pid) + "\n" + `{"start_unix":` + strconv.FormatInt(start-1000, 10) + "}\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	alive, err := PIDFileDetector{PIDFile: path}.Alive()
	if err != nil {
		t.Fatalf("alive: %v", err)
	}
	if alive {
		t.Fatalf("reused pid must not be reported alive")
	}
}

func TestPIDFileDetectorMissingAndInvalid(t *testing.T) {
	dir := t.TempDir()
	alive, err := PIDFileDetector{PIDFile: filepath.Join(dir, "none.pid")}.Alive()
	if err != nil || alive {
		t.Fatalf("missing file: %v %v", alive, err)
	}
	bad := filepath.Join(dir, "bad.pid")
	_ = os.WriteFile(bad, []byte("abc\n"), 0o600)
	if _, err := (PIDFileDetector{PIDFile: bad}).Alive(); err == nil {
		t.Fatalf("expected error for invalid pid")
	}
}

func TestPIDDetector(t *testing.T) {
	requireUnix(t)
	d := PIDDetector{PID: os.Getpid()}
	if ok, _ := d.Alive(); !ok {
		t.Fatalf("own pid should be alive")
	}
	if ok, _ := (PIDDetector{PID: 0}).Alive(); ok {
		t.Fatalf("pid 0 must not be alive")
	}
	if d.Describe() != "pid:"+strconv.Itoa(os.Getpid()) {
		t.Fatalf("describe: %s", d.Describe())
	}
}
