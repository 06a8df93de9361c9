//go:build !windows

package detector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	json "github.com/goccy/go-json"
)

// PIDAlive returns true if a process with given pid exists (or EPERM).
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PIDMeta is stored on the second line of a pidfile so a reused PID is not
// mistaken for the original owner.
type PIDMeta struct {
	Name      string `json:"name,omitempty"`
	StartUnix int64  `json:"start_unix,omitempty"`
}

// WritePIDFile records pid and its start time at path.
func WritePIDFile(path string, pid int, name string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, err := json.Marshal(PIDMeta{Name: name, StartUnix: ProcStartUnix(pid)})
	if err != nil {
		return err
	}
	content := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(content), 0o600)
}

// ReadPIDFile returns the pid and optional meta stored at path.
func ReadPIDFile(path string) (int, PIDMeta, error) {
	var meta PIDMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, meta, err
	}
	first, rest, _ := strings.Cut(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, meta, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if line := strings.TrimSpace(rest); line != "" {
		_ = json.Unmarshal([]byte(line), &meta)
	}
	return pid, meta, nil
}

// PIDFileDetector detects a process via a PID file.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, meta, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if meta.StartUnix > 0 {
		cur := ProcStartUnix(pid)
		if cur > 0 && cur != meta.StartUnix {
			return false, nil // PID reused; not our process
		}
	}
	return PIDAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return PIDAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
