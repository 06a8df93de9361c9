//go:build !windows

package process

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
)

// SignalError reports a failed delivery to one PID.
type SignalError struct {
	PID    int
	Signal syscall.Signal
	Err    error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("signal %s to pid %d: %v", SignalName(e.Signal), e.PID, e.Err)
}

func (e *SignalError) Unwrap() error { return e.Err }

// Signaller delivers POSIX signals to arbitrary PIDs.
type Signaller interface {
	Signal(pid int, sig syscall.Signal) error
}

// OSSignaller signals real processes with kill(2).
type OSSignaller struct{}

func (OSSignaller) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return &SignalError{PID: pid, Signal: sig, Err: syscall.EINVAL}
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return &SignalError{PID: pid, Signal: sig, Err: err}
	}
	return nil
}

var signalNames = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"KILL": syscall.SIGKILL,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
	"TERM": syscall.SIGTERM,
	"CONT": syscall.SIGCONT,
	"STOP": syscall.SIGSTOP,
}

// ParseSignal accepts "SIGTERM", "TERM" or a number.
func ParseSignal(s string) (syscall.Signal, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(name); err == nil && n > 0 {
		return syscall.Signal(n), nil
	}
	if sig, ok := signalNames[strings.TrimPrefix(name, "SIG")]; ok {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}

// SignalName returns the SIG-prefixed name of sig, or its number.
func SignalName(sig syscall.Signal) string {
	for name, s := range signalNames {
		if s == sig {
			return "SIG" + name
		}
	}
	return strconv.Itoa(int(sig))
}
