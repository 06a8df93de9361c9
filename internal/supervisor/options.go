package supervisor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/horizon/internal/logger"
)

// Balance selects how a supervisor spreads workers over its queues.
type Balance string

const (
	BalanceNone   Balance = "none"
	BalanceSimple Balance = "simple"
	BalanceAuto   Balance = "auto"
)

// ParseBalance maps config values to a Balance. "", "false" and "off" mean none.
func ParseBalance(s string) (Balance, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "false", "off":
		return BalanceNone, nil
	case "simple":
		return BalanceSimple, nil
	case "auto":
		return BalanceAuto, nil
	default:
		return "", fmt.Errorf("unknown balance strategy %q (supported: none, simple, auto)", s)
	}
}

// Defaults applied by WithDefaults.
const (
	DefaultConnection      = "redis"
	DefaultQueue           = "default"
	DefaultWorkersName     = "default"
	DefaultProcesses       = 1
	DefaultBalanceMaxShift = 1
	DefaultBalanceCooldown = 3 * time.Second
	DefaultTimeout         = 60 * time.Second
	DefaultSleep           = 3 * time.Second
	DefaultTries           = 1
	DefaultMemoryMB        = 128
)

// Options is one provisioning plan entry resolved for a master.
type Options struct {
	Name        string // <master basename>:<descriptor>
	Master      string
	Connection  string
	Queues      []string
	WorkersName string

	Balance         Balance
	MinProcesses    int
	MaxProcesses    int
	BalanceMaxShift int
	BalanceCooldown time.Duration
	// ScaleUpPressure is the oldest-pending-job age that must be exceeded before auto adds a worker.
	ScaleUpPressure time.Duration

	Timeout  time.Duration
	Sleep    time.Duration
	Backoff  time.Duration
	Rest     time.Duration
	MaxTime  time.Duration
	Tries    int
	MemoryMB int
	MaxJobs  int
	Force    bool
	Nice     int

	Command string // worker executable and fixed leading arguments
	WorkDir string
	Env     []string
	Log     logger.Config
}

// WithDefaults fills zero fields with the documented defaults.
func (o Options) WithDefaults() Options {
	if o.Connection == "" {
		o.Connection = DefaultConnection
	}
	if len(o.Queues) == 0 {
		o.Queues = []string{DefaultQueue}
	}
	if o.WorkersName == "" {
		o.WorkersName = DefaultWorkersName
	}
	if o.Balance == "" {
		o.Balance = BalanceNone
	}
	if o.MinProcesses <= 0 {
		o.MinProcesses = DefaultProcesses
	}
	if o.MaxProcesses <= 0 {
		o.MaxProcesses = DefaultProcesses
	}
	if o.BalanceMaxShift <= 0 {
		o.BalanceMaxShift = DefaultBalanceMaxShift
	}
	if o.BalanceCooldown < 0 {
		o.BalanceCooldown = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Sleep <= 0 {
		o.Sleep = DefaultSleep
	}
	if o.Tries <= 0 {
		o.Tries = DefaultTries
	}
	if o.MemoryMB <= 0 {
		o.MemoryMB = DefaultMemoryMB
	}
	return o
}

// Validate checks the invariants a supervisor relies on.
func (o Options) Validate() error {
	var errs []error
	if strings.TrimSpace(o.Name) == "" {
		errs = append(errs, errors.New("supervisor name is required"))
	}
	if strings.TrimSpace(o.Command) == "" {
		errs = append(errs, fmt.Errorf("supervisor %q: worker command is required", o.Name))
	}
	for _, q := range o.Queues {
		if strings.TrimSpace(q) == "" || strings.Contains(q, ",") {
			errs = append(errs, fmt.Errorf("supervisor %q: invalid queue name %q", o.Name, q))
		}
	}
	if o.MinProcesses > o.MaxProcesses {
		errs = append(errs, fmt.Errorf("supervisor %q: min_processes %d exceeds max_processes %d", o.Name, o.MinProcesses, o.MaxProcesses))
	}
	switch o.Balance {
	case BalanceNone, BalanceSimple, BalanceAuto:
	default:
		errs = append(errs, fmt.Errorf("supervisor %q: unknown balance %q", o.Name, o.Balance))
	}
	return errors.Join(errs...)
}

// WorkerCommand returns the command line for one worker consuming queue.
// queue may be a comma-joined list when balancing is off.
func (o Options) WorkerCommand(queue string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(o.Command))
	b.WriteString(" " + o.Connection)
	flag := func(name, val string) { b.WriteString(" --" + name + "=" + val) }
	flag("name", o.WorkersName)
	flag("supervisor", o.Name)
	flag("queue", queue)
	flag("timeout", seconds(o.Timeout))
	flag("sleep", seconds(o.Sleep))
	flag("tries", strconv.Itoa(o.Tries))
	flag("memory", strconv.Itoa(o.MemoryMB))
	flag("backoff", seconds(o.Backoff))
	flag("max-jobs", strconv.Itoa(o.MaxJobs))
	flag("max-time", seconds(o.MaxTime))
	flag("rest", seconds(o.Rest))
	if o.Force {
		b.WriteString(" --force")
	}
	return b.String()
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
