// Package plan turns configured environments into supervisor options and
// deploys them in declaration order.
package plan

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/loykin/horizon/internal/config"
	"github.com/loykin/horizon/internal/supervisor"
)

// DefaultTimeout is reported by Timeout for an empty plan.
const DefaultTimeout = 60 * time.Second

// Deployer starts one supervisor per plan entry.
type Deployer interface {
	Deploy(opts supervisor.Options) error
}

// DeployerFunc adapts a function to Deployer.
type DeployerFunc func(opts supervisor.Options) error

func (f DeployerFunc) Deploy(opts supervisor.Options) error { return f(opts) }

// Plan is the immutable provisioning plan of one master.
type Plan struct {
	master string
	envs   map[string][]supervisor.Options
	logger *slog.Logger
}

// Basename returns the part of a master name before "@".
func Basename(masterName string) string {
	if i := strings.IndexByte(masterName, '@'); i >= 0 {
		return masterName[:i]
	}
	return masterName
}

// Host is the machine part of a master name, empty when it has none.
func Host(masterName string) string {
	if i := strings.IndexByte(masterName, '@'); i >= 0 {
		return masterName[i+1:]
	}
	return ""
}

// SameHost reports whether two master names run on the same machine.
func SameHost(a, b string) bool { return Host(a) == Host(b) }

// Get builds the plan for masterName from cfg. Supervisor names are
// "<basename>:<entry name>".
func Get(masterName string, cfg *config.Config, logger *slog.Logger) (*Plan, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Plan{master: masterName, envs: make(map[string][]supervisor.Options), logger: logger}
	basename := Basename(masterName)
	var errs []error
	for env, entries := range cfg.Environments {
		opts := make([]supervisor.Options, 0, len(entries))
		for _, e := range entries {
			o, err := fromConfig(basename, masterName, cfg, e)
			if err != nil {
				errs = append(errs, fmt.Errorf("environment %s: %w", env, err))
				continue
			}
			opts = append(opts, o)
		}
		p.envs[env] = opts
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return p, nil
}

func fromConfig(basename, master string, cfg *config.Config, e config.SupervisorConfig) (supervisor.Options, error) {
	balance, err := supervisor.ParseBalance(e.Balance)
	if err != nil {
		return supervisor.Options{}, fmt.Errorf("supervisor %s: %w", e.Name, err)
	}
	command := e.Command
	if command == "" {
		command = cfg.Worker.Command
	}
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	o := supervisor.Options{
		Name:            basename + ":" + e.Name,
		Master:          master,
		Connection:      e.Connection,
		Queues:          append([]string(nil), e.Queue...),
		Balance:         balance,
		MinProcesses:    e.MinProcesses,
		MaxProcesses:    e.MaxProcesses,
		BalanceMaxShift: e.BalanceMaxShift,
		BalanceCooldown: sec(e.BalanceCooldown),
		ScaleUpPressure: sec(e.ScaleUpPressure),
		Timeout:         sec(e.Timeout),
		Sleep:           sec(e.Sleep),
		Backoff:         sec(e.Backoff),
		Rest:            sec(e.Rest),
		MaxTime:         sec(e.MaxTime),
		Tries:           e.Tries,
		MemoryMB:        e.Memory,
		MaxJobs:         e.MaxJobs,
		Force:           e.Force,
		Nice:            e.Nice,
		Command:         command,
		WorkDir:         cfg.Worker.WorkDir,
		Env:             append([]string(nil), e.Env...),
		Log:             cfg.Worker.Log,
	}.WithDefaults()
	if err := o.Validate(); err != nil {
		return supervisor.Options{}, err
	}
	return o, nil
}

// Master returns the name of the master the plan was built for.
func (p *Plan) Master() string { return p.master }

// Environments returns the environments with entries, sorted.
func (p *Plan) Environments() []string {
	out := make([]string, 0, len(p.envs))
	for env := range p.envs {
		out = append(out, env)
	}
	sort.Strings(out)
	return out
}

// Entries returns a copy of the environment's entries in declaration order.
// A missing environment is an empty plan.
func (p *Plan) Entries(environment string) []supervisor.Options {
	entries, ok := p.envs[environment]
	if !ok {
		p.logger.Warn("no supervisors configured for environment", "environment", environment, "master", p.master)
		return nil
	}
	return append([]supervisor.Options(nil), entries...)
}

// Deploy hands every entry of environment to d in declaration order and
// stops at the first failure.
func (p *Plan) Deploy(environment string, d Deployer) error {
	for _, o := range p.Entries(environment) {
		if err := d.Deploy(o); err != nil {
			return fmt.Errorf("deploy %s: %w", o.Name, err)
		}
	}
	return nil
}

// Timeout returns the longest entry timeout of environment, or DefaultTimeout
// when it has no entries.
func (p *Plan) Timeout(environment string) time.Duration {
	var longest time.Duration
	for _, o := range p.envs[environment] {
		if o.Timeout > longest {
			longest = o.Timeout
		}
	}
	if longest == 0 {
		return DefaultTimeout
	}
	return longest
}
