// Package purge reaps worker processes left behind by dead masters.
//
// Purging is two-phase. Newly seen orphans are recorded and sent the
// configured signal so they can finish the job in hand. Orphans that are
// still recorded after the longest active supervisor timeout are killed
// and forgotten.
package purge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/loykin/horizon/internal/metrics"
	"github.com/loykin/horizon/internal/process"
	"github.com/loykin/horizon/internal/repository"
)

// OrphanFinder reports worker pids with no live owner.
type OrphanFinder interface {
	Orphaned(ctx context.Context) ([]int, error)
}

// Purger runs the reaping protocol for one machine. Orphans come from the
// local process table, so they are only ever recorded under the local
// master's ledger: another machine's ledger holds pids of its own.
type Purger struct {
	Supervisors repository.SupervisorRepository
	Processes   repository.ProcessRepository
	Finder      OrphanFinder
	Signaller   process.Signaller

	// Master is the local master name, purged even when not live.
	Master string
	// Signal is sent to newly recorded orphans. Defaults to SIGTERM.
	Signal syscall.Signal
	// ExpirySignal is sent to expired orphans. Defaults to SIGKILL.
	ExpirySignal syscall.Signal
	// FallbackTimeout is the expiry age used while no supervisor is live.
	FallbackTimeout time.Duration

	Logger *slog.Logger
}

// Report summarizes one master's purge.
type Report struct {
	Master    string
	Signalled []int // newly recorded orphans
	Expired   []int // orphans killed and forgotten
	Errors    []error
}

// Err joins the per-pid failures, nil when every signal was delivered.
func (r Report) Err() error { return errors.Join(r.Errors...) }

// Run purges the local master. It returns one report per purged ledger.
func (p *Purger) Run(ctx context.Context) ([]Report, error) {
	orphans, err := p.Finder.Orphaned(ctx)
	if err != nil {
		return nil, fmt.Errorf("inspect processes: %w", err)
	}
	timeout, err := p.Supervisors.LongestActiveTimeout(ctx)
	if err != nil {
		return nil, fmt.Errorf("longest active timeout: %w", err)
	}
	if timeout == 0 {
		timeout = p.FallbackTimeout
	}
	r, err := p.purgeMaster(ctx, p.Master, orphans, timeout)
	if err != nil {
		return nil, err
	}
	return []Report{r}, nil
}

func (p *Purger) purgeMaster(ctx context.Context, master string, orphans []int, timeout time.Duration) (Report, error) {
	r := Report{Master: master}
	fresh, err := p.Processes.Orphaned(ctx, master, orphans)
	if err != nil {
		return r, fmt.Errorf("record orphans of %s: %w", master, err)
	}
	sig := p.Signal
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	for _, pid := range fresh {
		if err := p.Signaller.Signal(pid, sig); err != nil {
			r.Errors = append(r.Errors, err)
			continue
		}
		r.Signalled = append(r.Signalled, pid)
	}
	metrics.AddOrphansSignalled("record", len(r.Signalled))

	expired, err := p.Processes.OrphanedFor(ctx, master, timeout)
	if err != nil {
		return r, fmt.Errorf("expired orphans of %s: %w", master, err)
	}
	kill := p.ExpirySignal
	if kill == 0 {
		kill = syscall.SIGKILL
	}
	for _, pid := range expired {
		if err := p.Signaller.Signal(pid, kill); err != nil {
			// already gone is the common case; it is still forgotten below
			r.Errors = append(r.Errors, err)
			continue
		}
		r.Expired = append(r.Expired, pid)
	}
	metrics.AddOrphansSignalled("expire", len(r.Expired))
	if len(expired) > 0 {
		if err := p.Processes.ForgetOrphans(ctx, master, expired); err != nil {
			return r, fmt.Errorf("forget orphans of %s: %w", master, err)
		}
	}
	p.log(r)
	return r, nil
}

func (p *Purger) log(r Report) {
	if p.Logger == nil {
		return
	}
	if len(r.Signalled) > 0 || len(r.Expired) > 0 {
		p.Logger.Info("purged orphans", "master", r.Master, "signalled", r.Signalled, "expired", r.Expired)
	}
	for _, err := range r.Errors {
		p.Logger.Warn("orphan signal failed", "master", r.Master, "error", err)
	}
}
