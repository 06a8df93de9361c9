// Package horizon wires a horizon.toml into a running master and into the
// operator commands that steer masters through the shared repository.
package horizon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/horizon/internal/auth"
	"github.com/loykin/horizon/internal/config"
	"github.com/loykin/horizon/internal/env"
	"github.com/loykin/horizon/internal/inspector"
	"github.com/loykin/horizon/internal/master"
	"github.com/loykin/horizon/internal/metrics"
	"github.com/loykin/horizon/internal/plan"
	"github.com/loykin/horizon/internal/process"
	"github.com/loykin/horizon/internal/purge"
	"github.com/loykin/horizon/internal/queue"
	"github.com/loykin/horizon/internal/repository"
	"github.com/loykin/horizon/internal/repository/memory"
	redisrepo "github.com/loykin/horizon/internal/repository/redis"
	"github.com/loykin/horizon/internal/server"
	"github.com/loykin/horizon/internal/store"
	"github.com/loykin/horizon/internal/store/factory"
	"github.com/loykin/horizon/internal/supervisor"
)

// Re-export the types embedders handle directly.

type Config = config.Config

type MasterRecord = repository.MasterRecord

type SupervisorRecord = repository.SupervisorRecord

type Run = store.Run

// ErrNoHistory is returned by History when no store.dsn is configured.
var ErrNoHistory = fmt.Errorf("history store not configured: %w", repository.ErrUnsupported)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Backlogs reads and clears queues.
type Backlogs interface {
	queue.Reader
	queue.Purger
}

// State is the fleet state reported by Status. Its value is the exit code
// of `horizon status`.
type State int

const (
	StateRunning  State = 0
	StatePaused   State = 1
	StateInactive State = 2
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "inactive"
	}
}

// SignalResult is the outcome of signalling one master.
type SignalResult struct {
	Master string
	PID    int
	Queued bool // delivered as a repository command, the master is on another machine
	Err    error
}

// App holds the backends a Config selects.
type App struct {
	Config *Config
	// Name is the local master name, <basename>@<host>.
	Name    string
	Repos   *repository.Set
	Queues  Backlogs
	History store.Store // nil when store.dsn is empty
	Logger  *slog.Logger

	Signaller process.Signaller
	// Hooks run after the history hooks on every worker start and exit.
	Hooks supervisor.Hooks
}

// Open connects the repository, queue reader and history store cfg selects.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*App, error) {
	var (
		repos  *repository.Set
		queues Backlogs
	)
	switch cfg.Repository.Driver {
	case "memory":
		repos = memory.New(cfg.Repository.TTL).Set()
		queues = queue.NewStatic()
	default:
		set, rdb, err := redisrepo.Open(ctx, redisrepo.Options{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			MasterName:    cfg.Redis.SentinelMaster,
			SentinelAddrs: cfg.Redis.SentinelAddrs,
			Prefix:        cfg.Repository.Prefix,
			TTL:           cfg.Repository.TTL,
		})
		if err != nil {
			return nil, err
		}
		repos = set
		queues = queue.NewRedis(rdb, supervisor.DefaultConnection, cfg.Redis.QueuePrefix)
	}
	var history store.Store
	if cfg.Store.DSN != "" {
		s, err := factory.Open(ctx, cfg.Store.DSN)
		if err != nil {
			_ = repos.Close()
			return nil, fmt.Errorf("open history store: %w", err)
		}
		history = s
	}
	return NewApp(cfg, repos, queues, history, logger), nil
}

// NewApp wraps backends that are already open.
func NewApp(cfg *Config, repos *repository.Set, queues Backlogs, history store.Store, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	if queues == nil {
		queues = queue.NewStatic()
	}
	return &App{
		Config:    cfg,
		Name:      master.Name(cfg.Basename),
		Repos:     repos,
		Queues:    queues,
		History:   history,
		Logger:    logger,
		Signaller: process.OSSignaller{},
	}
}

// Close releases the history store and the repository connection.
func (a *App) Close() error {
	var errs []error
	if a.History != nil {
		errs = append(errs, a.History.Close())
	}
	errs = append(errs, a.Repos.Close())
	return errors.Join(errs...)
}

// Basename is the local master name without the host part.
func (a *App) Basename() string { return plan.Basename(a.Name) }

func (a *App) environment(name string) string {
	if name == "" {
		return a.Config.Environment
	}
	return name
}

// Plan builds the provisioning plan of the local master.
func (a *App) Plan() (*plan.Plan, error) {
	return plan.Get(a.Name, a.Config, a.Logger)
}

// NewMaster builds the local master for environment, falling back to the
// configured one. Signals feeds the monitor loop.
func (a *App) NewMaster(environment string, signals <-chan os.Signal) (*master.Master, error) {
	cfg := a.Config
	p, err := a.Plan()
	if err != nil {
		return nil, err
	}
	e := env.Isolated()
	if cfg.Worker.UseOSEnv {
		e = env.New()
	}
	pairs, err := cfg.WorkerEnv()
	if err != nil {
		return nil, err
	}
	e.SetPairs(pairs)

	hooks := a.Hooks
	if a.History != nil {
		hooks = store.Chain(store.Hooks(a.History, a.Logger, 0), a.Hooks)
	}
	purger, err := a.Purger("")
	if err != nil {
		return nil, err
	}
	return master.New(a.Name, master.Deps{
		Repos:           a.Repos,
		Plan:            p,
		Environment:     a.environment(environment),
		Spawner:         supervisor.ProcessSpawner{Env: e},
		Backlog:         a.Queues,
		Hooks:           hooks,
		Purger:          purger,
		PurgeSchedule:   cfg.Master.PurgeSchedule,
		Signals:         signals,
		Tick:            cfg.Master.Tick,
		PIDFile:         cfg.Master.PIDFile,
		FastTermination: cfg.Master.FastTermination,
		Logger:          a.Logger,
	})
}

// Purger returns the orphan reaper of the local master. An empty signal
// uses master.purge_signal.
func (a *App) Purger(signal string) (*purge.Purger, error) {
	if signal == "" {
		signal = a.Config.Master.PurgeSignal
	}
	sig, err := process.ParseSignal(signal)
	if err != nil {
		return nil, err
	}
	return &purge.Purger{
		Supervisors:     a.Repos.Supervisors,
		Processes:       a.Repos.Processes,
		Finder:          inspector.New(a.Config.Worker.Signature, a.Repos.Masters, a.Repos.Supervisors),
		Signaller:       a.Signaller,
		Master:          a.Name,
		Signal:          sig,
		FallbackTimeout: plan.DefaultTimeout,
		Logger:          a.Logger,
	}, nil
}

// Purge runs the orphan-reaping protocol once.
func (a *App) Purge(ctx context.Context, signal string) ([]purge.Report, error) {
	p, err := a.Purger(signal)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx)
}

// Masters returns the live masters sharing the local basename.
func (a *App) Masters(ctx context.Context) ([]MasterRecord, error) {
	all, err := a.Repos.Masters.All(ctx)
	if err != nil {
		return nil, err
	}
	prefix := a.Basename() + "@"
	out := make([]MasterRecord, 0, len(all))
	for _, m := range all {
		if strings.HasPrefix(m.Name, prefix) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SignalMasters delivers sig to every local-basename master. Masters on
// this machine are signalled; masters on other machines get the matching
// command through the command queue. Delivery failures are reported per
// master and do not stop the batch.
func (a *App) SignalMasters(ctx context.Context, sig syscall.Signal) ([]SignalResult, error) {
	kind, ok := signalCommands[sig]
	if !ok {
		return nil, fmt.Errorf("no master command for %s", process.SignalName(sig))
	}
	masters, err := a.Masters(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SignalResult, 0, len(masters))
	for _, m := range masters {
		if plan.SameHost(m.Name, a.Name) {
			out = append(out, SignalResult{Master: m.Name, PID: m.PID, Err: a.Signaller.Signal(m.PID, sig)})
			continue
		}
		out = append(out, a.queueMaster(ctx, m, repository.Command{Kind: kind, IssuedAt: time.Now()}))
	}
	return out, nil
}

var signalCommands = map[syscall.Signal]string{
	syscall.SIGUSR2: repository.CommandPause,
	syscall.SIGCONT: repository.CommandContinue,
	syscall.SIGTERM: repository.CommandTerminate,
}

func (a *App) queueMaster(ctx context.Context, m MasterRecord, cmd repository.Command) SignalResult {
	r := SignalResult{Master: m.Name, PID: m.PID, Queued: true}
	q, err := a.Repos.CommandQueue()
	if err != nil {
		r.Err = fmt.Errorf("queue %s: %w", cmd.Kind, err)
		return r
	}
	if err := q.Push(ctx, m.Name, cmd); err != nil {
		r.Err = fmt.Errorf("queue %s: %w", cmd.Kind, err)
	}
	return r
}

// Pause pauses every local-basename master: SIGUSR2 on this machine, a
// queued pause elsewhere.
func (a *App) Pause(ctx context.Context) ([]SignalResult, error) {
	return a.SignalMasters(ctx, syscall.SIGUSR2)
}

// Continue resumes every local-basename master: SIGCONT on this machine, a
// queued continue elsewhere.
func (a *App) Continue(ctx context.Context) ([]SignalResult, error) {
	return a.SignalMasters(ctx, syscall.SIGCONT)
}

// Terminate records a terminate command for every local-basename master so
// it knows whether to drain. Masters on this machine are also sent SIGTERM;
// the others pick the command up on their next tick.
func (a *App) Terminate(ctx context.Context, wait bool) ([]SignalResult, error) {
	masters, err := a.Masters(ctx)
	if err != nil {
		return nil, err
	}
	q, qerr := a.Repos.CommandQueue()
	if qerr != nil && !errors.Is(qerr, repository.ErrUnsupported) {
		return nil, qerr
	}
	out := make([]SignalResult, 0, len(masters))
	for _, m := range masters {
		cmd := repository.Command{Kind: repository.CommandTerminate, Wait: wait, IssuedAt: time.Now()}
		if !plan.SameHost(m.Name, a.Name) {
			out = append(out, a.queueMaster(ctx, m, cmd))
			continue
		}
		if q != nil {
			if err := q.Push(ctx, m.Name, cmd); err != nil {
				out = append(out, SignalResult{Master: m.Name, PID: m.PID, Err: fmt.Errorf("record terminate: %w", err)})
				continue
			}
		}
		out = append(out, SignalResult{Master: m.Name, PID: m.PID, Err: a.Signaller.Signal(m.PID, syscall.SIGTERM)})
	}
	return out, nil
}

// Status reports inactive when no master is live, paused when any live
// master is paused and running otherwise.
func (a *App) Status(ctx context.Context) (State, error) {
	masters, err := a.Repos.Masters.All(ctx)
	if err != nil {
		return StateInactive, err
	}
	if len(masters) == 0 {
		return StateInactive, nil
	}
	for _, m := range masters {
		if m.Paused() {
			return StatePaused, nil
		}
	}
	return StateRunning, nil
}

// FindSupervisor returns the live supervisor of the local basename whose
// name ends with name.
func (a *App) FindSupervisor(ctx context.Context, name string) (*SupervisorRecord, error) {
	all, err := a.Repos.Supervisors.All(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	basename := a.Basename()
	for i := range all {
		if strings.HasPrefix(all[i].Name, basename) && strings.HasSuffix(all[i].Name, name) {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("supervisor %s: %w", name, repository.ErrNotFound)
}

// PauseSupervisor queues a pause for one supervisor and returns its full name.
func (a *App) PauseSupervisor(ctx context.Context, name string) (string, error) {
	return a.commandSupervisor(ctx, name, repository.CommandPause)
}

// ContinueSupervisor queues a continue for one supervisor and returns its full name.
func (a *App) ContinueSupervisor(ctx context.Context, name string) (string, error) {
	return a.commandSupervisor(ctx, name, repository.CommandContinue)
}

func (a *App) commandSupervisor(ctx context.Context, name, kind string) (string, error) {
	rec, err := a.FindSupervisor(ctx, name)
	if err != nil {
		return "", err
	}
	q, err := a.Repos.CommandQueue()
	if err != nil {
		return "", err
	}
	if err := q.Push(ctx, rec.Name, repository.Command{Kind: kind, IssuedAt: time.Now()}); err != nil {
		return "", fmt.Errorf("queue %s for %s: %w", kind, rec.Name, err)
	}
	return rec.Name, nil
}

// Timeout is the longest supervisor timeout configured for environment,
// plan.DefaultTimeout when it has none.
func (a *App) Timeout(environment string) (time.Duration, error) {
	p, err := a.Plan()
	if err != nil {
		return 0, err
	}
	return p.Timeout(a.environment(environment)), nil
}

// Clear deletes the pending jobs of one queue.
func (a *App) Clear(ctx context.Context, connection, queueName string) (int64, error) {
	if connection == "" {
		connection = supervisor.DefaultConnection
	}
	return a.Queues.Purge(ctx, connection, queueName)
}

// WorkerHistory returns recent worker runs of supervisors starting with prefix.
func (a *App) WorkerHistory(ctx context.Context, prefix string, limit int) ([]Run, error) {
	if a.History == nil {
		return nil, ErrNoHistory
	}
	return a.History.History(ctx, prefix, limit)
}

// NewHTTPServer starts the status API configured under [server].
func (a *App) NewHTTPServer() (*http.Server, error) {
	r := server.NewRouter(a.Repos, a.History, a, a.Config.Server.BasePath)
	if a.Config.Server.Auth.Enabled {
		svc, err := auth.NewAuthService(a.Config.Server.Auth)
		if err != nil {
			return nil, fmt.Errorf("status API auth: %w", err)
		}
		r.WithAuth(auth.NewMiddleware(svc))
	}
	return server.NewServer(a.Config.Server, r)
}

// Metrics helpers

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer returns an unstarted server exposing /metrics from the default registry.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ServeMetrics serves /metrics on addr in the caller goroutine.
func ServeMetrics(addr string) error {
	return NewMetricsServer(addr).ListenAndServe()
}
