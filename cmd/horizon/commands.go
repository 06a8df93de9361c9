package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loykin/horizon"
	"github.com/loykin/horizon/internal/auth"
	"github.com/loykin/horizon/internal/logger"
	"github.com/loykin/horizon/internal/master"
	"github.com/loykin/horizon/internal/process"
	"github.com/loykin/horizon/internal/repository"
	"github.com/loykin/horizon/pkg/client"
	"github.com/loykin/horizon/pkg/template"
)

// exitError carries a process exit code for commands whose outcome is the code itself.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type command struct {
	out  io.Writer
	load func(path string) (*horizon.Config, error)
	open func(ctx context.Context, cfg *horizon.Config) (*horizon.App, error)
}

func newCommand() command {
	return command{out: os.Stdout, load: horizon.LoadConfig, open: openApp}
}

func openApp(ctx context.Context, cfg *horizon.Config) (*horizon.App, error) {
	return horizon.Open(ctx, cfg, slog.New(logger.NewHandler(os.Stderr, cfg.Log)))
}

func (c *command) withApp(configPath string, fn func(ctx context.Context, app *horizon.App) error) error {
	cfg, err := c.load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	ctx := context.Background()
	app, err := c.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return fn(ctx, app)
}

// Serve runs the local master in the foreground until it terminates.
func (c *command) Serve(f ServeFlags) error {
	if f.Daemonize {
		if err := daemonize(f.PidFile, f.LogFile); err != nil {
			return err
		}
	}
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2, syscall.SIGCONT)
	defer signal.Stop(sigs)
	return c.serve(context.Background(), f, sigs)
}

func (c *command) serve(ctx context.Context, f ServeFlags, sigs <-chan os.Signal) error {
	cfg, err := c.load(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, closer := logger.New(cfg.Log)
	defer func() { _ = closer.Close() }()

	app, err := c.open(ctx, cfg)
	if err != nil {
		return err
	}
	app.Logger = log
	defer func() { _ = app.Close() }()

	if cfg.Metrics.Enabled {
		if err := horizon.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		srv := horizon.NewMetricsServer(cfg.Metrics.Listen)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Warn("metrics server stopped", "listen", cfg.Metrics.Listen, "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}
	if cfg.Server.Enabled {
		srv, err := app.NewHTTPServer()
		if err != nil {
			return err
		}
		log.Info("status API listening", "addr", srv.Addr, "base_path", cfg.Server.BasePath)
		defer func() { _ = srv.Close() }()
	}

	m, err := app.NewMaster(f.Environment, sigs)
	if err != nil {
		return err
	}
	if err := m.Run(ctx); err != nil {
		var running *master.AlreadyRunningError
		if errors.As(err, &running) {
			_, _ = fmt.Fprintln(c.out, "A master supervisor is already running on this machine.")
			return exitError{code: 1}
		}
		return err
	}
	return nil
}

func (c *command) Pause(configPath string) error {
	return c.withApp(configPath, func(ctx context.Context, app *horizon.App) error {
		res, err := app.Pause(ctx)
		if err != nil {
			return err
		}
		c.reportSignals(res, syscall.SIGUSR2)
		return nil
	})
}

func (c *command) Continue(configPath string) error {
	return c.withApp(configPath, func(ctx context.Context, app *horizon.App) error {
		res, err := app.Continue(ctx)
		if err != nil {
			return err
		}
		c.reportSignals(res, syscall.SIGCONT)
		return nil
	})
}

func (c *command) Terminate(f TerminateFlags) error {
	return c.withApp(f.ConfigPath, func(ctx context.Context, app *horizon.App) error {
		res, err := app.Terminate(ctx, f.Wait)
		if err != nil {
			return err
		}
		c.reportSignals(res, syscall.SIGTERM)
		return nil
	})
}

// reportSignals prints one line per target master.
func (c *command) reportSignals(res []horizon.SignalResult, sig syscall.Signal) {
	if len(res) == 0 {
		_, _ = fmt.Fprintln(c.out, "No master supervisors are running.")
		return
	}
	name := process.SignalName(sig)
	for _, r := range res {
		switch {
		case r.Queued && r.Err != nil:
			_, _ = fmt.Fprintf(c.out, "Failed to queue %s for %s: %v\n", name, r.Master, r.Err)
		case r.Queued:
			_, _ = fmt.Fprintf(c.out, "Queued %s for %s (remote process %d)\n", name, r.Master, r.PID)
		case r.Err != nil:
			_, _ = fmt.Fprintf(c.out, "Failed to send %s to process %d (%s): %v\n", name, r.PID, r.Master, r.Err)
		default:
			_, _ = fmt.Fprintf(c.out, "Sent %s to process %d (%s)\n", name, r.PID, r.Master)
		}
	}
}

func (c *command) Purge(f PurgeFlags) error {
	return c.withApp(f.ConfigPath, func(ctx context.Context, app *horizon.App) error {
		p, err := app.Purger(f.Signal)
		if err != nil {
			return err
		}
		reports, err := p.Run(ctx)
		if err != nil {
			return err
		}
		sig := process.SignalName(p.Signal)
		for _, r := range reports {
			for _, pid := range r.Signalled {
				_, _ = fmt.Fprintf(c.out, "[%s] Sent %s to orphaned process %d\n", r.Master, sig, pid)
			}
			for _, pid := range r.Expired {
				_, _ = fmt.Fprintf(c.out, "[%s] Killed expired orphan %d\n", r.Master, pid)
			}
			for _, e := range r.Errors {
				_, _ = fmt.Fprintf(c.out, "[%s] %v\n", r.Master, e)
			}
		}
		return nil
	})
}

// Status prints the fleet state and exits 0 running, 1 paused, 2 inactive.
func (c *command) Status(configPath string) error {
	return c.withApp(configPath, func(ctx context.Context, app *horizon.App) error {
		st, err := app.Status(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "Horizon is %s.\n", st)
		if st != horizon.StateRunning {
			return exitError{code: int(st)}
		}
		return nil
	})
}

// SupervisorCommand pauses or continues one supervisor, exiting 1 when no
// supervisor matches.
func (c *command) SupervisorCommand(f SupervisorFlags, pause bool) error {
	verb := "continue"
	if pause {
		verb = "pause"
	}
	var (
		name string
		err  error
	)
	if f.APIUrl != "" {
		cl := apiClient(f.APIUrl, f.APITimeout, f.APIToken)
		var res client.CommandResult
		if pause {
			res, err = cl.PauseSupervisor(context.Background(), f.Name)
		} else {
			res, err = cl.ContinueSupervisor(context.Background(), f.Name)
		}
		name = res.Supervisor
		if errors.Is(err, client.ErrNotFound) {
			err = repository.ErrNotFound
		}
	} else {
		err = c.withApp(f.ConfigPath, func(ctx context.Context, app *horizon.App) error {
			var e error
			if pause {
				name, e = app.PauseSupervisor(ctx, f.Name)
			} else {
				name, e = app.ContinueSupervisor(ctx, f.Name)
			}
			return e
		})
	}
	if errors.Is(err, repository.ErrNotFound) {
		_, _ = fmt.Fprintf(c.out, "Failed to find a supervisor named %s.\n", f.Name)
		return exitError{code: 1}
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Sent %s to supervisor %s.\n", verb, name)
	return nil
}

// Timeout prints the longest supervisor timeout, in seconds, of environment.
func (c *command) Timeout(configPath, environment string) error {
	cfg, err := c.load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	d, err := horizon.NewApp(cfg, nil, nil, nil, slog.New(logger.NewHandler(io.Discard, cfg.Log))).Timeout(environment)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, int(d/time.Second))
	return nil
}

func (c *command) List(f ListFlags) error {
	var masters []client.Master
	if f.APIUrl != "" {
		var err error
		masters, err = apiClient(f.APIUrl, f.APITimeout, f.APIToken).Masters(context.Background())
		if err != nil {
			return err
		}
	} else {
		err := c.withApp(f.ConfigPath, func(ctx context.Context, app *horizon.App) error {
			all, err := app.Repos.Masters.All(ctx)
			for _, m := range all {
				masters = append(masters, client.Master(m))
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	sort.Slice(masters, func(i, j int) bool { return masters[i].Name < masters[j].Name })
	if f.JSON {
		printJSON(c.out, masters)
		return nil
	}
	if len(masters) == 0 {
		_, _ = fmt.Fprintln(c.out, "No machines are running.")
		return nil
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tPID\tSUPERVISORS\tSTATUS")
	for _, m := range masters {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", m.Name, m.PID, strings.Join(m.Supervisors, ", "), m.Status)
	}
	return w.Flush()
}

func (c *command) Supervisors(f ListFlags) error {
	var sups []client.Supervisor
	if f.APIUrl != "" {
		var err error
		sups, err = apiClient(f.APIUrl, f.APITimeout, f.APIToken).Supervisors(context.Background())
		if err != nil {
			return err
		}
	} else {
		err := c.withApp(f.ConfigPath, func(ctx context.Context, app *horizon.App) error {
			all, err := app.Repos.Supervisors.All(ctx)
			for _, s := range all {
				sups = append(sups, client.Supervisor(s))
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	sort.Slice(sups, func(i, j int) bool { return sups[i].Name < sups[j].Name })
	if f.JSON {
		printJSON(c.out, sups)
		return nil
	}
	if len(sups) == 0 {
		_, _ = fmt.Fprintln(c.out, "No supervisors are running.")
		return nil
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tPID\tSTATUS\tWORKERS\tBALANCING")
	for _, s := range sups {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", s.Name, s.PID, s.Status, formatProcesses(s.Processes), s.Balance)
	}
	return w.Flush()
}

func (c *command) Clear(f ClearFlags) error {
	q := f.Queue
	if q == "" {
		q = "default"
	}
	return c.withApp(f.ConfigPath, func(ctx context.Context, app *horizon.App) error {
		n, err := app.Clear(ctx, f.Connection, q)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "Cleared %d jobs from the [%s] queue.\n", n, q)
		return nil
	})
}

func (c *command) History(f HistoryFlags) error {
	return c.withApp(f.ConfigPath, func(ctx context.Context, app *horizon.App) error {
		runs, err := app.WorkerHistory(ctx, f.Supervisor, f.Limit)
		if err != nil {
			return err
		}
		if f.JSON {
			printJSON(c.out, runs)
			return nil
		}
		w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SUPERVISOR\tQUEUE\tPID\tSTARTED\tSTOPPED\tSTATE\tERROR")
		for _, r := range runs {
			stopped, state := "-", "running"
			if r.StoppedAt.Valid {
				stopped = r.StoppedAt.Time.Local().Format(time.DateTime)
				state = "exited"
			}
			if r.Crashed {
				state = "crashed"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n", r.Supervisor, r.Queue, r.PID,
				r.StartedAt.Local().Format(time.DateTime), stopped, state, r.ExitErr.String)
		}
		return w.Flush()
	})
}

// Install writes a starter horizon.toml.
func (c *command) Install(f InstallFlags) error {
	out := f.Output
	if out == "" {
		out = "horizon.toml"
	}
	if _, err := os.Stat(out); err == nil && !f.Force {
		return fmt.Errorf("config file '%s' already exists (use --force to overwrite)", out)
	}
	data, err := template.NewGenerator().GenerateTOML(template.Preset(f.Preset), f.Basename)
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	_, _ = fmt.Fprintf(c.out, "Configuration written to %s\n", out)
	_, _ = fmt.Fprintf(c.out, "Start the master with: horizon --config %s\n", out)
	return nil
}

// HashPassword prints the bcrypt hash for a [[server.auth.users]] entry.
func (c *command) HashPassword(f HashPasswordFlags) error {
	h, err := auth.HashPassword(f.Password)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, h)
	return nil
}

func apiClient(baseURL string, timeout time.Duration, token string) *client.Client {
	if token == "" {
		token = os.Getenv("HORIZON_API_TOKEN")
	}
	return client.New(client.Config{BaseURL: baseURL, Timeout: timeout, Token: token})
}

func formatProcesses(p map[string]int) string {
	if len(p) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, p[k]))
	}
	return strings.Join(parts, ", ")
}
