package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/horizon"
	"github.com/loykin/horizon/internal/config"
	"github.com/loykin/horizon/internal/process"
	"github.com/loykin/horizon/internal/queue"
	"github.com/loykin/horizon/internal/repository"
	"github.com/loykin/horizon/internal/repository/memory"
	"github.com/loykin/horizon/internal/server"
)

const testTOML = `
basename = "web"

[worker]
command = "sleep 60"

[repository]
driver = "memory"

[log]
level = "error"

[[environments.production]]
name = "supervisor-1"
queue = ["default"]
timeout = 45
`

type signalled struct {
	pid int
	sig syscall.Signal
}

type fakeSignaller struct {
	mu   sync.Mutex
	sent []signalled
	fail map[int]bool
}

func (f *fakeSignaller) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[pid] {
		return &process.SignalError{PID: pid, Signal: sig, Err: syscall.ESRCH}
	}
	f.sent = append(f.sent, signalled{pid, sig})
	return nil
}

type harness struct {
	cmd    command
	out    *bytes.Buffer
	repos  *repository.Set
	queues *queue.Static
	sig    *fakeSignaller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		out:    &bytes.Buffer{},
		repos:  memory.New(time.Minute).Set(),
		queues: queue.NewStatic(),
		sig:    &fakeSignaller{fail: map[int]bool{}},
	}
	h.cmd = command{
		out:  h.out,
		load: func(string) (*horizon.Config, error) { return config.Parse([]byte(testTOML)) },
		open: func(_ context.Context, cfg *horizon.Config) (*horizon.App, error) {
			app := horizon.NewApp(cfg, h.repos, h.queues, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
			app.Name = "web@a"
			app.Signaller = h.sig
			return app, nil
		},
	}
	return h
}

func (h *harness) master(t *testing.T, name string, pid int, status string) {
	t.Helper()
	require.NoError(t, h.repos.Masters.Update(context.Background(), repository.MasterRecord{
		Name: name, PID: pid, Status: status, Supervisors: []string{"web:supervisor-1"},
	}))
}

func TestStatusExitCodes(t *testing.T) {
	h := newHarness(t)

	err := h.cmd.Status("")
	assert.Equal(t, exitError{code: 2}, err)
	assert.Equal(t, "Horizon is inactive.\n", h.out.String())

	h.master(t, "web@a", 10, repository.StatusRunning)
	h.out.Reset()
	require.NoError(t, h.cmd.Status(""))
	assert.Equal(t, "Horizon is running.\n", h.out.String())

	h.master(t, "web@b", 11, repository.StatusPaused)
	h.out.Reset()
	assert.Equal(t, exitError{code: 1}, h.cmd.Status(""))
	assert.Equal(t, "Horizon is paused.\n", h.out.String())
}

func TestPauseReportsEveryMaster(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.cmd.Pause(""))
	assert.Equal(t, "No master supervisors are running.\n", h.out.String())

	h.master(t, "web@a", 10, repository.StatusRunning)
	h.master(t, "web@b", 11, repository.StatusRunning)
	h.master(t, "api@a", 12, repository.StatusRunning)
	h.out.Reset()

	require.NoError(t, h.cmd.Pause(""))
	lines := strings.Split(strings.TrimSpace(h.out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Sent SIGUSR2 to process 10 (web@a)", lines[0])
	assert.Equal(t, "Queued SIGUSR2 for web@b (remote process 11)", lines[1])
	assert.Equal(t, []signalled{{10, syscall.SIGUSR2}}, h.sig.sent)

	cmds, err := h.repos.Commands.Pending(context.Background(), "web@b")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, repository.CommandPause, cmds[0].Kind)

	h.sig.fail[10] = true
	h.out.Reset()
	require.NoError(t, h.cmd.Continue(""))
	lines = strings.Split(strings.TrimSpace(h.out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "Failed to send SIGCONT to process 10 (web@a)"), lines[0])
	assert.Equal(t, "Queued SIGCONT for web@b (remote process 11)", lines[1])
}

func TestTerminateWithWait(t *testing.T) {
	h := newHarness(t)
	h.master(t, "web@a", 10, repository.StatusRunning)

	require.NoError(t, h.cmd.Terminate(TerminateFlags{Wait: true}))
	assert.Equal(t, "Sent SIGTERM to process 10 (web@a)\n", h.out.String())

	cmds, err := h.repos.Commands.Pending(context.Background(), "web@a")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.True(t, cmds[0].Wait)
}

func TestSupervisorCommand(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.repos.Supervisors.Update(ctx, repository.SupervisorRecord{Name: "web:supervisor-1", Status: repository.StatusRunning}))

	require.NoError(t, h.cmd.SupervisorCommand(SupervisorFlags{Name: "supervisor-1"}, true))
	assert.Equal(t, "Sent pause to supervisor web:supervisor-1.\n", h.out.String())

	cmds, err := h.repos.Commands.Pending(ctx, "web:supervisor-1")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, repository.CommandPause, cmds[0].Kind)

	h.out.Reset()
	err = h.cmd.SupervisorCommand(SupervisorFlags{Name: "missing"}, false)
	assert.Equal(t, exitError{code: 1}, err)
	assert.Equal(t, "Failed to find a supervisor named missing.\n", h.out.String())
}

func TestTimeoutPrintsSeconds(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.cmd.Timeout("", "production"))
	require.NoError(t, h.cmd.Timeout("", "staging"))
	assert.Equal(t, "45\n60\n", h.out.String())
}

func TestListAndSupervisors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.cmd.List(ListFlags{}))
	require.NoError(t, h.cmd.Supervisors(ListFlags{}))
	assert.Equal(t, "No machines are running.\nNo supervisors are running.\n", h.out.String())

	h.master(t, "web@a", 10, repository.StatusRunning)
	require.NoError(t, h.repos.Supervisors.Update(ctx, repository.SupervisorRecord{
		Name: "web:supervisor-1", Master: "web@a", PID: 10, Status: repository.StatusRunning,
		Balance: "auto", Processes: map[string]int{"default": 3, "emails": 1},
	}))

	h.out.Reset()
	require.NoError(t, h.cmd.List(ListFlags{}))
	assert.Contains(t, h.out.String(), "NAME")
	assert.Contains(t, h.out.String(), "web@a")
	assert.Contains(t, h.out.String(), "web:supervisor-1")

	h.out.Reset()
	require.NoError(t, h.cmd.Supervisors(ListFlags{}))
	assert.Contains(t, h.out.String(), "BALANCING")
	assert.Contains(t, h.out.String(), "default:3, emails:1")

	h.out.Reset()
	require.NoError(t, h.cmd.Supervisors(ListFlags{JSON: true}))
	assert.Contains(t, h.out.String(), `"name": "web:supervisor-1"`)
}

func TestClear(t *testing.T) {
	h := newHarness(t)
	h.queues.Set("default", queue.Backlog{Pending: 4})

	require.NoError(t, h.cmd.Clear(ClearFlags{}))
	assert.Equal(t, "Cleared 4 jobs from the [default] queue.\n", h.out.String())
}

func TestHistoryWithoutStore(t *testing.T) {
	h := newHarness(t)
	err := h.cmd.History(HistoryFlags{Limit: 10})
	assert.ErrorIs(t, err, repository.ErrUnsupported)
}

func TestInstall(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(t.TempDir(), "conf", "horizon.toml")

	require.NoError(t, h.cmd.Install(InstallFlags{Preset: "local", Basename: "web", Output: out}))
	assert.Contains(t, h.out.String(), "Configuration written to "+out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "web")

	err = h.cmd.Install(InstallFlags{Preset: "local", Output: out})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, h.cmd.Install(InstallFlags{Preset: "simple", Output: out, Force: true}))
}

func TestServeStopsOnSigterm(t *testing.T) {
	h := newHarness(t)
	sigs := make(chan os.Signal, 1)
	sigs <- syscall.SIGTERM

	require.NoError(t, h.cmd.serve(context.Background(), ServeFlags{Environment: "staging"}, sigs))

	masters, err := h.repos.Masters.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, masters, "the master forgets itself on terminate")
}

func TestServeRefusesSecondMaster(t *testing.T) {
	h := newHarness(t)
	cfg, err := config.Parse([]byte(testTOML))
	require.NoError(t, err)
	app, err := h.cmd.open(context.Background(), cfg)
	require.NoError(t, err)
	h.master(t, app.Name, 1, repository.StatusRunning)

	err = h.cmd.serve(context.Background(), ServeFlags{Environment: "staging"}, make(chan os.Signal))
	assert.Equal(t, exitError{code: 1}, err)
	assert.Contains(t, h.out.String(), "already running")
}

func TestBuildRootRegistersCommands(t *testing.T) {
	root := buildRoot(newHarness(t).cmd)
	for _, name := range []string{
		"pause", "continue", "terminate", "purge", "status", "pause-supervisor",
		"continue-supervisor", "timeout", "list", "supervisors", "clear", "history", "install", "hash-password",
	} {
		c, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}
}

func TestTimeoutCommandThroughCobra(t *testing.T) {
	h := newHarness(t)
	root := buildRoot(h.cmd)
	root.SetArgs([]string{"timeout", "production"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "45\n", h.out.String())
}

func TestHashPassword(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.cmd.HashPassword(HashPasswordFlags{Password: "pw"}))
	hash := strings.TrimSpace(h.out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("pw")))

	assert.Error(t, h.cmd.HashPassword(HashPasswordFlags{}))
}

func TestSupervisorCommandThroughAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.repos.Supervisors.Update(ctx, repository.SupervisorRecord{Name: "web:supervisor-1", Master: "web@a", Status: repository.StatusRunning}))
	cfg, err := config.Parse([]byte(testTOML))
	require.NoError(t, err)
	app, err := h.cmd.open(ctx, cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(server.NewRouter(h.repos, nil, app, "/horizon").Handler())
	t.Cleanup(ts.Close)

	f := SupervisorFlags{Name: "supervisor-1", APIUrl: ts.URL + "/horizon", APITimeout: time.Second}
	require.NoError(t, h.cmd.SupervisorCommand(f, false))
	assert.Equal(t, "Sent continue to supervisor web:supervisor-1.\n", h.out.String())

	h.out.Reset()
	f.Name = "missing"
	assert.Equal(t, exitError{code: 1}, h.cmd.SupervisorCommand(f, true))

	h.out.Reset()
	require.NoError(t, h.cmd.Supervisors(ListFlags{APIUrl: ts.URL + "/horizon", APITimeout: time.Second}))
	assert.Contains(t, h.out.String(), "web:supervisor-1")
}
