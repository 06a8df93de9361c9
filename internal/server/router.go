package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/horizon/internal/auth"
	"github.com/loykin/horizon/internal/metrics"
	"github.com/loykin/horizon/internal/repository"
	"github.com/loykin/horizon/internal/store"
)

// SupervisorController queues commands for one supervisor by suffix-matched name.
type SupervisorController interface {
	PauseSupervisor(ctx context.Context, name string) (string, error)
	ContinueSupervisor(ctx context.Context, name string) (string, error)
}

// Router provides embeddable HTTP handlers over the shared repository.
// Endpoints:
//
//	GET  {basePath}/masters
//	GET  {basePath}/supervisors
//	GET  {basePath}/supervisors/:name
//	POST {basePath}/supervisors/:name/pause
//	POST {basePath}/supervisors/:name/continue
//	GET  {basePath}/orphans/:master
//	GET  {basePath}/history       query: supervisor=prefix&limit=50
//	GET  {basePath}/metrics
//	POST {basePath}/auth/login     only with WithAuth
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	repos    *repository.Set
	history  store.Store
	control  SupervisorController
	auth     *auth.Middleware
	basePath string
}

// NewRouter constructs a Router. history and control may be nil; their
// endpoints then answer 501.
func NewRouter(repos *repository.Set, history store.Store, control SupervisorController, basePath string) *Router {
	return &Router{repos: repos, history: history, control: control, basePath: sanitizeBase(basePath)}
}

// WithAuth requires every endpoint except login to authenticate, and the
// supervisor commands to carry write permission.
func (r *Router) WithAuth(m *auth.Middleware) *Router {
	r.auth = m
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	read := r.permission(auth.ResourceFleet, auth.ActionRead)
	write := r.permission(auth.ResourceSupervisor, auth.ActionWrite)
	if r.auth != nil {
		group.POST("/auth/login", r.auth.GinLogin)
		group = group.Group("", r.auth.GinAuth())
	}
	group.GET("/masters", read, r.handleMasters)
	group.GET("/supervisors", read, r.handleSupervisors)
	group.GET("/supervisors/:name", read, r.handleSupervisor)
	group.POST("/supervisors/:name/pause", write, r.handleCommand(repository.CommandPause))
	group.POST("/supervisors/:name/continue", write, r.handleCommand(repository.CommandContinue))
	group.GET("/orphans/:master", read, r.handleOrphans)
	group.GET("/history", read, r.handleHistory)
	group.GET("/metrics", read, gin.WrapH(metrics.Handler()))
	return g
}

func (r *Router) permission(resource, action string) gin.HandlerFunc {
	if r.auth == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return r.auth.GinRequirePermission(resource, action)
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type commandResp struct {
	Supervisor string `json:"supervisor"`
	Queued     string `json:"queued"`
}

type run struct {
	Supervisor string     `json:"supervisor"`
	Queue      string     `json:"queue"`
	Worker     string     `json:"worker"`
	PID        int        `json:"pid"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	Running    bool       `json:"running"`
	ExitError  string     `json:"exit_error,omitempty"`
	Crashed    bool       `json:"crashed"`
}

func toRun(r store.Run) run {
	out := run{
		Supervisor: r.Supervisor,
		Queue:      r.Queue,
		Worker:     r.Worker,
		PID:        r.PID,
		StartedAt:  r.StartedAt,
		Running:    r.Running,
		ExitError:  r.ExitErr.String,
		Crashed:    r.Crashed,
	}
	if r.StoppedAt.Valid {
		t := r.StoppedAt.Time
		out.StoppedAt = &t
	}
	return out
}

type orphan struct {
	PID   int       `json:"pid"`
	Since time.Time `json:"since"`
}

func (r *Router) handleMasters(c *gin.Context) {
	masters, err := r.repos.Masters.All(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	sort.Slice(masters, func(i, j int) bool { return masters[i].Name < masters[j].Name })
	writeJSON(c, http.StatusOK, masters)
}

func (r *Router) handleSupervisors(c *gin.Context) {
	sups, err := r.repos.Supervisors.All(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	sort.Slice(sups, func(i, j int) bool { return sups[i].Name < sups[j].Name })
	writeJSON(c, http.StatusOK, sups)
}

func (r *Router) handleSupervisor(c *gin.Context) {
	rec, err := r.repos.Supervisors.Find(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if rec == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "supervisor not found"})
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleCommand(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.control == nil {
			writeJSON(c, http.StatusNotImplemented, errorResp{Error: "supervisor commands not available"})
			return
		}
		apply := r.control.PauseSupervisor
		if kind == repository.CommandContinue {
			apply = r.control.ContinueSupervisor
		}
		name, err := apply(c.Request.Context(), c.Param("name"))
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		case err != nil:
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		default:
			writeJSON(c, http.StatusAccepted, commandResp{Supervisor: name, Queued: kind})
		}
	}
}

func (r *Router) handleOrphans(c *gin.Context) {
	if r.repos.Processes == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: repository.ErrUnsupported.Error()})
		return
	}
	all, err := r.repos.Processes.AllOrphans(c.Request.Context(), c.Param("master"))
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	out := make([]orphan, 0, len(all))
	for pid, since := range all {
		out = append(out, orphan{PID: pid, Since: since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "history store not configured"})
		return
	}
	limit := store.DefaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	runs, err := r.history.History(c.Request.Context(), c.Query("supervisor"), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	out := make([]run, 0, len(runs))
	for _, rn := range runs {
		out = append(out, toRun(rn))
	}
	writeJSON(c, http.StatusOK, out)
}
