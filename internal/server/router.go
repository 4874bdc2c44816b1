package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/loykin/botwarden/internal/supervisor"
)

// RestartTokenHeader carries the restart token. The "key" query parameter
// is accepted as well.
const RestartTokenHeader = "X-Restart-Token"

// Controller is the part of *supervisor.Supervisor the API needs.
type Controller interface {
	Status() supervisor.Status
	Stopped() bool
	RequestRestart(reason, trigger string) error
}

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints:
//
//	GET  {basePath}/status    full status snapshot
//	GET  {basePath}/healthz   200 while the supervisor runs, 503 once stopped
//	POST {basePath}/restart   query: reason=...; queues a manual restart
//	GET  /metrics             when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	token    string
	metrics  http.Handler
}

// NewRouter constructs a Router. An empty restartToken leaves the restart
// endpoint open; otherwise requests must present it.
func NewRouter(ctl Controller, basePath, restartToken string) *Router {
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath), token: restartToken}
}

// WithMetrics serves h on /metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// BasePath returns the sanitized base path.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// Register adds the API routes to an existing gin group.
func (r *Router) Register(group gin.IRoutes) {
	group.GET("/status", r.StatusHandler())
	group.GET("/healthz", r.HealthzHandler())
	group.POST("/restart", r.RestartHandler())
}

// MountEcho serves the API from an Echo instance under the base path.
func (r *Router) MountEcho(e *echo.Echo) {
	h := echo.WrapHandler(r.Handler())
	if r.basePath == "" {
		e.Any("/*", h)
		return
	}
	e.Any(r.basePath, h)
	e.Any(r.basePath+"/*", h)
	if r.metrics != nil {
		e.GET("/metrics", h)
	}
}

// NewServer returns an http.Server for the router; the caller starts it.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}

type restartResp struct {
	Queued bool   `json:"queued"`
	Reason string `json:"reason"`
}

func (r *Router) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		writeJSON(c, http.StatusOK, r.ctl.Status())
	}
}

func (r *Router) HealthzHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.ctl.Stopped() {
			writeJSON(c, http.StatusServiceUnavailable, healthResp{OK: false, State: supervisor.StateStopped})
			return
		}
		writeJSON(c, http.StatusOK, healthResp{OK: true, State: r.ctl.Status().State})
	}
}

func (r *Router) RestartHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.authorized(c) {
			writeJSON(c, http.StatusForbidden, errorResp{Error: "invalid restart token"})
			return
		}
		if st := r.ctl.Status(); st.Cooldown {
			c.Header("Retry-After", retryAfter(st.CooldownUntil))
			writeJSON(c, http.StatusTooManyRequests, errorResp{Error: supervisor.ErrCooldown.Error()})
			return
		}
		reason := strings.TrimSpace(c.Query("reason"))
		if reason == "" {
			reason = "restart requested via API"
		}
		err := r.ctl.RequestRestart(reason, supervisor.TriggerManual)
		switch {
		case err == nil:
			writeJSON(c, http.StatusAccepted, restartResp{Queued: true, Reason: reason})
		case errors.Is(err, supervisor.ErrRestartPending):
			writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		case errors.Is(err, supervisor.ErrStopped):
			writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		default:
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		}
	}
}

func (r *Router) authorized(c *gin.Context) bool {
	if r.token == "" {
		return true
	}
	got := c.GetHeader(RestartTokenHeader)
	if got == "" {
		got = c.Query("key")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(r.token)) == 1
}
