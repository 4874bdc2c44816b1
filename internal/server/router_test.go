package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botwarden/internal/supervisor"
)

type fakeController struct {
	mu       sync.Mutex
	status   supervisor.Status
	stopped  bool
	err      error
	requests []string
}

func (f *fakeController) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeController) RequestRestart(reason, trigger string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, trigger+":"+reason)
	return nil
}

func setupRouter(t *testing.T, ctl Controller, base, token string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(ctl, base, token).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	ctl := &fakeController{status: supervisor.Status{State: "healthy", Worker: "bot", PID: 4242, Restarts: 2}}
	h := setupRouter(t, ctl, "/bot/", "")
	rec := doReq(t, h, http.MethodGet, "/bot/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st supervisor.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "bot", st.Worker)
	assert.Equal(t, 4242, st.PID)
	assert.Equal(t, 2, st.Restarts)

	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/status", nil).Code)
}

func TestHealthz(t *testing.T) {
	ctl := &fakeController{status: supervisor.Status{State: "degraded"}}
	h := setupRouter(t, ctl, "", "")
	rec := doReq(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"state":"degraded"}`, rec.Body.String())

	ctl.stopped = true
	rec = doReq(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRestartToken(t *testing.T) {
	ctl := &fakeController{}
	h := setupRouter(t, ctl, "/api", "s3cret")

	assert.Equal(t, http.StatusForbidden, doReq(t, h, http.MethodPost, "/api/restart", nil).Code)
	assert.Equal(t, http.StatusForbidden, doReq(t, h, http.MethodPost, "/api/restart?key=wrong", nil).Code)
	assert.Empty(t, ctl.requests)

	rec := doReq(t, h, http.MethodPost, "/api/restart?key=s3cret&reason=stuck", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"queued":true,"reason":"stuck"}`, rec.Body.String())

	rec = doReq(t, h, http.MethodPost, "/api/restart", map[string]string{RestartTokenHeader: "s3cret"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"manual:stuck", "manual:restart requested via API"}, ctl.requests)

	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/restart?key=s3cret", nil).Code)
}

func TestRestartErrors(t *testing.T) {
	ctl := &fakeController{err: supervisor.ErrRestartPending}
	h := setupRouter(t, ctl, "", "")
	assert.Equal(t, http.StatusConflict, doReq(t, h, http.MethodPost, "/restart", nil).Code)

	ctl.err = supervisor.ErrStopped
	assert.Equal(t, http.StatusServiceUnavailable, doReq(t, h, http.MethodPost, "/restart", nil).Code)

	ctl.err = nil
	ctl.status = supervisor.Status{Cooldown: true, CooldownUntil: time.Now().Add(90 * time.Second)}
	rec := doReq(t, h, http.MethodPost, "/restart", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Empty(t, ctl.requests)
}

func TestMetricsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("botwarden_up 1\n"))
	})
	h := NewRouter(&fakeController{}, "/api", "").WithMetrics(metrics).Handler()
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "botwarden_up")
}

func TestMountEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e := echo.New()
	e.GET("/own", func(c echo.Context) error { return c.String(http.StatusOK, "host") })
	NewRouter(&fakeController{status: supervisor.Status{State: "healthy"}}, "/bot", "").MountEcho(e)

	rec := doReq(t, e, http.MethodGet, "/bot/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"healthy"`)
	rec = doReq(t, e, http.MethodGet, "/own", nil)
	assert.Equal(t, "host", rec.Body.String())
}

func TestNewServer(t *testing.T) {
	srv := NewServer("127.0.0.1:0", NewRouter(&fakeController{}, "", ""))
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	assert.NotNil(t, srv.Handler)
	assert.Equal(t, 10*time.Second, srv.ReadHeaderTimeout)
}
