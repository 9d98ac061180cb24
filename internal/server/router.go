// Package server exposes the control plane over HTTP.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/loykin/supervisr/internal/controller"
	mng "github.com/loykin/supervisr/internal/manager"
	"github.com/loykin/supervisr/internal/metrics"
)

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints, relative to basePath:
//
//	POST /sockets/:sid/:kind/start   kind: basecaller, darkcal, loadingcal
//	POST /sockets/:sid/:kind/stop
//	POST /postprimaries              body: {"mid": "...", "params": {...}}
//	POST /postprimaries/:mid/stop
//	GET  /healthcheck                sweeps, then lists the survivors
//	GET  /workers                    lists without sweeping
//	GET  /metrics                    when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *mng.Manager
	basePath string
	metrics  bool
	log      *slog.Logger
}

type Option func(*Router)

// WithMetrics serves the prometheus handler at /metrics.
func WithMetrics() Option { return func(r *Router) { r.metrics = true } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

func NewRouter(mgr *mng.Manager, basePath string, opts ...Option) *Router {
	r := &Router{mgr: mgr, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestLog())
	group := g.Group(r.basePath)
	group.POST("/sockets/:sid/:kind/start", r.handleStartSession)
	group.POST("/sockets/:sid/:kind/stop", r.handleStopSession)
	group.POST("/postprimaries", r.handleStartPpa)
	group.POST("/postprimaries/:mid/stop", r.handleStopPpa)
	group.GET("/healthcheck", r.handleHealthcheck)
	group.GET("/workers", r.handleWorkers)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// MountEcho serves the router's routes from an echo server.
func MountEcho(e *echo.Echo, r *Router) {
	h := echo.WrapHandler(r.Handler())
	if r.basePath == "" {
		e.Any("/*", h)
		return
	}
	e.Any(r.basePath, h)
	e.Any(r.basePath+"/*", h)
}

// NewServer builds an http.Server for this router. The caller runs it.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// A start request waits for the pid handshake.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (r *Router) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type startReq struct {
	MID    string            `json:"mid,omitempty"`
	Params controller.Params `json:"params,omitempty"`
}

type startResp struct {
	PID  int32           `json:"pid"`
	Kind controller.Kind `json:"kind"`
	SID  string          `json:"sid,omitempty"`
	MID  string          `json:"mid,omitempty"`
}

func sessionKind(s string) (controller.Kind, bool) {
	switch k := controller.Kind(s); k {
	case controller.KindBasecaller, controller.KindDarkcal, controller.KindLoadingcal:
		return k, true
	}
	return "", false
}

func (r *Router) handleStartSession(c *gin.Context) {
	sid := c.Param("sid")
	kind, ok := sessionKind(c.Param("kind"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown session kind " + c.Param("kind")})
		return
	}
	if !isSafeName(sid) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid sid: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	var req startReq
	if err := bindOptional(c, &req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	var w controller.Workload
	switch kind {
	case controller.KindBasecaller:
		w = controller.NewBasecaller(controller.BasecallerData{SID: sid, Params: req.Params})
	case controller.KindDarkcal:
		w = controller.NewDarkcal(controller.CalData{SID: sid, Params: req.Params})
	default:
		w = controller.NewLoadingcal(controller.CalData{SID: sid, Params: req.Params})
	}
	info, err := r.mgr.Start(c.Request.Context(), w)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, startResp{PID: info.PID, Kind: info.Kind, SID: sid})
}

func (r *Router) handleStopSession(c *gin.Context) {
	kind, ok := sessionKind(c.Param("kind"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown session kind " + c.Param("kind")})
		return
	}
	if err := r.mgr.StopSession(kind, c.Param("sid")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStartPpa(c *gin.Context) {
	var req startReq
	if err := bindOptional(c, &req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.MID == "" {
		req.MID = uuid.NewString()
	}
	if !isSafeName(req.MID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid mid: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	info, err := r.mgr.StartPpa(c.Request.Context(), req.MID, req.Params)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, startResp{PID: info.PID, Kind: info.Kind, MID: req.MID})
}

func (r *Router) handleStopPpa(c *gin.Context) {
	r.mgr.StopPpa(c.Param("mid"))
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHealthcheck(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.CheckAll(c.Request.Context()))
}

func (r *Router) handleWorkers(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Workers())
}
