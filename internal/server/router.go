package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/pegstudy/internal/canetroller"
	"github.com/loykin/pegstudy/internal/recorder"
	"github.com/loykin/pegstudy/internal/stream"
)

// Recorder is the part of *recorder.Recorder the router drives.
type Recorder interface {
	Session() string
	NewFile(kind recorder.Kind, trial, user int) (string, error)
	RecordLine(kind recorder.Kind, line string) bool
	IsOpenStream() bool
	Status() []stream.Status
}

// Canetroller is the part of *canetroller.Controller the router drives.
type Canetroller interface {
	Brake(d canetroller.Direction) error
	Release(d canetroller.Direction) error
	ReleaseAll()
	SetIntensity(d canetroller.Direction, v byte) error
	Braked() map[canetroller.Direction]bool
	IsOpenStream() bool
	PortName() string
	Status() stream.Status
}

// StatusReporter is anything reporting one worker, e.g. the history exporter.
type StatusReporter interface {
	Status() stream.Status
}

// Deps wires the router. Canetroller and History may be nil.
type Deps struct {
	Recorder    Recorder
	Canetroller Canetroller
	History     StatusReporter
}

// Router provides embeddable HTTP handlers for the study rig.
// Endpoints:
//
//	POST {basePath}/files                   body: {kind, trial, user}
//	POST {basePath}/records/:kind           body: {line} or the structured record
//	POST {basePath}/canetroller/brake       body: {direction, intensity?}
//	POST {basePath}/canetroller/release     body: {direction}
//	POST {basePath}/canetroller/release-all
//	GET  {basePath}/canetroller
//	GET  {basePath}/status
type Router struct {
	deps     Deps
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(deps Deps, basePath string) *Router {
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/files", r.handleNewFile)
	group.POST("/records/:kind", r.handleRecord)
	group.GET("/status", r.handleStatus)

	cane := group.Group("/canetroller", r.requireCanetroller)
	cane.GET("", r.handleCanetrollerState)
	cane.POST("/brake", r.handleBrake)
	cane.POST("/release", r.handleRelease)
	cane.POST("/release-all", r.handleReleaseAll)
	return g
}

// NewServer wraps the router in an http.Server; the caller runs and shuts it down.
func NewServer(addr, basePath string, deps Deps) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(deps, basePath).Handler(),
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

type okResp struct {
	OK bool `json:"ok"`
}

type newFileReq struct {
	Kind  string `json:"kind"`
	Trial int    `json:"trial"`
	User  int    `json:"user"`
}

type newFileResp struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

func (r *Router) handleNewFile(c *gin.Context) {
	var req newFileReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	kind, err := recorder.ParseKind(req.Kind)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if req.Trial < 0 || req.User < 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "trial and user must not be negative"})
		return
	}
	name, err := r.deps.Recorder.NewFile(kind, req.Trial, req.User)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusCreated, newFileResp{Kind: string(kind), Name: name})
}

// recordReq carries either a preformatted line or the structured fields of
// the kind named in the path.
type recordReq struct {
	Line string `json:"line"`

	Trial int     `json:"trial"`
	Time  float32 `json:"time"`

	// stats
	Start     float32       `json:"start"`
	End       float32       `json:"end"`
	PegStart  recorder.Pose `json:"peg_start"`
	HoleStart recorder.Pose `json:"hole_start"`

	// data
	Peg    recorder.Pose `json:"peg"`
	Hole   recorder.Pose `json:"hole"`
	Target recorder.Pose `json:"target"`
	Gaze   recorder.Vec3 `json:"gaze"`
	Focus  string        `json:"focus"`

	// peg / hole
	Pose recorder.Pose `json:"pose"`
}

func (q recordReq) format(kind recorder.Kind) string {
	if q.Line != "" {
		return q.Line
	}
	switch kind {
	case recorder.KindStats:
		return recorder.StatsRecord(q.Trial, q.Start, q.End, q.PegStart, q.HoleStart)
	case recorder.KindData:
		return recorder.DataRecord(q.Trial, q.Time, q.Peg, q.Hole, q.Target, q.Gaze, q.Focus)
	default:
		return recorder.PoseRecord(q.Trial, q.Time, q.Pose)
	}
}

type recordResp struct {
	Queued bool `json:"queued"`
}

func (r *Router) handleRecord(c *gin.Context) {
	kind, err := recorder.ParseKind(c.Param("kind"))
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	var req recordReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	line := req.format(kind)
	if !isSafeLine(line) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "record must be a single line without control characters"})
		return
	}
	if !r.deps.Recorder.RecordLine(kind, line) {
		writeJSON(c, http.StatusConflict, errorResp{Error: "no file started for kind " + string(kind)})
		return
	}
	writeJSON(c, http.StatusAccepted, recordResp{Queued: true})
}

func (r *Router) requireCanetroller(c *gin.Context) {
	if r.deps.Canetroller == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "canetroller not configured"})
		c.Abort()
		return
	}
	c.Next()
}

type directionReq struct {
	Direction string `json:"direction"`
	Intensity *int   `json:"intensity,omitempty"`
}

func (r *Router) bindDirection(c *gin.Context) (directionReq, canetroller.Direction, bool) {
	var req directionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return req, 0, false
	}
	d, err := canetroller.ParseDirection(req.Direction)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return req, 0, false
	}
	return req, d, true
}

func (r *Router) handleBrake(c *gin.Context) {
	req, d, ok := r.bindDirection(c)
	if !ok {
		return
	}
	if req.Intensity != nil {
		if *req.Intensity < 0 || *req.Intensity > 255 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "intensity must be within 0-255"})
			return
		}
		if err := r.deps.Canetroller.SetIntensity(d, byte(*req.Intensity)); err != nil {
			writeCaneError(c, err)
			return
		}
	}
	if err := r.deps.Canetroller.Brake(d); err != nil {
		writeCaneError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRelease(c *gin.Context) {
	_, d, ok := r.bindDirection(c)
	if !ok {
		return
	}
	if err := r.deps.Canetroller.Release(d); err != nil {
		writeCaneError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleReleaseAll(c *gin.Context) {
	r.deps.Canetroller.ReleaseAll()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type canetrollerState struct {
	Open   bool            `json:"open"`
	Port   string          `json:"port"`
	Braked map[string]bool `json:"braked"`
	Worker stream.Status   `json:"worker"`
}

func (r *Router) canetrollerState() canetrollerState {
	cane := r.deps.Canetroller
	braked := make(map[string]bool)
	for d, on := range cane.Braked() {
		braked[d.String()] = on
	}
	return canetrollerState{Open: cane.IsOpenStream(), Port: cane.PortName(), Braked: braked, Worker: cane.Status()}
}

func (r *Router) handleCanetrollerState(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.canetrollerState())
}

func writeCaneError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, canetroller.ErrUnknownDirection) {
		code = http.StatusBadRequest
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

type recorderStatus struct {
	Open    bool            `json:"open"`
	Workers []stream.Status `json:"workers"`
}

type statusResp struct {
	Session     string            `json:"session"`
	Recorder    recorderStatus    `json:"recorder"`
	Canetroller *canetrollerState `json:"canetroller,omitempty"`
	History     *stream.Status    `json:"history,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{
		Session:  r.deps.Recorder.Session(),
		Recorder: recorderStatus{Open: r.deps.Recorder.IsOpenStream(), Workers: r.deps.Recorder.Status()},
	}
	if r.deps.Canetroller != nil {
		st := r.canetrollerState()
		resp.Canetroller = &st
	}
	if r.deps.History != nil {
		st := r.deps.History.Status()
		resp.History = &st
	}
	writeJSON(c, http.StatusOK, resp)
}
