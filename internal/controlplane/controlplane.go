// Package controlplane fronts everything that is not a DAG op with a gin
// REST API: one handler struct constructed with its dependencies, each
// method a plain gin.HandlerFunc, covering model/script registration,
// runtime stats, health, and the read-only key-position dry run (§3
// supplemented feature 1).
package controlplane

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/swarmguard/daginferd/internal/backend"
	"github.com/swarmguard/daginferd/internal/keyspace"
	"github.com/swarmguard/daginferd/internal/parser"
	"github.com/swarmguard/daginferd/internal/stats"
)

// StatsSource is the subset of the engine the control plane needs for
// read-only stats queries.
type StatsSource interface {
	Stats() *stats.Registry
}

// Handler bundles the control plane's dependencies, mirroring the
// teacher-corpus pattern of a handler struct built from narrow interfaces
// rather than a concrete engine type.
type Handler struct {
	backends *backend.Registry
	ks       keyspace.Keyspace
	engine   StatsSource
}

func NewHandler(backends *backend.Registry, ks keyspace.Keyspace, engine StatsSource) *Handler {
	return &Handler{backends: backends, ks: ks, engine: engine}
}

// Register mounts every route onto r under /v1.
func (h *Handler) Register(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.GET("/health", h.Health)
	v1.POST("/models", h.RegisterModel)
	v1.POST("/scripts", h.RegisterScript)
	v1.GET("/stats", h.AllStats)
	v1.GET("/stats/:key", h.StatsForKey)
	v1.POST("/dryrun", h.DryRun)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type registerModelRequest struct {
	Key          string            `json:"key" binding:"required"`
	Device       string            `json:"device" binding:"required"`
	BackendName  string            `json:"backend_name" binding:"required"`
	NInputs      int               `json:"n_inputs"`
	NOutputs     int               `json:"n_outputs"`
	Batchsize    int               `json:"batchsize"`
	MinBatchsize int               `json:"min_batchsize"`
	Opts         map[string]string `json:"opts"`
	Blob         []byte            `json:"blob"`
}

// RegisterModel creates a backend model handle and persists its dispatch
// metadata, the control-plane analogue of RedisAI's AI.MODELSET.
func (h *Handler) RegisterModel(c *gin.Context) {
	var req registerModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	b, ok := h.backends.Get(req.BackendName)
	if !ok || b.ModelCreate == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": (&backend.ErrCapabilityMissing{Backend: req.BackendName, Capability: backend.CapModelCreate}).Error()})
		return
	}
	handle, err := b.ModelCreate(c.Request.Context(), req.Device, req.Opts, req.Blob)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	meta := backend.ModelMeta{
		Key:          req.Key,
		Device:       req.Device,
		BackendName:  req.BackendName,
		NInputs:      req.NInputs,
		NOutputs:     req.NOutputs,
		Batchsize:    req.Batchsize,
		MinBatchsize: req.MinBatchsize,
		Handle:       handle,
	}
	if err := h.ks.PutModelMeta(c.Request.Context(), meta); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": req.Key})
}

type registerScriptRequest struct {
	Key         string                     `json:"key" binding:"required"`
	Device      string                     `json:"device" binding:"required"`
	BackendName string                     `json:"backend_name" binding:"required"`
	Source      string                     `json:"source" binding:"required"`
	Funcs       map[string]backend.FuncMeta `json:"funcs"`
}

func (h *Handler) RegisterScript(c *gin.Context) {
	var req registerScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	b, ok := h.backends.Get(req.BackendName)
	if !ok || b.ScriptCreate == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": (&backend.ErrCapabilityMissing{Backend: req.BackendName, Capability: backend.CapScriptCreate}).Error()})
		return
	}
	handle, err := b.ScriptCreate(c.Request.Context(), req.Device, req.Source)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	meta := backend.ScriptMeta{
		Key:         req.Key,
		Device:      req.Device,
		BackendName: req.BackendName,
		Handle:      handle,
		Funcs:       req.Funcs,
	}
	if err := h.ks.PutScriptMeta(c.Request.Context(), meta); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": req.Key})
}

func (h *Handler) AllStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats().All())
}

func (h *Handler) StatsForKey(c *gin.Context) {
	key := c.Param("key")
	entry, ok := h.engine.Stats().Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run key"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

type dryRunRequest struct {
	Cmd string `json:"cmd" binding:"required"`
}

// DryRun reports which argv positions are keys without executing the DAG,
// the control-plane exposure of ExtractKeyPositions (§3 supplemented
// feature 1).
func (h *Handler) DryRun(c *gin.Context) {
	var req dryRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	positions, err := parser.ExtractKeyPositions(req.Cmd)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key_positions": positions})
}

// NewRouter builds a gin.Engine with the handler's routes mounted,
// suitable for ListenAndServe in cmd/daginferd.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.Register(r)
	return r
}
