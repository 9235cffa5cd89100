// Package api exposes the conversion service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pi-docket/ConvertX-CN/dispatcher"
	"github.com/pi-docket/ConvertX-CN/engines"
	"github.com/pi-docket/ConvertX-CN/models"
	"github.com/pi-docket/ConvertX-CN/worker"
)

const Version = "2.0.0"

// multipartOverhead is the allowance for form fields and boundaries on top
// of the file size limit.
const multipartOverhead = 1 << 20

// HealthChecker reports whether the conversion backend is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Options struct {
	MaxFileSize int64
	// SubmitLimiter guards job creation; nil disables rate limiting.
	SubmitLimiter gin.HandlerFunc
}

type Handler struct {
	dispatcher *dispatcher.Dispatcher
	table      *engines.Table
	sweeper    *worker.Sweeper
	backend    HealthChecker
	opts       Options
	logger     *slog.Logger
}

func NewHandler(d *dispatcher.Dispatcher, table *engines.Table, sweeper *worker.Sweeper, backend HealthChecker, opts Options, logger *slog.Logger) *Handler {
	return &Handler{
		dispatcher: d,
		table:      table,
		sweeper:    sweeper,
		backend:    backend,
		opts:       opts,
		logger:     logger.With("component", "api"),
	}
}

// NewRouter builds the gin engine with the shared middleware, the metrics
// endpoint and every API route.
func NewRouter(h *Handler, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger), Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1")
	v1.GET("/health", h.Health)
	v1.GET("/info", h.Info)

	v1.GET("/engines", h.ListEngines)
	v1.GET("/engines/:id", h.GetEngine)
	v1.GET("/engines/:id/conversions", h.EngineConversions)
	v1.GET("/formats", h.ListFormats)
	v1.GET("/formats/:format/targets", h.FormatTargets)
	v1.POST("/validate", h.Validate)

	authed := v1.Group("", Identity())
	submit := []gin.HandlerFunc{h.CreateJob}
	if h.opts.SubmitLimiter != nil {
		submit = append([]gin.HandlerFunc{h.opts.SubmitLimiter}, submit...)
	}
	authed.POST("/jobs", submit...)
	authed.GET("/jobs", h.ListJobs)
	authed.GET("/jobs/:id", h.GetJob)
	authed.DELETE("/jobs/:id", h.DeleteJob)
	authed.GET("/jobs/:id/result", h.DownloadResult)

	admin := authed.Group("/admin", RequireRole("admin"))
	admin.GET("/stats", h.Stats)
	admin.POST("/cleanup", h.Cleanup)
	admin.PUT("/engines/:id", h.SetEngineEnabled)
}

func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status, backend := "healthy", "healthy"
	if err := h.backend.Health(ctx); err != nil {
		status, backend = "degraded", "unhealthy"
		h.logger.Warn("backend health check failed", "error", err)
	}
	respond(c, http.StatusOK, gin.H{
		"status":  status,
		"backend": backend,
		"version": Version,
	})
}

func (h *Handler) Info(c *gin.Context) {
	all := h.table.List()
	enabled := 0
	for _, e := range all {
		if e.Enabled {
			enabled++
		}
	}
	respond(c, http.StatusOK, gin.H{
		"name":           "convertx-api",
		"version":        Version,
		"engines":        len(all),
		"enabledEngines": enabled,
		"maxFileSize":    h.opts.MaxFileSize,
	})
}

func (h *Handler) ListEngines(c *gin.Context) {
	list := h.table.List()
	respond(c, http.StatusOK, gin.H{"engines": list, "total": len(list)})
}

func (h *Handler) GetEngine(c *gin.Context) {
	engine, ok := h.table.Get(c.Param("id"))
	if !ok {
		fail(c, http.StatusNotFound, "ENGINE_NOT_FOUND",
			fmt.Sprintf("engine %q not found", c.Param("id")),
			gin.H{"availableEngines": h.table.IDs()})
		return
	}
	respond(c, http.StatusOK, engine)
}

func (h *Handler) EngineConversions(c *gin.Context) {
	engine, ok := h.table.Get(c.Param("id"))
	if !ok {
		fail(c, http.StatusNotFound, "ENGINE_NOT_FOUND",
			fmt.Sprintf("engine %q not found", c.Param("id")),
			gin.H{"availableEngines": h.table.IDs()})
		return
	}
	respond(c, http.StatusOK, gin.H{
		"engineId":    engine.ID,
		"enabled":     engine.Enabled,
		"inputs":      engine.InputFormats(),
		"outputs":     engine.OutputFormats(),
		"conversions": engine.Conversions,
	})
}

func (h *Handler) ListFormats(c *gin.Context) {
	inputs := h.table.AllInputFormats()
	outputs := h.table.AllOutputFormats()
	respond(c, http.StatusOK, gin.H{
		"inputs":      inputs,
		"outputs":     outputs,
		"inputCount":  len(inputs),
		"outputCount": len(outputs),
	})
}

type converterTargets struct {
	Engine  string   `json:"engine"`
	Outputs []string `json:"outputs"`
}

func (h *Handler) FormatTargets(c *gin.Context) {
	from := models.NormalizeFormat(c.Param("format"))
	targets := h.table.TargetsFor(from)

	converters := make([]converterTargets, 0, len(targets))
	var all []string
	for id, outputs := range targets {
		if engine, ok := h.table.Get(id); !ok || !engine.Enabled {
			continue
		}
		converters = append(converters, converterTargets{Engine: id, Outputs: outputs})
		all = append(all, outputs...)
	}
	if len(converters) == 0 {
		fail(c, http.StatusNotFound, "FORMAT_NOT_SUPPORTED",
			fmt.Sprintf("no enabled engine accepts %q", from), nil)
		return
	}
	slices.SortFunc(converters, func(a, b converterTargets) int {
		if a.Engine < b.Engine {
			return -1
		}
		if a.Engine > b.Engine {
			return 1
		}
		return 0
	})
	slices.Sort(all)
	respond(c, http.StatusOK, gin.H{
		"inputFormat": from,
		"converters":  converters,
		"allOutputs":  slices.Compact(all),
	})
}

type validateRequest struct {
	InputFormat  string `json:"inputFormat" binding:"required"`
	OutputFormat string `json:"outputFormat" binding:"required"`
	Engine       string `json:"engine"`
}

// Validate answers whether a conversion would be accepted. Unsupported pairs
// are a normal answer, not an error.
func (h *Handler) Validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	from := models.NormalizeFormat(req.InputFormat)
	to := models.NormalizeFormat(req.OutputFormat)
	var available []string
	for _, e := range h.table.List() {
		if h.table.Supports(e.ID, from, to) {
			available = append(available, e.ID)
		}
	}
	if available == nil {
		available = []string{}
	}

	engineID, err := h.dispatcher.Validate(from, to, req.Engine)
	if err != nil {
		var verr *models.ValidationError
		if !errors.As(err, &verr) {
			failErr(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{
			"valid":            false,
			"reason":           verr.Reason,
			"suggestions":      verr.Suggestions,
			"availableEngines": available,
		})
		return
	}
	respond(c, http.StatusOK, gin.H{
		"valid":            true,
		"engine":           engineID,
		"availableEngines": available,
	})
}

type jobCreated struct {
	JobID        string           `json:"jobId"`
	Status       models.JobStatus `json:"status"`
	Engine       string           `json:"engine"`
	SourceFormat string           `json:"sourceFormat"`
	TargetFormat string           `json:"targetFormat"`
	StatusURL    string           `json:"statusUrl"`
	ResultURL    string           `json:"resultUrl"`
}

func (h *Handler) CreateJob(c *gin.Context) {
	limit := h.opts.MaxFileSize
	if limit > 0 {
		if c.Request.ContentLength > limit+multipartOverhead {
			h.tooLarge(c)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
	}

	header, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.tooLarge(c)
			return
		}
		fail(c, http.StatusBadRequest, "MISSING_FILE", "multipart field \"file\" is required", nil)
		return
	}
	if limit > 0 && header.Size > limit {
		h.tooLarge(c)
		return
	}
	if filepath.Base(header.Filename) == "." || header.Filename == "" {
		fail(c, http.StatusBadRequest, "INVALID_FILENAME", "uploaded file has no name", nil)
		return
	}
	target := c.PostForm("target_format")
	if target == "" {
		fail(c, http.StatusBadRequest, "MISSING_TARGET_FORMAT", "multipart field \"target_format\" is required", nil)
		return
	}

	file, err := header.Open()
	if err != nil {
		failErr(c, &models.StorageError{Op: "read upload", Path: header.Filename, Err: err})
		return
	}
	defer file.Close()

	var options json.RawMessage
	if raw := c.PostForm("options"); raw != "" {
		options = json.RawMessage(raw)
	}

	receipt, err := h.dispatcher.Submit(c.Request.Context(), dispatcher.Submission{
		Owner:        userID(c),
		Filename:     header.Filename,
		TargetFormat: target,
		Engine:       c.PostForm("engine"),
		Options:      options,
		Body:         file,
	})
	if err != nil {
		failErr(c, err)
		return
	}

	job := receipt.Job
	c.Header("Location", "/api/v1/jobs/"+job.ID)
	respond(c, http.StatusCreated, jobCreated{
		JobID:        job.ID,
		Status:       job.Status,
		Engine:       job.EngineID,
		SourceFormat: job.SourceFormat,
		TargetFormat: job.TargetFormat,
		StatusURL:    "/api/v1/jobs/" + job.ID,
		ResultURL:    "/api/v1/jobs/" + job.ID + "/result",
	})
}

func (h *Handler) tooLarge(c *gin.Context) {
	fail(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
		fmt.Sprintf("file exceeds the %d byte limit", h.opts.MaxFileSize),
		gin.H{"maxFileSize": h.opts.MaxFileSize})
}

func (h *Handler) ListJobs(c *gin.Context) {
	list := h.dispatcher.List(userID(c))
	respond(c, http.StatusOK, gin.H{"jobs": list, "total": len(list)})
}

func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.dispatcher.Get(c.Param("id"), userID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	respond(c, http.StatusOK, job)
}

func (h *Handler) DeleteJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.dispatcher.Delete(c.Request.Context(), id, userID(c)); err != nil {
		failErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true, "jobId": id})
}

func (h *Handler) DownloadResult(c *gin.Context) {
	rc, job, err := h.dispatcher.OpenResult(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		if errors.Is(err, models.ErrJobNotReady) {
			fail(c, http.StatusConflict, "JOB_NOT_READY",
				fmt.Sprintf("job is %s", job.Status), gin.H{"status": job.Status, "progress": job.Progress})
			_ = c.Error(err)
			return
		}
		failErr(c, err)
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(filepath.Ext(job.OutputFilename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, -1, contentType, rc, map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": job.OutputFilename}),
	})
}

func (h *Handler) Stats(c *gin.Context) {
	counts := h.dispatcher.Stats()
	total := 0
	for _, n := range counts {
		total += n
	}
	respond(c, http.StatusOK, gin.H{
		"jobs":           counts,
		"total":          total,
		"retentionHours": h.sweeper.MaxAge().Hours(),
	})
}

func (h *Handler) Cleanup(c *gin.Context) {
	confirmed, _ := strconv.ParseBool(c.Query("confirm"))
	if !confirmed {
		fail(c, http.StatusBadRequest, "CONFIRMATION_REQUIRED", "pass confirm=true to run a cleanup", nil)
		return
	}
	maxAge := h.sweeper.MaxAge()
	if raw := c.Query("max_age_hours"); raw != "" {
		hours, err := strconv.ParseFloat(raw, 64)
		if err != nil || hours < 0 {
			fail(c, http.StatusBadRequest, "INVALID_REQUEST", "max_age_hours must be a non-negative number", nil)
			return
		}
		maxAge = time.Duration(hours * float64(time.Hour))
	}

	result, err := h.sweeper.Sweep(c.Request.Context(), maxAge)
	if err != nil {
		failErr(c, err)
		return
	}
	h.logger.Info("manual cleanup", "owner", userID(c), "jobs_removed", result.JobsRemoved)
	respond(c, http.StatusOK, result)
}

type engineToggle struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *Handler) SetEngineEnabled(c *gin.Context) {
	var req engineToggle
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	id := c.Param("id")
	if !h.table.SetEnabled(id, *req.Enabled) {
		failErr(c, fmt.Errorf("%w: %s", models.ErrEngineNotFound, id))
		return
	}
	engine, _ := h.table.Get(id)
	h.logger.Info("engine toggled", "engine", id, "enabled", engine.Enabled, "owner", userID(c))
	respond(c, http.StatusOK, engine)
}
