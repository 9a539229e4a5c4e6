package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"remuxd/internal/domain"
	"remuxd/internal/remux"
)

// Handler wires HTTP routes to the remux job manager.
type Handler struct {
	jobs   remux.Manager
	logger *logrus.Logger
}

func NewHandler(jobs remux.Manager, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{jobs: jobs, logger: logger}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.POST("/jobs", h.createJob)
		api.GET("/jobs", h.listJobs)
		api.GET("/jobs/:id", h.getJob)
		api.POST("/jobs/:id/pause", h.pauseJob)
		api.POST("/jobs/:id/resume", h.resumeJob)
		api.DELETE("/jobs/:id", h.deleteJob)
		api.GET("/jobs/:id/link", h.jobLink)
		api.GET("/runtime", h.runtime)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
	}
}

type createJobRequest struct {
	SourceURL string `json:"sourceUrl" binding:"required"`
	Title     string `json:"title"`
	FileName  string `json:"fileName"`
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.jobs.Enqueue(c.Request.Context(), remux.EnqueueRequest{
		SourceURL: req.SourceURL,
		Title:     req.Title,
		FileName:  req.FileName,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, job)
}

func (h *Handler) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.jobs.List(c.Request.Context()))
}

func (h *Handler) getJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) pauseJob(c *gin.Context) {
	job, err := h.jobs.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) resumeJob(c *gin.Context) {
	job, err := h.jobs.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) deleteJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.jobs.Remove(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) jobLink(c *gin.Context) {
	link, err := h.jobs.DownloadLink(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": link})
}

func (h *Handler) runtime(c *gin.Context) {
	refresh, err := strconv.ParseBool(c.DefaultQuery("refresh", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag refresh"})
		return
	}
	c.JSON(http.StatusOK, h.jobs.Support(c.Request.Context(), refresh))
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.WithField("path", c.FullPath()).Errorf("request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidSource):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnsupported):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
