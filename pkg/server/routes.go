package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nimburion/sharedqueue/pkg/health"
	"github.com/nimburion/sharedqueue/pkg/jobs"
	"github.com/nimburion/sharedqueue/pkg/mail"
	"github.com/nimburion/sharedqueue/pkg/observability/logger"
	"github.com/nimburion/sharedqueue/pkg/observability/metrics"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Routes carries what the HTTP handlers read from and write to. DeadLetter may
// be nil when dead-lettering is disabled.
type Routes struct {
	Log        logger.Logger
	Health     *health.Registry
	Metrics    *metrics.Registry
	Queue      *jobs.Queue
	DeadLetter *jobs.DeadLetterQueue
	Producer   *mail.Producer
	// MailLimiter throttles POST /mail per client IP when set.
	MailLimiter RateLimiter
}

// NewRouter builds the gin engine serving health, metrics, mail and job routes.
func NewRouter(routes Routes) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	log := routes.Log
	if log == nil {
		log = logger.Nop()
	}

	engine := gin.New()
	engine.Use(RequestID(), Tracing("sharedqueue/http", "/metrics", "/healthz"), Logging(log), Recovery(log))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
	})
	engine.GET("/readyz", routes.ready)
	if routes.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(routes.Metrics.Handler()))
	}
	mailHandlers := []gin.HandlerFunc{routes.sendMail}
	if routes.MailLimiter != nil {
		mailHandlers = append([]gin.HandlerFunc{RateLimit(routes.MailLimiter)}, mailHandlers...)
	}
	engine.POST("/mail", mailHandlers...)
	engine.GET("/jobs/:id", routes.getJob)
	engine.GET("/dlq", routes.listDeadLetters)
	return engine
}

func (r Routes) ready(c *gin.Context) {
	if r.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		return
	}
	result := r.Health.Check(c.Request.Context())
	status := http.StatusOK
	if !result.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

func (r Routes) sendMail(c *gin.Context) {
	if r.Producer == nil {
		abortWithStatus(c, http.StatusServiceUnavailable, "unavailable", "mail producer is not configured")
		return
	}
	var msg mail.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		abortWithStatus(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	id, err := r.Producer.Send(c.Request.Context(), msg)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (r Routes) getJob(c *gin.Context) {
	if r.Queue == nil {
		abortWithStatus(c, http.StatusNotFound, "not_found", "queue is not configured")
		return
	}
	job, err := r.Queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (r Routes) listDeadLetters(c *gin.Context) {
	if r.DeadLetter == nil {
		abortWithStatus(c, http.StatusNotFound, "not_found", "dead-letter queue is disabled")
		return
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxListLimit {
			abortWithStatus(c, http.StatusBadRequest, "validation_error", "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}
	records, err := r.DeadLetter.Records(c.Request.Context(), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if records == nil {
		records = []*jobs.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"queue": r.DeadLetter.Name(), "records": records})
}
