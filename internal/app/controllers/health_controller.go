package controllers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"pet-feeder-service/internal/error/code"
	"pet-feeder-service/internal/error/response"
)

// StatusSource exposes what the status endpoint reports.
type StatusSource interface {
	LinkState() string
	ArmedJobs() int
	PingDB(ctx context.Context) error
}

// HealthCheckController serves liveness and status.
type HealthCheckController struct {
	Ctx    *gin.Context
	Source StatusSource
}

// NewHealthCheckController creates the controller.
func NewHealthCheckController(ctx *gin.Context, source StatusSource) *HealthCheckController {
	return &HealthCheckController{Ctx: ctx, Source: source}
}

// HandleHealthFunc returns the gin handler for method.
func HandleHealthFunc(source StatusSource, method string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		controller := NewHealthCheckController(ctx, source)

		switch method {
		case "ping":
			controller.Ping()
		case "status":
			controller.Status()
		default:
			response.FailWithMessage(ctx, code.ErrBind, "unknown method", nil)
		}
	}
}

// Ping answers if the process is up.
func (h *HealthCheckController) Ping() {
	response.Success(h.Ctx, gin.H{
		"status":  "healthy",
		"message": "pong",
	})
}

// Status reports the broker link, armed jobs and database. A database that cannot be
// reached turns the answer into 503.
func (h *HealthCheckController) Status() {
	data := gin.H{
		"mqtt":      h.Source.LinkState(),
		"armedJobs": h.Source.ArmedJobs(),
		"database":  "ok",
		"time":      time.Now().UTC(),
	}

	if err := h.Source.PingDB(h.Ctx.Request.Context()); err != nil {
		data["database"] = err.Error()
		response.Fail(h.Ctx, code.ErrConnectionFailed, data)
		return
	}
	response.Success(h.Ctx, data)
}
