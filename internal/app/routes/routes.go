package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pet-feeder-service/internal/app/controllers"
	"pet-feeder-service/internal/app/middleware"
	"pet-feeder-service/internal/infrastructure/config"
)

// Backend is everything the routes need; the service container implements it.
type Backend interface {
	controllers.FeederProvider
	controllers.StatusSource
}

// SetupRouter builds the gin engine.
func SetupRouter(backend Backend, cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.LogLevel == "debug" || cfg.LogLevel == "trace" {
		r.Use(gin.Logger())
	}
	if cfg.MetricsEnabled {
		r.Use(middleware.Metrics())
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	registerRoutes(r, backend)
	return r
}

func registerRoutes(r *gin.Engine, backend Backend) {
	api := r.Group("/api")
	registerPublicRoutes(api, backend)
	registerFeederRoutes(api, backend)
}

func registerPublicRoutes(api *gin.RouterGroup, backend Backend) {
	api.GET("/ping", controllers.HandleHealthFunc(backend, "ping"))
	api.GET("/health", controllers.HandleHealthFunc(backend, "ping"))
	api.GET("/health/status", controllers.HandleHealthFunc(backend, "status"))
}

func registerFeederRoutes(api *gin.RouterGroup, backend Backend) {
	feeder := api.Group("/pet-feeder")
	feeder.Use(middleware.CombinedRateLimiter(5, 10))

	// Cat-scoped routes
	feeder.GET("/cats/:catId/feeding-history", controllers.HandleFeederFunc(backend, "feedingHistory"))
	feeder.GET("/cats/:catId/schedules", controllers.HandleFeederFunc(backend, "listSchedules"))
	feeder.POST("/cats/:catId/schedules/toggle", controllers.HandleFeederFunc(backend, "toggleSchedules"))

	// Schedules by id
	feeder.POST("/schedules/:scheduleId/delete", controllers.HandleFeederFunc(backend, "deleteSchedule"))
	feeder.GET("/jobs", controllers.HandleFeederFunc(backend, "listJobs"))

	// Device-scoped routes
	feeder.POST("/:deviceId/cats/:catId/feed", controllers.HandleFeederFunc(backend, "feedNow"))
	feeder.POST("/:deviceId/cats/:catId/schedule", controllers.HandleFeederFunc(backend, "createSchedule"))
	feeder.POST("/:deviceId/cats/:catId/sendImage", controllers.HandleFeederFunc(backend, "sendImage"))
	feeder.POST("/:deviceId/trainModel", controllers.HandleFeederFunc(backend, "trainModel"))
	feeder.POST("/:deviceId/status", controllers.HandleFeederFunc(backend, "requestStatus"))
	feeder.GET("/:deviceId/weight", controllers.HandleFeederFunc(backend, "latestWeight"))
}
