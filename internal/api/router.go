package api

import (
	"casepilot/internal/api/handler"
	"casepilot/internal/api/middleware"
	"casepilot/internal/logger"
	"casepilot/internal/service"
	"github.com/gin-gonic/gin"
)

// Services bundles everything the router serves.
type Services struct {
	Orchestrator *service.Orchestrator
	Mindmap      *service.MindmapProjector
	Cases        *service.CaseService
	Exporter     *service.CaseExporter
	Dashboard    *service.DashboardService
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(svcs *Services, log *logger.Logger, cors middleware.CORSConfig, mode string) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS(cors))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	taskHandler := handler.NewTaskHandler(svcs.Orchestrator, svcs.Mindmap)
	caseHandler := handler.NewCaseHandler(svcs.Cases, svcs.Exporter)
	dashboardHandler := handler.NewDashboardHandler(svcs.Dashboard)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Analysis tasks
		v1.POST("/tasks", taskHandler.Create)
		v1.GET("/tasks/:id", taskHandler.Get)
		v1.POST("/tasks/:id/cancel", taskHandler.Cancel)
		v1.DELETE("/tasks/:id", taskHandler.Delete)
		v1.GET("/tasks/:id/mindmap", taskHandler.Mindmap)

		// Test cases
		v1.GET("/cases", caseHandler.List)
		v1.GET("/cases/export", caseHandler.Export)
		v1.GET("/cases/:id", caseHandler.Get)
		v1.PUT("/cases/:id", caseHandler.Update)
		v1.DELETE("/cases/:id", caseHandler.Delete)
		v1.GET("/cases/:id/histories", caseHandler.Histories)

		// Stats
		v1.GET("/dashboard", dashboardHandler.Stats)
	}

	return r
}
