package adminapi

import (
	"github.com/gin-gonic/gin"
)

// Dependencies wires a Handler and the admin JWT secret into the router.
type Dependencies struct {
	Handler      *Handler
	JWTSecret    string
	AdminEnabled bool
	ReloadRoutes func() error
}

// SetupRoutes registers the public /health endpoint, a JWT-gated /stats
// endpoint, and (if enabled) the JWT-gated /admin/routes/reload endpoint.
func SetupRoutes(router *gin.Engine, deps *Dependencies) {
	router.GET("/health", deps.Handler.Health)

	protected := router.Group("")
	protected.Use(AuthMiddleware(deps.JWTSecret))
	protected.GET("/stats", deps.Handler.Stats)

	if !deps.AdminEnabled {
		return
	}
	admin := protected.Group("/admin")
	admin.POST("/routes/reload", deps.Handler.ReloadRoutes(deps.ReloadRoutes))
}
