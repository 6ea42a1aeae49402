package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	v1 := e.Group("/v1")

	// Read routes, served from the committed generation
	v1.GET("/search", SearchHandler)
	v1.GET("/nodes", ListNodesHandler)
	v1.GET("/nodes/:id", GetNodeHandler)
	v1.GET("/nodes/:id/related", GetRelatedHandler)
	v1.GET("/graph", GetGraphHandler)
	v1.GET("/stats", GetStatisticsHandler)
	v1.GET("/version", GetVersionHandler)
	v1.GET("/backups", ListBackupsHandler)

	// Operator routes
	v1.POST("/rebuild", RebuildHandler, OperatorMiddleware)
}
