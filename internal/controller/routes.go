package controller

import "github.com/gin-gonic/gin"

func (s *Server) setupRoutes() {
	if s.deps.Exporter != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Exporter.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/stats", s.handleStats)
		v1.GET("/stats/policies", s.handlePolicyStats)
		v1.GET("/metrics", s.handleAllMetrics)

		paths := v1.Group("/paths")
		{
			paths.GET("", s.handleListPaths)
			paths.POST("", s.handleAddPath)
			paths.GET("/:id", s.handleGetPath)
			paths.DELETE("/:id", s.handleDeletePath)
			paths.GET("/:id/metrics", s.handlePathMetrics)
			paths.GET("/:id/history", s.handlePathHistory)
			paths.POST("/:id/probe", s.handleProbePath)
		}

		policies := v1.Group("/policies")
		{
			policies.GET("", s.handleListPolicies)
			policies.POST("", s.handleAddPolicy)
			policies.POST("/kubernetes", s.handleApplyManifest)
			policies.GET("/:id", s.handleGetPolicy)
			policies.DELETE("/:id", s.handleDeletePolicy)
		}

		labels := v1.Group("/labels")
		{
			labels.GET("/:ip", s.handleGetLabels)
			labels.PUT("/:ip", s.handleSetLabels)
			labels.DELETE("/:ip", s.handleRemoveLabels)
		}

		v1.POST("/flows/evaluate", s.handleEvaluateFlow)
	}
}
