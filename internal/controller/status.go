package controller

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sdwanctl/internal/api"
)

func (s *Server) handleHealth(c *gin.Context) {
	resp := api.HealthResponse{
		Status:          "healthy",
		SiteID:          s.deps.Site.ID,
		SiteName:        s.deps.Site.Name,
		MonitorRunning:  s.deps.Monitor.Running(),
		EnforcerRunning: s.deps.Enforcer.Running(),
		Time:            time.Now().UTC(),
	}
	if !resp.MonitorRunning || !resp.EnforcerRunning {
		resp.Status = "degraded"
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c *gin.Context) {
	paths, err := s.deps.DB.ListPaths(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, "store_error", "Failed to list paths", err)
		return
	}

	resp := api.StatsResponse{
		Paths:    len(paths),
		Tracked:  len(s.deps.Monitor.GetAllMetrics()),
		ByStatus: make(map[string]int),
		Policies: s.deps.Enforcer.Stats(),
	}
	for _, p := range paths {
		resp.ByStatus[string(p.Status)]++
	}
	if s.deps.Responder != nil {
		st := s.deps.Responder.Stats()
		resp.Responder = &st
	}
	c.JSON(http.StatusOK, resp)
}
