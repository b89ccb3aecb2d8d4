package controller

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"sdwanctl/internal/addrutil"
	"sdwanctl/internal/api"
	"sdwanctl/internal/metrics"
	"sdwanctl/internal/model"
	"sdwanctl/internal/monitor"
	"sdwanctl/internal/probe"
	"sdwanctl/internal/store"
)

const defaultHistoryWindow = time.Hour

func (s *Server) handleListPaths(c *gin.Context) {
	paths, err := s.deps.DB.ListPaths(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, "store_error", "Failed to list paths", err)
		return
	}
	if paths == nil {
		paths = []model.Path{}
	}
	c.JSON(http.StatusOK, api.PathsResponse{Paths: paths})
}

func (s *Server) handleAddPath(c *gin.Context) {
	var req api.PathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", "Invalid request body", err)
		return
	}
	if req.DstEndpoint == "" {
		abort(c, http.StatusBadRequest, "validation_error", "dst_endpoint is required", nil)
		return
	}
	if addrutil.Host(req.DstEndpoint) == "" {
		abort(c, http.StatusBadRequest, "validation_error", "dst_endpoint must be host, host:port or [ipv6]:port", nil)
		return
	}

	p := model.Path{
		SrcSite:     req.SrcSite,
		DstSite:     req.DstSite,
		SrcEndpoint: req.SrcEndpoint,
		DstEndpoint: req.DstEndpoint,
		WGInterface: req.WGInterface,
		Status:      model.PathUp,
	}
	id, err := s.deps.DB.InsertPath(c.Request.Context(), p)
	if err != nil {
		abort(c, http.StatusInternalServerError, "store_error", "Failed to add path", err)
		return
	}
	p.ID = id

	log.WithFields(log.Fields{"path": id, "dst": p.DstEndpoint}).Info("Path registered")
	c.JSON(http.StatusCreated, p)
}

// pathParam parses :id and confirms the path exists.
func (s *Server) pathParam(c *gin.Context) (model.Path, bool) {
	id, err := model.ParsePathID(c.Param("id"))
	if err != nil {
		abort(c, http.StatusBadRequest, "validation_error", "Invalid path id", err)
		return model.Path{}, false
	}
	p, err := s.deps.DB.GetPath(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		abort(c, http.StatusNotFound, "not_found", "Path not found", err)
		return model.Path{}, false
	}
	if err != nil {
		abort(c, http.StatusInternalServerError, "store_error", "Failed to load path", err)
		return model.Path{}, false
	}
	return p, true
}

func (s *Server) handleGetPath(c *gin.Context) {
	p, ok := s.pathParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleDeletePath(c *gin.Context) {
	id, err := model.ParsePathID(c.Param("id"))
	if err != nil {
		abort(c, http.StatusBadRequest, "validation_error", "Invalid path id", err)
		return
	}
	err = s.deps.DB.DeletePath(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		abort(c, http.StatusNotFound, "not_found", "Path not found", err)
		return
	}
	if err != nil {
		abort(c, http.StatusInternalServerError, "store_error", "Failed to delete path", err)
		return
	}
	s.deps.Monitor.Forget(id)
	if s.deps.Exporter != nil {
		s.deps.Exporter.ForgetPath(id)
	}

	log.WithField("path", id).Info("Path removed")
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePathMetrics(c *gin.Context) {
	p, ok := s.pathParam(c)
	if !ok {
		return
	}
	m, err := s.deps.Monitor.GetMetrics(c.Request.Context(), p.ID)
	if err != nil {
		abort(c, http.StatusInternalServerError, "monitor_error", "Failed to get metrics", err)
		return
	}
	if m == nil {
		abort(c, http.StatusNotFound, "not_found", "No metrics recorded for path", nil)
		return
	}
	c.JSON(http.StatusOK, api.PathMetricsResponse{PathID: p.ID, Status: p.Status, Metrics: *m})
}

func (s *Server) handleAllMetrics(c *gin.Context) {
	all := s.deps.Monitor.GetAllMetrics()
	statuses := make(map[model.PathID]model.PathStatus, len(all))
	if paths, err := s.deps.DB.ListPaths(c.Request.Context()); err == nil {
		for _, p := range paths {
			statuses[p.ID] = p.Status
		}
	}

	resp := api.AllMetricsResponse{Paths: make([]api.PathMetricsResponse, 0, len(all))}
	for id, m := range all {
		status, ok := statuses[id]
		if !ok {
			status = monitor.StatusFor(m)
		}
		resp.Paths = append(resp.Paths, api.PathMetricsResponse{PathID: id, Status: status, Metrics: m})
	}
	sort.Slice(resp.Paths, func(i, j int) bool { return resp.Paths[i].PathID < resp.Paths[j].PathID })
	c.JSON(http.StatusOK, resp)
}

// handlePathHistory accepts either ?since=<RFC3339> or ?window=<duration>.
func (s *Server) handlePathHistory(c *gin.Context) {
	p, ok := s.pathParam(c)
	if !ok {
		return
	}

	since := time.Now().Add(-defaultHistoryWindow)
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			abort(c, http.StatusBadRequest, "validation_error", "Invalid since", err)
			return
		}
		since = t
	} else if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			abort(c, http.StatusBadRequest, "validation_error", "Invalid window", err)
			return
		}
		since = time.Now().Add(-d)
	}

	samples, err := s.deps.DB.MetricsHistory(c.Request.Context(), p.ID, since)
	if err != nil {
		abort(c, http.StatusInternalServerError, "store_error", "Failed to load history", err)
		return
	}
	if samples == nil {
		samples = []model.MetricsSample{}
	}
	c.JSON(http.StatusOK, api.HistoryResponse{
		PathID:  p.ID,
		Since:   since.UTC(),
		Samples: samples,
		Summary: metrics.Summarize(samples, since),
	})
}

func (s *Server) handleProbePath(c *gin.Context) {
	p, ok := s.pathParam(c)
	if !ok {
		return
	}

	rtt, err := s.deps.Monitor.SendProbe(c.Request.Context(), p.ID)
	switch {
	case errors.Is(err, monitor.ErrNotRunning):
		abort(c, http.StatusServiceUnavailable, "monitor_stopped", "Path monitor is not running", err)
		return
	case errors.Is(err, probe.ErrTimeout):
		abort(c, http.StatusGatewayTimeout, "probe_timeout", "Probe timed out", err)
		return
	case err != nil:
		abort(c, http.StatusBadGateway, "probe_error", "Probe failed", err)
		return
	}
	c.JSON(http.StatusOK, api.ProbeResponse{PathID: p.ID, RTTMs: float64(rtt.Microseconds()) / 1000})
}
