package controller

import (
	"fmt"
	"net/http"
	"net/netip"

	"github.com/gin-gonic/gin"

	"sdwanctl/internal/api"
	"sdwanctl/internal/model"
	"sdwanctl/internal/netpolicy"
)

func ipParam(c *gin.Context) (netip.Addr, bool) {
	ip, err := netip.ParseAddr(c.Param("ip"))
	if err != nil {
		abort(c, http.StatusBadRequest, "validation_error", "Invalid IP address", err)
		return netip.Addr{}, false
	}
	return ip, true
}

func (s *Server) handleGetLabels(c *gin.Context) {
	ip, ok := ipParam(c)
	if !ok {
		return
	}
	labels, known := s.deps.Enforcer.PodLabels(ip)
	if !known {
		abort(c, http.StatusNotFound, "not_found", "No labels registered for "+ip.String(), nil)
		return
	}
	c.JSON(http.StatusOK, api.LabelsResponse{IP: ip.String(), Labels: labels})
}

func (s *Server) handleSetLabels(c *gin.Context) {
	ip, ok := ipParam(c)
	if !ok {
		return
	}
	var req api.LabelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", "Invalid request body", err)
		return
	}
	if req.Labels == nil {
		req.Labels = netpolicy.LabelSet{}
	}
	s.deps.Enforcer.UpdatePodLabels(ip, req.Labels)
	c.JSON(http.StatusOK, api.LabelsResponse{IP: ip.String(), Labels: req.Labels})
}

func (s *Server) handleRemoveLabels(c *gin.Context) {
	ip, ok := ipParam(c)
	if !ok {
		return
	}
	if !s.deps.Enforcer.RemovePodLabels(ip) {
		abort(c, http.StatusNotFound, "not_found", "No labels registered for "+ip.String(), nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleEvaluateFlow(c *gin.Context) {
	var req api.FlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", "Invalid request body", err)
		return
	}
	flow, err := flowKey(req)
	if err != nil {
		abort(c, http.StatusBadRequest, "validation_error", "Invalid flow", err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Enforcer.Explain(flow))
}

func flowKey(req api.FlowRequest) (model.FlowKey, error) {
	src, err := netip.ParseAddr(req.SrcIP)
	if err != nil {
		return model.FlowKey{}, fmt.Errorf("src_ip: %w", err)
	}
	dst, err := netip.ParseAddr(req.DstIP)
	if err != nil {
		return model.FlowKey{}, fmt.Errorf("dst_ip: %w", err)
	}

	proto := netpolicy.ProtocolTCP
	if req.Protocol != "" {
		if err := proto.UnmarshalText([]byte(req.Protocol)); err != nil {
			return model.FlowKey{}, fmt.Errorf("protocol: %w", err)
		}
	}
	return model.FlowKey{
		SrcIP:    src,
		DstIP:    dst,
		SrcPort:  req.SrcPort,
		DstPort:  req.DstPort,
		Protocol: uint8(proto),
	}, nil
}
