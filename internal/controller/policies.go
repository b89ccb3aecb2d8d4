package controller

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"sdwanctl/internal/api"
	"sdwanctl/internal/netpolicy"
)

func (s *Server) handleListPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, api.PoliciesResponse{Policies: s.deps.Enforcer.ListPolicies()})
}

func (s *Server) handleAddPolicy(c *gin.Context) {
	var p netpolicy.NetworkPolicy
	if err := c.ShouldBindJSON(&p); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", "Invalid request body", err)
		return
	}

	id, err := s.deps.Enforcer.AddPolicy(p)
	if err != nil {
		abort(c, http.StatusBadRequest, "policy_error", "Failed to add policy", err)
		return
	}
	stored, err := s.deps.Enforcer.GetPolicy(id)
	if err != nil {
		abort(c, http.StatusInternalServerError, "policy_error", "Failed to load policy", err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// handleApplyManifest accepts a multi-document Kubernetes manifest. Every
// NetworkPolicy is validated before any is added.
func (s *Server) handleApplyManifest(c *gin.Context) {
	policies, err := netpolicy.DecodeKubernetes(c.Request.Body)
	if err != nil {
		abort(c, http.StatusBadRequest, "validation_error", "Invalid manifest", err)
		return
	}
	for _, p := range policies {
		if err := netpolicy.Validate(p); err != nil {
			abort(c, http.StatusBadRequest, "validation_error", "Invalid policy "+p.Name, err)
			return
		}
	}

	ids := make([]netpolicy.PolicyID, 0, len(policies))
	for _, p := range policies {
		id, err := s.deps.Enforcer.AddPolicy(p)
		if err != nil {
			abort(c, http.StatusInternalServerError, "policy_error", "Failed to add policy "+p.Name, err)
			return
		}
		ids = append(ids, id)
	}

	log.WithField("count", len(ids)).Info("Applied Kubernetes network policies")
	c.JSON(http.StatusOK, api.PolicyIDsResponse{IDs: ids})
}

func policyParam(c *gin.Context) (netpolicy.PolicyID, bool) {
	id, err := netpolicy.ParsePolicyID(c.Param("id"))
	if err != nil {
		abort(c, http.StatusBadRequest, "validation_error", "Invalid policy id", err)
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	id, ok := policyParam(c)
	if !ok {
		return
	}
	p, err := s.deps.Enforcer.GetPolicy(id)
	if errors.Is(err, netpolicy.ErrPolicyNotFound) {
		abort(c, http.StatusNotFound, "not_found", "Policy not found", err)
		return
	}
	if err != nil {
		abort(c, http.StatusInternalServerError, "policy_error", "Failed to load policy", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(c *gin.Context) {
	id, ok := policyParam(c)
	if !ok {
		return
	}
	err := s.deps.Enforcer.RemovePolicy(id)
	if errors.Is(err, netpolicy.ErrPolicyNotFound) {
		abort(c, http.StatusNotFound, "not_found", "Policy not found", err)
		return
	}
	if err != nil {
		abort(c, http.StatusInternalServerError, "policy_error", "Failed to remove policy", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePolicyStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Enforcer.Stats())
}
