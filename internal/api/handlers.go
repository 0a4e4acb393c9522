package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/metis-devops/gas-sponsorship/internal/services"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type WarningResponse struct {
	Warning string `json:"warning"`
}

type UsageRequest struct {
	Address   string           `json:"address"`
	NetworkId uint64           `json:"networkId"`
	GasCost   *decimal.Decimal `json:"gasCost"`
	TxHash    string           `json:"txHash,omitempty"`
}

func sendError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrPolicyUnavailable):
		status = http.StatusServiceUnavailable
		logrus.WithField("correlation_id", c.GetString("correlationID")).Warnf("%s %s: %s", c.Request.Method, c.FullPath(), err)
	default:
		logrus.WithField("correlation_id", c.GetString("correlationID")).Errorf("%s %s: %s", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error()})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) CheckEligibility(c *gin.Context) {
	var req services.GasEstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	res, err := h.accountant.CheckEligibility(c.Request.Context(), req)
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) EstimateGas(c *gin.Context) {
	var req services.GasEstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	estimate, err := h.accountant.EstimateGas(c.Request.Context(), req)
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, toGasEstimateResponse(estimate))
}

func (h *Handler) RecordUsage(c *gin.Context) {
	var req UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if req.GasCost == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "gasCost is required"})
		return
	}
	err := h.accountant.RecordUsage(c.Request.Context(), req.Address, req.NetworkId, *req.GasCost, req.TxHash)
	var perr *services.PersistenceError
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.As(err, &perr):
		c.JSON(http.StatusOK, WarningResponse{Warning: perr.Error()})
	default:
		sendError(c, err)
	}
}

func (h *Handler) GetUsageStats(c *gin.Context) {
	networkId, err := strconv.ParseUint(c.Param("network"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "invalid network id"})
		return
	}
	stats, err := h.accountant.GetUsageStats(c.Request.Context(), c.Param("address"), networkId)
	if err != nil {
		sendError(c, err)
		return
	}
	if stats == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: "no usage recorded"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) GetPolicy(c *gin.Context) {
	networkId, err := strconv.ParseUint(c.Param("network"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "invalid network id"})
		return
	}
	p, err := h.accountant.GetPolicy(c.Request.Context(), networkId)
	if err != nil {
		sendError(c, err)
		return
	}
	if p == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: "no policy for network"})
		return
	}
	c.JSON(http.StatusOK, p.Entry())
}

func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.accountant.Status())
}
