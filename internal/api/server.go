package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/metis-devops/gas-sponsorship/internal/services"
	"github.com/metis-devops/gas-sponsorship/internal/services/policy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const correlationHeader = "X-Correlation-ID"

// Accountant is what the HTTP surface needs from services.Accountant.
type Accountant interface {
	CheckEligibility(ctx context.Context, req services.GasEstimateRequest) (services.SponsorshipEligibility, error)
	EstimateGas(ctx context.Context, req services.GasEstimateRequest) (*services.GasEstimate, error)
	RecordUsage(ctx context.Context, address string, networkId uint64, gasCost decimal.Decimal, txHash string) error
	GetUsageStats(ctx context.Context, address string, networkId uint64) (*services.UsageStats, error)
	GetPolicy(ctx context.Context, networkId uint64) (*policy.Policy, error)
	Status() services.Status
}

type Handler struct {
	accountant Accountant
}

func NewRouter(accountant Accountant) *gin.Engine {
	h := &Handler{accountant: accountant}

	router := gin.New()
	router.Use(gin.Recovery(), correlation(), requestLogger())
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	{
		v1.POST("/eligibility", h.CheckEligibility)
		v1.POST("/estimate", h.EstimateGas)
		v1.POST("/usage", h.RecordUsage)
		v1.GET("/usage/:address/:network", h.GetUsageStats)
		v1.GET("/policy/:network", h.GetPolicy)
		v1.GET("/status", h.Status)
	}
	return router
}

func correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set("correlationID", id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		entry := logrus.WithFields(logrus.Fields{
			"method":         c.Request.Method,
			"path":           c.FullPath(),
			"status":         c.Writer.Status(),
			"duration":       time.Since(started).String(),
			"correlation_id": c.GetString("correlationID"),
		})
		if c.Writer.Status() >= 500 {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	}
}
