package api

import (
	"math/big"

	"github.com/metis-devops/gas-sponsorship/internal/services"
	"github.com/shopspring/decimal"
)

// Wei amounts are rendered as decimal strings; they overflow JSON numbers.

type FeeTierResponse struct {
	MaxFeePerGas         string  `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string  `json:"maxPriorityFeePerGas"`
	EstimatedSeconds     int     `json:"estimatedSeconds"`
	Confidence           float64 `json:"confidence"`
}

type GasEstimateResponse struct {
	GasLimit             uint64                     `json:"gasLimit"`
	MaxFeePerGas         string                     `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string                     `json:"maxPriorityFeePerGas"`
	Tiers                map[string]FeeTierResponse `json:"tiers"`
	EstimatedCost        decimal.Decimal            `json:"estimatedCost"`
	EstimatedCostUSD     *decimal.Decimal           `json:"estimatedCostUsd,omitempty"`
	UserCost             decimal.Decimal            `json:"userCost"`
	IsSponsored          bool                       `json:"isSponsored"`
	SponsorshipReason    string                     `json:"sponsorshipReason,omitempty"`
	PolicyId             string                     `json:"policyId,omitempty"`
	NetworkCongestion    services.Congestion        `json:"networkCongestion"`
	SuggestedGasPrice    string                     `json:"suggestedGasPrice"`
	LowConfidence        bool                       `json:"lowConfidence"`
}

func weiString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func toFeeTierResponse(t services.FeeTier) FeeTierResponse {
	return FeeTierResponse{
		MaxFeePerGas:         weiString(t.MaxFeePerGas),
		MaxPriorityFeePerGas: weiString(t.MaxPriorityFeePerGas),
		EstimatedSeconds:     t.EstimatedSeconds,
		Confidence:           t.Confidence,
	}
}

func toGasEstimateResponse(e *services.GasEstimate) GasEstimateResponse {
	return GasEstimateResponse{
		GasLimit:             e.GasLimit,
		MaxFeePerGas:         weiString(e.MaxFeePerGas),
		MaxPriorityFeePerGas: weiString(e.MaxPriorityFeePerGas),
		Tiers: map[string]FeeTierResponse{
			"slow":     toFeeTierResponse(e.Tiers.Slow),
			"standard": toFeeTierResponse(e.Tiers.Standard),
			"fast":     toFeeTierResponse(e.Tiers.Fast),
		},
		EstimatedCost:     e.EstimatedCost,
		EstimatedCostUSD:  e.EstimatedCostUSD,
		UserCost:          e.UserCost,
		IsSponsored:       e.IsSponsored,
		SponsorshipReason: e.SponsorshipReason,
		PolicyId:          e.PolicyId,
		NetworkCongestion: e.NetworkCongestion,
		SuggestedGasPrice: weiString(e.SuggestedGasPrice),
		LowConfidence:     e.LowConfidence,
	}
}
