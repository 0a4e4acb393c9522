package services

import (
	"math/big"

	"github.com/metis-devops/gas-sponsorship/internal/services/oracle"
	"github.com/metis-devops/gas-sponsorship/internal/utils"
	"github.com/shopspring/decimal"
)

type Operation string

const (
	OperationTransfer      Operation = "transfer"
	OperationTokenTransfer Operation = "token_transfer"
	OperationContractCall  Operation = "contract_call"
)

const (
	TransferGas       = 21000
	TokenTransferGas  = 65000
	ContractCallFloor = 100000
	CallDataByteGas   = 16
)

type Congestion string

const (
	CongestionLow     Congestion = "low"
	CongestionMedium  Congestion = "medium"
	CongestionHigh    Congestion = "high"
	CongestionUnknown Congestion = "unknown"
)

var (
	fallbackMaxFee      = utils.Gwei(5)
	fallbackPriorityFee = utils.Gwei(1)

	lowCongestionBelow  = utils.Gwei(5)
	highCongestionAbove = utils.Gwei(20)
)

type FeeTier struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	EstimatedSeconds     int
	Confidence           float64
}

type FeeTiers struct {
	Slow     FeeTier
	Standard FeeTier
	Fast     FeeTier
}

type GasEstimate struct {
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Tiers                FeeTiers

	// EstimatedCost is what the transaction costs at the standard tier,
	// whoever pays it. UserCost is zero when the transaction is sponsored.
	EstimatedCost    decimal.Decimal
	EstimatedCostUSD *decimal.Decimal
	UserCost         decimal.Decimal

	IsSponsored       bool
	SponsorshipReason string
	PolicyId          string

	NetworkCongestion Congestion
	SuggestedGasPrice *big.Int
	LowConfidence     bool
}

func gasLimitFor(op Operation, callData []byte) uint64 {
	switch op {
	case OperationTransfer:
		return TransferGas
	case OperationTokenTransfer:
		return TokenTransferGas
	default:
		scaled := uint64(ContractCallFloor/2 + len(callData)*CallDataByteGas)
		if scaled < ContractCallFloor {
			return ContractCallFloor
		}
		return scaled
	}
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// composeTiers turns oracle fees into display tiers. Fees are forced to be
// non-decreasing from slow to fast whatever the oracle returned.
func composeTiers(fees *oracle.FeeTiers) FeeTiers {
	standardMax := maxBig(fees.Standard.MaxFeePerGas, fees.Slow.MaxFeePerGas)
	fastMax := maxBig(fees.Fast.MaxFeePerGas, standardMax)
	standardTip := maxBig(fees.Standard.MaxPriorityFeePerGas, fees.Slow.MaxPriorityFeePerGas)
	fastTip := maxBig(fees.Fast.MaxPriorityFeePerGas, standardTip)

	return FeeTiers{
		Slow: FeeTier{
			MaxFeePerGas:         new(big.Int).Set(fees.Slow.MaxFeePerGas),
			MaxPriorityFeePerGas: new(big.Int).Set(fees.Slow.MaxPriorityFeePerGas),
			EstimatedSeconds:     15,
			Confidence:           0.5,
		},
		Standard: FeeTier{MaxFeePerGas: standardMax, MaxPriorityFeePerGas: standardTip, EstimatedSeconds: 5, Confidence: 0.8},
		Fast:     FeeTier{MaxFeePerGas: fastMax, MaxPriorityFeePerGas: fastTip, EstimatedSeconds: 3, Confidence: 0.95},
	}
}

func fallbackTiers() FeeTiers {
	fee := oracle.Fee{MaxFeePerGas: fallbackMaxFee, MaxPriorityFeePerGas: fallbackPriorityFee}
	tiers := composeTiers(&oracle.FeeTiers{Slow: fee, Standard: fee, Fast: fee})
	tiers.Slow.Confidence = 0.1
	tiers.Standard.Confidence = 0.1
	tiers.Fast.Confidence = 0.1
	return tiers
}

func congestionOf(standardFee *big.Int) Congestion {
	switch {
	case standardFee.Cmp(lowCongestionBelow) < 0:
		return CongestionLow
	case standardFee.Cmp(highCongestionAbove) < 0:
		return CongestionMedium
	default:
		return CongestionHigh
	}
}

// costOf returns gasLimit * feePerGas in native units.
func costOf(gasLimit uint64, feePerGas *big.Int) decimal.Decimal {
	wei := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), feePerGas)
	return utils.ToEther(wei)
}
