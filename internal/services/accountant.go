package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/metis-devops/gas-sponsorship/internal/ledger"
	"github.com/metis-devops/gas-sponsorship/internal/metrics"
	"github.com/metis-devops/gas-sponsorship/internal/services/oracle"
	"github.com/metis-devops/gas-sponsorship/internal/services/policy"
	"github.com/metis-devops/gas-sponsorship/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const DefaultRequestTimeout = 5 * time.Second

const reasonNoPolicy = "no active policy"

type Config struct {
	Networks            map[uint64]utils.Network
	DailyLimitDefault   *decimal.Decimal
	MonthlyLimitDefault *decimal.Decimal
	RequestTimeout      time.Duration
	// NativeToFiatRate returns the USD price of a native symbol, if known.
	NativeToFiatRate func(symbol string) (decimal.Decimal, bool)
}

type GasEstimateRequest struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Value     string    `json:"value,omitempty"`
	Data      string    `json:"data,omitempty"`
	ChainId   uint64    `json:"chainId"`
	Operation Operation `json:"operation,omitempty"`
}

type SponsorshipEligibility struct {
	Eligible       bool             `json:"eligible"`
	Reason         string           `json:"reason"`
	PolicyId       string           `json:"policyId,omitempty"`
	RemainingQuota *decimal.Decimal `json:"remainingQuota,omitempty"`
}

type UsageStats struct {
	Address          string           `json:"address"`
	NetworkId        uint64           `json:"networkId"`
	TotalSpent       decimal.Decimal  `json:"totalSpent"`
	TransactionCount uint64           `json:"transactionCount"`
	DailySpent       decimal.Decimal  `json:"dailySpent"`
	MonthlySpent     decimal.Decimal  `json:"monthlySpent"`
	RemainingDaily   *decimal.Decimal `json:"remainingDaily,omitempty"`
	RemainingMonthly *decimal.Decimal `json:"remainingMonthly,omitempty"`
	LastUpdated      time.Time        `json:"lastUpdated"`
}

type Status struct {
	Enabled     bool            `json:"enabled"`
	PolicyStore bool            `json:"policyStore"`
	Oracle      bool            `json:"oracle"`
	Networks    []utils.Network `json:"networks"`
}

// Accountant decides gas sponsorship and keeps the per-user spend ledger.
// Only RecordUsage mutates state.
type Accountant struct {
	policies policy.Store
	oracle   oracle.GasPriceOracle
	ledger   *ledger.Ledger
	cfg      Config
}

func NewAccountant(policies policy.Store, gasOracle oracle.GasPriceOracle, l *ledger.Ledger, cfg Config) *Accountant {
	if cfg.Networks == nil {
		cfg.Networks = utils.DefaultNetworks()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.NativeToFiatRate == nil {
		cfg.NativeToFiatRate = func(string) (decimal.Decimal, bool) { return decimal.Zero, false }
	}
	return &Accountant{policies: policies, oracle: gasOracle, ledger: l, cfg: cfg}
}

type request struct {
	from      string
	network   utils.Network
	callData  []byte
	operation Operation
}

func (a *Accountant) validate(req GasEstimateRequest) (*request, error) {
	from, err := utils.NormalizeAddress(req.From)
	if err != nil {
		return nil, invalidRequest("from: %s", err)
	}
	if req.To != "" {
		if _, err := utils.NormalizeAddress(req.To); err != nil {
			return nil, invalidRequest("to: %s", err)
		}
	}
	network, ok := a.cfg.Networks[req.ChainId]
	if !ok {
		return nil, invalidRequest("unsupported chain id %d", req.ChainId)
	}
	if req.Value != "" {
		v, err := decimal.NewFromString(req.Value)
		if err != nil || v.IsNegative() {
			return nil, invalidRequest("value %q", req.Value)
		}
	}

	var callData []byte
	if data := req.Data; data != "" && data != "0x" {
		if callData, err = hexutil.Decode(data); err != nil {
			return nil, invalidRequest("data: %s", err)
		}
	}

	op := req.Operation
	switch op {
	case OperationTransfer, OperationTokenTransfer, OperationContractCall:
	case "":
		op = OperationTransfer
		if len(callData) > 0 {
			op = OperationContractCall
		}
	default:
		return nil, invalidRequest("unknown operation %q", op)
	}
	return &request{from: from, network: network, callData: callData, operation: op}, nil
}

func (a *Accountant) getPolicy(ctx context.Context, networkId uint64) (*policy.Policy, error) {
	if a.policies == nil {
		return nil, nil
	}
	newctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	p, err := a.policies.GetPolicy(newctx, networkId)
	if err != nil {
		metrics.PolicyUnavailable.WithLabelValues(networkLabel(networkId)).Inc()
		return nil, fmt.Errorf("%w: %w", ErrPolicyUnavailable, err)
	}
	if p == nil {
		return nil, nil
	}
	return p.WithDefaults(a.cfg.DailyLimitDefault, a.cfg.MonthlyLimitDefault), nil
}

// GetPolicy returns the policy of the network with the configured default
// limits filled in, or nil when the network has none.
func (a *Accountant) GetPolicy(ctx context.Context, networkId uint64) (*policy.Policy, error) {
	if _, ok := a.cfg.Networks[networkId]; !ok {
		return nil, invalidRequest("unsupported chain id %d", networkId)
	}
	return a.getPolicy(ctx, networkId)
}

// CheckEligibility reports whether the request would be sponsored. It only
// reads; a failed policy or ledger lookup yields an ineligible result.
func (a *Accountant) CheckEligibility(ctx context.Context, req GasEstimateRequest) (SponsorshipEligibility, error) {
	r, err := a.validate(req)
	if err != nil {
		return SponsorshipEligibility{}, err
	}
	res, _ := a.evaluate(ctx, r)
	return res, nil
}

func (a *Accountant) evaluate(ctx context.Context, r *request) (res SponsorshipEligibility, pc *policy.Policy) {
	networkId := r.network.ChainId
	log := logrus.WithFields(logrus.Fields{"user": r.from, "network": networkId})
	defer func() {
		result := "ineligible"
		if res.Eligible {
			result = "eligible"
		}
		metrics.EligibilityChecks.WithLabelValues(networkLabel(networkId), result).Inc()
	}()

	pc, err := a.getPolicy(ctx, networkId)
	if err != nil {
		log.Warnf("CheckEligibility: %s", err)
		return SponsorshipEligibility{Reason: reasonNoPolicy}, nil
	}
	if pc == nil || !pc.Active {
		return SponsorshipEligibility{Reason: reasonNoPolicy}, nil
	}

	entry, err := a.ledger.Snapshot(ctx, ledger.Key{Address: r.from, ChainId: networkId})
	if err != nil {
		log.Warnf("CheckEligibility: %s", err)
		return SponsorshipEligibility{Reason: "usage unavailable", PolicyId: pc.Id}, pc
	}

	now := a.ledger.Now()
	subject := policy.Subject{From: r.from, CallData: r.callData}
	if entry != nil {
		subject.DailySpent = entry.DailySpent(now)
		subject.MonthlySpent = entry.MonthlySpent(now)
		subject.HourlyCount = entry.CountSince(now.Add(-time.Hour))
	}

	if err := pc.Evaluate(subject); err != nil {
		log.WithField("policy", pc.Id).Debugf("Not sponsored: %s", err)
		return SponsorshipEligibility{Reason: err.Error(), PolicyId: pc.Id}, pc
	}

	res = SponsorshipEligibility{Eligible: true, Reason: "eligible", PolicyId: pc.Id}
	if pc.DailyLimit != nil {
		remaining := nonNegative(pc.DailyLimit.Sub(subject.DailySpent))
		res.RemainingQuota = &remaining
	}
	return res, pc
}

// EstimateGas always produces an estimate for a valid request. Oracle
// failures are served from the fallback fee and flagged LowConfidence.
func (a *Accountant) EstimateGas(ctx context.Context, req GasEstimateRequest) (*GasEstimate, error) {
	r, err := a.validate(req)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	defer func() { metrics.EstimateDuration.Observe(time.Since(started).Seconds()) }()

	networkId := r.network.ChainId
	var (
		fees        *oracle.FeeTiers
		feeErr      error
		eligibility SponsorshipEligibility
		pc          *policy.Policy
	)

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		fees, feeErr = a.feeEstimate(egctx, networkId)
		return nil
	})
	eg.Go(func() error {
		eligibility, pc = a.evaluate(egctx, r)
		return nil
	})
	_ = eg.Wait()

	estimate := &GasEstimate{GasLimit: gasLimitFor(r.operation, r.callData)}
	if feeErr != nil {
		logrus.WithField("network", networkId).Warnf("EstimateGas: %s, using fallback fee", feeErr)
		metrics.OracleFallbacks.WithLabelValues(networkLabel(networkId)).Inc()
		estimate.Tiers = fallbackTiers()
		estimate.NetworkCongestion = CongestionUnknown
		estimate.LowConfidence = true
	} else {
		estimate.Tiers = composeTiers(fees)
		estimate.NetworkCongestion = congestionOf(estimate.Tiers.Standard.MaxFeePerGas)
	}

	standard := estimate.Tiers.Standard
	estimate.MaxFeePerGas = new(big.Int).Set(standard.MaxFeePerGas)
	estimate.MaxPriorityFeePerGas = new(big.Int).Set(standard.MaxPriorityFeePerGas)
	estimate.SuggestedGasPrice = new(big.Int).Quo(new(big.Int).Mul(standard.MaxFeePerGas, big.NewInt(11)), big.NewInt(10))
	estimate.EstimatedCost = costOf(estimate.GasLimit, standard.MaxFeePerGas)
	if rate, ok := a.cfg.NativeToFiatRate(r.network.Symbol); ok {
		usd := estimate.EstimatedCost.Mul(rate).Round(2)
		estimate.EstimatedCostUSD = &usd
	}

	logrus.WithField("network", networkId).Debugf("EstimateGas: %d gas at %s gwei", estimate.GasLimit, utils.ToGwei(standard.MaxFeePerGas))

	if eligibility.Eligible && pc != nil && pc.PerTransactionLimit != nil && estimate.EstimatedCost.GreaterThan(*pc.PerTransactionLimit) {
		eligibility = SponsorshipEligibility{
			Reason:   "per-transaction limit exceeded (" + estimate.EstimatedCost.String() + " > " + pc.PerTransactionLimit.String() + ")",
			PolicyId: pc.Id,
		}
	}

	estimate.IsSponsored = eligibility.Eligible
	estimate.SponsorshipReason = eligibility.Reason
	estimate.PolicyId = eligibility.PolicyId
	estimate.UserCost = estimate.EstimatedCost
	if estimate.IsSponsored {
		estimate.UserCost = decimal.Zero
	}
	return estimate, nil
}

func (a *Accountant) feeEstimate(ctx context.Context, networkId uint64) (*oracle.FeeTiers, error) {
	if a.oracle == nil {
		return nil, ErrOracleUnavailable
	}
	newctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	fees, err := a.oracle.GetFeeEstimate(newctx, networkId)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	if fees == nil || !validFee(fees.Slow) || !validFee(fees.Standard) || !validFee(fees.Fast) {
		return nil, fmt.Errorf("%w: incomplete fee data", ErrOracleUnavailable)
	}
	return fees, nil
}

func validFee(f oracle.Fee) bool {
	return f.MaxFeePerGas != nil && f.MaxPriorityFeePerGas != nil &&
		f.MaxFeePerGas.Sign() >= 0 && f.MaxPriorityFeePerGas.Sign() >= 0
}

// RecordUsage adds the gas cost of a confirmed transaction to the user's
// ledger entry. Call it once per transaction after confirmation; when txHash
// is set, a repeated call for the same hash is ignored. A *PersistenceError
// means the usage counts in this process but was not written durably.
func (a *Accountant) RecordUsage(ctx context.Context, address string, networkId uint64, gasCost decimal.Decimal, txHash string) error {
	addr, err := utils.NormalizeAddress(address)
	if err != nil {
		return invalidRequest("address: %s", err)
	}
	if _, ok := a.cfg.Networks[networkId]; !ok {
		return invalidRequest("unsupported chain id %d", networkId)
	}
	if gasCost.IsNegative() {
		return invalidRequest("negative gas cost %s", gasCost)
	}
	txHash = strings.ToLower(txHash)

	log := logrus.WithFields(logrus.Fields{"user": addr, "network": networkId, "cost": gasCost.String()})
	_, err = a.ledger.Record(ctx, ledger.Key{Address: addr, ChainId: networkId}, gasCost, txHash)

	var notPersisted *ledger.ErrNotPersisted
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicate):
		log.Infof("RecordUsage: tx %s already recorded", txHash)
		return nil
	case errors.As(err, &notPersisted):
		metrics.PersistenceFailures.Inc()
		log.Warnf("RecordUsage: %s", err)
		err = &PersistenceError{Address: addr, NetworkId: networkId, Err: notPersisted.Err}
	default:
		return err
	}

	spent, _ := gasCost.Float64()
	metrics.RecordedSpend.WithLabelValues(networkLabel(networkId)).Add(spent)
	log.Info("Recorded gas usage")
	return err
}

// GetUsageStats returns nil when nothing was recorded for the pair yet.
func (a *Accountant) GetUsageStats(ctx context.Context, address string, networkId uint64) (*UsageStats, error) {
	addr, err := utils.NormalizeAddress(address)
	if err != nil {
		return nil, invalidRequest("address: %s", err)
	}
	if _, ok := a.cfg.Networks[networkId]; !ok {
		return nil, invalidRequest("unsupported chain id %d", networkId)
	}

	entry, err := a.ledger.Snapshot(ctx, ledger.Key{Address: addr, ChainId: networkId})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	now := a.ledger.Now()
	stats := &UsageStats{
		Address:          addr,
		NetworkId:        networkId,
		TotalSpent:       entry.TotalSpent,
		TransactionCount: entry.TransactionCount,
		DailySpent:       entry.DailySpent(now),
		MonthlySpent:     entry.MonthlySpent(now),
		LastUpdated:      entry.LastUpdated,
	}

	daily, monthly := a.cfg.DailyLimitDefault, a.cfg.MonthlyLimitDefault
	pc, err := a.getPolicy(ctx, networkId)
	if err != nil {
		logrus.WithField("network", networkId).Warnf("GetUsageStats: %s", err)
	} else if pc != nil {
		daily, monthly = pc.DailyLimit, pc.MonthlyLimit
	}
	if daily != nil {
		remaining := nonNegative(daily.Sub(stats.DailySpent))
		stats.RemainingDaily = &remaining
	}
	if monthly != nil {
		remaining := nonNegative(monthly.Sub(stats.MonthlySpent))
		stats.RemainingMonthly = &remaining
	}
	return stats, nil
}

func (a *Accountant) Status() Status {
	s := Status{PolicyStore: a.policies != nil, Oracle: a.oracle != nil}
	s.Enabled = s.PolicyStore
	for _, n := range a.cfg.Networks {
		s.Networks = append(s.Networks, n)
	}
	sortNetworks(s.Networks)
	return s
}

func networkLabel(networkId uint64) string {
	return strconv.FormatUint(networkId, 10)
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func sortNetworks(networks []utils.Network) {
	sort.Slice(networks, func(i, j int) bool { return networks[i].ChainId < networks[j].ChainId })
}
