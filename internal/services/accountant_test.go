package services_test

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metis-devops/gas-sponsorship/internal/ledger"
	"github.com/metis-devops/gas-sponsorship/internal/metrics"
	"github.com/metis-devops/gas-sponsorship/internal/mocks"
	"github.com/metis-devops/gas-sponsorship/internal/services"
	"github.com/metis-devops/gas-sponsorship/internal/services/oracle"
	"github.com/metis-devops/gas-sponsorship/internal/services/policy"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	user     = "0x3980c9ed79d2c191a89e02fa3529c60ed6e9c04b"
	receiver = "0xcf7257a86a5dbba34babcd2680f209eb9a05b2d2"
	bnb      = 56
)

type brokenStore struct{}

func (brokenStore) Load(context.Context, ledger.Key) (*ledger.Entry, error) { return nil, nil }
func (brokenStore) Apply(context.Context, ledger.Key, ledger.Usage) error {
	return errors.New("read-only file system")
}

type memStore struct{}

func (memStore) Load(context.Context, ledger.Key) (*ledger.Entry, error) { return nil, nil }
func (memStore) Apply(context.Context, ledger.Key, ledger.Usage) error   { return nil }

// flakyStore fails its first failures writes.
type flakyStore struct {
	memStore
	failures atomic.Int32
	writes   atomic.Int32
}

func (s *flakyStore) Apply(context.Context, ledger.Key, ledger.Usage) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	s.writes.Add(1)
	return nil
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func gwei(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e9)) }

func dailyPolicy(limit string) *policy.Policy {
	return &policy.Policy{
		Id:         "bnb-sponsorship",
		NetworkId:  bnb,
		Active:     true,
		DailyLimit: decp(limit),
		Rules: []*policy.Rule{
			{Type: policy.SpendingLimitRule, Enabled: true, Description: "Daily spending limit", DailyLimit: decp(limit)},
		},
	}
}

func flatFees(fee *big.Int) *oracle.FeeTiers {
	f := oracle.Fee{MaxFeePerGas: fee, MaxPriorityFeePerGas: fee}
	return &oracle.FeeTiers{Slow: f, Standard: f, Fast: f}
}

type fixture struct {
	ctrl     *gomock.Controller
	policies *mocks.MockPolicyStore
	oracle   *mocks.MockGasPriceOracle
	ledger   *ledger.Ledger
	now      time.Time
	acc      *services.Accountant
}

func newFixture(t *testing.T, store ledger.Store, cfg services.Config) *fixture {
	ctrl := gomock.NewController(t)
	f := &fixture{
		ctrl:     ctrl,
		policies: mocks.NewMockPolicyStore(ctrl),
		oracle:   mocks.NewMockGasPriceOracle(ctrl),
		now:      time.Date(2024, 5, 13, 10, 0, 0, 0, time.UTC),
	}
	f.ledger = ledger.New(store, func() time.Time { return f.now })
	f.acc = services.NewAccountant(f.policies, f.oracle, f.ledger, cfg)
	return f
}

func (f *fixture) spend(t *testing.T, amount string) {
	t.Helper()
	_, err := f.ledger.Record(context.Background(), ledger.Key{Address: user, ChainId: bnb}, dec(amount), "")
	require.NoError(t, err)
}

func transferRequest() services.GasEstimateRequest {
	return services.GasEstimateRequest{From: user, To: receiver, Value: "0.5", ChainId: bnb, Operation: services.OperationTransfer}
}

func TestAccountant_CheckEligibility(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name           string
		spent          string
		setupMocks     func(f *fixture)
		validateResult func(t *testing.T, res services.SponsorshipEligibility)
	}{
		{
			name:  "quota left",
			spent: "0.05",
			setupMocks: func(f *fixture) {
				f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(dailyPolicy("0.1"), nil)
			},
			validateResult: func(t *testing.T, res services.SponsorshipEligibility) {
				assert.True(t, res.Eligible)
				assert.Equal(t, "eligible", res.Reason)
				assert.Equal(t, "bnb-sponsorship", res.PolicyId)
				require.NotNil(t, res.RemainingQuota)
				assert.Equal(t, "0.05", res.RemainingQuota.String())
			},
		},
		{
			name:  "limit reached exactly",
			spent: "0.1",
			setupMocks: func(f *fixture) {
				f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(dailyPolicy("0.1"), nil)
			},
			validateResult: func(t *testing.T, res services.SponsorshipEligibility) {
				assert.False(t, res.Eligible)
				assert.Contains(t, res.Reason, "limit")
				assert.Nil(t, res.RemainingQuota)
			},
		},
		{
			name: "policy store fails",
			setupMocks: func(f *fixture) {
				f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(nil, errors.New("dashboard timeout"))
			},
			validateResult: func(t *testing.T, res services.SponsorshipEligibility) {
				assert.False(t, res.Eligible)
				assert.Equal(t, "no active policy", res.Reason)
			},
		},
		{
			name: "no policy",
			setupMocks: func(f *fixture) {
				f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(nil, nil)
			},
			validateResult: func(t *testing.T, res services.SponsorshipEligibility) {
				assert.False(t, res.Eligible)
				assert.Equal(t, "no active policy", res.Reason)
			},
		},
		{
			name: "inactive policy",
			setupMocks: func(f *fixture) {
				p := dailyPolicy("0.1")
				p.Active = false
				f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(p, nil)
			},
			validateResult: func(t *testing.T, res services.SponsorshipEligibility) {
				assert.False(t, res.Eligible)
				assert.Equal(t, "no active policy", res.Reason)
			},
		},
		{
			name:  "no daily limit",
			spent: "5",
			setupMocks: func(f *fixture) {
				p := &policy.Policy{Id: "open", NetworkId: bnb, Active: true, Rules: []*policy.Rule{
					{Type: policy.SpendingLimitRule, Enabled: true},
				}}
				f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(p, nil)
			},
			validateResult: func(t *testing.T, res services.SponsorshipEligibility) {
				assert.True(t, res.Eligible)
				assert.Nil(t, res.RemainingQuota)
			},
		},
		{
			name:  "rate limit over trailing hour",
			spent: "0.001",
			setupMocks: func(f *fixture) {
				p := &policy.Policy{Id: "rate", NetworkId: bnb, Active: true, Rules: []*policy.Rule{
					{Type: policy.RateLimitRule, Enabled: true, MaxPerHour: 1},
				}}
				f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(p, nil)
			},
			validateResult: func(t *testing.T, res services.SponsorshipEligibility) {
				assert.False(t, res.Eligible)
				assert.Contains(t, res.Reason, "rate limit")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, memStore{}, services.Config{})
			if tt.spent != "" {
				f.spend(t, tt.spent)
			}
			tt.setupMocks(f)
			res, err := f.acc.CheckEligibility(ctx, transferRequest())
			require.NoError(t, err)
			tt.validateResult(t, res)
		})
	}
}

func TestAccountant_CheckEligibility_IdempotentRead(t *testing.T) {
	f := newFixture(t, memStore{}, services.Config{})
	f.spend(t, "0.03")
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(dailyPolicy("0.1"), nil).Times(2)

	first, err := f.acc.CheckEligibility(context.Background(), transferRequest())
	require.NoError(t, err)
	second, err := f.acc.CheckEligibility(context.Background(), transferRequest())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAccountant_DailyRollover(t *testing.T) {
	f := newFixture(t, memStore{}, services.Config{})
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(dailyPolicy("0.1"), nil).AnyTimes()
	f.spend(t, "0.09")

	f.now = f.now.Add(24 * time.Hour)
	res, err := f.acc.CheckEligibility(context.Background(), transferRequest())
	require.NoError(t, err)
	assert.True(t, res.Eligible)
	assert.Equal(t, "0.1", res.RemainingQuota.String())

	f.spend(t, "0.05")
	res, err = f.acc.CheckEligibility(context.Background(), transferRequest())
	require.NoError(t, err)
	assert.True(t, res.Eligible)
	assert.Equal(t, "0.05", res.RemainingQuota.String())

	stats, err := f.acc.GetUsageStats(context.Background(), user, bnb)
	require.NoError(t, err)
	assert.Equal(t, "0.05", stats.DailySpent.String())
	assert.Equal(t, "0.14", stats.TotalSpent.String())
}

func TestAccountant_ConfigDefaults(t *testing.T) {
	f := newFixture(t, memStore{}, services.Config{DailyLimitDefault: decp("0.02")})
	p := &policy.Policy{Id: "defaults", NetworkId: bnb, Active: true, Rules: []*policy.Rule{
		{Type: policy.SpendingLimitRule, Enabled: true},
	}}
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(p, nil).AnyTimes()
	f.spend(t, "0.02")

	res, err := f.acc.CheckEligibility(context.Background(), transferRequest())
	require.NoError(t, err)
	assert.False(t, res.Eligible)
	assert.Nil(t, p.DailyLimit, "store policy must not be mutated")
}

func TestAccountant_InvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		req  services.GasEstimateRequest
	}{
		{"bad from", services.GasEstimateRequest{From: "0xabc", ChainId: bnb}},
		{"bad to", services.GasEstimateRequest{From: user, To: "nope", ChainId: bnb}},
		{"unknown chain", services.GasEstimateRequest{From: user, ChainId: 12345}},
		{"bad data", services.GasEstimateRequest{From: user, ChainId: bnb, Data: "0xzz"}},
		{"bad value", services.GasEstimateRequest{From: user, ChainId: bnb, Value: "-1"}},
		{"bad operation", services.GasEstimateRequest{From: user, ChainId: bnb, Operation: "swap"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// no expectations: invalid requests must not reach collaborators
			f := newFixture(t, memStore{}, services.Config{})
			_, err := f.acc.CheckEligibility(context.Background(), tt.req)
			assert.ErrorIs(t, err, services.ErrInvalidRequest)
			_, err = f.acc.EstimateGas(context.Background(), tt.req)
			assert.ErrorIs(t, err, services.ErrInvalidRequest)
		})
	}
}

func TestAccountant_EstimateGas(t *testing.T) {
	f := newFixture(t, memStore{}, services.Config{})
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(dailyPolicy("0.1"), nil)
	f.oracle.EXPECT().GetFeeEstimate(gomock.Any(), uint64(bnb)).Return(&oracle.FeeTiers{
		Slow:     oracle.Fee{MaxFeePerGas: gwei(3), MaxPriorityFeePerGas: gwei(1)},
		Standard: oracle.Fee{MaxFeePerGas: gwei(5), MaxPriorityFeePerGas: gwei(1)},
		Fast:     oracle.Fee{MaxFeePerGas: gwei(8), MaxPriorityFeePerGas: gwei(2)},
	}, nil)

	est, err := f.acc.EstimateGas(context.Background(), transferRequest())
	require.NoError(t, err)
	assert.Equal(t, uint64(21000), est.GasLimit)
	assert.Equal(t, "0.000105", est.EstimatedCost.String())
	assert.Equal(t, 0, est.MaxFeePerGas.Cmp(gwei(5)))
	assert.True(t, est.IsSponsored)
	assert.True(t, est.UserCost.IsZero())
	assert.Equal(t, "bnb-sponsorship", est.PolicyId)
	assert.Equal(t, services.CongestionMedium, est.NetworkCongestion)
	assert.Nil(t, est.EstimatedCostUSD)
	assert.False(t, est.LowConfidence)
	assert.Equal(t, 0, est.SuggestedGasPrice.Cmp(big.NewInt(5_500_000_000)))
	assertMonotonicTiers(t, est.Tiers)
}

func TestAccountant_EstimateGas_NotSponsored(t *testing.T) {
	f := newFixture(t, memStore{}, services.Config{})
	f.spend(t, "0.1")
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(dailyPolicy("0.1"), nil)
	f.oracle.EXPECT().GetFeeEstimate(gomock.Any(), uint64(bnb)).Return(flatFees(gwei(5)), nil)

	est, err := f.acc.EstimateGas(context.Background(), transferRequest())
	require.NoError(t, err)
	assert.False(t, est.IsSponsored)
	assert.Contains(t, est.SponsorshipReason, "limit")
	assert.Equal(t, "0.000105", est.UserCost.String())
}

func TestAccountant_EstimateGas_OracleFails(t *testing.T) {
	f := newFixture(t, memStore{}, services.Config{})
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(nil, nil)
	f.oracle.EXPECT().GetFeeEstimate(gomock.Any(), uint64(bnb)).Return(nil, errors.New("rpc: 503"))

	est, err := f.acc.EstimateGas(context.Background(), transferRequest())
	require.NoError(t, err)
	assert.Equal(t, uint64(21000), est.GasLimit)
	assert.Equal(t, 0, est.MaxFeePerGas.Cmp(gwei(5)))
	assert.Equal(t, 0, est.MaxPriorityFeePerGas.Cmp(gwei(1)))
	assert.Equal(t, "0.000105", est.EstimatedCost.String())
	assert.Equal(t, services.CongestionUnknown, est.NetworkCongestion)
	assert.True(t, est.LowConfidence)
	assert.False(t, est.IsSponsored)
	assertMonotonicTiers(t, est.Tiers)
}

func TestAccountant_EstimateGas_OracleTimeout(t *testing.T) {
	f := newFixture(t, memStore{}, services.Config{RequestTimeout: 20 * time.Millisecond})
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(dailyPolicy("0.1"), nil)
	f.oracle.EXPECT().GetFeeEstimate(gomock.Any(), uint64(bnb)).DoAndReturn(
		func(ctx context.Context, _ uint64) (*oracle.FeeTiers, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	est, err := f.acc.EstimateGas(context.Background(), transferRequest())
	require.NoError(t, err)
	assert.True(t, est.LowConfidence)
	assert.True(t, est.IsSponsored)
}

func TestAccountant_CheckEligibility_PolicyTimeout(t *testing.T) {
	f := newFixture(t, memStore{}, services.Config{RequestTimeout: 20 * time.Millisecond})
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).DoAndReturn(
		func(ctx context.Context, _ uint64) (*policy.Policy, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	unavailable := metrics.PolicyUnavailable.WithLabelValues("56")
	before := counterValue(t, unavailable)

	start := time.Now()
	res, err := f.acc.CheckEligibility(context.Background(), transferRequest())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.Eligible)
	assert.Equal(t, "no active policy", res.Reason)
	assert.Nil(t, res.RemainingQuota)
	assert.Equal(t, before+1, counterValue(t, unavailable))
}

func TestAccountant_EstimateGas_UnorderedOracleTiers(t *testing.T) {
	f := newFixture(t, memStore{}, services.Config{})
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(nil, nil)
	f.oracle.EXPECT().GetFeeEstimate(gomock.Any(), uint64(bnb)).Return(&oracle.FeeTiers{
		Slow:     oracle.Fee{MaxFeePerGas: gwei(9), MaxPriorityFeePerGas: gwei(2)},
		Standard: oracle.Fee{MaxFeePerGas: gwei(4), MaxPriorityFeePerGas: gwei(1)},
		Fast:     oracle.Fee{MaxFeePerGas: gwei(6), MaxPriorityFeePerGas: gwei(1)},
	}, nil)

	est, err := f.acc.EstimateGas(context.Background(), transferRequest())
	require.NoError(t, err)
	assertMonotonicTiers(t, est.Tiers)
}

func TestAccountant_EstimateGas_GasLimits(t *testing.T) {
	longCall := "0xa9059cbb" + strings.Repeat("00", 4000)
	tests := []struct {
		name string
		req  services.GasEstimateRequest
		want uint64
	}{
		{"transfer", services.GasEstimateRequest{From: user, ChainId: bnb, Operation: services.OperationTransfer}, 21000},
		{"token transfer", services.GasEstimateRequest{From: user, ChainId: bnb, Operation: services.OperationTokenTransfer, Data: "0xa9059cbb"}, 65000},
		{"short call floors", services.GasEstimateRequest{From: user, ChainId: bnb, Operation: services.OperationContractCall, Data: "0xa9059cbb"}, 100000},
		{"long call scales", services.GasEstimateRequest{From: user, ChainId: bnb, Operation: services.OperationContractCall, Data: longCall}, 50000 + 4004*16},
		{"inferred call", services.GasEstimateRequest{From: user, ChainId: bnb, Data: "0xa9059cbb"}, 100000},
		{"inferred transfer", services.GasEstimateRequest{From: user, ChainId: bnb, Data: "0x"}, 21000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, memStore{}, services.Config{})
			f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(nil, nil)
			f.oracle.EXPECT().GetFeeEstimate(gomock.Any(), uint64(bnb)).Return(flatFees(gwei(1)), nil)
			est, err := f.acc.EstimateGas(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, est.GasLimit)
		})
	}
}

func TestAccountant_EstimateGas_PerTransactionLimit(t *testing.T) {
	f := newFixture(t, memStore{}, services.Config{})
	p := dailyPolicy("0.1")
	p.PerTransactionLimit = decp("0.0001")
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(p, nil)
	f.oracle.EXPECT().GetFeeEstimate(gomock.Any(), uint64(bnb)).Return(flatFees(gwei(5)), nil)

	est, err := f.acc.EstimateGas(context.Background(), transferRequest())
	require.NoError(t, err)
	assert.False(t, est.IsSponsored)
	assert.Contains(t, est.SponsorshipReason, "per-transaction limit")
	assert.Equal(t, est.EstimatedCost, est.UserCost)
}

func TestAccountant_EstimateGas_FiatRate(t *testing.T) {
	rate := func(symbol string) (decimal.Decimal, bool) {
		if symbol == "BNB" {
			return dec("600"), true
		}
		return decimal.Zero, false
	}
	f := newFixture(t, memStore{}, services.Config{NativeToFiatRate: rate})
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(nil, nil)
	f.oracle.EXPECT().GetFeeEstimate(gomock.Any(), uint64(bnb)).Return(flatFees(gwei(5)), nil)

	est, err := f.acc.EstimateGas(context.Background(), transferRequest())
	require.NoError(t, err)
	require.NotNil(t, est.EstimatedCostUSD)
	assert.Equal(t, "0.06", est.EstimatedCostUSD.String())
}

func TestAccountant_RecordUsage_Concurrent(t *testing.T) {
	store, err := ledger.OpenFileStore(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)
	f := newFixture(t, store, services.Config{})
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(dailyPolicy("0.1"), nil).AnyTimes()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.acc.RecordUsage(ctx, user, bnb, dec("0.01"), ""))
		}()
	}
	wg.Wait()

	stats, err := f.acc.GetUsageStats(ctx, user, bnb)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, uint64(2), stats.TransactionCount)
	assert.Equal(t, "0.02", stats.DailySpent.String())
	assert.Equal(t, "0.08", stats.RemainingDaily.String())
	assert.Nil(t, stats.RemainingMonthly)
}

func TestAccountant_RecordUsage_Dedup(t *testing.T) {
	f := newFixture(t, memStore{}, services.Config{})
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(nil, nil).AnyTimes()
	ctx := context.Background()

	require.NoError(t, f.acc.RecordUsage(ctx, user, bnb, dec("0.01"), "0xABCD"))
	require.NoError(t, f.acc.RecordUsage(ctx, user, bnb, dec("0.01"), "0xabcd"))

	stats, err := f.acc.GetUsageStats(ctx, user, bnb)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TransactionCount)
}

func TestAccountant_RecordUsage_PersistenceError(t *testing.T) {
	f := newFixture(t, brokenStore{}, services.Config{})
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(nil, nil).AnyTimes()
	ctx := context.Background()

	err := f.acc.RecordUsage(ctx, user, bnb, dec("0.01"), "")
	var perr *services.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, user, perr.Address)

	stats, err := f.acc.GetUsageStats(ctx, user, bnb)
	require.NoError(t, err)
	assert.Equal(t, "0.01", stats.TotalSpent.String())
}

func TestAccountant_RecordUsage_RetryAfterPersistenceError(t *testing.T) {
	store := &flakyStore{}
	store.failures.Store(1)
	f := newFixture(t, store, services.Config{})
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(nil, nil).AnyTimes()
	ctx := context.Background()

	var perr *services.PersistenceError
	require.ErrorAs(t, f.acc.RecordUsage(ctx, user, bnb, dec("0.01"), "0xfeed"), &perr)
	assert.Equal(t, int32(0), store.writes.Load())

	require.NoError(t, f.acc.RecordUsage(ctx, user, bnb, dec("0.01"), "0xfeed"))
	assert.Equal(t, int32(1), store.writes.Load())

	stats, err := f.acc.GetUsageStats(ctx, user, bnb)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TransactionCount)
	assert.Equal(t, "0.01", stats.TotalSpent.String())
}

func TestAccountant_RecordUsage_CanceledRequest(t *testing.T) {
	store := &flakyStore{}
	f := newFixture(t, store, services.Config{})
	ctx, cancel := context.WithCancel(context.Background())

	// the entry is cached before the client goes away
	_, err := f.ledger.Snapshot(ctx, ledger.Key{Address: user, ChainId: bnb})
	require.NoError(t, err)
	cancel()

	require.NoError(t, f.acc.RecordUsage(ctx, user, bnb, dec("0.01"), "0xfeed"))
	assert.Equal(t, int32(1), store.writes.Load())
}

func TestAccountant_RecordUsage_Invalid(t *testing.T) {
	f := newFixture(t, memStore{}, services.Config{})
	ctx := context.Background()
	assert.ErrorIs(t, f.acc.RecordUsage(ctx, "0xabc", bnb, dec("0.01"), ""), services.ErrInvalidRequest)
	assert.ErrorIs(t, f.acc.RecordUsage(ctx, user, 4242, dec("0.01"), ""), services.ErrInvalidRequest)
	assert.ErrorIs(t, f.acc.RecordUsage(ctx, user, bnb, dec("-0.01"), ""), services.ErrInvalidRequest)
}

func TestAccountant_GetUsageStats(t *testing.T) {
	f := newFixture(t, memStore{}, services.Config{MonthlyLimitDefault: decp("0.5")})
	ctx := context.Background()

	stats, err := f.acc.GetUsageStats(ctx, user, bnb)
	require.NoError(t, err)
	assert.Nil(t, stats)

	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(dailyPolicy("0.1"), nil).AnyTimes()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.acc.RecordUsage(ctx, user, bnb, dec("0.04"), ""))
		stats, err = f.acc.GetUsageStats(ctx, user, bnb)
		require.NoError(t, err)
		assert.False(t, stats.DailySpent.IsNegative())
		assert.False(t, stats.RemainingDaily.IsNegative())
	}
	assert.Equal(t, "0", stats.RemainingDaily.String())
	assert.Equal(t, "0.3", stats.RemainingMonthly.String())
}

func TestAccountant_GetPolicy(t *testing.T) {
	f := newFixture(t, memStore{}, services.Config{MonthlyLimitDefault: decp("2")})
	ctx := context.Background()
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(bnb)).Return(dailyPolicy("0.1"), nil)
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(97)).Return(nil, nil)
	f.policies.EXPECT().GetPolicy(gomock.Any(), uint64(1)).Return(nil, errors.New("dashboard: 502"))

	p, err := f.acc.GetPolicy(ctx, bnb)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "bnb-sponsorship", p.Id)
	assert.Equal(t, "0.1", p.DailyLimit.String())
	assert.Equal(t, "2", p.MonthlyLimit.String())

	p, err = f.acc.GetPolicy(ctx, 97)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = f.acc.GetPolicy(ctx, 1)
	assert.ErrorIs(t, err, services.ErrPolicyUnavailable)

	_, err = f.acc.GetPolicy(ctx, 4242)
	assert.ErrorIs(t, err, services.ErrInvalidRequest)
}

func TestAccountant_Status(t *testing.T) {
	acc := services.NewAccountant(nil, nil, ledger.New(memStore{}, nil), services.Config{})
	s := acc.Status()
	assert.False(t, s.Enabled)
	require.NotEmpty(t, s.Networks)
	assert.Equal(t, uint64(1), s.Networks[0].ChainId)

	est, err := acc.EstimateGas(context.Background(), transferRequest())
	require.NoError(t, err)
	assert.True(t, est.LowConfidence)
	assert.False(t, est.IsSponsored)
}

func assertMonotonicTiers(t *testing.T, tiers services.FeeTiers) {
	t.Helper()
	assert.True(t, tiers.Slow.MaxFeePerGas.Cmp(tiers.Standard.MaxFeePerGas) <= 0)
	assert.True(t, tiers.Standard.MaxFeePerGas.Cmp(tiers.Fast.MaxFeePerGas) <= 0)
	assert.LessOrEqual(t, tiers.Slow.Confidence, tiers.Standard.Confidence)
	assert.LessOrEqual(t, tiers.Standard.Confidence, tiers.Fast.Confidence)
	assert.GreaterOrEqual(t, tiers.Slow.EstimatedSeconds, tiers.Fast.EstimatedSeconds)
}
