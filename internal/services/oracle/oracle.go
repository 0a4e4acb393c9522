package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/islishude/bigint"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Fee struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

type FeeTiers struct {
	Slow     Fee
	Standard Fee
	Fast     Fee
}

// GasPriceOracle returns the current fee tiers of a network.
type GasPriceOracle interface {
	GetFeeEstimate(ctx context.Context, networkId uint64) (*FeeTiers, error)
}

// FeeSource is the part of *ethclient.Client the oracle reads.
type FeeSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

var ErrUnknownNetwork = errors.New("oracle: no rpc for network")

// RPC derives fee tiers from a node's latest header and fee suggestions.
type RPC struct {
	sources map[uint64]FeeSource
}

func NewRPC() *RPC {
	return &RPC{sources: make(map[uint64]FeeSource)}
}

func (o *RPC) Add(networkId uint64, src FeeSource) {
	o.sources[networkId] = src
}

// Dial connects to every endpoint and checks it serves the expected chain.
func Dial(basectx context.Context, endpoints map[uint64]string) (*RPC, func(), error) {
	o := NewRPC()
	var clients []*ethclient.Client
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	for networkId, url := range endpoints {
		client, err := ethclient.Dial(url)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("oracle: dial %d: %w", networkId, err)
		}
		clients = append(clients, client)

		newctx, cancel := context.WithTimeout(basectx, time.Second*5)
		chainId, err := client.ChainID(newctx)
		cancel()
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("oracle: get chain id of %d: %w", networkId, err)
		}
		if chainId.Uint64() != networkId {
			closeAll()
			return nil, nil, fmt.Errorf("oracle: wrong network: %d serves chain %d", networkId, chainId.Uint64())
		}
		o.Add(networkId, client)
	}
	return o, closeAll, nil
}

func (o *RPC) GetFeeEstimate(ctx context.Context, networkId uint64) (*FeeTiers, error) {
	src, ok := o.sources[networkId]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownNetwork, networkId)
	}

	var (
		header   *types.Header
		tip      *big.Int
		gasPrice *big.Int
	)
	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		header, err = src.HeaderByNumber(egctx, nil)
		return
	})
	eg.Go(func() (err error) {
		gasPrice, err = src.SuggestGasPrice(egctx)
		return
	})
	eg.Go(func() error {
		var err error
		// pre-London nodes reject eth_maxPriorityFeePerGas
		if tip, err = src.SuggestGasTipCap(egctx); err != nil {
			tip = nil
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("oracle: %d: %w", networkId, err)
	}

	if header.BaseFee == nil || tip == nil {
		logrus.Debugf("oracle: chain %d gas price %f gwei", networkId, gwei(gasPrice))
		return LegacyTiers(gasPrice), nil
	}
	logrus.Debugf("oracle: chain %d base fee %f gwei tip %f gwei", networkId,
		gwei(header.BaseFee), gwei(tip))
	return DynamicTiers(header.BaseFee, tip), nil
}

func gwei(v *big.Int) float64 {
	b := bigint.FromBigInt(v)
	return b.Readable(9)
}

func mulDiv(v *big.Int, num, den int64) *big.Int {
	r := new(big.Int).Mul(v, big.NewInt(num))
	return r.Quo(r, big.NewInt(den))
}

// LegacyTiers spreads a single gas price: the standard tier bids 10% over the
// node suggestion, the fast tier 25%.
func LegacyTiers(gasPrice *big.Int) *FeeTiers {
	slow := new(big.Int).Set(gasPrice)
	standard := mulDiv(gasPrice, 11, 10)
	fast := mulDiv(gasPrice, 5, 4)
	return &FeeTiers{
		Slow:     Fee{MaxFeePerGas: slow, MaxPriorityFeePerGas: new(big.Int).Set(slow)},
		Standard: Fee{MaxFeePerGas: standard, MaxPriorityFeePerGas: new(big.Int).Set(standard)},
		Fast:     Fee{MaxFeePerGas: fast, MaxPriorityFeePerGas: new(big.Int).Set(fast)},
	}
}

// DynamicTiers prices EIP-1559 transactions as 2*baseFee + tip, with the tip
// scaled per tier.
func DynamicTiers(baseFee, tip *big.Int) *FeeTiers {
	tier := func(num, den int64) Fee {
		priority := mulDiv(tip, num, den)
		maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
		return Fee{MaxFeePerGas: maxFee.Add(maxFee, priority), MaxPriorityFeePerGas: priority}
	}
	return &FeeTiers{
		Slow:     tier(1, 1),
		Standard: tier(5, 4),
		Fast:     tier(3, 2),
	}
}
