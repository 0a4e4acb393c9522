package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/metis-devops/gas-sponsorship/internal/graphql"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxAge is how long a fetched price is served without a refresh.
const DefaultMaxAge = 10 * time.Minute

const bundleQuery = `{ bundles(first: 1) { ethPriceUSD } }`

var ErrNoPrice = errors.New("no price result")

type rate struct {
	usd decimal.Decimal
	at  time.Time
}

// Feed caches native token USD prices read from Uniswap style subgraphs,
// one subgraph per native symbol.
type Feed struct {
	sources map[string]*graphql.Client
	maxAge  time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	rates map[string]rate
}

func NewFeed(sources map[string]*graphql.Client, maxAge time.Duration) *Feed {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	normalized := make(map[string]*graphql.Client, len(sources))
	for symbol, client := range sources {
		normalized[strings.ToUpper(symbol)] = client
	}
	return &Feed{sources: normalized, maxAge: maxAge, now: time.Now, rates: make(map[string]rate)}
}

func (f *Feed) fetch(ctx context.Context, client *graphql.Client) (decimal.Decimal, error) {
	newctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	var result struct {
		Bundles []struct {
			EthPriceUSD string `json:"ethPriceUSD"`
		} `json:"bundles"`
	}
	if err := client.CallContext(newctx, &result, bundleQuery, nil); err != nil {
		return decimal.Zero, err
	}
	if len(result.Bundles) == 0 {
		return decimal.Zero, ErrNoPrice
	}
	price, err := decimal.NewFromString(result.Bundles[0].EthPriceUSD)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price: %w", err)
	}
	if !price.IsPositive() {
		return decimal.Zero, ErrNoPrice
	}
	return price, nil
}

// Refresh fetches every configured symbol. A failed symbol keeps its last
// price until that price expires.
func (f *Feed) Refresh(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []string
	)
	eg, egctx := errgroup.WithContext(ctx)
	for symbol, client := range f.sources {
		symbol, client := symbol, client
		eg.Go(func() error {
			price, err := f.fetch(egctx, client)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %s", symbol, err))
				mu.Unlock()
				return nil
			}
			f.mu.Lock()
			f.rates[symbol] = rate{usd: price, at: f.now()}
			f.mu.Unlock()
			logrus.Debugf("pricing: %s = %s USD", symbol, price)
			return nil
		})
	}
	_ = eg.Wait()
	if len(errs) > 0 {
		return fmt.Errorf("pricing: refresh %s", strings.Join(errs, "; "))
	}
	return nil
}

// Rate returns the USD price of one native unit of symbol.
func (f *Feed) Rate(symbol string) (decimal.Decimal, bool) {
	f.mu.RLock()
	r, ok := f.rates[strings.ToUpper(symbol)]
	f.mu.RUnlock()
	if !ok || f.now().Sub(r.at) > f.maxAge {
		return decimal.Zero, false
	}
	return r.usd, true
}

// Run refreshes the feed every interval until ctx is done.
func (f *Feed) Run(ctx context.Context, interval time.Duration) error {
	if err := f.Refresh(ctx); err != nil {
		logrus.Warn(err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := f.Refresh(ctx); err != nil {
				logrus.Warn(err)
			}
		}
	}
}
