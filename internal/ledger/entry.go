package ledger

import (
	"time"

	"github.com/metis-devops/gas-sponsorship/internal/utils"
	"github.com/shopspring/decimal"
)

const (
	DayLayout   = "2006-01-02"
	MonthLayout = "2006-01"

	// RecentWindow bounds the per-transaction log kept on an entry. It covers
	// the trailing hour of the rate limit rule and the dedup window of
	// transaction hashes.
	RecentWindow = 24 * time.Hour

	DailyRetention = 62 * 24 * time.Hour
)

func DayKey(t time.Time) string   { return t.UTC().Format(DayLayout) }
func MonthKey(t time.Time) string { return t.UTC().Format(MonthLayout) }

type Key struct {
	Address string
	ChainId uint64
}

func (k Key) String() string {
	return utils.LedgerKey(k.Address, k.ChainId)
}

type Transaction struct {
	Id   string          `json:"id"`
	Hash string          `json:"hash,omitempty"`
	Cost decimal.Decimal `json:"cost"`
	At   time.Time       `json:"at"`
}

// Usage is one confirmed transaction to be added to an entry.
type Usage struct {
	Id   string
	Hash string
	Cost decimal.Decimal
	At   time.Time
}

// Entry is the running spend of one user on one network. Period spend is kept
// in buckets keyed by UTC day and month labels, so a period rolls over by
// looking up a new label rather than resetting a counter.
type Entry struct {
	TotalSpent       decimal.Decimal            `json:"totalSpent"`
	TransactionCount uint64                     `json:"transactionCount"`
	DailyBuckets     map[string]decimal.Decimal `json:"dailyBuckets"`
	MonthlyBuckets   map[string]decimal.Decimal `json:"monthlyBuckets"`
	Recent           []Transaction              `json:"recent,omitempty"`
	LastUpdated      time.Time                  `json:"lastUpdated"`
}

func NewEntry() *Entry {
	return &Entry{
		DailyBuckets:   make(map[string]decimal.Decimal),
		MonthlyBuckets: make(map[string]decimal.Decimal),
	}
}

func (e *Entry) DailySpent(now time.Time) decimal.Decimal {
	return e.DailyBuckets[DayKey(now)]
}

func (e *Entry) MonthlySpent(now time.Time) decimal.Decimal {
	return e.MonthlyBuckets[MonthKey(now)]
}

// CountSince returns how many recorded transactions happened after t.
func (e *Entry) CountSince(t time.Time) int {
	var count int
	for _, tx := range e.Recent {
		if tx.At.After(t) {
			count++
		}
	}
	return count
}

func (e *Entry) HasTransaction(hash string) bool {
	if hash == "" {
		return false
	}
	for _, tx := range e.Recent {
		if tx.Hash == hash {
			return true
		}
	}
	return false
}

// Apply adds the usage to the entry. It reports false and leaves the entry
// untouched when the usage carries a hash that is already recorded.
func (e *Entry) Apply(u Usage) bool {
	if e.HasTransaction(u.Hash) {
		return false
	}
	if e.DailyBuckets == nil {
		e.DailyBuckets = make(map[string]decimal.Decimal)
	}
	if e.MonthlyBuckets == nil {
		e.MonthlyBuckets = make(map[string]decimal.Decimal)
	}

	day, month := DayKey(u.At), MonthKey(u.At)
	e.TotalSpent = e.TotalSpent.Add(u.Cost)
	e.TransactionCount++
	e.DailyBuckets[day] = e.DailyBuckets[day].Add(u.Cost)
	e.MonthlyBuckets[month] = e.MonthlyBuckets[month].Add(u.Cost)
	e.Recent = append(e.Recent, Transaction{Id: u.Id, Hash: u.Hash, Cost: u.Cost, At: u.At})
	if u.At.After(e.LastUpdated) {
		e.LastUpdated = u.At
	}
	e.prune(u.At)
	return true
}

func (e *Entry) prune(now time.Time) {
	cutoff := now.Add(-RecentWindow)
	kept := e.Recent[:0]
	for _, tx := range e.Recent {
		if tx.At.After(cutoff) {
			kept = append(kept, tx)
		}
	}
	e.Recent = kept

	oldest := DayKey(now.Add(-DailyRetention))
	for day := range e.DailyBuckets {
		// labels are ISO dates so lexical order is chronological
		if day < oldest {
			delete(e.DailyBuckets, day)
		}
	}
}

func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := &Entry{
		TotalSpent:       e.TotalSpent,
		TransactionCount: e.TransactionCount,
		DailyBuckets:     make(map[string]decimal.Decimal, len(e.DailyBuckets)),
		MonthlyBuckets:   make(map[string]decimal.Decimal, len(e.MonthlyBuckets)),
		Recent:           append([]Transaction(nil), e.Recent...),
		LastUpdated:      e.LastUpdated,
	}
	for k, v := range e.DailyBuckets {
		c.DailyBuckets[k] = v
	}
	for k, v := range e.MonthlyBuckets {
		c.MonthlyBuckets[k] = v
	}
	return c
}
