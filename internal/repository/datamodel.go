package repository

import (
	"database/sql"
	"time"

	"github.com/islishude/bigint"
	"github.com/shopspring/decimal"
)

type EntryRow struct {
	Address     string          `db:"address"`
	ChainId     uint64          `db:"chain_id"`
	TotalSpent  decimal.Decimal `db:"total_spent"`
	TxCount     uint64          `db:"tx_count"`
	LastUpdated time.Time       `db:"last_updated"`
	CreatedAt   time.Time       `db:"ctime"`
	UpdatedAt   time.Time       `db:"mtime"`
}

// BucketRow holds the spend of one UTC day (2006-01-02) or month (2006-01).
type BucketRow struct {
	Period string          `db:"period"`
	Amount decimal.Decimal `db:"amount"`
}

type UsageRow struct {
	Id        string          `db:"id"`
	Address   string          `db:"address"`
	ChainId   uint64          `db:"chain_id"`
	Txid      sql.NullString  `db:"txid"`
	Cost      decimal.Decimal `db:"cost"`
	CostWei   bigint.Int      `db:"cost_wei"`
	CreatedAt time.Time       `db:"ctime"`
}
