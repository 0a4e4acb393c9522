package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/islishude/bigint"
	"github.com/metis-devops/gas-sponsorship/internal/ledger"
	"github.com/metis-devops/gas-sponsorship/internal/utils"
	"github.com/sirupsen/logrus"
)

const (
	errDuplicateEntry   = 1062
	errLockWaitTimeout  = 1205
	errDeadlockDetected = 1213
)

func (s *Sponsorship) Load(ctx context.Context, key ledger.Key) (*ledger.Entry, error) {
	const entryQuery = "SELECT * FROM `ledger_entries` WHERE `address`=? AND `chain_id`=?;"
	var row EntryRow
	if err := s.db.QueryRowxContext(ctx, entryQuery, key.Address, key.ChainId).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("Load: get entry %w", err)
	}

	entry := ledger.NewEntry()
	entry.TotalSpent = row.TotalSpent
	entry.TransactionCount = row.TxCount
	entry.LastUpdated = row.LastUpdated.UTC()

	const bucketsQuery = "SELECT `period`,`amount` FROM `ledger_buckets` WHERE `address`=? AND `chain_id`=?;"
	var buckets []BucketRow
	if err := s.db.SelectContext(ctx, &buckets, bucketsQuery, key.Address, key.ChainId); err != nil {
		return nil, fmt.Errorf("Load: get buckets %w", err)
	}
	for _, b := range buckets {
		if len(b.Period) == len(ledger.DayLayout) {
			entry.DailyBuckets[b.Period] = b.Amount
		} else {
			entry.MonthlyBuckets[b.Period] = b.Amount
		}
	}

	usages, err := s.Usages(ctx, key, s.now().Add(-ledger.RecentWindow))
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	for _, u := range usages {
		entry.Recent = append(entry.Recent, ledger.Transaction{
			Id:   u.Id,
			Hash: u.Txid.String,
			Cost: u.Cost,
			At:   u.CreatedAt.UTC(),
		})
	}
	return entry, nil
}

// Apply adds the usage inside one transaction. Lost connections and lock
// conflicts are retried; a usage whose id or hash is already stored is a no-op.
func (s *Sponsorship) Apply(ctx context.Context, key ledger.Key, usage ledger.Usage) error {
	op := func() error {
		err := s.apply(ctx, key, usage)
		if err == nil || isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(op, policy)
}

func (s *Sponsorship) apply(ctx context.Context, key ledger.Key, usage ledger.Usage) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Apply: begin tx %w", err)
	}

	defer func() {
		if err == nil {
			return
		}
		if rollbackError := tx.Rollback(); rollbackError != nil {
			logrus.Errorf("Apply: rollback: %s", rollbackError)
		}
	}()

	row := UsageRow{
		Id:        usage.Id,
		Address:   key.Address,
		ChainId:   key.ChainId,
		Txid:      sql.NullString{String: usage.Hash, Valid: usage.Hash != ""},
		Cost:      usage.Cost,
		CostWei:   bigint.FromBigInt(utils.ToWei(usage.Cost)),
		CreatedAt: usage.At.UTC(),
	}
	const insertUsageQuery = "INSERT INTO `ledger_usages` (`id`,`address`,`chain_id`,`txid`,`cost`,`cost_wei`,`ctime`) VALUES (:id,:address,:chain_id,:txid,:cost,:cost_wei,:ctime);"
	if _, err = tx.NamedExecContext(ctx, insertUsageQuery, row); err != nil {
		var myerr *mysql.MySQLError
		if errors.As(err, &myerr) && myerr.Number == errDuplicateEntry {
			logrus.Infof("Apply: usage %s (tx %q) of %s already stored", usage.Id, usage.Hash, key)
			_ = tx.Rollback()
			return nil
		}
		return fmt.Errorf("Apply: insert usage %w", err)
	}

	const upsertEntryQuery = "INSERT INTO `ledger_entries` (`address`,`chain_id`,`total_spent`,`tx_count`,`last_updated`) VALUES (?,?,?,1,?) " +
		"ON DUPLICATE KEY UPDATE `total_spent`=`total_spent`+VALUES(`total_spent`),`tx_count`=`tx_count`+1,`last_updated`=GREATEST(`last_updated`,VALUES(`last_updated`));"
	if _, err = tx.ExecContext(ctx, upsertEntryQuery, key.Address, key.ChainId, usage.Cost, row.CreatedAt); err != nil {
		return fmt.Errorf("Apply: upsert entry %w", err)
	}

	const upsertBucketQuery = "INSERT INTO `ledger_buckets` (`address`,`chain_id`,`period`,`amount`) VALUES (?,?,?,?) " +
		"ON DUPLICATE KEY UPDATE `amount`=`amount`+VALUES(`amount`);"
	for _, period := range []string{ledger.DayKey(usage.At), ledger.MonthKey(usage.At)} {
		if _, err = tx.ExecContext(ctx, upsertBucketQuery, key.Address, key.ChainId, period, usage.Cost); err != nil {
			return fmt.Errorf("Apply: upsert bucket %s %w", period, err)
		}
	}

	const pruneQuery = "DELETE FROM `ledger_buckets` WHERE `address`=? AND `chain_id`=? AND LENGTH(`period`)=? AND `period`<?;"
	oldest := ledger.DayKey(usage.At.Add(-ledger.DailyRetention))
	if _, err = tx.ExecContext(ctx, pruneQuery, key.Address, key.ChainId, len(ledger.DayLayout), oldest); err != nil {
		return fmt.Errorf("Apply: prune buckets %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("Apply: commit %w", err)
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myerr *mysql.MySQLError
	if errors.As(err, &myerr) {
		return myerr.Number == errDeadlockDetected || myerr.Number == errLockWaitTimeout
	}
	return false
}

// Usages returns the stored usages of key recorded after since, oldest first.
func (s *Sponsorship) Usages(ctx context.Context, key ledger.Key, since time.Time) ([]*UsageRow, error) {
	const query = "SELECT * FROM `ledger_usages` WHERE `address`=? AND `chain_id`=? AND `ctime`>? ORDER BY `ctime`;"
	var rows []*UsageRow
	if err := s.db.SelectContext(ctx, &rows, query, key.Address, key.ChainId, since.UTC()); err != nil {
		return nil, fmt.Errorf("Usages: %w", err)
	}
	return rows, nil
}
