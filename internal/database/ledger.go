package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"gorm.io/gorm"
)

// DefaultQuota is the cumulative per-account ceiling, 2 GiB.
const DefaultQuota int64 = 2 * 1024 * 1024 * 1024

var ErrQuotaExceeded = errors.New("quota exceeded")

// QuotaExceededError carries the ledger state at the moment of rejection.
type QuotaExceededError struct {
	Limit    int64
	Current  int64
	Incoming int64
}

func (e *QuotaExceededError) Error() string {
	left := e.Limit - e.Current
	if left < 0 {
		left = 0
	}
	return fmt.Sprintf(
		"space limit of %s has been reached: you have %s left and the video needs %s, delete some videos",
		humanize.IBytes(uint64(e.Limit)), humanize.IBytes(uint64(left)), humanize.IBytes(uint64(e.Incoming)))
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Ledger tracks bytes used per account against a fixed ceiling.
type Ledger struct {
	db    *gorm.DB
	limit int64
}

func NewLedger(db *gorm.DB, limit int64) *Ledger {
	if limit <= 0 {
		limit = DefaultQuota
	}
	return &Ledger{db: db, limit: limit}
}

func (l *Ledger) Limit() int64 {
	return l.limit
}

// Reserve adds incoming bytes to the account's counter if the result stays within the limit.
// The check and the increment are one UPDATE statement, so concurrent reservations cannot
// both pass against the same headroom.
func (l *Ledger) Reserve(ctx context.Context, account uint, incoming int64) error {
	if incoming < 0 {
		return fmt.Errorf("negative reservation %d", incoming)
	}
	res := l.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ? AND bytes_used + ? <= ?", account, incoming, l.limit).
		UpdateColumn("bytes_used", gorm.Expr("bytes_used + ?", incoming))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	current, err := l.Usage(ctx, account)
	if err != nil {
		return err
	}
	return &QuotaExceededError{Limit: l.limit, Current: current, Incoming: incoming}
}

// Release gives back bytes after a failed commit or a deletion.
func (l *Ledger) Release(ctx context.Context, account uint, n int64) error {
	return release(l.db.WithContext(ctx), account, n)
}

func release(db *gorm.DB, account uint, n int64) error {
	return db.Model(&Account{}).
		Where("id = ?", account).
		UpdateColumn("bytes_used", gorm.Expr("MAX(bytes_used - ?, 0)", n)).Error
}

func (l *Ledger) Usage(ctx context.Context, account uint) (int64, error) {
	a := &Account{}
	if err := l.db.WithContext(ctx).Select("bytes_used").First(a, account).Error; err != nil {
		return 0, err
	}
	return a.BytesUsed, nil
}

// Reconcile resets the counter to the sum of the account's live videos and returns it.
func (l *Ledger) Reconcile(ctx context.Context, account uint) (int64, error) {
	var used int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Video{}).
			Where("account_id = ?", account).
			Select("COALESCE(SUM(file_size), 0)").
			Scan(&used).Error; err != nil {
			return err
		}
		return tx.Model(&Account{}).Where("id = ?", account).UpdateColumn("bytes_used", used).Error
	})
	return used, err
}
