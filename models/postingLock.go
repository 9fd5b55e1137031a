package models

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"gorm.io/gorm"

	"bitbucket.org/mandalayfab/factory_backend/config"
)

const batchLockTimeoutSeconds = 30

// acquireBatchPostingLock takes a MySQL advisory lock scoped to one batch,
// on the transaction's own connection. This is the authoritative
// serialization of concurrent movers: the lock is held until
// releaseBatchPostingLock or the connection ends.
func acquireBatchPostingLock(tx *gorm.DB, batchId int) error {
	key := fmt.Sprintf("factory:batch:%d", batchId)
	var got *int
	err := tx.Raw("SELECT GET_LOCK(?, ?)", key, batchLockTimeoutSeconds).Scan(&got).Error
	if err != nil {
		return err
	}
	if got == nil || *got != 1 {
		return ErrConcurrencyConflict
	}
	return nil
}

func releaseBatchPostingLock(tx *gorm.DB, batchId int) {
	key := fmt.Sprintf("factory:batch:%d", batchId)
	var released int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", key).Scan(&released).Error
}

// obtainBestEffortRedisLock layers a cross-instance redis lock on top of the
// advisory lock. Redis being down never blocks posting: the MySQL lock is
// the one that matters, this one only shortens contention windows.
func obtainBestEffortRedisLock(ctx context.Context, batchId int) *redislock.Lock {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil
	}
	key := fmt.Sprintf("factory:batch-lock:%d", batchId)
	lock, err := locker.Obtain(ctx, key, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(200*time.Millisecond), 10),
	})
	if err != nil {
		return nil
	}
	return lock
}

func releaseBestEffortRedisLock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	_ = lock.Release(ctx)
}
