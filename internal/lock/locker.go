// Package lock serializes work on a purchase request or a budget across goroutines
// and, with the Redis backend, across replicas.
package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"procurement/internal/apperror"
)

// Locker grants exclusive ownership of a key. Acquire blocks for at most the
// locker's timeout and returns apperror.ErrConcurrencyConflict when it expires.
// The returned unlock func is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// PRKey and BudgetKey name the two lock domains. A PR lock is always taken before
// a budget lock.
func PRKey(id uint) string {
	return "pr:" + strconv.FormatUint(uint64(id), 10)
}

func BudgetKey(id uint) string {
	return "budget:" + strconv.FormatUint(uint64(id), 10)
}

const DefaultTimeout = 5 * time.Second

func timeoutError(key string, cause error) error {
	return fmt.Errorf("lock %s: %w (%v)", key, apperror.ErrConcurrencyConflict, cause)
}
