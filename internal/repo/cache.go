package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const balanceTTL = 5 * time.Minute

func balanceKey(code string) string { return "giftcard:balance:" + code }

// CacheBalance writes the balance read-model to redis. The value carries the
// active flag so cached reads answer GetBalance completely.
func (r *Repository) CacheBalance(ctx context.Context, code string, bal decimal.Decimal, active bool) error {
	val := bal.StringFixed(2) + "|"
	if active {
		val += "1"
	} else {
		val += "0"
	}
	return r.rdb.Set(ctx, balanceKey(code), val, balanceTTL).Err()
}

// GetCachedBalance reads redis; a miss surfaces as the underlying redis error.
func (r *Repository) GetCachedBalance(ctx context.Context, code string) (decimal.Decimal, bool, error) {
	str, err := r.rdb.Get(ctx, balanceKey(code)).Result()
	if err != nil {
		return decimal.Zero, false, err
	}
	parts := strings.SplitN(str, "|", 2)
	if len(parts) != 2 {
		return decimal.Zero, false, fmt.Errorf("malformed cache entry %q", str)
	}
	bal, err := decimal.NewFromString(parts[0])
	if err != nil {
		return decimal.Zero, false, err
	}
	return bal, parts[1] == "1", nil
}

// InvalidateBalance drops the cached entry, e.g. after deactivation.
func (r *Repository) InvalidateBalance(ctx context.Context, code string) error {
	return r.rdb.Del(ctx, balanceKey(code)).Err()
}
