package services

import (
	"math"
	"math/big"
	"strings"
	"time"

	"bounty-payout-system/models"
)

// Lifecycle is the derived view of a bounty's state. `expired` is never
// stored: an open bounty past its deadline derives as expired
// (refund-eligible) without any DB write until a refund actually settles.
type Lifecycle struct {
	State          string `json:"state"`
	IsExpired      bool   `json:"isExpired"`
	RefundEligible bool   `json:"refundEligible"`
	DaysRemaining  int    `json:"daysRemaining"`
}

// DeriveLifecycle computes the lifecycle view of b at time now.
func DeriveLifecycle(b *models.Bounty, now time.Time) Lifecycle {
	if b.IsTerminal() {
		return Lifecycle{State: string(b.Status)}
	}

	remaining := b.Deadline - now.Unix()
	if remaining <= 0 {
		return Lifecycle{State: "expired", IsExpired: true, RefundEligible: true}
	}

	return Lifecycle{
		State:         string(models.BountyStatusOpen),
		DaysRemaining: int(math.Ceil(float64(remaining) / 86400)),
	}
}

// IsRefundEligible is true iff the bounty is open and its deadline has
// passed. Terminal statuses are never refund-eligible regardless of deadline.
func IsRefundEligible(b *models.Bounty, now time.Time) bool {
	return b.Status == models.BountyStatusOpen && b.Deadline <= now.Unix()
}

// FormatTokenAmount renders a smallest-unit integer amount ("500000000")
// as a human token amount ("500" for 6 decimals), trimming trailing zeros.
func FormatTokenAmount(amount string, decimals uint8) string {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return amount
	}
	if decimals == 0 {
		return v.String()
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(v, divisor, new(big.Int))

	fracStr := strings.TrimRight(
		strings.Repeat("0", int(decimals)-len(frac.String()))+frac.String(), "0")
	if frac.Sign() == 0 || fracStr == "" {
		return whole.String()
	}
	return whole.String() + "." + fracStr
}
