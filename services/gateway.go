package services

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"bounty-payout-system/escrow"
)

// EscrowGateway is the alias-keyed chain surface the service layer consumes.
// *escrow.ClientPool implements it; tests substitute fakes.
type EscrowGateway interface {
	GetBounty(ctx context.Context, alias string, bountyID common.Hash) (escrow.OnChainBounty, error)
	ResolveBounty(ctx context.Context, alias string, bountyID common.Hash, to common.Address) (escrow.WriteResult, error)
	RefundExpired(ctx context.Context, alias string, bountyID common.Hash) (escrow.WriteResult, error)
	WithdrawFees(ctx context.Context, alias string, token, to common.Address, amount *big.Int) (escrow.WriteResult, error)
	AvailableFees(ctx context.Context, alias string, token common.Address) (*big.Int, error)
	TotalFeesAccrued(ctx context.Context, alias string) (*big.Int, error)
	FeeBps(ctx context.Context, alias string) (uint16, error)
	Owner(ctx context.Context, alias string) (common.Address, error)
	TransactionReceipt(ctx context.Context, alias string, txHash common.Hash) (*types.Receipt, error)
}
