package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"bounty-payout-system/chains"
)

// OnChainStatus is the escrow contract's bounty status enum.
type OnChainStatus uint8

const (
	StatusNone     OnChainStatus = 0
	StatusOpen     OnChainStatus = 1
	StatusResolved OnChainStatus = 2
	StatusRefunded OnChainStatus = 3
)

func (s OnChainStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusOpen:
		return "open"
	case StatusResolved:
		return "resolved"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// OnChainBounty is the decoded getBounty tuple.
type OnChainBounty struct {
	RepoIDHash  common.Hash
	Sponsor     common.Address
	Resolver    common.Address
	Amount      *big.Int
	Deadline    *big.Int
	IssueNumber *big.Int
	Status      OnChainStatus
}

// WriteResult is the structured outcome of an escrow write. Expected failure
// modes (revert, missing owner key, reverted receipt) come back with
// Success=false and a message — never as a Go error. Only transport errors
// cross the adapter boundary as errors.
type WriteResult struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Backend is the subset of ethclient.Client the adapter needs. Narrowed to
// an interface so tests can substitute a fake chain.
type Backend interface {
	bind.ContractCaller
	bind.ContractTransactor
	bind.DeployBackend
}

// Adapter is a typed wrapper over one network's escrow contract. Reads are
// stateless and safe to call concurrently; writes sign with the alias's
// owner wallet and wait for one confirmation.
type Adapter struct {
	cfg      *chains.NetworkConfig
	backend  Backend
	contract *bind.BoundContract
}

func NewAdapter(cfg *chains.NetworkConfig, backend Backend) *Adapter {
	return &Adapter{
		cfg:      cfg,
		backend:  backend,
		contract: bind.NewBoundContract(common.HexToAddress(cfg.EscrowAddress), escrowABI, backend, backend, nil),
	}
}

func (a *Adapter) GetBounty(ctx context.Context, bountyID common.Hash) (OnChainBounty, error) {
	var out []interface{}
	if err := a.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getBounty", [32]byte(bountyID)); err != nil {
		return OnChainBounty{}, fmt.Errorf("getBounty on %s: %w", a.cfg.Alias, err)
	}
	return OnChainBounty{
		RepoIDHash:  out[0].([32]byte),
		Sponsor:     out[1].(common.Address),
		Resolver:    out[2].(common.Address),
		Amount:      out[3].(*big.Int),
		Deadline:    out[4].(*big.Int),
		IssueNumber: out[5].(*big.Int),
		Status:      OnChainStatus(out[6].(uint8)),
	}, nil
}

func (a *Adapter) AvailableFees(ctx context.Context, token common.Address) (*big.Int, error) {
	var out []interface{}
	if err := a.contract.Call(&bind.CallOpts{Context: ctx}, &out, "availableFees", token); err != nil {
		return nil, fmt.Errorf("availableFees on %s: %w", a.cfg.Alias, err)
	}
	return out[0].(*big.Int), nil
}

func (a *Adapter) TotalFeesAccrued(ctx context.Context) (*big.Int, error) {
	var out []interface{}
	if err := a.contract.Call(&bind.CallOpts{Context: ctx}, &out, "totalFeesAccrued"); err != nil {
		return nil, fmt.Errorf("totalFeesAccrued on %s: %w", a.cfg.Alias, err)
	}
	return out[0].(*big.Int), nil
}

func (a *Adapter) FeeBps(ctx context.Context) (uint16, error) {
	var out []interface{}
	if err := a.contract.Call(&bind.CallOpts{Context: ctx}, &out, "feeBps"); err != nil {
		return 0, fmt.Errorf("feeBps on %s: %w", a.cfg.Alias, err)
	}
	return out[0].(uint16), nil
}

// Owner reads the contract's current owner. Callers that gate custodial
// writes on ownership must read this immediately before the write instead of
// trusting configuration, since ownership can change under us.
func (a *Adapter) Owner(ctx context.Context) (common.Address, error) {
	var out []interface{}
	if err := a.contract.Call(&bind.CallOpts{Context: ctx}, &out, "owner"); err != nil {
		return common.Address{}, fmt.Errorf("owner on %s: %w", a.cfg.Alias, err)
	}
	return out[0].(common.Address), nil
}

func (a *Adapter) ResolveBounty(ctx context.Context, bountyID common.Hash, to common.Address) (WriteResult, error) {
	return a.transact(ctx, "resolveBounty", [32]byte(bountyID), to)
}

func (a *Adapter) RefundExpired(ctx context.Context, bountyID common.Hash) (WriteResult, error) {
	return a.transact(ctx, "refundExpired", [32]byte(bountyID))
}

func (a *Adapter) WithdrawFees(ctx context.Context, token, to common.Address, amount *big.Int) (WriteResult, error) {
	return a.transact(ctx, "withdrawFees", token, to, amount)
}

func (a *Adapter) transact(ctx context.Context, method string, args ...interface{}) (WriteResult, error) {
	key, err := a.cfg.OwnerKey()
	if err != nil {
		// Missing custodial credentials is a configuration problem, not a
		// transport one.
		return WriteResult{Error: err.Error()}, nil
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(a.cfg.ChainID))
	if err != nil {
		return WriteResult{}, fmt.Errorf("build transactor for %s: %w", a.cfg.Alias, err)
	}
	opts.Context = ctx

	if !a.cfg.SupportsEIP1559 {
		// Legacy fee market: price the transaction explicitly instead of
		// letting bind default to tip/cap fields the chain rejects.
		gasPrice, gpErr := a.backend.SuggestGasPrice(ctx)
		if gpErr != nil {
			return WriteResult{}, fmt.Errorf("suggest gas price on %s: %w", a.cfg.Alias, gpErr)
		}
		opts.GasPrice = gasPrice
	}

	tx, err := a.contract.Transact(opts, method, args...)
	if err != nil {
		if msg, expected := classifySubmitError(err); expected {
			return WriteResult{Error: msg}, nil
		}
		return WriteResult{}, fmt.Errorf("%s on %s: %w", method, a.cfg.Alias, err)
	}

	receipt, err := bind.WaitMined(ctx, a.backend, tx)
	if err != nil {
		// The transaction is on the wire; hand the hash back so the caller
		// can reconcile later instead of resubmitting blindly.
		return WriteResult{TxHash: tx.Hash().Hex()}, fmt.Errorf("wait for %s on %s: %w", method, a.cfg.Alias, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return WriteResult{
			TxHash:      tx.Hash().Hex(),
			BlockNumber: receipt.BlockNumber.Uint64(),
			Error:       fmt.Sprintf("%s reverted on-chain (tx %s)", method, tx.Hash().Hex()),
		}, nil
	}

	return WriteResult{
		Success:     true,
		TxHash:      tx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// Known revert reasons from the escrow contract, mapped to messages an
// operator can act on without reading solidity.
var revertMessages = []struct {
	needle  string
	message string
}{
	{"bounty not open", "bounty is not open on-chain (already resolved or refunded)"},
	{"deadline not passed", "bounty deadline has not passed yet, refund not available"},
	{"insufficient fees", "requested amount exceeds fees available for withdrawal"},
	{"not the owner", "signing wallet is not the escrow contract owner"},
	{"zero address", "payout address must not be the zero address"},
}

// classifySubmitError decides whether a submission error is an expected
// contract/balance failure (return the message) or a transport fault
// (propagate as error).
func classifySubmitError(err error) (string, bool) {
	s := err.Error()
	if strings.Contains(s, "insufficient funds") {
		return "owner wallet has insufficient balance to cover gas", true
	}
	if !strings.Contains(s, "execution reverted") {
		return "", false
	}
	lower := strings.ToLower(s)
	for _, rm := range revertMessages {
		if strings.Contains(lower, rm.needle) {
			return rm.message, true
		}
	}
	return "contract rejected the call: " + s, true
}
