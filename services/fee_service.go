package services

import (
	"context"
	"log"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"

	"bounty-payout-system/chains"
)

const feeFanout = 4

// FeeService aggregates protocol fees across every configured network and
// executes admin-gated withdrawals.
type FeeService struct {
	Registry *chains.Registry
	Escrow   EscrowGateway

	inflight inflightSet // one withdrawal per (alias, token) at a time
}

func NewFeeService(registry *chains.Registry, gw EscrowGateway) *FeeService {
	return &FeeService{Registry: registry, Escrow: gw}
}

// NetworkFees is one network's entry in the ledger response. Error carries a
// per-network failure; the other networks still report.
type NetworkFees struct {
	Network          string `json:"network"`
	ChainID          uint64 `json:"chain_id"`
	TokenSymbol      string `json:"token_symbol"`
	AvailableFees    string `json:"available_fees,omitempty"`
	TotalFeesAccrued string `json:"total_fees_accrued,omitempty"`
	FeeBps           uint16 `json:"fee_bps,omitempty"`
	Error            string `json:"error,omitempty"`
}

// GetFees handles GET /admin/fees: fan out across all networks, join, and
// report partial results. One endpoint being down never blanks the ledger.
func (s *FeeService) GetFees(c *fiber.Ctx) error {
	aliases := s.Registry.Aliases()
	entries := make([]NetworkFees, len(aliases))

	g, ctx := errgroup.WithContext(c.UserContext())
	g.SetLimit(feeFanout)

	for i, alias := range aliases {
		g.Go(func() error {
			cfg, err := s.Registry.Resolve(alias)
			if err != nil {
				entries[i] = NetworkFees{Network: alias, Error: err.Error()}
				return nil
			}
			entry := NetworkFees{Network: alias, ChainID: cfg.ChainID, TokenSymbol: cfg.TokenSymbol}

			available, err := s.Escrow.AvailableFees(ctx, alias, common.HexToAddress(cfg.TokenAddress))
			if err == nil {
				var total *big.Int
				total, err = s.Escrow.TotalFeesAccrued(ctx, alias)
				if err == nil {
					var bps uint16
					bps, err = s.Escrow.FeeBps(ctx, alias)
					if err == nil {
						entry.AvailableFees = available.String()
						entry.TotalFeesAccrued = total.String()
						entry.FeeBps = bps
					}
				}
			}
			if err != nil {
				log.Printf("[FEES] ⚠️ %s: %v", alias, err)
				entry.Error = err.Error()
			}

			entries[i] = entry
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(entries, func(a, b int) bool { return entries[a].Network < entries[b].Network })
	return c.JSON(fiber.Map{"networks": entries})
}

// WithdrawFees handles POST /admin/fees/withdraw. The route is admin-gated
// upstream; on top of that the acting wallet must equal the escrow
// contract's owner, read on-chain immediately before the write — ownership
// can change independently of our configuration.
func (s *FeeService) WithdrawFees(c *fiber.Ctx) error {
	var req struct {
		Network  string `json:"network"`
		Treasury string `json:"treasury"`
		Amount   string `json:"amount"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	cfg, err := s.Registry.Resolve(req.Network)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if !common.IsHexAddress(req.Treasury) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "treasury must be a valid address"})
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amount must be a positive integer in the token's smallest unit"})
	}

	signerAddr, err := cfg.OwnerAddress()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	ctx := c.UserContext()
	owner, err := s.Escrow.Owner(ctx, cfg.Alias)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "could not verify contract owner: " + err.Error()})
	}
	if owner != common.HexToAddress(signerAddr) {
		log.Printf("🚫 [FEES] Withdrawal blocked on %s: configured signer %s is not contract owner %s",
			cfg.Alias, signerAddr, owner.Hex())
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "configured signing wallet is no longer the escrow contract owner",
		})
	}

	key := cfg.Alias + "/" + strings.ToLower(cfg.TokenAddress)
	if !s.inflight.tryAcquire(key) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "a fee withdrawal for this network and token is already in flight"})
	}
	defer s.inflight.release(key)

	result, err := s.Escrow.WithdrawFees(context.WithoutCancel(ctx), cfg.Alias,
		common.HexToAddress(cfg.TokenAddress), common.HexToAddress(req.Treasury), amount)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "transaction submission failed: " + err.Error()})
	}
	if !result.Success {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": result.Error})
	}

	log.Printf("✅ [FEES] Withdrew %s from %s to %s (tx %s)", amount.String(), cfg.Alias, req.Treasury, result.TxHash)
	return c.JSON(fiber.Map{"success": true, "txHash": result.TxHash, "blockNumber": result.BlockNumber})
}
