package services

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"bounty-payout-system/chains"
	"bounty-payout-system/escrow"
	"bounty-payout-system/models"
	"bounty-payout-system/workers"
)

// PayoutService drives the resolve/refund state machine on Bounty/PRClaim
// pairs. All writes are single-flight per bountyId: a second payout or
// refund request for a bounty with one already in flight is rejected, never
// executed concurrently. Retries are caller-initiated only — the service
// never resubmits a transaction on its own.
type PayoutService struct {
	DB       *gorm.DB
	Registry *chains.Registry
	Escrow   EscrowGateway
	Notifier *workers.Notifier
	Env      string

	inflight inflightSet
}

func NewPayoutService(db *gorm.DB, registry *chains.Registry, gw EscrowGateway, notifier *workers.Notifier, env string) *PayoutService {
	return &PayoutService{DB: db, Registry: registry, Escrow: gw, Notifier: notifier, Env: env}
}

// PayoutError pairs a message with the HTTP status handlers should return.
type PayoutError struct {
	Status  int
	Message string
}

func payoutErr(status int, msg string) *PayoutError {
	return &PayoutError{Status: status, Message: msg}
}

// RetryPayout handles POST /payout/retry. Idempotent: a failed claim re-runs
// the full precondition pipeline, so a claim whose transaction succeeded
// on-chain but never got recorded locally is reconciled instead of
// double-paid.
func (s *PayoutService) RetryPayout(c *fiber.Ctx) error {
	var req struct {
		ClaimID string `json:"claimId"`
	}
	if err := c.BodyParser(&req); err != nil || req.ClaimID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "claimId is required"})
	}

	var claim models.PRClaim
	if err := s.DB.First(&claim, "id = ?", req.ClaimID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "claim not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	result, perr := s.ExecutePayout(c.UserContext(), claim.ID)
	if perr != nil {
		return c.Status(perr.Status).JSON(fiber.Map{"error": perr.Message})
	}
	return c.JSON(fiber.Map{"success": true, "txHash": result.TxHash})
}

// ExecutePayout runs preconditions, submits resolveBounty, and records the
// paid/resolved transition. Shared by the retry endpoint and the PR-merged
// webhook path.
func (s *PayoutService) ExecutePayout(ctx context.Context, claimID string) (escrow.WriteResult, *PayoutError) {
	var claim models.PRClaim
	if err := s.DB.First(&claim, "id = ?", claimID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return escrow.WriteResult{}, payoutErr(fiber.StatusNotFound, "claim not found")
		}
		return escrow.WriteResult{}, payoutErr(fiber.StatusInternalServerError, "DB error loading claim")
	}

	if !s.inflight.tryAcquire(claim.BountyID) {
		return escrow.WriteResult{}, payoutErr(fiber.StatusConflict, "a payout or refund for this bounty is already in flight")
	}
	defer s.inflight.release(claim.BountyID)

	// Preconditions, re-checked on every attempt.
	if claim.Status == models.ClaimStatusPaid {
		return escrow.WriteResult{}, payoutErr(fiber.StatusConflict, "claim is already paid")
	}

	var bounty models.Bounty
	if err := s.DB.First(&bounty, "bounty_id = ?", claim.BountyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return escrow.WriteResult{}, payoutErr(fiber.StatusNotFound, "bounty not found for claim")
		}
		return escrow.WriteResult{}, payoutErr(fiber.StatusInternalServerError, "DB error loading bounty")
	}
	if bounty.Status != models.BountyStatusOpen {
		return escrow.WriteResult{}, payoutErr(fiber.StatusConflict, "bounty is not open (status: "+string(bounty.Status)+")")
	}
	if bounty.Environment != s.Env {
		return escrow.WriteResult{}, payoutErr(fiber.StatusForbidden, "bounty belongs to environment "+bounty.Environment+", this service runs "+s.Env)
	}
	if bounty.Network == "" {
		return escrow.WriteResult{}, payoutErr(fiber.StatusBadRequest, "bounty has no network set")
	}
	if _, err := s.Registry.Resolve(bounty.Network); err != nil {
		return escrow.WriteResult{}, payoutErr(fiber.StatusBadRequest, err.Error())
	}

	wallet, perr := s.payoutWallet(&bounty, claim.PRAuthorExternalID)
	if perr != nil {
		s.markClaimFailed(&claim, perr.Message)
		return escrow.WriteResult{}, perr
	}
	payoutAddr := common.HexToAddress(wallet.Address)
	bountyID := common.HexToHash(bounty.BountyID)

	// Check authoritative state before submitting: if someone (this service,
	// previously, or a direct contract call) already settled the bounty, we
	// reconcile records instead of racing the chain.
	onchain, err := s.Escrow.GetBounty(ctx, bounty.Network, bountyID)
	if err != nil {
		return escrow.WriteResult{}, payoutErr(fiber.StatusBadGateway, "chain read failed, retry later: "+err.Error())
	}
	switch onchain.Status {
	case escrow.StatusResolved:
		if onchain.Resolver == payoutAddr {
			// Money already moved to this claimant; catch the ledger up. The
			// resolving tx was not submitted by us, so no hash is recorded.
			s.recordPayout(&claim, &bounty, "")
			return escrow.WriteResult{Success: true}, nil
		}
		s.markClaimFailed(&claim, "bounty was resolved on-chain to a different address")
		return escrow.WriteResult{}, payoutErr(fiber.StatusConflict, "bounty already resolved on-chain to a different address")
	case escrow.StatusRefunded:
		s.markClaimFailed(&claim, "bounty was refunded on-chain")
		return escrow.WriteResult{}, payoutErr(fiber.StatusConflict, "bounty was refunded on-chain")
	}

	// Submission. Detached from the caller's cancellation: once on the wire
	// the transaction is tracked to completion so local state cannot drift
	// just because the client hung up.
	result, err := s.Escrow.ResolveBounty(context.WithoutCancel(ctx), bounty.Network, bountyID, payoutAddr)
	if err != nil {
		s.markClaimFailed(&claim, err.Error())
		return escrow.WriteResult{}, payoutErr(fiber.StatusBadGateway, "transaction submission failed: "+err.Error())
	}
	if !result.Success {
		s.markClaimFailed(&claim, result.Error)
		return escrow.WriteResult{}, payoutErr(fiber.StatusBadGateway, result.Error)
	}

	s.recordPayout(&claim, &bounty, result.TxHash)

	s.Notifier.Enqueue(workers.NotifyEvent{
		Type:        workers.NotifyBountyPaid,
		BountyID:    bounty.BountyID,
		Repo:        bounty.RepoFullName,
		IssueNumber: bounty.IssueNumber,
		PRNumber:    claim.PRNumber,
		Recipient:   claim.PRAuthorExternalID,
		Amount:      FormatTokenAmount(bounty.Amount, bounty.TokenDecimals) + " " + bounty.TokenSymbol,
		TxHash:      result.TxHash,
	})
	log.Printf("✅ [PAYOUT] Bounty %s paid to %s (tx %s)", bounty.BountyID, wallet.Address, result.TxHash)
	return result, nil
}

// recordPayout persists claim=paid and bounty=resolved as one logical
// transition. If the shared transaction fails, the claim update is retried
// alone — money has moved, so the claim must not stay unpaid; the bounty row
// is left for the reconciler. An empty txHash means the settlement happened
// outside this service and its hash is unknown; the funding hash on the
// bounty row is left untouched.
func (s *PayoutService) recordPayout(claim *models.PRClaim, bounty *models.Bounty, txHash string) {
	claimUpdates := map[string]interface{}{
		"status": models.ClaimStatusPaid, "resolved_at": time.Now(), "last_error": "",
	}
	bountyUpdates := map[string]interface{}{"status": models.BountyStatusResolved}
	if txHash != "" {
		claimUpdates["tx_hash"] = txHash
		bountyUpdates["tx_hash"] = txHash
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.PRClaim{}).Where("id = ?", claim.ID).Updates(claimUpdates).Error; err != nil {
			return err
		}
		return tx.Model(&models.Bounty{}).Where("bounty_id = ?", bounty.BountyID).Updates(bountyUpdates).Error
	})
	if err != nil {
		log.Printf("❌ [PAYOUT] Atomic record failed for claim %s: %v — retrying claim alone", claim.ID, err)
		if err := s.DB.Model(&models.PRClaim{}).Where("id = ?", claim.ID).Updates(claimUpdates).Error; err != nil {
			log.Printf("❌ [PAYOUT] Claim %s paid on-chain (tx %s) but not recorded: %v — reconciler must catch up", claim.ID, txHash, err)
			return
		}
		log.Printf("⚠️ [PAYOUT] Claim %s recorded; bounty %s left open for reconciler", claim.ID, bounty.BountyID)
		return
	}
	claim.Status = models.ClaimStatusPaid
	bounty.Status = models.BountyStatusResolved
	if txHash != "" {
		claim.TxHash = txHash
		bounty.TxHash = txHash
	}
}

func (s *PayoutService) markClaimFailed(claim *models.PRClaim, reason string) {
	if err := s.DB.Model(&models.PRClaim{}).Where("id = ?", claim.ID).Updates(map[string]interface{}{
		"status": models.ClaimStatusFailed, "last_error": reason,
	}).Error; err != nil {
		log.Printf("❌ [PAYOUT] Failed to mark claim %s failed: %v", claim.ID, err)
	}
	claim.Status = models.ClaimStatusFailed
	claim.LastError = reason
}

// payoutWallet resolves the PR author's linked wallet on the bounty's
// network and enforces the bounty's allowlist (empty set = anyone).
func (s *PayoutService) payoutWallet(bounty *models.Bounty, authorExternalID string) (*models.WalletMirror, *PayoutError) {
	var wallet models.WalletMirror
	err := s.DB.Where("external_user_id = ? AND network = ? AND is_active = ?",
		authorExternalID, bounty.Network, true).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payoutErr(fiber.StatusBadRequest,
				"PR author has no linked payout wallet for network "+bounty.Network)
		}
		return nil, payoutErr(fiber.StatusInternalServerError, "DB error looking up payout wallet")
	}

	var allowCount int64
	if err := s.DB.Model(&models.AllowlistEntry{}).Where("bounty_id = ?", bounty.BountyID).Count(&allowCount).Error; err != nil {
		return nil, payoutErr(fiber.StatusInternalServerError, "DB error reading allowlist")
	}
	if allowCount > 0 {
		var match int64
		if err := s.DB.Model(&models.AllowlistEntry{}).
			Where("bounty_id = ? AND LOWER(allowed_address) = LOWER(?)", bounty.BountyID, wallet.Address).
			Count(&match).Error; err != nil {
			return nil, payoutErr(fiber.StatusInternalServerError, "DB error reading allowlist")
		}
		if match == 0 {
			return nil, payoutErr(fiber.StatusForbidden, "payout address is not on this bounty's allowlist")
		}
	}

	return &wallet, nil
}

// RequestRefund handles POST /refunds/request: the sponsor reclaims an
// expired bounty.
func (s *PayoutService) RequestRefund(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req struct {
		BountyID string `json:"bountyId"`
	}
	if err := c.BodyParser(&req); err != nil || req.BountyID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bountyId is required"})
	}

	var bounty models.Bounty
	if err := s.DB.First(&bounty, "bounty_id = ?", req.BountyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "bounty not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	if bounty.SponsorExternalID != userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "only the bounty's sponsor may request a refund"})
	}
	if bounty.Status != models.BountyStatusOpen {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "bounty is not open (status: " + string(bounty.Status) + ")"})
	}
	if !IsRefundEligible(&bounty, time.Now()) {
		remaining := bounty.Deadline - time.Now().Unix()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "bounty is not expired yet (" + strconv.FormatInt(remaining, 10) + "s until deadline)",
		})
	}

	if !s.inflight.tryAcquire(bounty.BountyID) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "a payout or refund for this bounty is already in flight"})
	}
	defer s.inflight.release(bounty.BountyID)

	ctx := c.UserContext()
	bountyID := common.HexToHash(bounty.BountyID)

	onchain, err := s.Escrow.GetBounty(ctx, bounty.Network, bountyID)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "chain read failed, retry later: " + err.Error()})
	}
	switch onchain.Status {
	case escrow.StatusRefunded:
		// Refunded outside our knowledge; catch the ledger up and report
		// success. The refunding tx hash is unknown from here.
		s.recordRefund(&bounty, "")
		return c.JSON(fiber.Map{"success": true})
	case escrow.StatusResolved:
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "bounty was already resolved on-chain"})
	}

	result, err := s.Escrow.RefundExpired(context.WithoutCancel(ctx), bounty.Network, bountyID)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "transaction submission failed: " + err.Error()})
	}
	if !result.Success {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": result.Error})
	}

	s.recordRefund(&bounty, result.TxHash)
	s.Notifier.Enqueue(workers.NotifyEvent{
		Type:        workers.NotifyRefundIssued,
		BountyID:    bounty.BountyID,
		Repo:        bounty.RepoFullName,
		IssueNumber: bounty.IssueNumber,
		Recipient:   bounty.SponsorExternalID,
		Amount:      FormatTokenAmount(bounty.Amount, bounty.TokenDecimals) + " " + bounty.TokenSymbol,
		TxHash:      result.TxHash,
	})
	log.Printf("✅ [REFUND] Bounty %s refunded to sponsor (tx %s)", bounty.BountyID, result.TxHash)

	return c.JSON(fiber.Map{"success": true, "txHash": result.TxHash, "blockNumber": result.BlockNumber})
}

func (s *PayoutService) recordRefund(bounty *models.Bounty, txHash string) {
	updates := map[string]interface{}{"status": models.BountyStatusRefunded}
	if txHash != "" {
		updates["tx_hash"] = txHash
	}
	if err := s.DB.Model(&models.Bounty{}).Where("bounty_id = ?", bounty.BountyID).Updates(updates).Error; err != nil {
		log.Printf("❌ [REFUND] Bounty %s refunded on-chain (tx %s) but not recorded: %v — reconciler must catch up",
			bounty.BountyID, txHash, err)
		return
	}
	bounty.Status = models.BountyStatusRefunded
	if txHash != "" {
		bounty.TxHash = txHash
	}
}

// inflightSet guarantees at-most-one in-flight escrow write per key.
type inflightSet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func (s *inflightSet) tryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = map[string]struct{}{}
	}
	if _, busy := s.m[key]; busy {
		return false
	}
	s.m[key] = struct{}{}
	return true
}

func (s *inflightSet) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}
