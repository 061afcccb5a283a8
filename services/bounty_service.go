package services

import (
	"errors"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bounty-payout-system/chains"
	"bounty-payout-system/escrow"
	"bounty-payout-system/models"
)

// BountyService owns the bounty query layer: creation after the funding
// transaction is observed, the session-scoped reconciled listing, and
// sponsor-managed allowlists.
type BountyService struct {
	DB         *gorm.DB
	Registry   *chains.Registry
	Escrow     EscrowGateway
	Reconciler *Reconciler
	Env        string
}

func NewBountyService(db *gorm.DB, registry *chains.Registry, gw EscrowGateway, rec *Reconciler, env string) *BountyService {
	return &BountyService{DB: db, Registry: registry, Escrow: gw, Reconciler: rec, Env: env}
}

// CreateBounty handles POST /bounty/create. The caller supplies the funding
// txHash and target network; we verify the transaction actually exists on
// that network before trusting the pairing, then derive the on-chain id and
// insert the ledger row. Idempotent: re-posting an already-tracked bounty
// returns the existing id.
func (s *BountyService) CreateBounty(c *fiber.Ctx) error {
	var req struct {
		RepoFullName   string `json:"repoFullName"`
		RepoID         uint64 `json:"repoId"`
		IssueNumber    uint64 `json:"issueNumber"`
		SponsorAddress string `json:"sponsorAddress"`
		Token          string `json:"token"`
		Amount         string `json:"amount"`
		Deadline       int64  `json:"deadline"`
		TxHash         string `json:"txHash"`
		InstallationID int64  `json:"installationId"`
		Network        string `json:"network"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	if req.RepoFullName == "" || !strings.Contains(req.RepoFullName, "/") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "repoFullName must be owner/name"})
	}
	if req.RepoID == 0 || req.IssueNumber == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "repoId and issueNumber are required"})
	}
	if !common.IsHexAddress(req.SponsorAddress) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sponsorAddress must be a valid address"})
	}
	if !common.IsHexAddress(req.Token) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "token must be a valid address"})
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amount must be a positive integer in the token's smallest unit"})
	}
	if req.Deadline <= time.Now().Unix() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "deadline must be in the future"})
	}
	if len(req.TxHash) != 66 || !strings.HasPrefix(req.TxHash, "0x") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "txHash must be a 0x-prefixed 32-byte hash"})
	}

	cfg, err := s.Registry.Resolve(req.Network)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	// The network alias comes from the request body — verify the funding tx
	// is real on that chain before binding the bounty to it. A mined-but-
	// reverted tx escrowed nothing, so it is rejected too.
	receipt, err := s.Escrow.TransactionReceipt(c.UserContext(), cfg.Alias, common.HexToHash(req.TxHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "funding transaction not found on network " + cfg.Alias,
			})
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "could not verify funding transaction: " + err.Error()})
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "funding transaction reverted on network " + cfg.Alias + ", no funds were escrowed",
		})
	}

	sponsor := common.HexToAddress(req.SponsorAddress)
	bountyID := escrow.DeriveBountyID(sponsor, escrow.HashRepoID(req.RepoID), req.IssueNumber, cfg.ChainID)

	userID, _ := c.Locals("user_id").(string)
	bounty := models.Bounty{
		BountyID:          bountyID.Hex(),
		RepoFullName:      req.RepoFullName,
		RepoID:            req.RepoID,
		IssueNumber:       req.IssueNumber,
		SponsorAddress:    sponsor.Hex(),
		SponsorExternalID: userID,
		TokenAddress:      common.HexToAddress(req.Token).Hex(),
		TokenSymbol:       cfg.TokenSymbol,
		TokenDecimals:     cfg.TokenDecimals,
		Amount:            amount.String(),
		Deadline:          req.Deadline,
		Status:            models.BountyStatusOpen,
		TxHash:            req.TxHash,
		Network:           cfg.Alias,
		ChainID:           cfg.ChainID,
		Environment:       s.Env,
		InstallationID:    req.InstallationID,
	}

	res := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&bounty)
	if res.Error != nil {
		log.Printf("DB Error creating bounty: %v", res.Error)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create bounty"})
	}
	if res.RowsAffected == 0 {
		// Already tracked — double-submitted webhook or UI retry.
		return c.JSON(fiber.Map{"success": true, "bountyId": bountyID.Hex()})
	}

	log.Printf("✅ [BOUNTY] Created %s: %s#%d on %s (%s %s)",
		bountyID.Hex(), req.RepoFullName, req.IssueNumber, cfg.Alias,
		FormatTokenAmount(bounty.Amount, bounty.TokenDecimals), bounty.TokenSymbol)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "bountyId": bountyID.Hex()})
}

// BountyView is one row of the reconciled listing.
type BountyView struct {
	models.Bounty
	Lifecycle       Lifecycle `json:"lifecycle"`
	AmountFormatted string    `json:"amount_formatted"`
}

// GetUserBounties handles GET /user/bounties: the caller's bounties, lazily
// reconciled against chain state, each with derived lifecycle.
func (s *BountyService) GetUserBounties(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var bounties []models.Bounty
	if err := s.DB.Where("sponsor_external_id = ?", userID).
		Order("created_at DESC").Find(&bounties).Error; err != nil {
		log.Printf("DB Error fetching user bounties: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch bounties"})
	}

	s.Reconciler.ReconcileAll(c.UserContext(), bounties)

	now := time.Now()
	views := make([]BountyView, len(bounties))
	for i := range bounties {
		views[i] = BountyView{
			Bounty:          bounties[i],
			Lifecycle:       DeriveLifecycle(&bounties[i], now),
			AmountFormatted: FormatTokenAmount(bounties[i].Amount, bounties[i].TokenDecimals),
		}
	}

	return c.JSON(fiber.Map{"bounties": views})
}

// GetBounty handles GET /bounty/:id — a single reconciled bounty.
func (s *BountyService) GetBounty(c *fiber.Ctx) error {
	id := c.Params("id")

	var bounty models.Bounty
	if err := s.DB.First(&bounty, "bounty_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "bounty not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	if bounty.Status == models.BountyStatusOpen {
		if err := s.Reconciler.ReconcileOne(c.UserContext(), &bounty); err != nil {
			log.Printf("[RECONCILE] ⚠️ %s: %v (serving stored state)", bounty.BountyID, err)
		}
	}

	return c.JSON(BountyView{
		Bounty:          bounty,
		Lifecycle:       DeriveLifecycle(&bounty, time.Now()),
		AmountFormatted: FormatTokenAmount(bounty.Amount, bounty.TokenDecimals),
	})
}

// --- Allowlist (sponsor-managed) ---

func (s *BountyService) GetAllowlist(c *fiber.Ctx) error {
	var entries []models.AllowlistEntry
	if err := s.DB.Where("bounty_id = ?", c.Params("id")).Find(&entries).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(fiber.Map{"allowlist": entries})
}

func (s *BountyService) AddAllowlistEntry(c *fiber.Ctx) error {
	bounty, errResp := s.sponsorOwnedBounty(c)
	if bounty == nil {
		return errResp
	}

	var req struct {
		Address string `json:"address"`
	}
	if err := c.BodyParser(&req); err != nil || !common.IsHexAddress(req.Address) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "address must be a valid address"})
	}

	entry := models.AllowlistEntry{
		BountyID:       bounty.BountyID,
		AllowedAddress: common.HexToAddress(req.Address).Hex(),
	}
	if err := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error; err != nil {
		log.Printf("DB Error adding allowlist entry: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to add allowlist entry"})
	}
	return c.Status(fiber.StatusCreated).JSON(entry)
}

func (s *BountyService) RemoveAllowlistEntry(c *fiber.Ctx) error {
	bounty, errResp := s.sponsorOwnedBounty(c)
	if bounty == nil {
		return errResp
	}

	address := c.Params("address")
	if !common.IsHexAddress(address) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "address must be a valid address"})
	}

	if err := s.DB.Where("bounty_id = ? AND LOWER(allowed_address) = LOWER(?)", bounty.BountyID, address).
		Delete(&models.AllowlistEntry{}).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to remove allowlist entry"})
	}
	return c.JSON(fiber.Map{"message": "Allowlist entry removed"})
}

// sponsorOwnedBounty loads the bounty from :id and enforces that the caller
// is its sponsor. Returns (nil, response) on failure.
func (s *BountyService) sponsorOwnedBounty(c *fiber.Ctx) (*models.Bounty, error) {
	userID := c.Locals("user_id").(string)

	var bounty models.Bounty
	if err := s.DB.First(&bounty, "bounty_id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "bounty not found"})
		}
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if bounty.SponsorExternalID != userID {
		return nil, c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "only the bounty's sponsor may manage its allowlist"})
	}
	return &bounty, nil
}
