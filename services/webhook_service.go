package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bounty-payout-system/models"
	"bounty-payout-system/workers"
)

// WebhookService verifies and processes the two GitHub webhook streams:
// issue/PR events and the independently-signed marketplace stream. The raw
// request body is always verified before any JSON parsing — parsing first
// and re-serializing is not signature-equivalent.
type WebhookService struct {
	DB       *gorm.DB
	Payout   *PayoutService
	Notifier *workers.Notifier

	githubSecret      []byte
	marketplaceSecret []byte
}

func NewWebhookService(db *gorm.DB, payout *PayoutService, notifier *workers.Notifier) *WebhookService {
	githubSecret := os.Getenv("GITHUB_WEBHOOK_SECRET")
	if githubSecret == "" {
		log.Fatal("❌ GITHUB_WEBHOOK_SECRET is not set — cannot verify webhook deliveries")
	}
	marketplaceSecret := os.Getenv("MARKETPLACE_WEBHOOK_SECRET")
	if marketplaceSecret == "" {
		log.Println("⚠️  MARKETPLACE_WEBHOOK_SECRET not set — marketplace webhook endpoint disabled")
	}

	return &WebhookService{
		DB:                db,
		Payout:            payout,
		Notifier:          notifier,
		githubSecret:      []byte(githubSecret),
		marketplaceSecret: []byte(marketplaceSecret),
	}
}

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>")
// against the HMAC-SHA256 of the raw body. Constant-time comparison.
func VerifySignature(secret, rawBody []byte, header string) bool {
	hexSig, found := strings.CutPrefix(header, "sha256=")
	if !found {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)
	return hmac.Equal(got, mac.Sum(nil))
}

// --- Event variants ---
//
// Every verified delivery decodes into exactly one of these; the processing
// switch is exhaustive and UnhandledEvent is an explicit acknowledged no-op.
// Webhook senders must never see persistent failures for events outside our
// vocabulary, or they disable the subscription.

type WebhookEvent interface{ isWebhookEvent() }

type PullRequestOpened struct {
	RepoFullName string
	PRNumber     uint64
	AuthorID     int64
	AuthorLogin  string
	IssueRefs    []uint64
}

type PullRequestMerged struct {
	RepoFullName string
	PRNumber     uint64
	AuthorID     int64
	AuthorLogin  string
	IssueRefs    []uint64
}

type MarketplacePurchase struct {
	Action        string
	AccountLogin  string
	AccountID     int64
	PlanName      string
	MonthlyCents  int64
	EffectiveDate string
}

type UnhandledEvent struct {
	Event  string
	Action string
}

func (PullRequestOpened) isWebhookEvent()   {}
func (PullRequestMerged) isWebhookEvent()   {}
func (MarketplacePurchase) isWebhookEvent() {}
func (UnhandledEvent) isWebhookEvent()      {}

var issueRefPattern = regexp.MustCompile(`#(\d+)`)

// ParseIssueRefs extracts referenced issue numbers ("#123") from PR
// title/body text, deduplicated in order of first appearance.
func ParseIssueRefs(texts ...string) []uint64 {
	seen := map[uint64]struct{}{}
	var refs []uint64
	for _, text := range texts {
		for _, m := range issueRefPattern.FindAllStringSubmatch(text, -1) {
			n, err := strconv.ParseUint(m[1], 10, 64)
			if err != nil || n == 0 {
				continue
			}
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			refs = append(refs, n)
		}
	}
	return refs
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number uint64 `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Merged bool   `json:"merged"`
		User   struct {
			ID    int64  `json:"id"`
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type marketplacePayload struct {
	Action            string `json:"action"`
	EffectiveDate     string `json:"effective_date"`
	MarketplacePurchase struct {
		Account struct {
			Login string `json:"login"`
			ID    int64  `json:"id"`
		} `json:"account"`
		Plan struct {
			Name                string `json:"name"`
			MonthlyPriceInCents int64  `json:"monthly_price_in_cents"`
		} `json:"plan"`
	} `json:"marketplace_purchase"`
}

// ParseGitHubEvent maps a verified delivery to its variant.
func ParseGitHubEvent(event string, rawBody []byte) (WebhookEvent, error) {
	switch event {
	case "pull_request":
		var p pullRequestPayload
		if err := json.Unmarshal(rawBody, &p); err != nil {
			return nil, fmt.Errorf("decode pull_request payload: %w", err)
		}
		refs := ParseIssueRefs(p.PullRequest.Title, p.PullRequest.Body)
		switch {
		case p.Action == "opened":
			return PullRequestOpened{
				RepoFullName: p.Repository.FullName,
				PRNumber:     p.PullRequest.Number,
				AuthorID:     p.PullRequest.User.ID,
				AuthorLogin:  p.PullRequest.User.Login,
				IssueRefs:    refs,
			}, nil
		case p.Action == "closed" && p.PullRequest.Merged:
			return PullRequestMerged{
				RepoFullName: p.Repository.FullName,
				PRNumber:     p.PullRequest.Number,
				AuthorID:     p.PullRequest.User.ID,
				AuthorLogin:  p.PullRequest.User.Login,
				IssueRefs:    refs,
			}, nil
		default:
			return UnhandledEvent{Event: event, Action: p.Action}, nil
		}

	case "marketplace_purchase":
		var p marketplacePayload
		if err := json.Unmarshal(rawBody, &p); err != nil {
			return nil, fmt.Errorf("decode marketplace payload: %w", err)
		}
		return MarketplacePurchase{
			Action:        p.Action,
			AccountLogin:  p.MarketplacePurchase.Account.Login,
			AccountID:     p.MarketplacePurchase.Account.ID,
			PlanName:      p.MarketplacePurchase.Plan.Name,
			MonthlyCents:  p.MarketplacePurchase.Plan.MonthlyPriceInCents,
			EffectiveDate: p.EffectiveDate,
		}, nil

	default:
		return UnhandledEvent{Event: event}, nil
	}
}

// HandleGitHub handles POST /webhooks/github.
func (s *WebhookService) HandleGitHub(c *fiber.Ctx) error {
	rawBody := c.Body()
	if !VerifySignature(s.githubSecret, rawBody, c.Get("X-Hub-Signature-256")) {
		log.Printf("🚫 [WEBHOOK] Invalid signature on github delivery %s", c.Get("X-GitHub-Delivery"))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid webhook signature"})
	}

	eventName := c.Get("X-GitHub-Event")
	deliveryID := c.Get("X-GitHub-Delivery")

	if deliveryID != "" {
		var count int64
		if err := s.DB.Model(&models.WebhookDelivery{}).Where("delivery_id = ?", deliveryID).Count(&count).Error; err == nil && count > 0 {
			return c.JSON(fiber.Map{"message": "duplicate delivery, already processed"})
		}
	}

	event, err := ParseGitHubEvent(eventName, rawBody)
	if err != nil {
		// Malformed but correctly signed — acknowledge so GitHub doesn't
		// disable the hook, but record what happened.
		log.Printf("⚠️ [WEBHOOK] %v", err)
		s.recordDelivery(deliveryID, eventName, "", "malformed payload: "+err.Error())
		return c.JSON(fiber.Map{"message": "payload not understood, ignored"})
	}

	var outcome string
	switch e := event.(type) {
	case PullRequestOpened:
		outcome = s.processPROpened(c, e)
	case PullRequestMerged:
		outcome = s.processPRMerged(c, e)
	case MarketplacePurchase:
		// Marketplace events belong on their own endpoint/secret; seeing one
		// here means a misconfigured hook. Acknowledge without acting.
		outcome = "marketplace event on github endpoint, ignored"
	case UnhandledEvent:
		outcome = "event outside vocabulary, ignored"
	}

	s.recordDelivery(deliveryID, eventName, actionOf(event), outcome)
	return c.JSON(fiber.Map{"message": outcome})
}

// HandleMarketplace handles POST /webhooks/marketplace — a separate stream
// with its own shared secret. Plan changes are logged; bounty state is never
// touched from here.
func (s *WebhookService) HandleMarketplace(c *fiber.Ctx) error {
	if len(s.marketplaceSecret) == 0 {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "marketplace webhook not configured"})
	}

	rawBody := c.Body()
	if !VerifySignature(s.marketplaceSecret, rawBody, c.Get("X-Hub-Signature-256")) {
		log.Printf("🚫 [WEBHOOK] Invalid signature on marketplace delivery %s", c.Get("X-GitHub-Delivery"))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid webhook signature"})
	}

	event, err := ParseGitHubEvent(c.Get("X-GitHub-Event"), rawBody)
	if err != nil {
		log.Printf("⚠️ [WEBHOOK] %v", err)
		return c.JSON(fiber.Map{"message": "payload not understood, ignored"})
	}

	purchase, ok := event.(MarketplacePurchase)
	if !ok {
		return c.JSON(fiber.Map{"message": "event outside vocabulary, ignored"})
	}

	row := models.MarketplacePlanEvent{
		Action:            purchase.Action,
		AccountLogin:      purchase.AccountLogin,
		AccountExternalID: purchase.AccountID,
		PlanName:          purchase.PlanName,
		PlanMonthlyCents:  purchase.MonthlyCents,
		EffectiveDate:     purchase.EffectiveDate,
	}
	if err := s.DB.Create(&row).Error; err != nil {
		log.Printf("❌ [WEBHOOK] Failed to record marketplace event: %v", err)
	} else {
		log.Printf("📋 [WEBHOOK] Marketplace %s: %s → plan %q", purchase.Action, purchase.AccountLogin, purchase.PlanName)
	}
	return c.JSON(fiber.Map{"message": "plan change recorded"})
}

// processPROpened creates/advances a pending claim for each tracked issue
// the PR references.
func (s *WebhookService) processPROpened(c *fiber.Ctx, e PullRequestOpened) string {
	bounties, err := s.trackedBounties(e.RepoFullName, e.IssueRefs)
	if err != nil {
		log.Printf("❌ [WEBHOOK] DB error matching bounties: %v", err)
		return "internal error matching bounties"
	}
	if len(bounties) == 0 {
		return "no tracked issue referenced"
	}

	created := 0
	for _, bounty := range bounties {
		claim := models.PRClaim{
			ID:                 newClaimID(),
			BountyID:           bounty.BountyID,
			PRNumber:           e.PRNumber,
			PRAuthorExternalID: strconv.FormatInt(e.AuthorID, 10),
			Status:             models.ClaimStatusPending,
		}
		var existing models.PRClaim
		err := s.DB.Where("bounty_id = ? AND pr_number = ?", bounty.BountyID, e.PRNumber).First(&existing).Error
		if err == nil {
			continue // claim already tracked for this PR
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("❌ [WEBHOOK] DB error checking claim: %v", err)
			continue
		}
		if err := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&claim).Error; err != nil {
			log.Printf("❌ [WEBHOOK] Failed to create claim for bounty %s: %v", bounty.BountyID, err)
			continue
		}
		created++

		s.Notifier.Enqueue(workers.NotifyEvent{
			Type:        workers.NotifyClaimReceived,
			BountyID:    bounty.BountyID,
			Repo:        bounty.RepoFullName,
			IssueNumber: bounty.IssueNumber,
			PRNumber:    e.PRNumber,
			Recipient:   bounty.SponsorExternalID,
		})
		log.Printf("📥 [WEBHOOK] Claim created: PR #%d by %s targets bounty %s", e.PRNumber, e.AuthorLogin, bounty.BountyID)
	}
	return fmt.Sprintf("%d claim(s) created", created)
}

// processPRMerged invokes the payout executor for each tracked bounty the
// merged PR closes. A payout failure is recorded on the claim for manual
// retry — the webhook still acknowledges, since GitHub redelivery must never
// be the thing that resubmits a financial transaction.
func (s *WebhookService) processPRMerged(c *fiber.Ctx, e PullRequestMerged) string {
	bounties, err := s.trackedBounties(e.RepoFullName, e.IssueRefs)
	if err != nil {
		log.Printf("❌ [WEBHOOK] DB error matching bounties: %v", err)
		return "internal error matching bounties"
	}
	if len(bounties) == 0 {
		return "no tracked issue referenced"
	}

	authorID := strconv.FormatInt(e.AuthorID, 10)
	paid, failed := 0, 0
	for _, bounty := range bounties {
		var claim models.PRClaim
		err := s.DB.Where("bounty_id = ? AND pr_number = ?", bounty.BountyID, e.PRNumber).First(&claim).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Merge without a prior opened event (e.g. hook added late).
			claim = models.PRClaim{
				ID:                 newClaimID(),
				BountyID:           bounty.BountyID,
				PRNumber:           e.PRNumber,
				PRAuthorExternalID: authorID,
				Status:             models.ClaimStatusPending,
			}
			if err := s.DB.Create(&claim).Error; err != nil {
				log.Printf("❌ [WEBHOOK] Failed to create claim on merge: %v", err)
				failed++
				continue
			}
		} else if err != nil {
			log.Printf("❌ [WEBHOOK] DB error loading claim: %v", err)
			failed++
			continue
		}

		if _, perr := s.Payout.ExecutePayout(c.UserContext(), claim.ID); perr != nil {
			log.Printf("⚠️ [WEBHOOK] Payout for bounty %s failed (%d %s) — claim %s left for manual retry",
				bounty.BountyID, perr.Status, perr.Message, claim.ID)
			failed++
			continue
		}
		paid++
	}
	return fmt.Sprintf("%d payout(s) executed, %d failed", paid, failed)
}

func (s *WebhookService) trackedBounties(repoFullName string, issueRefs []uint64) ([]models.Bounty, error) {
	if len(issueRefs) == 0 {
		return nil, nil
	}
	var bounties []models.Bounty
	err := s.DB.Where("repo_full_name = ? AND issue_number IN ? AND status = ?",
		repoFullName, issueRefs, models.BountyStatusOpen).Find(&bounties).Error
	return bounties, err
}

func (s *WebhookService) recordDelivery(deliveryID, event, action, outcome string) {
	if deliveryID == "" {
		return
	}
	row := models.WebhookDelivery{DeliveryID: deliveryID, Event: event, Action: action, Outcome: outcome}
	if err := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		log.Printf("⚠️ [WEBHOOK] Failed to record delivery %s: %v", deliveryID, err)
	}
}

func newClaimID() string { return uuid.NewString() }

func actionOf(event WebhookEvent) string {
	switch e := event.(type) {
	case PullRequestOpened:
		return "opened"
	case PullRequestMerged:
		return "merged"
	case MarketplacePurchase:
		return e.Action
	case UnhandledEvent:
		return e.Action
	}
	return ""
}
