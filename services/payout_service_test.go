package services

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounty-payout-system/chains"
	"bounty-payout-system/escrow"
	"bounty-payout-system/models"
	"bounty-payout-system/workers"
)

const (
	payoutBountyID  = "0x89327c97dd971bd0bd7157f65599d9d318a70ccff58ac50dc1d3a4299a0dc5b6"
	payoutClaimID   = "7f6c2f0a-9f7a-4f4e-9a51-2f0a6a1a9f7a"
	payoutWalletHex = "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"
	fundingTxHash   = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

func payoutTestService(t *testing.T) (*PayoutService, sqlmock.Sqlmock, *fakeGateway) {
	t.Helper()
	db, mock := newMockDB(t)
	gw := newFakeGateway()
	reg := chains.NewRegistryForTest(&chains.NetworkConfig{
		Alias:         "base-sepolia",
		ChainID:       84532,
		TokenAddress:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		TokenSymbol:   "USDC",
		TokenDecimals: 6,
	})
	svc := NewPayoutService(db, reg, gw, &workers.Notifier{}, "production")
	return svc, mock, gw
}

func claimRows(status models.ClaimStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "bounty_id", "pr_number", "pr_author_external_id", "status"}).
		AddRow(payoutClaimID, payoutBountyID, 17, "583231", string(status))
}

func bountyRows(status models.BountyStatus, env, network string, deadline int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"bounty_id", "repo_full_name", "issue_number", "sponsor_address", "sponsor_external_id",
		"token_symbol", "token_decimals", "amount", "deadline", "status", "tx_hash", "network", "chain_id", "environment",
	}).AddRow(payoutBountyID, "acme/widgets", 42, "0x7C0d52faAB596C08F484E3478aeBc6205F3eB437", "100",
		"USDC", 6, "500000000", deadline, string(status), fundingTxHash, network, 84532, env)
}

func walletRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "external_user_id", "network", "address", "verified", "is_active"}).
		AddRow("ad2f5c0e-0e53-4b8e-8a01-55cdd6a1c0de", "583231", "base-sepolia", payoutWalletHex, true, true)
}

func countRows(n int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"count"}).AddRow(n)
}

func expectClaimQuery(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT \* FROM "pr_claims" WHERE id =`).WillReturnRows(rows)
}

func expectBountyQuery(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT \* FROM "bounties" WHERE bounty_id =`).WillReturnRows(rows)
}

func expectClaimFailedUpdate(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`UPDATE "pr_claims"`).WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestExecutePayout_ClaimNotFound(t *testing.T) {
	svc, mock, _ := payoutTestService(t)
	expectClaimQuery(mock, sqlmock.NewRows([]string{"id"}))

	_, perr := svc.ExecutePayout(context.Background(), payoutClaimID)
	require.NotNil(t, perr)
	assert.Equal(t, fiber.StatusNotFound, perr.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePayout_ClaimAlreadyPaid(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectClaimQuery(mock, claimRows(models.ClaimStatusPaid))

	_, perr := svc.ExecutePayout(context.Background(), payoutClaimID)
	require.NotNil(t, perr)
	assert.Equal(t, fiber.StatusConflict, perr.Status)
	assert.Contains(t, perr.Message, "already paid")
	assert.Empty(t, gw.resolves, "a paid claim must never resubmit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePayout_BountyNotOpen(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectClaimQuery(mock, claimRows(models.ClaimStatusPending))
	expectBountyQuery(mock, bountyRows(models.BountyStatusRefunded, "production", "base-sepolia", 0))

	_, perr := svc.ExecutePayout(context.Background(), payoutClaimID)
	require.NotNil(t, perr)
	assert.Equal(t, fiber.StatusConflict, perr.Status)
	assert.Contains(t, perr.Message, "not open")
	assert.Empty(t, gw.resolves)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePayout_EnvironmentMismatch(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectClaimQuery(mock, claimRows(models.ClaimStatusPending))
	expectBountyQuery(mock, bountyRows(models.BountyStatusOpen, "staging", "base-sepolia", 0))

	_, perr := svc.ExecutePayout(context.Background(), payoutClaimID)
	require.NotNil(t, perr)
	assert.Equal(t, fiber.StatusForbidden, perr.Status)
	assert.Contains(t, perr.Message, "staging")
	assert.Empty(t, gw.resolves)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePayout_UnknownNetwork(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectClaimQuery(mock, claimRows(models.ClaimStatusPending))
	expectBountyQuery(mock, bountyRows(models.BountyStatusOpen, "production", "polygon", 0))

	_, perr := svc.ExecutePayout(context.Background(), payoutClaimID)
	require.NotNil(t, perr)
	assert.Equal(t, fiber.StatusBadRequest, perr.Status)
	assert.Contains(t, perr.Message, "invalid network alias")
	assert.Empty(t, gw.resolves)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePayout_NoLinkedWallet(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectClaimQuery(mock, claimRows(models.ClaimStatusPending))
	expectBountyQuery(mock, bountyRows(models.BountyStatusOpen, "production", "base-sepolia", 0))
	mock.ExpectQuery(`SELECT \* FROM "wallet_mirrors"`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	expectClaimFailedUpdate(mock) // claim marked failed with the reason

	_, perr := svc.ExecutePayout(context.Background(), payoutClaimID)
	require.NotNil(t, perr)
	assert.Equal(t, fiber.StatusBadRequest, perr.Status)
	assert.Contains(t, perr.Message, "no linked payout wallet")
	assert.Empty(t, gw.resolves)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePayout_AllowlistBlocks(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectClaimQuery(mock, claimRows(models.ClaimStatusPending))
	expectBountyQuery(mock, bountyRows(models.BountyStatusOpen, "production", "base-sepolia", 0))
	mock.ExpectQuery(`SELECT \* FROM "wallet_mirrors"`).WillReturnRows(walletRows())
	mock.ExpectQuery(`SELECT count\(\*\) FROM "allowlist_entries"`).WillReturnRows(countRows(2))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "allowlist_entries"`).WillReturnRows(countRows(0))
	expectClaimFailedUpdate(mock)

	_, perr := svc.ExecutePayout(context.Background(), payoutClaimID)
	require.NotNil(t, perr)
	assert.Equal(t, fiber.StatusForbidden, perr.Status)
	assert.Contains(t, perr.Message, "allowlist")
	assert.Empty(t, gw.resolves, "blocked payout must never reach the chain")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// expectPayoutPreflight wires the queries up to (and including) the empty
// allowlist check for a well-formed pending claim.
func expectPayoutPreflight(mock sqlmock.Sqlmock) {
	expectClaimQuery(mock, claimRows(models.ClaimStatusPending))
	expectBountyQuery(mock, bountyRows(models.BountyStatusOpen, "production", "base-sepolia", 0))
	mock.ExpectQuery(`SELECT \* FROM "wallet_mirrors"`).WillReturnRows(walletRows())
	mock.ExpectQuery(`SELECT count\(\*\) FROM "allowlist_entries"`).WillReturnRows(countRows(0))
}

func TestExecutePayout_AlreadyResolvedToClaimant(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectPayoutPreflight(mock)
	gw.bounties["base-sepolia"] = escrow.OnChainBounty{
		Status:   escrow.StatusResolved,
		Resolver: common.HexToAddress(payoutWalletHex),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "pr_claims"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "bounties"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, perr := svc.ExecutePayout(context.Background(), payoutClaimID)
	require.Nil(t, perr, "settled-to-the-same-claimant reconciles as success")
	assert.True(t, result.Success)
	assert.Empty(t, result.TxHash, "the external resolving tx hash is unknown and must not be faked")
	assert.Empty(t, gw.resolves, "no second transaction may be submitted")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePayout_ResolvedToDifferentAddress(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectPayoutPreflight(mock)
	gw.bounties["base-sepolia"] = escrow.OnChainBounty{
		Status:   escrow.StatusResolved,
		Resolver: common.HexToAddress("0x00000000219ab540356cBB839Cbe05303d7705Fa"),
	}
	expectClaimFailedUpdate(mock)

	_, perr := svc.ExecutePayout(context.Background(), payoutClaimID)
	require.NotNil(t, perr)
	assert.Equal(t, fiber.StatusConflict, perr.Status)
	assert.Contains(t, perr.Message, "different address")
	assert.Empty(t, gw.resolves)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePayout_RefundedOnChain(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectPayoutPreflight(mock)
	gw.bounties["base-sepolia"] = escrow.OnChainBounty{Status: escrow.StatusRefunded}
	expectClaimFailedUpdate(mock)

	_, perr := svc.ExecutePayout(context.Background(), payoutClaimID)
	require.NotNil(t, perr)
	assert.Equal(t, fiber.StatusConflict, perr.Status)
	assert.Contains(t, perr.Message, "refunded")
	assert.Empty(t, gw.resolves)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePayout_HappyPath(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectPayoutPreflight(mock)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "pr_claims"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "bounties"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, perr := svc.ExecutePayout(context.Background(), payoutClaimID)
	require.Nil(t, perr)
	assert.True(t, result.Success)
	assert.Equal(t, "0xfeed", result.TxHash)
	assert.Equal(t, []string{"base-sepolia/" + common.HexToAddress(payoutWalletHex).Hex()}, gw.resolves)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePayout_SubmissionFailureMarksClaim(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectPayoutPreflight(mock)
	gw.writeRes = escrow.WriteResult{Error: "bounty is not open on-chain (already resolved or refunded)"}
	expectClaimFailedUpdate(mock)

	_, perr := svc.ExecutePayout(context.Background(), payoutClaimID)
	require.NotNil(t, perr)
	assert.Equal(t, fiber.StatusBadGateway, perr.Status)
	assert.Contains(t, perr.Message, "not open on-chain")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePayout_ClaimRecordedAloneWhenAtomicWriteFails(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectPayoutPreflight(mock)

	// The shared transaction fails; money has moved, so the claim must still
	// be recorded paid on its own and the bounty row left to the reconciler.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "pr_claims"`).WillReturnError(assert.AnError)
	mock.ExpectRollback()
	mock.ExpectExec(`UPDATE "pr_claims"`).WillReturnResult(sqlmock.NewResult(0, 1))

	result, perr := svc.ExecutePayout(context.Background(), payoutClaimID)
	require.Nil(t, perr, "the on-chain payout succeeded; persistence trouble is not a caller error")
	assert.True(t, result.Success)
	assert.Len(t, gw.resolves, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// --- RequestRefund ---

func refundTestApp(svc *PayoutService) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", c.Get("X-User-ID"))
		return c.Next()
	})
	app.Post("/refunds/request", svc.RequestRefund)
	return app
}

func postRefund(t *testing.T, app *fiber.App, userID string) (int, string) {
	t.Helper()
	req := httptest.NewRequest("POST", "/refunds/request",
		strings.NewReader(`{"bountyId":"`+payoutBountyID+`"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID)
	resp, err := app.Test(req)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(raw)
}

func TestRequestRefund_OnlySponsor(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectBountyQuery(mock, bountyRows(models.BountyStatusOpen, "production", "base-sepolia", time.Now().Unix()-3600))

	status, body := postRefund(t, refundTestApp(svc), "999")
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Contains(t, body, "sponsor")
	assert.Empty(t, gw.refunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestRefund_NotExpiredYet(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectBountyQuery(mock, bountyRows(models.BountyStatusOpen, "production", "base-sepolia", time.Now().Unix()+86400))

	status, body := postRefund(t, refundTestApp(svc), "100")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, body, "not expired")
	assert.Empty(t, gw.refunds, "an unexpired bounty must never be refunded")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestRefund_BountyNotOpen(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectBountyQuery(mock, bountyRows(models.BountyStatusResolved, "production", "base-sepolia", time.Now().Unix()-3600))

	status, body := postRefund(t, refundTestApp(svc), "100")
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Contains(t, body, "not open")
	assert.Empty(t, gw.refunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestRefund_AlreadyRefundedOnChain(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectBountyQuery(mock, bountyRows(models.BountyStatusOpen, "production", "base-sepolia", time.Now().Unix()-3600))
	gw.bounties["base-sepolia"] = escrow.OnChainBounty{Status: escrow.StatusRefunded}
	mock.ExpectExec(`UPDATE "bounties"`).WillReturnResult(sqlmock.NewResult(0, 1))

	status, body := postRefund(t, refundTestApp(svc), "100")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, `"success":true`)
	assert.NotContains(t, body, fundingTxHash, "the funding tx must not masquerade as the refund tx")
	assert.Empty(t, gw.refunds, "no second refund may be submitted")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestRefund_AlreadyResolvedOnChain(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectBountyQuery(mock, bountyRows(models.BountyStatusOpen, "production", "base-sepolia", time.Now().Unix()-3600))
	gw.bounties["base-sepolia"] = escrow.OnChainBounty{Status: escrow.StatusResolved}

	status, body := postRefund(t, refundTestApp(svc), "100")
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Contains(t, body, "already resolved")
	assert.Empty(t, gw.refunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestRefund_HappyPath(t *testing.T) {
	svc, mock, gw := payoutTestService(t)
	expectBountyQuery(mock, bountyRows(models.BountyStatusOpen, "production", "base-sepolia", time.Now().Unix()-3600))
	mock.ExpectExec(`UPDATE "bounties"`).WillReturnResult(sqlmock.NewResult(0, 1))

	status, body := postRefund(t, refundTestApp(svc), "100")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, "0xfeed")
	assert.Equal(t, []string{"base-sepolia"}, gw.refunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// --- inflightSet ---

func TestInflightSet_SingleFlight(t *testing.T) {
	var set inflightSet

	assert.True(t, set.tryAcquire("0xabc"))
	assert.False(t, set.tryAcquire("0xabc"), "second acquire for the same bounty must lose")
	assert.True(t, set.tryAcquire("0xdef"), "other bounties are unaffected")

	set.release("0xabc")
	assert.True(t, set.tryAcquire("0xabc"), "released key can be acquired again")
}

func TestInflightSet_ConcurrentAcquire(t *testing.T) {
	var set inflightSet
	var winners atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if set.tryAcquire("0xabc") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), winners.Load(), "exactly one concurrent caller may hold the key")
}

func TestInflightSet_ReleaseUnknownKey(t *testing.T) {
	var set inflightSet
	set.release("never-acquired") // must not panic
	assert.True(t, set.tryAcquire("never-acquired"))
}
