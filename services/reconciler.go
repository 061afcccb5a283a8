package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"bounty-payout-system/escrow"
	"bounty-payout-system/models"
)

const reconcileFanout = 4

// Reconciler pulls authoritative escrow state and merges it into stored
// bounty rows. On-chain always wins: the DB is a cache of settlement state,
// never a source of truth. Only open bounties are ever reconciled — terminal
// rows are immutable audit history.
type Reconciler struct {
	DB     *gorm.DB
	Escrow EscrowGateway

	// debounce for the background loop; lazy per-request reconciliation
	// bypasses it.
	mu       sync.Mutex
	lastRun  map[string]time.Time
	debounce time.Duration
}

func NewReconciler(db *gorm.DB, gw EscrowGateway) *Reconciler {
	return &Reconciler{
		DB:       db,
		Escrow:   gw,
		lastRun:  map[string]time.Time{},
		debounce: 10 * time.Minute,
	}
}

// ReconcileAll reconciles every open bounty in the slice with bounded
// parallelism, updating elements in place. A failure on one bounty is logged
// and skipped — it never aborts the rest, and the stored value is kept.
func (r *Reconciler) ReconcileAll(ctx context.Context, bounties []models.Bounty) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileFanout)

	for i := range bounties {
		if bounties[i].Status != models.BountyStatusOpen {
			continue
		}
		b := &bounties[i]
		g.Go(func() error {
			if err := r.ReconcileOne(gctx, b); err != nil {
				log.Printf("[RECONCILE] ⚠️ %s on %s: %v (keeping stored status %q)",
					b.BountyID, b.Network, err, b.Status)
			}
			return nil // catch-and-continue
		})
	}
	_ = g.Wait()
}

// ReconcileOne fetches on-chain state for one open bounty and overwrites the
// stored status if it diverged. A second pass over a converged row is a
// no-op.
func (r *Reconciler) ReconcileOne(ctx context.Context, b *models.Bounty) error {
	onchain, err := r.Escrow.GetBounty(ctx, b.Network, common.HexToHash(b.BountyID))
	if err != nil {
		return err
	}

	var target models.BountyStatus
	switch onchain.Status {
	case escrow.StatusResolved:
		target = models.BountyStatusResolved
	case escrow.StatusRefunded:
		target = models.BountyStatusRefunded
	default:
		// Open or not-yet-observed on-chain: nothing to merge.
		return nil
	}

	if b.Status == target {
		return nil
	}

	log.Printf("[RECONCILE] 🔄 %s diverged: db=%q chain=%q — overwriting with chain state",
		b.BountyID, b.Status, target)

	if err := r.DB.Model(&models.Bounty{}).
		Where("bounty_id = ? AND status = ?", b.BountyID, models.BountyStatusOpen).
		Update("status", target).Error; err != nil {
		return err
	}
	b.Status = target
	return nil
}

// StartScheduler runs reconciliation as a periodic background job, on top of
// the lazy per-request path. Bounties reconciled within the debounce window
// are skipped.
func (r *Reconciler) StartScheduler(ctx context.Context, interval time.Duration) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("build reconcile scheduler: %w", err)
	}
	sched.Start()

	if _, err := sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { r.runScheduledPass(ctx) }),
	); err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("register reconcile job: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sched.Shutdown()
	}()
	return nil
}

// runScheduledPass is one scheduler tick: list open bounties, drop debounce
// entries for bounties that have left open (the map must not grow for the
// process lifetime), and reconcile whatever is outside the debounce window.
func (r *Reconciler) runScheduledPass(ctx context.Context) {
	var open []models.Bounty
	if err := r.DB.Where("status = ?", models.BountyStatusOpen).Find(&open).Error; err != nil {
		log.Printf("[RECONCILE] DB error listing open bounties: %v", err)
		return
	}

	openSet := make(map[string]struct{}, len(open))
	for _, b := range open {
		openSet[b.BountyID] = struct{}{}
	}

	due := open[:0]
	now := time.Now()
	r.mu.Lock()
	for id := range r.lastRun {
		if _, still := openSet[id]; !still {
			delete(r.lastRun, id)
		}
	}
	for _, b := range open {
		if now.Sub(r.lastRun[b.BountyID]) < r.debounce {
			continue
		}
		r.lastRun[b.BountyID] = now
		due = append(due, b)
	}
	r.mu.Unlock()

	if len(due) == 0 {
		return
	}
	log.Printf("[RECONCILE] Checking %d open bounties against chain state…", len(due))
	r.ReconcileAll(ctx, due)
}
