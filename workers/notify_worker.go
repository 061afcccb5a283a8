package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"
)

type NotifyType string

const (
	NotifyClaimReceived NotifyType = "claim_received"
	NotifyBountyPaid    NotifyType = "bounty_paid"
	NotifyRefundIssued  NotifyType = "refund_issued"
)

// NotifyEvent is one email/Discord notification request handed to the
// collaborator service.
type NotifyEvent struct {
	Type        NotifyType `json:"type"`
	BountyID    string     `json:"bounty_id"`
	Repo        string     `json:"repo"`
	IssueNumber uint64     `json:"issue_number"`
	PRNumber    uint64     `json:"pr_number,omitempty"`
	Recipient   string     `json:"recipient_external_id"`
	Amount      string     `json:"amount,omitempty"`
	TxHash      string     `json:"tx_hash,omitempty"`
}

// Notifier submits notifications to the external notification service on a
// bounded queue. Strictly best-effort: delivery failures are logged and a
// full queue drops the event — notification trouble must never block or
// roll back a financial state transition.
type Notifier struct {
	baseURL    string
	token      string
	httpClient *http.Client
	queue      chan NotifyEvent
}

func NewNotifier() *Notifier {
	baseURL := os.Getenv("NOTIFY_SERVICE_URL")
	if baseURL == "" {
		log.Println("⚠️  NOTIFY_SERVICE_URL not set — notifications disabled")
	}
	return &Notifier{
		baseURL: baseURL,
		token:   os.Getenv("BOUNTY_SERVICE_TOKEN"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		queue: make(chan NotifyEvent, 256),
	}
}

// Enqueue submits an event without blocking. Dropped (with a log line) if
// the queue is full or the notifier is disabled.
func (n *Notifier) Enqueue(evt NotifyEvent) {
	if n.baseURL == "" {
		return
	}
	select {
	case n.queue <- evt:
	default:
		log.Printf("⚠️ [NOTIFY] Queue full — dropping %s for bounty %s", evt.Type, evt.BountyID)
	}
}

// Start drains the queue until ctx is canceled.
func (n *Notifier) Start(ctx context.Context) {
	if n.baseURL == "" {
		return
	}
	log.Println("🔔 Notification worker started")
	go func() {
		for {
			select {
			case <-ctx.Done():
				log.Println("⏹️ Notification worker stopped")
				return
			case evt := <-n.queue:
				n.deliver(ctx, evt)
			}
		}
	}()
}

func (n *Notifier) deliver(ctx context.Context, evt NotifyEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("❌ [NOTIFY] Failed to encode %s event: %v", evt.Type, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.baseURL+"/api/v1/notifications", bytes.NewReader(payload))
	if err != nil {
		log.Printf("❌ [NOTIFY] Failed to build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", n.token)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.Printf("❌ [NOTIFY] Delivery of %s for bounty %s failed: %v", evt.Type, evt.BountyID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("❌ [NOTIFY] Notification service returned %d for %s (bounty %s)", resp.StatusCode, evt.Type, evt.BountyID)
		return
	}
	log.Printf("📨 [NOTIFY] Delivered %s for bounty %s", evt.Type, evt.BountyID)
}
