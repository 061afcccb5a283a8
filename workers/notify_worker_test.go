package workers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_DisabledWithoutURL(t *testing.T) {
	t.Setenv("NOTIFY_SERVICE_URL", "")
	n := NewNotifier()

	// Enqueue on a disabled notifier must be a silent no-op, not a block.
	for i := 0; i < 1000; i++ {
		n.Enqueue(NotifyEvent{Type: NotifyBountyPaid, BountyID: "0xabc"})
	}
	assert.Empty(t, n.queue)
}

func TestNotifier_EnqueueDropsWhenFull(t *testing.T) {
	t.Setenv("NOTIFY_SERVICE_URL", "http://localhost:0")
	n := NewNotifier()

	// Not started: nothing drains the queue, so it fills and then drops.
	for i := 0; i < 1000; i++ {
		n.Enqueue(NotifyEvent{Type: NotifyBountyPaid, BountyID: "0xabc"})
	}
	assert.Len(t, n.queue, cap(n.queue))
}

func TestNotifier_DeliversEvent(t *testing.T) {
	received := make(chan NotifyEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/notifications", r.URL.Path)
		require.Equal(t, "svc-token", r.Header.Get("X-Service-Token"))
		var evt NotifyEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		received <- evt
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	t.Setenv("NOTIFY_SERVICE_URL", srv.URL)
	t.Setenv("BOUNTY_SERVICE_TOKEN", "svc-token")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewNotifier()
	n.Start(ctx)
	n.Enqueue(NotifyEvent{
		Type:        NotifyBountyPaid,
		BountyID:    "0x89327c97dd971bd0bd7157f65599d9d318a70ccff58ac50dc1d3a4299a0dc5b6",
		Repo:        "acme/widgets",
		IssueNumber: 42,
		PRNumber:    17,
		Recipient:   "583231",
		Amount:      "500 USDC",
	})

	select {
	case evt := <-received:
		assert.Equal(t, NotifyBountyPaid, evt.Type)
		assert.Equal(t, "acme/widgets", evt.Repo)
		assert.Equal(t, uint64(42), evt.IssueNumber)
		assert.Equal(t, "500 USDC", evt.Amount)
	case <-time.After(5 * time.Second):
		t.Fatal("notification was never delivered")
	}
}
