package telegram

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"standing_orders/internal/app"
	"standing_orders/internal/domain/order"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/telebot.v3"
)

type recordingClient struct {
	mu       sync.Mutex
	chatIDs  []int64
	messages []string
}

func (r *recordingClient) SendMessage(chatID int64, text string, _ *telebot.SendOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chatIDs = append(r.chatIDs, chatID)
	r.messages = append(r.messages, text)
	return nil
}

func (r *recordingClient) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func TestNotifierSendsRunSummaries(t *testing.T) {
	client := &recordingClient{}
	l := logrus.New()
	l.SetOutput(io.Discard)
	n := NewNotifier(client, 555, 10, logrus.NewEntry(l))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	// Quiet runs and per-order events are not forwarded.
	n.Record(ctx, app.AuditEvent{Kind: app.AuditRunFinished, Report: &app.SyncReport{SeriesCode: "BK1", Unchanged: 3}})
	n.Record(ctx, app.AuditEvent{Kind: app.AuditFailed, Reason: "boom"})

	n.Record(ctx, app.AuditEvent{Kind: app.AuditRunFinished, SeriesCode: "BK1", Report: &app.SyncReport{
		SeriesCode: "BK1",
		Updated:    1,
		Failed:     1,
		Outcomes: []app.OrderOutcome{
			{Order: order.Ref{Type: "ST", Number: "000001"}, Outcome: app.OutcomeFailed, Reason: "order was modified by another process"},
		},
	}})

	require.Eventually(t, func() bool { return client.count() == 1 }, time.Second, 10*time.Millisecond)
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []int64{555}, client.chatIDs)
	assert.Contains(t, client.messages[0], "1 orders updated, 1 failed")
	assert.Contains(t, client.messages[0], "ST-000001: order was modified by another process")
}

func TestNotifierDisabledWithoutChat(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	n := NewNotifier(&recordingClient{}, 0, 1, logrus.NewEntry(l))

	n.Record(context.Background(), app.AuditEvent{Kind: app.AuditRunFinished, Report: &app.SyncReport{Updated: 1}})
	assert.Empty(t, n.queue)
}
