package telegram

import (
	"context"
	"fmt"
	"strings"

	"standing_orders/internal/app"
	domain "standing_orders/internal/domain/telegram"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const notifyQueueSize = 100

// Notifier is an audit sink that tells the manager about reconciliation runs
// that changed or failed to change orders. Record only enqueues; Run sends,
// paced by a token bucket so bursts of runs stay under Telegram's limits.
type Notifier struct {
	client  domain.Client
	chatID  int64
	limiter *rate.Limiter
	queue   chan string
	log     *logrus.Entry
}

func NewNotifier(client domain.Client, chatID int64, ratePerSec int, log *logrus.Entry) *Notifier {
	limit := rate.Inf
	burst := 1
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
		burst = ratePerSec
	}
	return &Notifier{
		client:  client,
		chatID:  chatID,
		limiter: rate.NewLimiter(limit, burst),
		queue:   make(chan string, notifyQueueSize),
		log:     log.WithField("component", "notifier"),
	}
}

func (n *Notifier) Record(_ context.Context, e app.AuditEvent) {
	if n.chatID == 0 || e.Kind != app.AuditRunFinished || e.Report == nil {
		return
	}
	if e.Report.Updated == 0 && e.Report.Failed == 0 {
		return
	}
	select {
	case n.queue <- formatReport(e.Report):
	default:
		n.log.WithField("series", e.SeriesCode).Warn("Notification queue full, dropping run summary")
	}
}

// Run delivers queued messages until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.queue:
			if err := n.limiter.Wait(ctx); err != nil {
				return
			}
			if err := n.client.SendMessage(n.chatID, text, nil); err != nil {
				n.log.WithError(err).Error("Failed to send notification")
			}
		}
	}
}

func formatReport(r *app.SyncReport) string {
	var b strings.Builder
	b.WriteString(r.Summary())
	if failures := r.Failures(); failures != "" {
		fmt.Fprintf(&b, "\n\nFailed orders:\n%s", failures)
	}
	return strings.TrimRight(b.String(), "\n")
}
