package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"standing_orders/internal/app"
	"standing_orders/internal/domain/calendar"
	"standing_orders/internal/domain/order"
	"standing_orders/internal/domain/series"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

const (
	callbackAdvanceYes = "adv_yes_"
	callbackAdvanceNo  = "adv_no_"
)

const msgNotAuthorized = "Error: you are not allowed to run this command."

// Reconciler runs a blocking reconciliation pass for one series.
type Reconciler interface {
	Sync(ctx context.Context, seriesID int64) (*app.SyncReport, error)
}

// Advancer drives the cycle advancement workflow.
type Advancer interface {
	Start(ctx context.Context, seriesCode string, cutoff time.Time) (*app.Advancement, error)
	Confirm(ctx context.Context, id uuid.UUID) (*app.Advancement, error)
	Cancel(id uuid.UUID) (*app.Advancement, error)
}

// Splitter moves an item of a blanket order into a child order.
type Splitter interface {
	SplitItem(ctx context.Context, parent order.Ref, itemID int64) (order.Ref, error)
}

// AdminHandlers serves the admin-only bot commands.
type AdminHandlers struct {
	ctx        context.Context
	adminID    int64
	reconciler Reconciler
	advancer   Advancer
	splitter   Splitter
	log        *logrus.Entry
}

func NewAdminHandlers(ctx context.Context, adminID int64, reconciler Reconciler, advancer Advancer, splitter Splitter, baseLogger *logrus.Entry) *AdminHandlers {
	return &AdminHandlers{
		ctx:        ctx,
		adminID:    adminID,
		reconciler: reconciler,
		advancer:   advancer,
		splitter:   splitter,
		log:        baseLogger.WithField("handler_group", "admin"),
	}
}

// RegisterAdminHandlers registers handlers for admin commands and the
// advancement confirmation buttons.
func RegisterAdminHandlers(b *telebot.Bot, h *AdminHandlers) {
	b.Handle("/sync", h.onSync)
	b.Handle("/advance", h.onAdvance)
	b.Handle("/split", h.onSplit)
	b.Handle(telebot.OnCallback, h.onCallback)
}

func (h *AdminHandlers) authorize(c telebot.Context, command string) (*logrus.Entry, bool) {
	handlerLogger := h.log.WithFields(logrus.Fields{
		"handler":   command,
		"sender_id": c.Sender().ID,
	})
	handlerLogger.Info("Command received")

	if err := app.CheckAdmin(h.adminID, c.Sender().ID); err != nil {
		handlerLogger.Warn("Unauthorized access attempt")
		return handlerLogger, false
	}
	return handlerLogger, true
}

func (h *AdminHandlers) onSync(c telebot.Context) error {
	handlerLogger, ok := h.authorize(c, "/sync")
	if !ok {
		return c.Send(msgNotAuthorized)
	}

	args := c.Args()
	// Expected format: /sync <seriesID>
	if len(args) != 1 {
		return c.Send("Invalid format. Use: /sync <seriesID>")
	}
	seriesID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Send("Error: series ID must be a number.")
	}
	handlerLogger = handlerLogger.WithField("series_id", seriesID)

	report, err := h.reconciler.Sync(h.ctx, seriesID)
	if err != nil {
		if errors.Is(err, series.ErrSeriesNotFound) {
			return c.Send(fmt.Sprintf("Series %d not found.", seriesID))
		}
		handlerLogger.WithError(err).Error("Reconciliation failed")
		return c.Send(fmt.Sprintf("Reconciliation failed: %s", err.Error()))
	}

	handlerLogger.WithField("updated", report.Updated).Info("Reconciliation finished")
	return c.Send(formatReport(report))
}

func (h *AdminHandlers) onAdvance(c telebot.Context) error {
	handlerLogger, ok := h.authorize(c, "/advance")
	if !ok {
		return c.Send(msgNotAuthorized)
	}

	args := c.Args()
	// Expected format: /advance <seriesCode> <YYYY-MM-DD>
	if len(args) != 2 {
		return c.Send("Invalid format. Use: /advance <seriesCode> <YYYY-MM-DD>")
	}
	cutoff, err := calendar.ParseDate(args[1])
	if err != nil {
		return c.Send("Error: cutoff must be a date in YYYY-MM-DD format.")
	}
	handlerLogger = handlerLogger.WithFields(logrus.Fields{"series": args[0], "cutoff": args[1]})

	adv, err := h.advancer.Start(h.ctx, args[0], cutoff)
	if err != nil {
		switch {
		case errors.Is(err, series.ErrSeriesNotFound):
			return c.Send(fmt.Sprintf("Series %s not found.", args[0]))
		case errors.Is(err, app.ErrMultipleCycles):
			return c.Send(fmt.Sprintf("Cannot advance: %s", err.Error()))
		default:
			handlerLogger.WithError(err).Error("Failed to start advancement")
			return c.Send(fmt.Sprintf("Failed to prepare advancement: %s", err.Error()))
		}
	}

	if adv.State != app.StatePreviewReady {
		handlerLogger.WithField("skips", len(adv.Skips)).Info("Nothing to advance")
		return c.Send(fmt.Sprintf("Nothing to advance for %s (%d items skipped).", adv.SeriesCode, len(adv.Skips)))
	}

	handlerLogger.WithFields(logrus.Fields{"advancement_id": adv.ID.String(), "changes": len(adv.Changes)}).Info("Preview ready")

	replyMarkup := &telebot.ReplyMarkup{ResizeKeyboard: true} // Inline keyboard
	btnYes := replyMarkup.Data("Confirm", callbackAdvanceYes+adv.ID.String())
	btnNo := replyMarkup.Data("Cancel", callbackAdvanceNo+adv.ID.String())
	replyMarkup.Inline(replyMarkup.Row(btnYes, btnNo))

	text := fmt.Sprintf("Advancement of %s up to %s:\n```\n%s```", adv.SeriesCode, args[1], adv.DiffTable())
	return c.Send(text, &telebot.SendOptions{ReplyMarkup: replyMarkup, ParseMode: telebot.ModeMarkdown})
}

func (h *AdminHandlers) onSplit(c telebot.Context) error {
	handlerLogger, ok := h.authorize(c, "/split")
	if !ok {
		return c.Send(msgNotAuthorized)
	}

	args := c.Args()
	// Expected format: /split <orderType> <orderNbr> <itemID>
	if len(args) != 3 {
		return c.Send("Invalid format. Use: /split <orderType> <orderNbr> <itemID>")
	}
	itemID, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return c.Send("Error: item ID must be a number.")
	}
	parent := order.Ref{Type: strings.ToUpper(args[0]), Number: args[1]}
	handlerLogger = handlerLogger.WithFields(logrus.Fields{"order": parent.String(), "item_id": itemID})

	child, err := h.splitter.SplitItem(h.ctx, parent, itemID)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			return c.Send(fmt.Sprintf("Order %s not found.", parent))
		case errors.Is(err, order.ErrLineNotFound):
			return c.Send(fmt.Sprintf("Order %s has no line for item %d.", parent, itemID))
		case errors.Is(err, order.ErrNoRemainingQuantity):
			return c.Send(fmt.Sprintf("Item %d on %s has nothing left to split.", itemID, parent))
		default:
			handlerLogger.WithError(err).Error("Failed to split item")
			return c.Send(fmt.Sprintf("Split failed: %s", err.Error()))
		}
	}

	handlerLogger.WithField("child", child.String()).Info("Item split into child order")
	return c.Send(fmt.Sprintf("Created %s for item %d of %s.", child, itemID, parent))
}

// parseAdvanceCallback extracts the decision and advancement ID from button
// data. Telebot prefixes data of Data() buttons with \f.
func parseAdvanceCallback(data string) (confirm bool, id uuid.UUID, err error) {
	data = strings.TrimPrefix(data, "\f")
	var raw string
	switch {
	case strings.HasPrefix(data, callbackAdvanceYes):
		confirm, raw = true, strings.TrimPrefix(data, callbackAdvanceYes)
	case strings.HasPrefix(data, callbackAdvanceNo):
		raw = strings.TrimPrefix(data, callbackAdvanceNo)
	default:
		return false, uuid.Nil, fmt.Errorf("unknown callback data: %q", data)
	}
	raw, _, _ = strings.Cut(raw, "|")
	id, err = uuid.Parse(raw)
	if err != nil {
		return false, uuid.Nil, fmt.Errorf("invalid advancement id %q in callback: %w", raw, err)
	}
	return confirm, id, nil
}

func (h *AdminHandlers) onCallback(c telebot.Context) error {
	handlerLogger := h.log.WithFields(logrus.Fields{"handler": "callback", "sender_id": c.Sender().ID})

	confirm, id, err := parseAdvanceCallback(c.Callback().Data)
	if err != nil {
		handlerLogger.WithError(err).Warn("Unhandled callback")
		return c.Respond(&telebot.CallbackResponse{Text: "Unknown action."})
	}
	if err := app.CheckAdmin(h.adminID, c.Sender().ID); err != nil {
		handlerLogger.Warn("Unauthorized access attempt")
		return c.Respond(&telebot.CallbackResponse{Text: msgNotAuthorized})
	}
	handlerLogger = handlerLogger.WithField("advancement_id", id.String())

	if !confirm {
		if _, err := h.advancer.Cancel(id); err != nil {
			handlerLogger.WithError(err).Warn("Cancel rejected")
			return c.Respond(&telebot.CallbackResponse{Text: callbackError(err)})
		}
		handlerLogger.Info("Advancement cancelled")
		if err := c.Respond(&telebot.CallbackResponse{Text: "Cancelled."}); err != nil {
			return err
		}
		return c.Send("Advancement cancelled, nothing was changed.")
	}

	adv, err := h.advancer.Confirm(h.ctx, id)
	if err != nil {
		if adv != nil && adv.State == app.StateFailed {
			handlerLogger.WithError(err).Error("Advancement failed while applying")
			if rErr := c.Respond(); rErr != nil {
				return rErr
			}
			return c.Send(fmt.Sprintf("Advancement failed: %s", adv.Error))
		}
		handlerLogger.WithError(err).Warn("Confirm rejected")
		return c.Respond(&telebot.CallbackResponse{Text: callbackError(err)})
	}

	handlerLogger.Info("Advancement applied")
	if err := c.Respond(&telebot.CallbackResponse{Text: "Applied."}); err != nil {
		return err
	}
	msg := fmt.Sprintf("Advanced %d items of %s.", len(adv.Changes), adv.SeriesCode)
	if adv.Report != nil {
		msg += "\n" + formatReport(adv.Report)
	}
	return c.Send(msg)
}

func callbackError(err error) string {
	switch {
	case errors.Is(err, app.ErrAdvancementNotFound):
		return "This preview has expired. Run /advance again."
	case errors.Is(err, app.ErrAdvancementNotPending):
		return "This preview was already handled."
	default:
		return "An error occurred."
	}
}
