// Package bot is the update dispatcher: the single entry point that routes
// parsed gateway updates to the verification gate, the relay engine and the
// staff command surface.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quailyquaily/topicrelay/internal/gateway"
	"github.com/quailyquaily/topicrelay/internal/metrics"
	"github.com/quailyquaily/topicrelay/internal/schedutil"
	"github.com/quailyquaily/topicrelay/mediagroup"
	"github.com/quailyquaily/topicrelay/ratelimit"
	"github.com/quailyquaily/topicrelay/registry"
	"github.com/quailyquaily/topicrelay/relay"
	"github.com/quailyquaily/topicrelay/verify"
)

// Abuse bounds. Messaging is generous; challenge triggering is tight
// because every trigger costs a gateway send.
var (
	ruleMessage = ratelimit.Rule{Limit: 45, Window: time.Minute}
	ruleVerify  = ratelimit.Rule{Limit: 3, Window: 5 * time.Minute}
)

const (
	noticeSystemBusy  = "⚠️ The system is busy, please try again later."
	noticeTooFast     = "⚠️ You are sending messages too quickly, please slow down."
	noticeVerifyLimit = "⚠️ Too many verification requests, please try again in 5 minutes."
	startCommand      = "/start"
	sweepEvery        = 50
	sweepTimeout      = 30 * time.Second
)

// Gateway is the slice of the messaging gateway the dispatcher itself
// drives; the engine, gate and aggregator carry their own slices.
type Gateway interface {
	SendMessage(ctx context.Context, req gateway.SendMessageRequest) (*gateway.SentMessage, error)
	CopyMessage(ctx context.Context, chatID, fromChatID, messageID, threadID int64) (*gateway.SentMessage, error)
	CloseForumTopic(ctx context.Context, chatID, threadID int64) error
	ReopenForumTopic(ctx context.Context, chatID, threadID int64) error
}

type Handler struct {
	supergroupID int64
	gw           Gateway
	reg          *registry.Registry
	eng          *relay.Engine
	gate         *verify.Gate
	agg          *mediagroup.Aggregator
	limiter      *ratelimit.Limiter
	m            *metrics.Metrics
	logger       *slog.Logger

	// sweep dispatches the stale media-buffer sweep; replaced in tests.
	sweep   func()
	updates atomic.Int64
}

func NewHandler(supergroupID int64, gw Gateway, reg *registry.Registry, eng *relay.Engine, gate *verify.Gate, agg *mediagroup.Aggregator, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		supergroupID: supergroupID,
		gw:           gw,
		reg:          reg,
		eng:          eng,
		gate:         gate,
		agg:          agg,
		limiter:      limiter,
		m:            m,
		logger:       logger,
	}
	h.sweep = func() {
		schedutil.AsyncAfter(logger, "media_sweep", 0, sweepTimeout, func(ctx context.Context) error {
			_, err := agg.SweepStale(ctx)
			return err
		})
	}
	return h
}

// HandleUpdate routes one update. It never returns an error to the caller:
// every failure is logged here, and private-path failures additionally
// produce one generic notice so internal detail never reaches the user.
func (h *Handler) HandleUpdate(ctx context.Context, upd gateway.Update) {
	logger := h.logger.With("correlation_id", uuid.NewString(), "update_id", upd.UpdateID)

	if h.agg != nil && h.updates.Add(1)%sweepEvery == 0 {
		h.sweep()
	}

	if upd.CallbackQuery != nil {
		if err := h.gate.Validate(ctx, upd.CallbackQuery); err != nil {
			logger.Error("callback_query_failed", "error", err.Error())
		}
		return
	}

	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return
	}

	switch {
	case msg.Chat.Type == "private":
		if err := h.handlePrivate(ctx, logger, msg); err != nil {
			logger.Error("private_message_failed", "user_id", msg.Chat.ID, "error", err.Error())
			if _, serr := h.gw.SendMessage(ctx, gateway.SendMessageRequest{ChatID: msg.Chat.ID, Text: noticeSystemBusy}); serr != nil {
				logger.Warn("busy_notice_failed", "user_id", msg.Chat.ID, "error", serr.Error())
			}
		}

	case msg.Chat.ID == h.supergroupID:
		if err := h.handleStaff(ctx, logger, msg); err != nil {
			logger.Error("staff_message_failed", "thread_id", msg.MessageThreadID, "error", err.Error())
		}
	}
}

func (h *Handler) handlePrivate(ctx context.Context, logger *slog.Logger, msg *gateway.Message) error {
	userID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	allowed, _, err := h.limiter.Check(ctx, userID, "message", ruleMessage)
	if err != nil {
		return err
	}
	if !allowed {
		h.m.RateLimited("message")
		_, err := h.gw.SendMessage(ctx, gateway.SendMessageRequest{ChatID: userID, Text: noticeTooFast})
		return err
	}

	// Users get no command surface; only the greeting passes through.
	if strings.HasPrefix(text, "/") && text != startCommand {
		return nil
	}

	banned, err := h.gate.IsBanned(ctx, userID)
	if err != nil {
		return err
	}
	if banned {
		return nil
	}

	verified, err := h.gate.IsVerified(ctx, userID)
	if err != nil {
		return err
	}
	if !verified {
		allowed, _, err := h.limiter.Check(ctx, userID, "verify", ruleVerify)
		if err != nil {
			return err
		}
		if !allowed {
			h.m.RateLimited("verify")
			_, err := h.gw.SendMessage(ctx, gateway.SendMessageRequest{ChatID: userID, Text: noticeVerifyLimit})
			return err
		}

		var pending int64
		if text != startCommand {
			pending = msg.MessageID
		}
		return h.gate.Trigger(ctx, userID, pending)
	}

	return h.eng.DeliverUserMessage(ctx, msg)
}

func (h *Handler) handleStaff(ctx context.Context, logger *slog.Logger, msg *gateway.Message) error {
	threadID := msg.MessageThreadID

	if msg.ForumTopicClosed != nil && threadID != 0 {
		_, err := h.reg.SetClosedByTopic(ctx, threadID, true)
		return err
	}
	if msg.ForumTopicReopened != nil && threadID != 0 {
		_, err := h.reg.SetClosedByTopic(ctx, threadID, false)
		return err
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" && threadID == 0 {
		return nil
	}

	// Works from any topic, General included.
	if text == "/cleanup" {
		return h.runCleanup(ctx, threadID)
	}

	userID, err := h.reg.FindUserByTopic(ctx, threadID)
	if errors.Is(err, registry.ErrNotFound) {
		// An unmapped topic, or chatter in General.
		return nil
	}
	if err != nil {
		return err
	}

	if strings.HasPrefix(text, "/") {
		return h.runCommand(ctx, logger, text, userID, threadID)
	}

	// A plain staff reply goes to the user as a copy so the staff
	// identity is not attached.
	if msg.MediaGroupID != "" && h.agg != nil {
		return h.agg.AddStaffItem(ctx, msg.MediaGroupID, userID, msg)
	}
	if _, err := h.gw.CopyMessage(ctx, userID, h.supergroupID, msg.MessageID, 0); err != nil {
		return err
	}
	h.m.Relayed("t2p")
	return nil
}

func (h *Handler) topicSend(ctx context.Context, threadID int64, text string) error {
	_, err := h.gw.SendMessage(ctx, gateway.SendMessageRequest{
		ChatID:          h.supergroupID,
		MessageThreadID: threadID,
		Text:            text,
		ParseMode:       "Markdown",
	})
	return err
}
