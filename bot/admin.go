package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quailyquaily/topicrelay/registry"
	"github.com/quailyquaily/topicrelay/verify"
)

// cleanupDisplayCap bounds the per-user lines in a cleanup report; the
// counts are always complete.
const cleanupDisplayCap = 20

// runCommand executes one staff command addressed at the user behind the
// current topic.
func (h *Handler) runCommand(ctx context.Context, logger *slog.Logger, text string, userID, threadID int64) error {
	switch text {
	case "/close":
		if _, err := h.reg.SetClosed(ctx, userID, true); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				return nil
			}
			return err
		}
		if err := h.gw.CloseForumTopic(ctx, h.supergroupID, threadID); err != nil {
			logger.Warn("close_topic_failed", "thread_id", threadID, "error", err.Error())
		}
		return h.topicSend(ctx, threadID, "🚫 *Conversation closed*")

	case "/open":
		if _, err := h.reg.SetClosed(ctx, userID, false); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				return nil
			}
			return err
		}
		if err := h.gw.ReopenForumTopic(ctx, h.supergroupID, threadID); err != nil {
			logger.Warn("reopen_topic_failed", "thread_id", threadID, "error", err.Error())
		}
		return h.topicSend(ctx, threadID, "✅ *Conversation reopened*")

	case "/reset":
		if err := h.gate.Reset(ctx, userID); err != nil {
			return err
		}
		return h.topicSend(ctx, threadID, "🔄 *Verification reset*")

	case "/trust":
		if err := h.gate.Grant(ctx, userID); err != nil {
			return err
		}
		return h.topicSend(ctx, threadID, "🌟 *User trusted permanently*")

	case "/ban":
		if err := h.gate.Ban(ctx, userID); err != nil {
			return err
		}
		return h.topicSend(ctx, threadID, "🚫 *User banned*")

	case "/unban":
		if err := h.gate.Unban(ctx, userID); err != nil {
			return err
		}
		return h.topicSend(ctx, threadID, "✅ *User unbanned*")

	case "/info":
		return h.sendUserInfo(ctx, userID, threadID)

	default:
		// Unknown commands are ignored rather than copied to the user.
		return nil
	}
}

func (h *Handler) sendUserInfo(ctx context.Context, userID, threadID int64) error {
	title := "unknown"
	if rec, err := h.reg.Get(ctx, userID); err == nil {
		title = rec.Title
	}

	status, err := h.gate.Status(ctx, userID)
	if err != nil {
		return err
	}
	verifyLine := "❌ unverified"
	switch status {
	case verify.MarkerTrusted:
		verifyLine = "🌟 trusted"
	case "":
	default:
		verifyLine = "✅ verified"
	}

	banned, err := h.gate.IsBanned(ctx, userID)
	if err != nil {
		return err
	}
	banLine := "✅ clear"
	if banned {
		banLine = "🚫 banned"
	}

	info := fmt.Sprintf("👤 *User info*\nUID: `%d`\nTopic ID: `%d`\nTitle: %s\nVerification: %s\nBan: %s\nLink: [open chat](tg://user?id=%d)",
		userID, threadID, title, verifyLine, banLine, userID)
	return h.topicSend(ctx, threadID, info)
}

// runCleanup runs the bulk dead-topic scan and reports into the topic the
// command came from.
func (h *Handler) runCleanup(ctx context.Context, threadID int64) error {
	if err := h.topicSend(ctx, threadID, "🔄 *Scanning for users to clean up...*"); err != nil {
		return err
	}

	report, err := h.eng.Cleanup(ctx)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🧹 *Cleanup finished*\nScanned: %d\nCleaned: %d\nErrors: %d", report.Scanned, len(report.Cleaned), report.Errors)
	if len(report.Cleaned) > 0 {
		b.WriteString("\n")
		shown := report.Cleaned
		if len(shown) > cleanupDisplayCap {
			shown = shown[:cleanupDisplayCap]
		}
		for _, u := range shown {
			fmt.Fprintf(&b, "\n• %s (`%d`)", u.Title, u.UserID)
		}
		if extra := len(report.Cleaned) - len(shown); extra > 0 {
			fmt.Fprintf(&b, "\n…and %d more", extra)
		}
	}
	return h.topicSend(ctx, threadID, b.String())
}
