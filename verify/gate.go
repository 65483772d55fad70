// Package verify is the human-verification gate in front of the relay.
// State is encoded by presence of store keys: a challenge record plus a
// per-user lock while pending, a verified marker once passed, a banned
// marker when staff shut a user out.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/quailyquaily/topicrelay/internal/gateway"
	"github.com/quailyquaily/topicrelay/internal/kvstore"
	"github.com/quailyquaily/topicrelay/internal/metrics"
)

const (
	idLength      = 12
	buttonColumns = 2

	challengeTTL = 5 * time.Minute
	verifiedTTL  = 30 * 24 * time.Hour
	// redeliverMarkTTL bounds the duplicate-redelivery guard; challenges
	// expire long before it does.
	redeliverMarkTTL = time.Hour

	callbackPrefix = "verify:"

	// MarkerTrusted never expires; staff grant it with /trust.
	MarkerTrusted  = "trusted"
	markerVerified = "1"
)

const (
	textChallenge     = "🛡️ *Human Verification*\n\n%s\n\nTap a button below to answer. A correct answer delivers your last message automatically."
	textExpired       = "❌ Verification expired, please send your message again"
	textDataError     = "❌ Verification data error"
	textNotYours      = "❌ Invalid verification"
	textInvalidOption = "❌ Invalid option"
	textWrong         = "❌ Wrong answer"
	textPassed        = "✅ Verified"
	textSuccess       = "✅ *Verification passed*\n\nYou can chat freely now."
	textDelivered     = "📩 Your earlier message has been delivered."
	textResend        = "⚠️ Automatic delivery failed, please resend your message."
)

// challengeState is the persisted challenge. The correct answer is stored
// as a position in Options, never as text, so option rendering can change
// without invalidating the record.
type challengeState struct {
	AnswerIndex int      `json:"answer_index"`
	Options     []string `json:"options"`
	Pending     int64    `json:"pending,omitempty"`
	UserID      int64    `json:"user_id"`
}

// Gateway is the slice of the messaging gateway the gate drives.
type Gateway interface {
	SendMessage(ctx context.Context, req gateway.SendMessageRequest) (*gateway.SentMessage, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text, parseMode string) error
	AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string, showAlert bool) error
}

// Redeliverer replays a captured pre-verification message through the
// normal relay path.
type Redeliverer interface {
	RedeliverPending(ctx context.Context, userID, messageID int64, from *gateway.User) error
}

type Gate struct {
	store  kvstore.Store
	gw     Gateway
	relay  Redeliverer
	bank   []Question
	m      *metrics.Metrics
	logger *slog.Logger
}

func NewGate(store kvstore.Store, gw Gateway, relay Redeliverer, bank []Question, m *metrics.Metrics, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if len(bank) == 0 {
		bank = DefaultBank()
	}
	return &Gate{store: store, gw: gw, relay: relay, bank: bank, m: m, logger: logger}
}

func challengeKey(id string) string { return "chal:" + id }

func lockKey(userID int64) string {
	return "user_challenge:" + strconv.FormatInt(userID, 10)
}

func verifiedKey(userID int64) string {
	return "verified:" + strconv.FormatInt(userID, 10)
}

func bannedKey(userID int64) string {
	return "banned:" + strconv.FormatInt(userID, 10)
}

func forwardedKey(userID, messageID int64) string {
	return fmt.Sprintf("forwarded:%d:%d", userID, messageID)
}

// Trigger issues a challenge to userID. Idempotent while a challenge is
// live: re-entry is silently ignored so a burst of messages from an
// unverified user produces exactly one challenge. pendingMessageID is the
// message to redeliver after a pass, 0 for none.
func (g *Gate) Trigger(ctx context.Context, userID, pendingMessageID int64) error {
	if _, err := g.store.Get(ctx, lockKey(userID)); err == nil {
		g.logger.Info("verification_duplicate_skipped", "user_id", userID)
		return nil
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return err
	}

	qi, err := randomInt(len(g.bank))
	if err != nil {
		return err
	}
	q := g.bank[qi]

	options := make([]string, 0, len(q.IncorrectAnswers)+1)
	options = append(options, q.IncorrectAnswers...)
	options = append(options, q.CorrectAnswer)
	if err := shuffle(options); err != nil {
		return err
	}
	answerIndex := -1
	for i, opt := range options {
		if opt == q.CorrectAnswer {
			answerIndex = i
			break
		}
	}
	if answerIndex < 0 {
		return fmt.Errorf("verify: correct answer lost in shuffle")
	}

	verifyID, err := randomID(idLength)
	if err != nil {
		return err
	}

	state := challengeState{
		AnswerIndex: answerIndex,
		Options:     options,
		Pending:     pendingMessageID,
		UserID:      userID,
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	if err := g.store.Put(ctx, challengeKey(verifyID), string(raw), challengeTTL); err != nil {
		return err
	}
	if err := g.store.Put(ctx, lockKey(userID), verifyID, challengeTTL); err != nil {
		return err
	}

	g.logger.Info("verification_sent",
		"user_id", userID,
		"verify_id", verifyID,
		"question", q.Question,
		"has_pending", pendingMessageID != 0,
	)

	var rows [][]gateway.InlineKeyboardButton
	for i := 0; i < len(options); i += buttonColumns {
		end := i + buttonColumns
		if end > len(options) {
			end = len(options)
		}
		var row []gateway.InlineKeyboardButton
		for j := i; j < end; j++ {
			row = append(row, gateway.InlineKeyboardButton{
				Text:         options[j],
				CallbackData: fmt.Sprintf("%s%s:%d", callbackPrefix, verifyID, j),
			})
		}
		rows = append(rows, row)
	}

	_, err = g.gw.SendMessage(ctx, gateway.SendMessageRequest{
		ChatID:      userID,
		Text:        fmt.Sprintf(textChallenge, q.Question),
		ParseMode:   "Markdown",
		ReplyMarkup: &gateway.InlineKeyboardMarkup{InlineKeyboard: rows},
	})
	return err
}

// Validate handles a challenge-button callback. Every outcome answers the
// callback; the returned error only reports store or gateway trouble the
// caller should log.
func (g *Gate) Validate(ctx context.Context, query *gateway.CallbackQuery) error {
	if query == nil || query.From == nil || !strings.HasPrefix(query.Data, callbackPrefix) {
		return nil
	}
	parts := strings.Split(query.Data, ":")
	if len(parts) != 3 {
		return nil
	}
	verifyID := parts[1]
	selected, perr := strconv.Atoi(parts[2])
	userID := query.From.ID

	raw, err := g.store.Get(ctx, challengeKey(verifyID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return g.gw.AnswerCallbackQuery(ctx, query.ID, textExpired, true)
	}
	if err != nil {
		return err
	}

	var state challengeState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return g.gw.AnswerCallbackQuery(ctx, query.ID, textDataError, true)
	}

	if state.UserID != 0 && state.UserID != userID {
		return g.gw.AnswerCallbackQuery(ctx, query.ID, textNotYours, true)
	}
	if perr != nil || selected < 0 || selected >= len(state.Options) {
		return g.gw.AnswerCallbackQuery(ctx, query.ID, textInvalidOption, true)
	}

	if selected != state.AnswerIndex {
		// The challenge stays live until its own expiry; a wrong guess
		// changes nothing.
		g.logger.Info("verification_failed",
			"user_id", userID,
			"verify_id", verifyID,
			"selected_index", selected,
		)
		g.m.Verify("failed")
		return g.gw.AnswerCallbackQuery(ctx, query.ID, textWrong, true)
	}

	if err := g.gw.AnswerCallbackQuery(ctx, query.ID, textPassed, false); err != nil {
		g.logger.Warn("callback_answer_failed", "user_id", userID, "error", err.Error())
	}

	g.logger.Info("verification_passed",
		"user_id", userID,
		"verify_id", verifyID,
		"selected_option", state.Options[selected],
	)
	g.m.Verify("passed")

	if err := g.store.Put(ctx, verifiedKey(userID), markerVerified, verifiedTTL); err != nil {
		return err
	}
	_ = g.store.Delete(ctx, challengeKey(verifyID))
	_ = g.store.Delete(ctx, lockKey(userID))

	if query.Message != nil {
		if err := g.gw.EditMessageText(ctx, userID, query.Message.MessageID, textSuccess, "Markdown"); err != nil {
			g.logger.Warn("challenge_edit_failed", "user_id", userID, "error", err.Error())
		}
	}

	if state.Pending != 0 {
		g.redeliverPending(ctx, userID, state.Pending, query.From)
	}
	return nil
}

// redeliverPending replays the message captured at trigger time, at most
// once per (user, message) even when the success callback arrives twice.
func (g *Gate) redeliverPending(ctx context.Context, userID, messageID int64, from *gateway.User) {
	markKey := forwardedKey(userID, messageID)
	if _, err := g.store.Get(ctx, markKey); err == nil {
		g.logger.Info("redelivery_duplicate_skipped", "user_id", userID, "message_id", messageID)
		return
	}

	if g.relay == nil {
		return
	}
	if err := g.relay.RedeliverPending(ctx, userID, messageID, from); err != nil {
		g.logger.Error("pending_redelivery_failed", "user_id", userID, "message_id", messageID, "error", err.Error())
		if _, serr := g.gw.SendMessage(ctx, gateway.SendMessageRequest{ChatID: userID, Text: textResend}); serr != nil {
			g.logger.Warn("resend_notice_failed", "user_id", userID, "error", serr.Error())
		}
		return
	}

	if err := g.store.Put(ctx, markKey, "1", redeliverMarkTTL); err != nil {
		g.logger.Warn("redelivery_mark_failed", "user_id", userID, "error", err.Error())
	}
	if _, err := g.gw.SendMessage(ctx, gateway.SendMessageRequest{
		ChatID:           userID,
		Text:             textDelivered,
		ReplyToMessageID: messageID,
	}); err != nil {
		g.logger.Warn("delivered_notice_failed", "user_id", userID, "error", err.Error())
	}
}

// IsVerified reports whether the user currently holds any verified marker.
func (g *Gate) IsVerified(ctx context.Context, userID int64) (bool, error) {
	_, err := g.store.Get(ctx, verifiedKey(userID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Status returns the raw verified marker: "" when unverified, "1" for a
// time-bounded pass, MarkerTrusted for a staff grant.
func (g *Gate) Status(ctx context.Context, userID int64) (string, error) {
	raw, err := g.store.Get(ctx, verifiedKey(userID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return raw, nil
}

// Grant marks the user trusted, with no expiry.
func (g *Gate) Grant(ctx context.Context, userID int64) error {
	return g.store.Put(ctx, verifiedKey(userID), MarkerTrusted, 0)
}

// Reset revokes verification so the user is challenged again on next
// contact.
func (g *Gate) Reset(ctx context.Context, userID int64) error {
	return g.store.Delete(ctx, verifiedKey(userID))
}

func (g *Gate) Ban(ctx context.Context, userID int64) error {
	return g.store.Put(ctx, bannedKey(userID), "1", 0)
}

func (g *Gate) Unban(ctx context.Context, userID int64) error {
	return g.store.Delete(ctx, bannedKey(userID))
}

func (g *Gate) IsBanned(ctx context.Context, userID int64) (bool, error) {
	_, err := g.store.Get(ctx, bannedKey(userID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
