// Package relay is the topic lifecycle and self-healing engine: it
// guarantees that a message for a user's topic either reaches a live topic
// or fails cleanly, transparently repairing drift between the registry and
// the supergroup's actual state (topics silently deleted or redirected to
// General by Telegram).
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/quailyquaily/topicrelay/internal/gateway"
	"github.com/quailyquaily/topicrelay/internal/kvstore"
	"github.com/quailyquaily/topicrelay/internal/metrics"
	"github.com/quailyquaily/topicrelay/registry"
)

// probeText is a zero-width space: delivered like any message but invisible
// to staff, so a probe leaves no trace even when its cleanup delete fails.
const probeText = "​"

const (
	noticeClosed = "🚫 This conversation has been closed by the staff."
	noticeBusy   = "❌ The system is busy, please try again later."
)

// Gateway is the slice of the messaging gateway the engine drives.
type Gateway interface {
	SendMessage(ctx context.Context, req gateway.SendMessageRequest) (*gateway.SentMessage, error)
	ForwardMessage(ctx context.Context, chatID, fromChatID, messageID, threadID int64) (*gateway.SentMessage, error)
	CopyMessage(ctx context.Context, chatID, fromChatID, messageID, threadID int64) (*gateway.SentMessage, error)
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

// Aggregator receives attachment-burst items instead of a direct send.
type Aggregator interface {
	AddUserItem(ctx context.Context, groupID string, threadID int64, msg *gateway.Message) error
}

type Config struct {
	SupergroupID     int64
	MaxRetryAttempts int
	RetryWindow      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.RetryWindow <= 0 {
		c.RetryWindow = time.Minute
	}
	return c
}

type Engine struct {
	cfg    Config
	gw     Gateway
	reg    *registry.Registry
	store  kvstore.Store
	cache  HealthCache
	agg    Aggregator
	m      *metrics.Metrics
	logger *slog.Logger

	// CleanupPause is the wait between bulk cleanup batches; shortened in
	// tests.
	CleanupPause time.Duration
}

func NewEngine(cfg Config, gw Gateway, reg *registry.Registry, store kvstore.Store, cache HealthCache, agg Aggregator, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = NewHealthCache(time.Minute)
	}
	return &Engine{
		cfg:          cfg.withDefaults(),
		gw:           gw,
		reg:          reg,
		store:        store,
		cache:        cache,
		agg:          agg,
		m:            m,
		logger:       logger,
		CleanupPause: time.Second,
	}
}

func retryKey(userID int64) string {
	return "retry:" + strconv.FormatInt(userID, 10)
}

func (e *Engine) retryCount(ctx context.Context, userID int64) int {
	raw, err := e.store.Get(ctx, retryKey(userID))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// DeliverUserMessage relays a private user's message into their topic,
// creating or repairing the topic as needed.
func (e *Engine) DeliverUserMessage(ctx context.Context, msg *gateway.Message) error {
	if msg == nil || msg.Chat == nil {
		return fmt.Errorf("relay: message without chat")
	}
	userID := msg.Chat.ID

	rec, err := e.reg.Get(ctx, userID)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}

	if rec != nil && rec.Closed {
		e.notify(ctx, userID, noticeClosed)
		return nil
	}

	retries := e.retryCount(ctx, userID)
	if retries > e.cfg.MaxRetryAttempts {
		e.notify(ctx, userID, noticeBusy)
		_ = e.store.Delete(ctx, retryKey(userID))
		e.m.RepairRefused()
		return nil
	}

	if rec == nil || rec.ThreadID == 0 {
		rec, err = e.createTopic(ctx, userID, msg.From)
		if err != nil {
			return err
		}
	}

	e.reg.EnsureReverseIndex(ctx, rec.ThreadID, userID)

	if !e.cache.Healthy(rec.ThreadID) {
		rec, err = e.checkTopicHealth(ctx, userID, msg.From, rec, retries)
		if err != nil {
			return err
		}
		if rec == nil {
			// Attempt bound exceeded; the user was already notified.
			return nil
		}
	}

	if msg.MediaGroupID != "" && e.agg != nil {
		return e.agg.AddUserItem(ctx, msg.MediaGroupID, rec.ThreadID, msg)
	}

	return e.sendToTopic(ctx, userID, msg, rec)
}

// checkTopicHealth probes the topic and repairs it when the probe shows it
// deleted or redirected. It returns the (possibly recreated) record, or nil
// when the attempt bound was exceeded and the relay must be refused.
func (e *Engine) checkTopicHealth(ctx context.Context, userID int64, from *gateway.User, rec *registry.Record, retries int) (*registry.Record, error) {
	sent, err := e.gw.SendMessage(ctx, gateway.SendMessageRequest{
		ChatID:          e.cfg.SupergroupID,
		MessageThreadID: rec.ThreadID,
		Text:            probeText,
	})

	switch {
	case err == nil && sent.MessageThreadID == rec.ThreadID:
		// Alive.
		_ = e.store.Delete(ctx, retryKey(userID))
		e.cache.MarkHealthy(rec.ThreadID)
		if derr := e.gw.DeleteMessage(ctx, e.cfg.SupergroupID, sent.MessageID); derr != nil {
			e.logger.Debug("probe_delete_failed", "thread_id", rec.ThreadID, "error", derr.Error())
		}
		return rec, nil

	case err == nil || gateway.IsTopicDeleted(err):
		// Succeeded into the wrong topic (silent redirect to General) or
		// failed with a deletion-class description.
		attempt := retries + 1
		if perr := e.store.Put(ctx, retryKey(userID), strconv.Itoa(attempt), e.cfg.RetryWindow); perr != nil {
			return nil, fmt.Errorf("record repair attempt: %w", perr)
		}
		if attempt > e.cfg.MaxRetryAttempts {
			e.notify(ctx, userID, noticeBusy)
			e.m.RepairRefused()
			e.logger.Warn("topic_repair_refused", "user_id", userID, "thread_id", rec.ThreadID, "attempt", attempt)
			return nil, nil
		}
		desc := ""
		if err != nil {
			desc = err.Error()
		}
		e.logger.Info("topic_auto_repair",
			"user_id", userID,
			"old_thread_id", rec.ThreadID,
			"attempt", attempt,
			"max_attempts", e.cfg.MaxRetryAttempts,
			"error_description", desc,
		)
		if sent != nil && sent.MessageID != 0 {
			// The probe landed somewhere (General); sweep it away.
			_ = e.gw.DeleteMessage(ctx, e.cfg.SupergroupID, sent.MessageID)
		}
		newRec, cerr := e.repairTopic(ctx, userID, from, rec.ThreadID)
		if cerr != nil {
			return nil, cerr
		}
		return newRec, nil

	default:
		// Unrecognized error text: fail open, the actual send is
		// authoritative.
		e.logger.Warn("topic_probe_ambiguous", "user_id", userID, "thread_id", rec.ThreadID, "error", err.Error())
		return rec, nil
	}
}

// repairTopic drops every trace of the dead topic and creates a fresh one.
func (e *Engine) repairTopic(ctx context.Context, userID int64, from *gateway.User, oldThreadID int64) (*registry.Record, error) {
	_ = e.reg.DropThread(ctx, oldThreadID)
	e.cache.Invalidate(oldThreadID)
	rec, err := e.createTopic(ctx, userID, from)
	if err != nil {
		return nil, err
	}
	e.m.Repaired()
	e.logger.Info("topic_recreated", "user_id", userID, "old_thread_id", oldThreadID, "new_thread_id", rec.ThreadID)
	return rec, nil
}

func (e *Engine) createTopic(ctx context.Context, userID int64, from *gateway.User) (*registry.Record, error) {
	var first, last, username string
	if from != nil {
		first, last, username = from.FirstName, from.LastName, from.Username
	}
	return e.reg.Create(ctx, userID, registry.TopicTitle(first, last, username))
}

// sendToTopic runs the primary forward plus the two late lines of defense:
// the post-send redirect check and the send-failure fallback.
func (e *Engine) sendToTopic(ctx context.Context, userID int64, msg *gateway.Message, rec *registry.Record) error {
	sent, err := e.gw.ForwardMessage(ctx, e.cfg.SupergroupID, userID, msg.MessageID, rec.ThreadID)

	if err == nil {
		if sent.MessageThreadID != rec.ThreadID {
			return e.recoverRedirectedSend(ctx, userID, msg, rec, sent)
		}
		e.m.Relayed("p2t")
		return nil
	}

	if gateway.IsTopicDeleted(err) {
		// Second line of defense, independent of the probe. A single
		// unconditional recreation: this is a final correction, not a
		// loop, so it is not gated by the retry bound.
		e.logger.Info("forward_failed_topic_gone", "user_id", userID, "thread_id", rec.ThreadID, "error", err.Error())
		newRec, cerr := e.repairTopic(ctx, userID, msg.From, rec.ThreadID)
		if cerr != nil {
			return cerr
		}
		if _, ferr := e.gw.ForwardMessage(ctx, e.cfg.SupergroupID, userID, msg.MessageID, newRec.ThreadID); ferr != nil {
			return fmt.Errorf("forward after recreate: %w", ferr)
		}
		e.m.Relayed("p2t")
		return nil
	}

	if gateway.IsSetupError(err) {
		return fmt.Errorf("forward message: %w", err)
	}

	// Degraded but successful path: a copy does not depend on forward
	// permissions or the source message still being forwardable.
	e.logger.Warn("forward_failed_fallback_copy", "user_id", userID, "thread_id", rec.ThreadID, "error", err.Error())
	if _, cerr := e.gw.CopyMessage(ctx, e.cfg.SupergroupID, userID, msg.MessageID, rec.ThreadID); cerr != nil {
		return fmt.Errorf("fallback copy: %w", cerr)
	}
	e.m.Relayed("p2t")
	return nil
}

// recoverRedirectedSend handles a forward that nominally succeeded but
// landed outside the expected topic: Telegram silently redirected it to
// General because the topic is gone. The stray message is deleted
// best-effort and the content redelivered by copy (the original's forward
// has already been consumed).
func (e *Engine) recoverRedirectedSend(ctx context.Context, userID int64, msg *gateway.Message, rec *registry.Record, sent *gateway.SentMessage) error {
	e.logger.Warn("forward_redirected_to_general",
		"user_id", userID,
		"expected_thread_id", rec.ThreadID,
		"actual_thread_id", sent.MessageThreadID,
	)

	newRec, err := e.repairTopic(ctx, userID, msg.From, rec.ThreadID)
	if err != nil {
		return err
	}

	if sent.MessageID != 0 {
		if derr := e.gw.DeleteMessage(ctx, e.cfg.SupergroupID, sent.MessageID); derr != nil {
			e.logger.Debug("stray_message_delete_failed", "message_id", sent.MessageID, "error", derr.Error())
		}
	}

	if _, cerr := e.gw.CopyMessage(ctx, e.cfg.SupergroupID, userID, msg.MessageID, newRec.ThreadID); cerr != nil {
		return fmt.Errorf("redeliver after redirect: %w", cerr)
	}
	e.m.Relayed("p2t")
	return nil
}

// RedeliverPending relays a message captured before verification through
// the normal self-healing path.
func (e *Engine) RedeliverPending(ctx context.Context, userID, messageID int64, from *gateway.User) error {
	return e.DeliverUserMessage(ctx, &gateway.Message{
		MessageID: messageID,
		Chat:      &gateway.Chat{ID: userID, Type: "private"},
		From:      from,
	})
}

func (e *Engine) notify(ctx context.Context, userID int64, text string) {
	if _, err := e.gw.SendMessage(ctx, gateway.SendMessageRequest{ChatID: userID, Text: text}); err != nil {
		e.logger.Warn("user_notice_failed", "user_id", userID, "error", err.Error())
	}
}
