// Package mediagroup coalesces attachment bursts (Telegram media groups,
// which arrive as independent updates sharing a group id) into one batched
// send per direction. Buffers live in the store under a short TTL; the
// flush is debounced by timestamp comparison, so only the flush scheduled
// by the last item of a burst actually sends.
package mediagroup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quailyquaily/topicrelay/internal/gateway"
	"github.com/quailyquaily/topicrelay/internal/kvstore"
	"github.com/quailyquaily/topicrelay/internal/metrics"
	"github.com/quailyquaily/topicrelay/internal/schedutil"
)

const (
	// DirUserToTopic buffers a private user's burst heading into their topic.
	DirUserToTopic = "p2t"
	// DirTopicToUser buffers a staff burst heading to the user.
	DirTopicToUser = "t2p"

	bufferKeyPrefix = "mg:"
	bufferTTL       = time.Minute
	settleDelay     = 3 * time.Second
	flushTimeout    = 30 * time.Second
	staleAfter      = 5 * time.Minute

	maxCaptionRunes = 1024
)

type item struct {
	Type      string `json:"type"`
	FileID    string `json:"id"`
	Caption   string `json:"cap,omitempty"`
	MessageID int64  `json:"msg_id"`
}

type buffer struct {
	Direction  string `json:"direction"`
	TargetChat int64  `json:"target_chat"`
	ThreadID   int64  `json:"thread_id,omitempty"`
	Items      []item `json:"items"`
	LastTS     int64  `json:"last_ts"`
}

// Gateway is the slice of the messaging gateway the aggregator drives.
type Gateway interface {
	SendMediaGroup(ctx context.Context, chatID, threadID int64, media []gateway.InputMedia) error
	CopyMessage(ctx context.Context, chatID, fromChatID, messageID, threadID int64) (*gateway.SentMessage, error)
}

// Scheduler dispatches the delayed flush. Production uses detached
// goroutines; tests substitute a synchronous one.
type Scheduler func(name string, delay time.Duration, fn func(ctx context.Context) error)

type Aggregator struct {
	store        kvstore.Store
	gw           Gateway
	supergroupID int64
	m            *metrics.Metrics
	logger       *slog.Logger

	schedule Scheduler
	now      func() time.Time
}

func New(store kvstore.Store, gw Gateway, supergroupID int64, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		store:        store,
		gw:           gw,
		supergroupID: supergroupID,
		m:            m,
		logger:       logger,
		now:          time.Now,
	}
	a.schedule = func(name string, delay time.Duration, fn func(ctx context.Context) error) {
		schedutil.AsyncAfter(logger, name, delay, flushTimeout, fn)
	}
	return a
}

// WithScheduler replaces flush dispatch, for callers that need synchronous
// flushes in tests.
func (a *Aggregator) WithScheduler(s Scheduler) *Aggregator {
	a.schedule = s
	return a
}

func bufferKey(direction, groupID string) string {
	return bufferKeyPrefix + direction + ":" + groupID
}

// AddUserItem buffers one item of a private user's burst for threadID.
func (a *Aggregator) AddUserItem(ctx context.Context, groupID string, threadID int64, msg *gateway.Message) error {
	return a.add(ctx, DirUserToTopic, a.supergroupID, threadID, groupID, msg)
}

// AddStaffItem buffers one item of a staff burst for userID.
func (a *Aggregator) AddStaffItem(ctx context.Context, groupID string, userID int64, msg *gateway.Message) error {
	return a.add(ctx, DirTopicToUser, userID, 0, groupID, msg)
}

func (a *Aggregator) add(ctx context.Context, direction string, targetChat, threadID int64, groupID string, msg *gateway.Message) error {
	if msg == nil || msg.Chat == nil {
		return fmt.Errorf("mediagroup: message without chat")
	}

	it, ok := extractItem(msg)
	if !ok {
		// Voice and video notes cannot ride a sendMediaGroup payload;
		// relay them as plain single copies.
		if _, err := a.gw.CopyMessage(ctx, targetChat, msg.Chat.ID, msg.MessageID, threadID); err != nil {
			return fmt.Errorf("copy unsupported media: %w", err)
		}
		return nil
	}

	key := bufferKey(direction, groupID)
	buf := &buffer{Direction: direction, TargetChat: targetChat, ThreadID: threadID}
	if raw, err := a.store.Get(ctx, key); err == nil {
		var existing buffer
		if uerr := json.Unmarshal([]byte(raw), &existing); uerr == nil {
			buf = &existing
		}
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return err
	}

	buf.Items = append(buf.Items, it)
	buf.LastTS = a.now().UnixMilli()

	raw, err := json.Marshal(buf)
	if err != nil {
		return fmt.Errorf("marshal media buffer: %w", err)
	}
	if err := a.store.Put(ctx, key, string(raw), bufferTTL); err != nil {
		return err
	}

	ts := buf.LastTS
	a.schedule("media_group_flush", settleDelay, func(fctx context.Context) error {
		return a.flush(fctx, key, ts)
	})
	return nil
}

// flush sends the buffered burst if ts still matches the buffer's stamp. A
// newer stamp means another item arrived after this flush was scheduled and
// owns its own later flush.
func (a *Aggregator) flush(ctx context.Context, key string, ts int64) error {
	raw, err := a.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var buf buffer
	if err := json.Unmarshal([]byte(raw), &buf); err != nil {
		_ = a.store.Delete(ctx, key)
		return fmt.Errorf("media buffer corrupt: %w", err)
	}

	if buf.LastTS != ts {
		a.m.MediaFlush("superseded")
		return nil
	}

	// The buffer is consumed whether or not the send works; the short TTL
	// already bounds the cost of loss and a retry would resend partially.
	defer func() { _ = a.store.Delete(ctx, key) }()

	if len(buf.Items) == 0 {
		a.logger.Warn("media_group_empty", "key", key)
		a.m.MediaFlush("empty")
		return nil
	}

	media := make([]gateway.InputMedia, 0, len(buf.Items))
	for i, it := range buf.Items {
		if it.Type == "" || it.FileID == "" {
			a.logger.Warn("media_group_invalid_item", "key", key, "index", i)
			continue
		}
		caption := ""
		if i == 0 {
			caption = truncateCaption(it.Caption)
		}
		media = append(media, gateway.InputMedia{Type: it.Type, Media: it.FileID, Caption: caption})
	}
	if len(media) == 0 {
		a.m.MediaFlush("empty")
		return nil
	}

	if err := a.gw.SendMediaGroup(ctx, buf.TargetChat, buf.ThreadID, media); err != nil {
		a.m.MediaFlush("failed")
		return fmt.Errorf("send media group: %w", err)
	}
	a.logger.Info("media_group_sent", "key", key, "items", len(media), "direction", buf.Direction)
	a.m.MediaFlush("sent")
	return nil
}

// SweepStale deletes buffers whose last update is older than the staleness
// bound, reclaiming bursts whose scheduled flush never ran.
func (a *Aggregator) SweepStale(ctx context.Context) (int, error) {
	deleted := 0
	cutoff := a.now().Add(-staleAfter).UnixMilli()
	cursor := ""
	for {
		keys, next, err := a.store.List(ctx, bufferKeyPrefix, cursor, 100)
		if err != nil {
			return deleted, err
		}
		for _, key := range keys {
			raw, err := a.store.Get(ctx, key)
			if err != nil {
				continue
			}
			var buf buffer
			if err := json.Unmarshal([]byte(raw), &buf); err != nil || buf.LastTS < cutoff {
				_ = a.store.Delete(ctx, key)
				deleted++
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if deleted > 0 {
		a.logger.Info("media_groups_swept", "deleted", deleted)
	}
	return deleted, nil
}

// extractItem normalizes one message into a media-group item. Photos use
// the highest-resolution size, which Telegram lists last.
func extractItem(msg *gateway.Message) (item, bool) {
	switch {
	case len(msg.Photo) > 0:
		return item{Type: "photo", FileID: msg.Photo[len(msg.Photo)-1].FileID, Caption: msg.Caption, MessageID: msg.MessageID}, true
	case msg.Video != nil:
		return item{Type: "video", FileID: msg.Video.FileID, Caption: msg.Caption, MessageID: msg.MessageID}, true
	case msg.Document != nil:
		return item{Type: "document", FileID: msg.Document.FileID, Caption: msg.Caption, MessageID: msg.MessageID}, true
	case msg.Audio != nil:
		return item{Type: "audio", FileID: msg.Audio.FileID, Caption: msg.Caption, MessageID: msg.MessageID}, true
	case msg.Animation != nil:
		return item{Type: "animation", FileID: msg.Animation.FileID, Caption: msg.Caption, MessageID: msg.MessageID}, true
	default:
		return item{}, false
	}
}

func truncateCaption(caption string) string {
	caption = strings.TrimSpace(caption)
	runes := []rune(caption)
	if len(runes) <= maxCaptionRunes {
		return caption
	}
	return string(runes[:maxCaptionRunes])
}
