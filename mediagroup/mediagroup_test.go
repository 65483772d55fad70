package mediagroup

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/quailyquaily/topicrelay/internal/gateway"
	"github.com/quailyquaily/topicrelay/internal/kvstore"
)

type batch struct {
	chatID   int64
	threadID int64
	media    []gateway.InputMedia
}

type fakeGateway struct {
	batches []batch
	copies  []int64
}

func (f *fakeGateway) SendMediaGroup(ctx context.Context, chatID, threadID int64, media []gateway.InputMedia) error {
	f.batches = append(f.batches, batch{chatID: chatID, threadID: threadID, media: media})
	return nil
}

func (f *fakeGateway) CopyMessage(ctx context.Context, chatID, fromChatID, messageID, threadID int64) (*gateway.SentMessage, error) {
	f.copies = append(f.copies, messageID)
	return &gateway.SentMessage{MessageID: messageID + 1000}, nil
}

// manualClock hands out strictly increasing timestamps so every buffered
// item gets its own stamp.
type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func setupAggregator(t *testing.T) (*Aggregator, *fakeGateway, kvstore.Store, *[]func(ctx context.Context) error) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := kvstore.NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	gw := &fakeGateway{}
	a := New(store, gw, -1001234, nil, nil)

	clock := &manualClock{t: time.Unix(1700000000, 0)}
	a.now = clock.now

	var tasks []func(ctx context.Context) error
	a.schedule = func(name string, delay time.Duration, fn func(ctx context.Context) error) {
		tasks = append(tasks, fn)
	}
	return a, gw, store, &tasks
}

func photoMsg(messageID int64, fileID, caption string) *gateway.Message {
	return &gateway.Message{
		MessageID:    messageID,
		Chat:         &gateway.Chat{ID: 42, Type: "private"},
		MediaGroupID: "g1",
		Caption:      caption,
		Photo: []gateway.PhotoSize{
			{FileID: fileID + "-small", Width: 90},
			{FileID: fileID, Width: 1280},
		},
	}
}

func TestBurstCoalescesIntoOneSend(t *testing.T) {
	a, gw, _, tasks := setupAggregator(t)
	ctx := context.Background()

	for i, fileID := range []string{"f1", "f2", "f3"} {
		if err := a.AddUserItem(ctx, "g1", 7, photoMsg(int64(i+1), fileID, "caption "+fileID)); err != nil {
			t.Fatalf("AddUserItem failed: %v", err)
		}
	}
	if len(*tasks) != 3 {
		t.Fatalf("expected 3 scheduled flushes, got %d", len(*tasks))
	}
	for _, task := range *tasks {
		if err := task(ctx); err != nil {
			t.Fatalf("flush failed: %v", err)
		}
	}

	if len(gw.batches) != 1 {
		t.Fatalf("expected exactly 1 batched send, got %d", len(gw.batches))
	}
	b := gw.batches[0]
	if b.chatID != -1001234 || b.threadID != 7 {
		t.Fatalf("batch target mismatch: %+v", b)
	}
	if len(b.media) != 3 {
		t.Fatalf("expected 3 items, got %d", len(b.media))
	}
	for i, want := range []string{"f1", "f2", "f3"} {
		if b.media[i].Media != want {
			t.Fatalf("item order mismatch at %d: got %q want %q", i, b.media[i].Media, want)
		}
	}
	if b.media[0].Caption != "caption f1" {
		t.Fatalf("first item caption mismatch: %q", b.media[0].Caption)
	}
	if b.media[1].Caption != "" || b.media[2].Caption != "" {
		t.Fatalf("only the first item may carry a caption: %+v", b.media)
	}
}

func TestSupersededFlushIsNoOp(t *testing.T) {
	a, gw, store, tasks := setupAggregator(t)
	ctx := context.Background()

	if err := a.AddUserItem(ctx, "g1", 7, photoMsg(1, "f1", "")); err != nil {
		t.Fatalf("AddUserItem failed: %v", err)
	}
	if err := a.AddUserItem(ctx, "g1", 7, photoMsg(2, "f2", "")); err != nil {
		t.Fatalf("AddUserItem failed: %v", err)
	}

	// The first scheduled flush is stale: a newer item owns the buffer.
	if err := (*tasks)[0](ctx); err != nil {
		t.Fatalf("stale flush errored: %v", err)
	}
	if len(gw.batches) != 0 {
		t.Fatalf("stale flush must not send")
	}
	if _, err := store.Get(ctx, bufferKey(DirUserToTopic, "g1")); err != nil {
		t.Fatalf("stale flush must keep the buffer: %v", err)
	}

	if err := (*tasks)[1](ctx); err != nil {
		t.Fatalf("final flush failed: %v", err)
	}
	if len(gw.batches) != 1 || len(gw.batches[0].media) != 2 {
		t.Fatalf("final flush should send both items: %+v", gw.batches)
	}
	if _, err := store.Get(ctx, bufferKey(DirUserToTopic, "g1")); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("flush must consume the buffer, got %v", err)
	}
}

func TestUnsupportedKindBypassesAggregation(t *testing.T) {
	a, gw, store, tasks := setupAggregator(t)
	ctx := context.Background()

	msg := &gateway.Message{
		MessageID:    9,
		Chat:         &gateway.Chat{ID: 42, Type: "private"},
		MediaGroupID: "g1",
		Text:         "voice notes land here",
	}
	if err := a.AddUserItem(ctx, "g1", 7, msg); err != nil {
		t.Fatalf("AddUserItem failed: %v", err)
	}

	if len(gw.copies) != 1 || gw.copies[0] != 9 {
		t.Fatalf("unsupported kinds must be copied immediately: %v", gw.copies)
	}
	if len(*tasks) != 0 {
		t.Fatalf("unsupported kinds must not schedule a flush")
	}
	if _, err := store.Get(ctx, bufferKey(DirUserToTopic, "g1")); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("unsupported kinds must not be buffered, got %v", err)
	}
}

func TestStaffBurstTargetsUser(t *testing.T) {
	a, gw, _, tasks := setupAggregator(t)
	ctx := context.Background()

	msg := photoMsg(1, "f1", "")
	msg.Chat = &gateway.Chat{ID: -1001234, Type: "supergroup"}
	if err := a.AddStaffItem(ctx, "g9", 42, msg); err != nil {
		t.Fatalf("AddStaffItem failed: %v", err)
	}
	if err := (*tasks)[0](ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	if len(gw.batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(gw.batches))
	}
	if gw.batches[0].chatID != 42 || gw.batches[0].threadID != 0 {
		t.Fatalf("staff batch target mismatch: %+v", gw.batches[0])
	}
}

func TestFirstCaptionTruncated(t *testing.T) {
	a, gw, _, tasks := setupAggregator(t)
	ctx := context.Background()

	long := strings.Repeat("café ", 300) // 1500 runes
	if err := a.AddUserItem(ctx, "g1", 7, photoMsg(1, "f1", long)); err != nil {
		t.Fatalf("AddUserItem failed: %v", err)
	}
	if err := (*tasks)[0](ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	got := []rune(gw.batches[0].media[0].Caption)
	if len(got) != maxCaptionRunes {
		t.Fatalf("caption length mismatch: got %d want %d", len(got), maxCaptionRunes)
	}
}

func TestSweepStaleReclaimsAbandonedBuffers(t *testing.T) {
	a, _, store, _ := setupAggregator(t)
	ctx := context.Background()

	stale := buffer{Direction: DirUserToTopic, TargetChat: -1001234, ThreadID: 7,
		Items:  []item{{Type: "photo", FileID: "f1"}},
		LastTS: a.now().Add(-10 * time.Minute).UnixMilli()}
	raw, _ := json.Marshal(stale)
	if err := store.Put(ctx, bufferKey(DirUserToTopic, "old"), string(raw), 0); err != nil {
		t.Fatalf("Put stale failed: %v", err)
	}
	if err := a.AddUserItem(ctx, "fresh", 7, photoMsg(1, "f2", "")); err != nil {
		t.Fatalf("AddUserItem failed: %v", err)
	}

	deleted, err := a.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted mismatch: got %d want 1", deleted)
	}
	if _, err := store.Get(ctx, bufferKey(DirUserToTopic, "old")); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("stale buffer should be gone, got %v", err)
	}
	if _, err := store.Get(ctx, bufferKey(DirUserToTopic, "fresh")); err != nil {
		t.Fatalf("fresh buffer must survive the sweep: %v", err)
	}
}
