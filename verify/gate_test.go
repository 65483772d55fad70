package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/quailyquaily/topicrelay/internal/gateway"
	"github.com/quailyquaily/topicrelay/internal/kvstore"
)

type fakeGateway struct {
	sends   []gateway.SendMessageRequest
	edits   []string
	answers []string
}

func (f *fakeGateway) SendMessage(ctx context.Context, req gateway.SendMessageRequest) (*gateway.SentMessage, error) {
	f.sends = append(f.sends, req)
	return &gateway.SentMessage{MessageID: int64(len(f.sends))}, nil
}

func (f *fakeGateway) EditMessageText(ctx context.Context, chatID, messageID int64, text, parseMode string) error {
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeGateway) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string, showAlert bool) error {
	f.answers = append(f.answers, text)
	return nil
}

type fakeRedeliverer struct {
	calls []int64
	err   error
}

func (f *fakeRedeliverer) RedeliverPending(ctx context.Context, userID, messageID int64, from *gateway.User) error {
	f.calls = append(f.calls, messageID)
	return f.err
}

func setupGate(t *testing.T) (*Gate, *fakeGateway, *fakeRedeliverer, kvstore.Store) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := kvstore.NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	gw := &fakeGateway{}
	rd := &fakeRedeliverer{}
	return NewGate(store, gw, rd, nil, nil, nil), gw, rd, store
}

// liveChallenge loads the challenge state the gate persisted for userID.
func liveChallenge(t *testing.T, store kvstore.Store, userID int64) (string, challengeState) {
	t.Helper()
	ctx := context.Background()
	verifyID, err := store.Get(ctx, lockKey(userID))
	if err != nil {
		t.Fatalf("challenge lock missing: %v", err)
	}
	raw, err := store.Get(ctx, challengeKey(verifyID))
	if err != nil {
		t.Fatalf("challenge record missing: %v", err)
	}
	var state challengeState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		t.Fatalf("challenge record corrupt: %v", err)
	}
	return verifyID, state
}

func TestTriggerIsIdempotentWhileLive(t *testing.T) {
	g, gw, _, store := setupGate(t)
	ctx := context.Background()

	if err := g.Trigger(ctx, 42, 0); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if err := g.Trigger(ctx, 42, 0); err != nil {
		t.Fatalf("re-Trigger failed: %v", err)
	}

	if len(gw.sends) != 1 {
		t.Fatalf("expected exactly 1 challenge message, got %d", len(gw.sends))
	}

	verifyID, state := liveChallenge(t, store, 42)
	if len(verifyID) != idLength {
		t.Fatalf("verify id length mismatch: %q", verifyID)
	}
	if len(state.Options) != 4 {
		t.Fatalf("expected 4 options, got %d", len(state.Options))
	}
	if state.AnswerIndex < 0 || state.AnswerIndex >= len(state.Options) {
		t.Fatalf("answer index out of range: %d", state.AnswerIndex)
	}
	if state.UserID != 42 {
		t.Fatalf("owner mismatch: %d", state.UserID)
	}

	markup := gw.sends[0].ReplyMarkup
	if markup == nil || len(markup.InlineKeyboard) != 2 {
		t.Fatalf("expected a 2-row keyboard, got %+v", markup)
	}
	data := markup.InlineKeyboard[0][0].CallbackData
	if !strings.HasPrefix(data, "verify:"+verifyID+":") {
		t.Fatalf("callback data mismatch: %q", data)
	}
}

func TestValidateCorrectAnswer(t *testing.T) {
	g, gw, rd, store := setupGate(t)
	ctx := context.Background()

	if err := g.Trigger(ctx, 42, 55); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	verifyID, state := liveChallenge(t, store, 42)

	query := &gateway.CallbackQuery{
		ID:      "cb1",
		From:    &gateway.User{ID: 42, FirstName: "Alice"},
		Message: &gateway.Message{MessageID: 7},
		Data:    fmt.Sprintf("verify:%s:%d", verifyID, state.AnswerIndex),
	}
	if err := g.Validate(ctx, query); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if v, err := store.Get(ctx, verifiedKey(42)); err != nil || v != "1" {
		t.Fatalf("verified marker not set: %q %v", v, err)
	}
	if _, err := store.Get(ctx, challengeKey(verifyID)); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("challenge should be cleared, got %v", err)
	}
	if _, err := store.Get(ctx, lockKey(42)); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("lock should be cleared, got %v", err)
	}
	if len(rd.calls) != 1 || rd.calls[0] != 55 {
		t.Fatalf("pending redelivery mismatch: %v", rd.calls)
	}
	if len(gw.edits) != 1 {
		t.Fatalf("challenge message should be edited once, got %d", len(gw.edits))
	}

	// A replayed success callback finds no challenge and redelivers nothing.
	if err := g.Validate(ctx, query); err != nil {
		t.Fatalf("replayed Validate failed: %v", err)
	}
	if got := gw.answers[len(gw.answers)-1]; got != textExpired {
		t.Fatalf("replay should answer expired, got %q", got)
	}
	if len(rd.calls) != 1 {
		t.Fatalf("redelivery must happen at most once, got %d", len(rd.calls))
	}
}

func TestValidateWrongAnswerMutatesNothing(t *testing.T) {
	g, gw, _, store := setupGate(t)
	ctx := context.Background()

	if err := g.Trigger(ctx, 42, 0); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	verifyID, state := liveChallenge(t, store, 42)
	wrong := (state.AnswerIndex + 1) % len(state.Options)

	query := &gateway.CallbackQuery{
		ID:   "cb1",
		From: &gateway.User{ID: 42},
		Data: fmt.Sprintf("verify:%s:%d", verifyID, wrong),
	}
	if err := g.Validate(ctx, query); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if got := gw.answers[len(gw.answers)-1]; got != textWrong {
		t.Fatalf("expected wrong-answer alert, got %q", got)
	}
	if _, err := store.Get(ctx, challengeKey(verifyID)); err != nil {
		t.Fatalf("challenge must stay live after a wrong guess: %v", err)
	}
	if _, err := store.Get(ctx, verifiedKey(42)); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("wrong guess must not verify, got %v", err)
	}
}

func TestValidateRejectsForeignCaller(t *testing.T) {
	g, gw, _, store := setupGate(t)
	ctx := context.Background()

	if err := g.Trigger(ctx, 42, 0); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	verifyID, state := liveChallenge(t, store, 42)

	query := &gateway.CallbackQuery{
		ID:   "cb1",
		From: &gateway.User{ID: 99},
		Data: fmt.Sprintf("verify:%s:%d", verifyID, state.AnswerIndex),
	}
	if err := g.Validate(ctx, query); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if got := gw.answers[len(gw.answers)-1]; got != textNotYours {
		t.Fatalf("expected owner-mismatch alert, got %q", got)
	}
	if _, err := store.Get(ctx, verifiedKey(99)); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("foreign caller must not verify, got %v", err)
	}
}

func TestRedeliveryFailureAsksForResend(t *testing.T) {
	g, gw, rd, store := setupGate(t)
	rd.err = errors.New("gateway down")
	ctx := context.Background()

	if err := g.Trigger(ctx, 42, 55); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	verifyID, state := liveChallenge(t, store, 42)

	query := &gateway.CallbackQuery{
		ID:   "cb1",
		From: &gateway.User{ID: 42},
		Data: fmt.Sprintf("verify:%s:%d", verifyID, state.AnswerIndex),
	}
	if err := g.Validate(ctx, query); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	last := gw.sends[len(gw.sends)-1]
	if last.Text != textResend {
		t.Fatalf("expected resend notice, got %q", last.Text)
	}
	// No marker on failure, so the user can trigger a fresh redelivery.
	if _, err := store.Get(ctx, forwardedKey(42, 55)); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("failed redelivery must not be marked done, got %v", err)
	}
}

func TestStaffMarkers(t *testing.T) {
	g, _, _, _ := setupGate(t)
	ctx := context.Background()

	if err := g.Grant(ctx, 42); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	status, err := g.Status(ctx, 42)
	if err != nil || status != MarkerTrusted {
		t.Fatalf("Status mismatch: %q %v", status, err)
	}
	if err := g.Reset(ctx, 42); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if ok, _ := g.IsVerified(ctx, 42); ok {
		t.Fatalf("Reset should revoke verification")
	}

	if err := g.Ban(ctx, 42); err != nil {
		t.Fatalf("Ban failed: %v", err)
	}
	if ok, _ := g.IsBanned(ctx, 42); !ok {
		t.Fatalf("Ban should mark the user banned")
	}
	if err := g.Unban(ctx, 42); err != nil {
		t.Fatalf("Unban failed: %v", err)
	}
	if ok, _ := g.IsBanned(ctx, 42); ok {
		t.Fatalf("Unban should clear the marker")
	}
}

func TestLoadBankFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bank.yaml")
	content := `
- question: "What is 2 plus 2?"
  correct_answer: "4"
  incorrect_answers: ["3", "5", "6"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write bank: %v", err)
	}

	bank, err := LoadBankFile(path)
	if err != nil {
		t.Fatalf("LoadBankFile failed: %v", err)
	}
	if len(bank) != 1 || bank[0].CorrectAnswer != "4" {
		t.Fatalf("bank mismatch: %+v", bank)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte(`- question: "incomplete"`), 0o644); err != nil {
		t.Fatalf("write bad bank: %v", err)
	}
	if _, err := LoadBankFile(bad); err == nil {
		t.Fatalf("incomplete entries must be rejected")
	}
}
