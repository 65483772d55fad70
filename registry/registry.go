// Package registry owns the user <-> forum topic mapping: one conversation
// record per private user plus a reverse index for O(1) staff-reply routing.
//
// There is no locking around record creation. Two concurrent messages from a
// user with no topic may both create one; the last write wins and the
// orphaned duplicate topic is simply unused. This is deliberate: the store
// is only consistent per key, and the drift is rare and self-correcting.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/quailyquaily/topicrelay/internal/kvstore"
)

const (
	userKeyPrefix   = "user:"
	threadKeyPrefix = "thread:"

	maxTitleLength = 128
	maxNameLength  = 30

	scanPageSize = 100
)

// ErrNotFound means no conversation record exists for the user.
var ErrNotFound = errors.New("registry: conversation not found")

// SetupError is a fatal misconfiguration reported by the gateway while
// creating a topic: wrong supergroup id or missing Manage Topics rights.
// It must propagate to staff and never be retried.
type SetupError struct {
	Detail string
	Err    error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registry setup: %s: %v", e.Detail, e.Err)
	}
	return "registry setup: " + e.Detail
}

func (e *SetupError) Unwrap() error { return e.Err }

// Record is one user's conversation state.
type Record struct {
	ThreadID int64  `json:"thread_id"`
	Title    string `json:"title"`
	Closed   bool   `json:"closed"`
}

// TopicCreator is the slice of the gateway the registry needs.
type TopicCreator interface {
	CreateForumTopic(ctx context.Context, chatID int64, name string) (int64, error)
}

type Registry struct {
	store        kvstore.Store
	gw           TopicCreator
	supergroupID int64
	logger       *slog.Logger

	// setupClass reports whether a gateway error is a fatal
	// misconfiguration rather than a transient failure.
	setupClass func(error) bool
}

func New(store kvstore.Store, gw TopicCreator, supergroupID int64, setupClass func(error) bool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if setupClass == nil {
		setupClass = func(error) bool { return false }
	}
	return &Registry{
		store:        store,
		gw:           gw,
		supergroupID: supergroupID,
		logger:       logger,
		setupClass:   setupClass,
	}
}

func UserKey(userID int64) string {
	return userKeyPrefix + strconv.FormatInt(userID, 10)
}

func threadKey(threadID int64) string {
	return threadKeyPrefix + strconv.FormatInt(threadID, 10)
}

// Get loads the record for userID, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, userID int64) (*Record, error) {
	raw, err := r.store.Get(ctx, UserKey(userID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// Corrupt record: treat as absent so the caller recreates it.
		r.logger.Warn("registry_record_corrupt", "user_id", userID, "error", err.Error())
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Create allocates a new forum topic titled title, persists the record and
// the reverse index, and returns the record. Setup-class gateway failures
// come back as *SetupError.
func (r *Registry) Create(ctx context.Context, userID int64, title string) (*Record, error) {
	threadID, err := r.gw.CreateForumTopic(ctx, r.supergroupID, title)
	if err != nil {
		if r.setupClass(err) {
			return nil, &SetupError{Detail: "create forum topic", Err: err}
		}
		return nil, fmt.Errorf("create forum topic: %w", err)
	}

	rec := &Record{ThreadID: threadID, Title: title}
	if err := r.save(ctx, userID, rec); err != nil {
		return nil, err
	}
	if err := r.store.Put(ctx, threadKey(threadID), strconv.FormatInt(userID, 10), 0); err != nil {
		// Reverse index is best-effort; it is lazily repaired on lookup.
		r.logger.Warn("registry_reverse_index_write_failed", "user_id", userID, "thread_id", threadID, "error", err.Error())
	}
	r.logger.Info("topic_created", "user_id", userID, "thread_id", threadID, "title", title)
	return rec, nil
}

func (r *Registry) save(ctx context.Context, userID int64, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return r.store.Put(ctx, UserKey(userID), string(raw), 0)
}

// SetClosed toggles the record's closed flag.
func (r *Registry) SetClosed(ctx context.Context, userID int64, closed bool) (*Record, error) {
	rec, err := r.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	rec.Closed = closed
	if err := r.save(ctx, userID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record and, when threadID is non-zero, its reverse
// index entry.
func (r *Registry) Delete(ctx context.Context, userID, threadID int64) error {
	if err := r.store.Delete(ctx, UserKey(userID)); err != nil {
		return err
	}
	if threadID != 0 {
		if err := r.store.Delete(ctx, threadKey(threadID)); err != nil {
			return err
		}
	}
	return nil
}

// DropThread removes only the reverse index entry for threadID; used when a
// topic is confirmed dead and about to be recreated.
func (r *Registry) DropThread(ctx context.Context, threadID int64) error {
	return r.store.Delete(ctx, threadKey(threadID))
}

// EnsureReverseIndex recreates a missing thread -> user entry. Best effort.
func (r *Registry) EnsureReverseIndex(ctx context.Context, threadID, userID int64) {
	if threadID == 0 {
		return
	}
	if _, err := r.store.Get(ctx, threadKey(threadID)); errors.Is(err, kvstore.ErrNotFound) {
		if err := r.store.Put(ctx, threadKey(threadID), strconv.FormatInt(userID, 10), 0); err != nil {
			r.logger.Warn("registry_reverse_index_repair_failed", "thread_id", threadID, "error", err.Error())
		}
	}
}

// FindUserByTopic resolves the user a topic belongs to. It prefers the
// reverse index; when that is missing it falls back to a paginated scan of
// all records and repairs the index opportunistically. Returns ErrNotFound
// when no record maps to threadID.
func (r *Registry) FindUserByTopic(ctx context.Context, threadID int64) (int64, error) {
	raw, err := r.store.Get(ctx, threadKey(threadID))
	if err == nil {
		userID, perr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if perr == nil && userID != 0 {
			return userID, nil
		}
		r.logger.Warn("registry_reverse_index_corrupt", "thread_id", threadID, "value", raw)
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return 0, err
	}

	userID, err := r.scanForTopic(ctx, threadID)
	if err != nil {
		return 0, err
	}
	r.EnsureReverseIndex(ctx, threadID, userID)
	return userID, nil
}

func (r *Registry) scanForTopic(ctx context.Context, threadID int64) (int64, error) {
	cursor := ""
	for {
		keys, next, err := r.store.List(ctx, userKeyPrefix, cursor, scanPageSize)
		if err != nil {
			return 0, err
		}
		for _, key := range keys {
			userID, ok := userIDFromKey(key)
			if !ok {
				continue
			}
			rec, err := r.Get(ctx, userID)
			if err != nil {
				continue
			}
			if rec.ThreadID == threadID {
				return userID, nil
			}
		}
		if next == "" {
			return 0, ErrNotFound
		}
		cursor = next
	}
}

// SetClosedByTopic sets the closed flag on every record whose topic matches
// threadID and returns how many were updated. Historical data may hold
// duplicate records for one topic, so this intentionally does not stop at
// the first match.
func (r *Registry) SetClosedByTopic(ctx context.Context, threadID int64, closed bool) (int, error) {
	updated := 0
	cursor := ""
	for {
		keys, next, err := r.store.List(ctx, userKeyPrefix, cursor, scanPageSize)
		if err != nil {
			return updated, err
		}
		for _, key := range keys {
			userID, ok := userIDFromKey(key)
			if !ok {
				continue
			}
			rec, err := r.Get(ctx, userID)
			if err != nil {
				continue
			}
			if rec.ThreadID != threadID {
				continue
			}
			rec.Closed = closed
			if err := r.save(ctx, userID, rec); err != nil {
				return updated, err
			}
			updated++
		}
		if next == "" {
			break
		}
		cursor = next
	}
	r.logger.Info("thread_status_updated", "thread_id", threadID, "closed", closed, "updated_count", updated)
	return updated, nil
}

// ListUsers walks all conversation records, invoking fn per (userID, record).
// Used by the bulk cleanup scan.
func (r *Registry) ListUsers(ctx context.Context, fn func(userID int64, rec *Record) error) error {
	cursor := ""
	for {
		keys, next, err := r.store.List(ctx, userKeyPrefix, cursor, scanPageSize)
		if err != nil {
			return err
		}
		for _, key := range keys {
			userID, ok := userIDFromKey(key)
			if !ok {
				continue
			}
			rec, err := r.Get(ctx, userID)
			if err != nil {
				continue
			}
			if err := fn(userID, rec); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

func userIDFromKey(key string) (int64, bool) {
	raw := strings.TrimPrefix(key, userKeyPrefix)
	if raw == key {
		return 0, false
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID == 0 {
		return 0, false
	}
	return userID, true
}
