// Package ratelimit is a fixed-window abuse limiter backed by the shared
// key-value store: a counter per (action, user) that the store expires at
// the end of each window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/quailyquaily/topicrelay/internal/kvstore"
)

// Rule bounds one action class: at most Limit occurrences per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

type Limiter struct {
	store kvstore.Store
}

func New(store kvstore.Store) *Limiter {
	return &Limiter{store: store}
}

func key(action string, userID int64) string {
	return "ratelimit:" + action + ":" + strconv.FormatInt(userID, 10)
}

// Check consumes one slot for (action, userID) under rule. It returns
// whether the action is allowed and how many slots remain in the window.
// The counter is only incremented when the action is allowed, so refused
// attempts do not extend the refusal.
func (l *Limiter) Check(ctx context.Context, userID int64, action string, rule Rule) (allowed bool, remaining int, err error) {
	k := key(action, userID)
	count := 0
	raw, err := l.store.Get(ctx, k)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return false, 0, fmt.Errorf("rate limit read: %w", err)
	}
	if err == nil {
		parsed, perr := strconv.Atoi(raw)
		if perr == nil && parsed > 0 {
			count = parsed
		}
	}

	if count >= rule.Limit {
		return false, 0, nil
	}

	if err := l.store.Put(ctx, k, strconv.Itoa(count+1), rule.Window); err != nil {
		return false, 0, fmt.Errorf("rate limit write: %w", err)
	}
	return true, rule.Limit - count - 1, nil
}
