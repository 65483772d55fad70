package relay

import (
	"context"
	"strconv"
	"time"

	"github.com/quailyquaily/topicrelay/internal/gateway"
	"github.com/quailyquaily/topicrelay/registry"
)

const cleanupBatchSize = 10

// CleanedUser is one registry entry removed by a cleanup scan.
type CleanedUser struct {
	UserID   int64
	ThreadID int64
	Title    string
}

// CleanupReport summarizes a bulk cleanup scan.
type CleanupReport struct {
	Scanned int
	Cleaned []CleanedUser
	Errors  int
}

// Cleanup probes every registered topic and fully removes the entries whose
// topic is confirmed deleted or redirected: conversation record, reverse
// index and verified marker, so the user re-verifies and gets a fresh topic
// on next contact. It runs in fixed-size batches with a pause in between to
// stay under the gateway's rate limits; this is a staff-triggered scan, not
// part of the per-message path.
func (e *Engine) Cleanup(ctx context.Context) (*CleanupReport, error) {
	type candidate struct {
		userID int64
		rec    *registry.Record
	}

	var candidates []candidate
	err := e.reg.ListUsers(ctx, func(userID int64, rec *registry.Record) error {
		if rec.ThreadID != 0 {
			candidates = append(candidates, candidate{userID: userID, rec: rec})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report := &CleanupReport{Scanned: len(candidates)}

	for i := 0; i < len(candidates); i += cleanupBatchSize {
		end := i + cleanupBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		for _, c := range candidates[i:end] {
			dead, err := e.probeForCleanup(ctx, c.rec.ThreadID)
			if err != nil {
				report.Errors++
				e.logger.Warn("cleanup_probe_error", "user_id", c.userID, "thread_id", c.rec.ThreadID, "error", err.Error())
				continue
			}
			if !dead {
				continue
			}
			if err := e.reg.Delete(ctx, c.userID, c.rec.ThreadID); err != nil {
				report.Errors++
				continue
			}
			_ = e.store.Delete(ctx, "verified:"+strconv.FormatInt(c.userID, 10))
			e.cache.Invalidate(c.rec.ThreadID)
			report.Cleaned = append(report.Cleaned, CleanedUser{
				UserID:   c.userID,
				ThreadID: c.rec.ThreadID,
				Title:    c.rec.Title,
			})
			e.logger.Info("cleanup_user", "user_id", c.userID, "thread_id", c.rec.ThreadID)
		}

		if end < len(candidates) && e.CleanupPause > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(e.CleanupPause):
			}
		}
	}

	e.logger.Info("cleanup_completed", "scanned", report.Scanned, "cleaned", len(report.Cleaned), "errors", report.Errors)
	return report, nil
}

// probeForCleanup sends the invisible probe and reports whether the topic
// is confirmed dead. Ambiguous failures return an error and the entry is
// kept: cleanup only removes what it is sure about.
func (e *Engine) probeForCleanup(ctx context.Context, threadID int64) (bool, error) {
	sent, err := e.gw.SendMessage(ctx, gateway.SendMessageRequest{
		ChatID:          e.cfg.SupergroupID,
		MessageThreadID: threadID,
		Text:            probeText,
	})
	if err == nil {
		if sent.MessageThreadID == threadID {
			if sent.MessageID != 0 {
				_ = e.gw.DeleteMessage(ctx, e.cfg.SupergroupID, sent.MessageID)
			}
			return false, nil
		}
		// Redirected to General: the stray probe still needs sweeping.
		if sent.MessageID != 0 {
			_ = e.gw.DeleteMessage(ctx, e.cfg.SupergroupID, sent.MessageID)
		}
		return true, nil
	}
	if gateway.IsTopicDeleted(err) {
		return true, nil
	}
	return false, err
}
