package loop

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"loopbot/internal/eventbus"
	"loopbot/internal/storage"
	kit "loopbot/internal/transport"
	logx "loopbot/pkg/logx"
)

// storeRetryWait paces re-reads after a storage error inside a loop.
const storeRetryWait = 5 * time.Second

// persistCtx returns a context for post-send state writes. These must
// land even when the loop context was cancelled mid-send, otherwise the
// delivered copy would be orphaned.
func persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// runLoop is the body of one delivery loop. Each cycle re-reads the
// group row and the global settings, so /setdelay and rotation changes
// apply without a restart.
func (r *Registry) runLoop(ctx context.Context, t *task) {
	defer close(t.done)
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in delivery loop",
				logx.Int64("chat_id", t.chatID),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
			r.remove(t)
		}
	}()

	for {
		log := r.log.With(logx.Int64("chat_id", t.chatID))
		cfg := r.config()

		g, err := r.store.Group(ctx, t.chatID)
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("group row disappeared; stopping loop")
			r.remove(t)
			r.bus.Publish(eventbus.Event{
				Type: eventbus.TypeLoopStopped,
				Data: eventbus.LoopEvent{ChatID: t.chatID, Reason: ReasonGroupGone},
			})
			return
		}
		if err != nil {
			log.Warn("group read failed", logx.Err(err))
			if !r.sleep(ctx, t, storeRetryWait) {
				r.remove(t)
				return
			}
			continue
		}

		delay := r.cadence(ctx, cfg)
		now := time.Now()
		var due time.Time
		if g.NextDue.IsZero() {
			// Cleared cursor: fresh start, the first delivery goes out
			// immediately.
			due = now
		} else {
			due = NextSchedule(now, g.NextDue, delay)
			// A shortened cadence (/setdelay) must pull in a due time
			// that was parked under the old, longer delay. Retry waits
			// are exempt: a flood penalty longer than the cadence must
			// stand.
			if g.RetryCount == 0 {
				if ceil := now.Add(delay); due.After(ceil) {
					due = ceil
				}
			}
		}
		if !due.Equal(g.NextDue) {
			// Persist the recomputed boundary so a crash during the wait
			// resumes with the same phase.
			if err := r.store.SetGroupNextDue(ctx, t.chatID, due); err != nil {
				log.Warn("persist next due failed", logx.Err(err))
			}
		}

		if !r.sleepUntil(ctx, t, due) {
			r.remove(t)
			return
		}
		// A nudge may have fired before the boundary; recompute then.
		if time.Now().Before(due) {
			continue
		}

		msgs, err := r.store.Messages(ctx)
		if err != nil {
			log.Warn("message rotation read failed", logx.Err(err))
			if !r.sleep(ctx, t, storeRetryWait) {
				r.remove(t)
				return
			}
			continue
		}
		if len(msgs) == 0 {
			// Nothing to send yet; skip this cycle and keep the cadence.
			log.Debug("no source messages configured; skipping cycle")
			if err := r.store.SetGroupNextDue(ctx, t.chatID, due.Add(delay)); err != nil {
				log.Warn("persist next due failed", logx.Err(err))
			}
			continue
		}

		idx := g.MsgIndex % len(msgs)
		src := kit.MessageRef{ChatID: msgs[idx].ChatID, MessageID: msgs[idx].MessageID}
		cycleID := uuid.NewString()

		// The send itself is never interrupted by Stop; the HTTP client
		// timeout bounds it instead.
		sctx, cancel := context.WithTimeout(context.Background(), cfg.SendTimeout)
		delivered, sendErr := r.gw.CopyMessage(sctx, kit.ChatTarget{ChatID: t.chatID}, src)
		cancel()

		if sendErr == nil {
			r.finishCycle(t, log, g, delivered, (idx+1)%len(msgs), due.Add(delay), cycleID)
			continue
		}

		if newID, ok := kit.MigratedTo(sendErr); ok {
			r.handleMigration(t, log, newID, cycleID)
			continue
		}
		if kit.IsFatal(sendErr) {
			r.retire(t, log, sendErr, cycleID, ReasonFatal)
			return
		}
		if !r.retryCycle(t, log, cfg, g, delay, sendErr, cycleID) {
			return
		}
	}
}

// cadence returns the live delay from settings, clamped to MinDelay.
func (r *Registry) cadence(ctx context.Context, cfg Config) time.Duration {
	delay := cfg.Delay
	if st, err := r.store.Settings(ctx); err == nil && st.Delay > 0 {
		delay = st.Delay
	}
	if delay < cfg.MinDelay {
		delay = cfg.MinDelay
	}
	return delay
}

// finishCycle persists the post-send cursor and deletes the previous
// copy. The delete is best effort; a failure never fails the cycle.
func (r *Registry) finishCycle(t *task, log logx.Logger, g storage.Group, delivered kit.MessageRef, nextIdx int, nextDue time.Time, cycleID string) {
	ctx, cancel := persistCtx()
	defer cancel()

	if g.LastMsgID != 0 {
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := r.gw.DeleteMessage(dctx, kit.MessageRef{ChatID: t.chatID, MessageID: g.LastMsgID})
		dcancel()
		if err != nil {
			log.Debug("previous copy delete failed", logx.Int("message_id", g.LastMsgID), logx.Err(err))
		}
	}

	rec := storage.DeliveryRecord{LastMsgID: delivered.MessageID, MsgIndex: nextIdx, NextDue: nextDue}
	if err := r.store.RecordDelivery(ctx, t.chatID, rec); err != nil {
		log.Warn("record delivery failed", logx.Err(err))
	}
	log.Debug("delivered",
		logx.String("cycle_id", cycleID),
		logx.Int("message_id", delivered.MessageID),
		logx.Time("next_due", nextDue))
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSendOK,
		Data: eventbus.LoopEvent{ChatID: t.chatID, CycleID: cycleID, NextDue: nextDue},
	})
}

// handleMigration rekeys the group row and the running task to the new
// supergroup id. The current cycle is not retried; the next one sends to
// the new chat.
func (r *Registry) handleMigration(t *task, log logx.Logger, newID int64, cycleID string) {
	ctx, cancel := persistCtx()
	defer cancel()

	oldID := t.chatID
	if err := r.store.MoveGroup(ctx, oldID, newID); err != nil {
		log.Warn("group rekey failed", logx.Int64("new_chat_id", newID), logx.Err(err))
		return
	}
	r.rekey(t, newID)
	log.Info("group migrated", logx.Int64("new_chat_id", newID), logx.String("cycle_id", cycleID))
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeGroupMigrated,
		Data: eventbus.LoopEvent{ChatID: oldID, NewChatID: newID, CycleID: cycleID},
	})
}

// retire removes the group for good. Fatal failures and an exhausted
// retry budget share this cleanup: best-effort leave, drop the row,
// deregister. Restarting afterwards needs a fresh operator command.
func (r *Registry) retire(t *task, log logx.Logger, cause error, cycleID, reason string) {
	ctx, cancel := persistCtx()
	defer cancel()

	log.Warn("removing group",
		logx.String("cycle_id", cycleID),
		logx.String("reason", reason),
		logx.Err(cause))

	lctx, lcancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := r.gw.LeaveChat(lctx, t.chatID); err != nil {
		log.Debug("leave chat failed", logx.Err(err))
	}
	lcancel()

	if err := r.store.RemoveGroup(ctx, t.chatID); err != nil {
		log.Warn("group remove failed", logx.Err(err))
	}
	r.remove(t)
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeGroupRemoved,
		Data: eventbus.LoopEvent{ChatID: t.chatID, CycleID: cycleID, Reason: reason},
	})
}

// retryCycle books a failed attempt against the retry budget. The
// attempt that reaches the ceiling escalates to the fatal cleanup path;
// retryCycle then returns false and the loop must exit.
func (r *Registry) retryCycle(t *task, log logx.Logger, cfg Config, g storage.Group, delay time.Duration, cause error, cycleID string) bool {
	ctx, cancel := persistCtx()
	defer cancel()

	retry := g.RetryCount + 1
	if retry >= cfg.RetryMax {
		log.Warn("retry budget exhausted",
			logx.String("cycle_id", cycleID),
			logx.Int("retries", retry),
			logx.Err(cause))
		r.retire(t, log, cause, cycleID, ReasonRetryExhausted)
		return false
	}

	// A failed attempt waits for the next regular cycle; a flood wait
	// longer than the cadence wins.
	wait := delay
	if after, ok := kit.RetryAfter(cause); ok && after > wait {
		wait = after
	}
	next := time.Now().Add(wait)

	if err := r.store.SetGroupRetry(ctx, t.chatID, retry); err != nil {
		log.Warn("retry persist failed", logx.Err(err))
	}
	if err := r.store.SetGroupNextDue(ctx, t.chatID, next); err != nil {
		log.Warn("persist next due failed", logx.Err(err))
	}
	log.Warn("delivery failed; will retry",
		logx.String("cycle_id", cycleID),
		logx.Int("retry", retry),
		logx.Int("retry_max", cfg.RetryMax),
		logx.Time("next_due", next),
		logx.Err(cause))
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSendRetryable,
		Data: eventbus.LoopEvent{ChatID: t.chatID, CycleID: cycleID, RetryCount: retry, NextDue: next},
	})
	return true
}

// sleepUntil waits for the due time, a nudge, or cancellation. Returns
// false when the loop should exit.
func (r *Registry) sleepUntil(ctx context.Context, t *task, due time.Time) bool {
	d := time.Until(due)
	if d <= 0 {
		return true
	}
	return r.sleep(ctx, t, d)
}

func (r *Registry) sleep(ctx context.Context, t *task, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.wake:
		return true
	case <-timer.C:
		return true
	}
}
