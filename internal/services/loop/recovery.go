package loop

import (
	"context"
	"time"

	"github.com/google/uuid"

	"loopbot/internal/eventbus"
	"loopbot/internal/storage"
	logx "loopbot/pkg/logx"
)

// RecoveryReport summarizes one crash-recovery pass.
type RecoveryReport struct {
	RunID   string
	Resumed int
	Skipped int
}

// PrepareRecovery rewrites the due time of every group that was active
// at the last shutdown, preserving each group's phase. It runs before
// any loop starts so the catch-up math sees the pre-crash state.
func (r *Registry) PrepareRecovery(ctx context.Context) ([]storage.Group, error) {
	groups, err := r.store.ActiveGroups(ctx)
	if err != nil {
		return nil, err
	}
	cfg := r.config()
	delay := r.cadence(ctx, cfg)
	now := time.Now()

	for i := range groups {
		g := &groups[i]
		due := NextSchedule(now, g.NextDue, delay)
		if due.Equal(g.NextDue) {
			continue
		}
		if err := r.store.SetGroupNextDue(ctx, g.ChatID, due); err != nil {
			r.log.Warn("recovery: persist next due failed", logx.Int64("chat_id", g.ChatID), logx.Err(err))
			continue
		}
		g.NextDue = due
	}
	return groups, nil
}

// ResumeRecovery starts a loop for each prepared group, keeping the due
// times PrepareRecovery wrote. Groups that fail to schedule are skipped,
// not retried; the operator can /startloop them manually.
func (r *Registry) ResumeRecovery(ctx context.Context, groups []storage.Group) RecoveryReport {
	rep := RecoveryReport{RunID: uuid.NewString()}
	for _, g := range groups {
		if err := r.Schedule(ctx, g.ChatID, ScheduleOptions{PreserveDue: true}); err != nil {
			r.log.Warn("recovery: schedule failed",
				logx.String("run_id", rep.RunID),
				logx.Int64("chat_id", g.ChatID),
				logx.Err(err))
			rep.Skipped++
			continue
		}
		rep.Resumed++
	}
	r.log.Info("recovery complete",
		logx.String("run_id", rep.RunID),
		logx.Int("resumed", rep.Resumed),
		logx.Int("skipped", rep.Skipped))
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeRecoveryDone,
		Data: eventbus.LoopEvent{Resumed: rep.Resumed, CycleID: rep.RunID},
	})
	return rep
}

// Recover runs both recovery phases.
func (r *Registry) Recover(ctx context.Context) (RecoveryReport, error) {
	groups, err := r.PrepareRecovery(ctx)
	if err != nil {
		return RecoveryReport{}, err
	}
	return r.ResumeRecovery(ctx, groups), nil
}
