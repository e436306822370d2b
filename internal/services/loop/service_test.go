package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"loopbot/internal/eventbus"
	"loopbot/internal/storage"
	kit "loopbot/internal/transport"
	logx "loopbot/pkg/logx"
)

const testDelay = 40 * time.Millisecond

func newTestEngine(t *testing.T, script ...error) (*Registry, storage.Store, *fakeGateway) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory", DefaultDelay: testDelay}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	gw := &fakeGateway{script: script}
	reg := New(Config{
		Delay:       testDelay,
		MinDelay:    10 * time.Millisecond,
		SendTimeout: time.Second,
		RetryMax:    2,
	}, st, gw, eventbus.New(), logx.Nop())
	reg.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
		_ = st.Close()
	})
	return reg, st, gw
}

func seedGroup(t *testing.T, st storage.Store, chatID int64, msgs ...kit.MessageRef) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.UpsertGroup(ctx, chatID, "test group"); err != nil {
		t.Fatalf("upsert group: %v", err)
	}
	for i, m := range msgs {
		var err error
		if i == 0 {
			err = st.SetMessage(ctx, storage.StoredMessage{ChatID: m.ChatID, MessageID: m.MessageID})
		} else {
			err = st.AddMessage(ctx, storage.StoredMessage{ChatID: m.ChatID, MessageID: m.MessageID})
		}
		if err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScheduleIsIdempotent(t *testing.T) {
	reg, st, _ := newTestEngine(t)
	seedGroup(t, st, -100, kit.MessageRef{ChatID: 1, MessageID: 10})

	ctx := context.Background()
	if err := reg.Schedule(ctx, -100, ScheduleOptions{}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := reg.Schedule(ctx, -100, ScheduleOptions{}); err != nil {
		t.Fatalf("re-schedule: %v", err)
	}
	if n := reg.ActiveCount(); n != 1 {
		t.Fatalf("active count = %d, want 1", n)
	}
}

func TestScheduleUnknownGroup(t *testing.T) {
	reg, _, _ := newTestEngine(t)
	if err := reg.Schedule(context.Background(), -404, ScheduleOptions{}); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("err = %v, want ErrUnknownGroup", err)
	}
}

func TestDeliveryCycleRotatesAndDeletesPrevious(t *testing.T) {
	reg, st, gw := newTestEngine(t)
	seedGroup(t, st, -100,
		kit.MessageRef{ChatID: 1, MessageID: 10},
		kit.MessageRef{ChatID: 1, MessageID: 11},
	)

	ctx := context.Background()
	if err := reg.Schedule(ctx, -100, ScheduleOptions{}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, "three deliveries", func() bool { return gw.copyCount() >= 3 })
	if !reg.Cancel(ctx, -100) {
		t.Fatalf("cancel returned false")
	}

	copies := gw.copyCalls()
	// Rotation alternates: 10, 11, 10, ...
	for i, c := range copies[:3] {
		want := 10 + i%2
		if c.Src.MessageID != want {
			t.Fatalf("delivery %d sent message %d, want %d", i, c.Src.MessageID, want)
		}
		if c.To != -100 {
			t.Fatalf("delivery %d went to %d, want -100", i, c.To)
		}
	}

	// Every delivery after the first deletes the previous copy.
	dels := gw.deleteCalls()
	if len(dels) < 2 {
		t.Fatalf("got %d deletes, want >= 2", len(dels))
	}
	for _, d := range dels {
		if d.ChatID != -100 {
			t.Fatalf("delete targeted chat %d, want -100", d.ChatID)
		}
	}

	g, err := st.Group(ctx, -100)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if g.Active {
		t.Fatalf("group still active after cancel")
	}
	if g.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", g.RetryCount)
	}
}

func TestRetryCeilingTriggersCleanup(t *testing.T) {
	// More failures scripted than the budget allows: the ceiling must cut
	// delivery off first.
	boom := &kit.DeliveryError{Kind: kit.KindTransient, Err: errors.New("timeout")}
	reg, st, gw := newTestEngine(t, boom, boom, boom, boom)
	seedGroup(t, st, -100, kit.MessageRef{ChatID: 1, MessageID: 10})

	ctx := context.Background()
	if err := reg.Schedule(ctx, -100, ScheduleOptions{}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	waitFor(t, "loop to retire", func() bool { return !reg.IsActive(-100) })

	// RetryMax is 2: cleanup fires on exactly the second failure, not one
	// attempt later.
	if n := gw.copyCount(); n != 2 {
		t.Fatalf("attempts = %d, want 2", n)
	}

	// Exhaustion shares the fatal cleanup: leave the chat, drop the row.
	if _, err := st.Group(ctx, -100); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("group row should be removed after exhaustion, err = %v", err)
	}
	leaves := gw.leaveCalls()
	if len(leaves) != 1 || leaves[0] != -100 {
		t.Fatalf("leave calls = %v, want [-100]", leaves)
	}
}

func TestSuccessResetsRetryBudget(t *testing.T) {
	boom := &kit.DeliveryError{Kind: kit.KindTransient, Err: errors.New("timeout")}
	reg, st, gw := newTestEngine(t, boom) // fail once, then succeed
	seedGroup(t, st, -100,
		kit.MessageRef{ChatID: 1, MessageID: 10},
		kit.MessageRef{ChatID: 1, MessageID: 11},
	)

	ctx := context.Background()
	if err := reg.Schedule(ctx, -100, ScheduleOptions{}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, "recovery after transient failure", func() bool {
		if gw.copyCount() < 2 {
			return false
		}
		g, err := st.Group(ctx, -100)
		return err == nil && g.RetryCount == 0 && g.LastMsgID != 0
	})
	if !reg.IsActive(-100) {
		t.Fatalf("loop retired after a single transient failure")
	}
	reg.Cancel(ctx, -100)

	// The failed attempt must not advance the rotation: the retry sends
	// the same message the failure attempted.
	copies := gw.copyCalls()
	if copies[0].Src.MessageID != 10 || copies[1].Src.MessageID != 10 {
		t.Fatalf("rotation advanced across a failure: attempts sent %d then %d, want 10 twice",
			copies[0].Src.MessageID, copies[1].Src.MessageID)
	}
	g, err := st.Group(ctx, -100)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	// Only successful sends move the cursor; the first attempt failed.
	if want := (len(copies) - 1) % 2; g.MsgIndex != want {
		t.Fatalf("index = %d after %d successful send(s), want %d", g.MsgIndex, len(copies)-1, want)
	}
}

func TestFloodWaitOutlivesCadence(t *testing.T) {
	// The platform's requested wait is longer than the cadence; the next
	// attempt must honor it instead of re-sending into the flood window.
	flood := &kit.DeliveryError{Kind: kit.KindRateLimited, RetryAfter: 250 * time.Millisecond, Err: errors.New("retry after 250ms")}
	reg, st, gw := newTestEngine(t, flood)
	seedGroup(t, st, -100, kit.MessageRef{ChatID: 1, MessageID: 10})

	ctx := context.Background()
	if err := reg.Schedule(ctx, -100, ScheduleOptions{}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, "first attempt", func() bool { return gw.copyCount() >= 1 })

	// Well past the 40ms cadence but inside the flood wait: no retry yet.
	time.Sleep(150 * time.Millisecond)
	if n := gw.copyCount(); n != 1 {
		t.Fatalf("attempts = %d inside the flood wait, want 1", n)
	}

	waitFor(t, "retry after the flood wait", func() bool { return gw.copyCount() >= 2 })
	if !reg.IsActive(-100) {
		t.Fatalf("loop retired by a single rate limit")
	}
}

func TestFatalErrorRemovesGroup(t *testing.T) {
	kicked := &kit.DeliveryError{Kind: kit.KindPermissionDenied, Err: errors.New("kicked")}
	reg, st, gw := newTestEngine(t, kicked)
	seedGroup(t, st, -100, kit.MessageRef{ChatID: 1, MessageID: 10})

	ctx := context.Background()
	if err := reg.Schedule(ctx, -100, ScheduleOptions{}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, "fatal retirement", func() bool { return !reg.IsActive(-100) })

	if _, err := st.Group(ctx, -100); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("group row should be removed, err = %v", err)
	}
	leaves := gw.leaveCalls()
	if len(leaves) != 1 || leaves[0] != -100 {
		t.Fatalf("leave calls = %v, want [-100]", leaves)
	}
	// The retry budget was bypassed: one attempt only.
	if n := gw.copyCount(); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
}

func TestMigrationRekeysRunningLoop(t *testing.T) {
	const newID = -1001234
	migrated := &kit.DeliveryError{Kind: kit.KindMigrated, MigratedTo: newID}
	reg, st, gw := newTestEngine(t, migrated)
	seedGroup(t, st, -100, kit.MessageRef{ChatID: 1, MessageID: 10})

	ctx := context.Background()
	if err := reg.Schedule(ctx, -100, ScheduleOptions{}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, "delivery to the new chat id", func() bool {
		for _, c := range gw.copyCalls() {
			if c.To == newID {
				return true
			}
		}
		return false
	})

	if reg.IsActive(-100) {
		t.Fatalf("loop still registered under the old id")
	}
	if !reg.IsActive(newID) {
		t.Fatalf("loop not registered under the new id")
	}
	if _, err := st.Group(ctx, -100); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("old row should be gone, err = %v", err)
	}
	g, err := st.Group(ctx, newID)
	if err != nil {
		t.Fatalf("new row: %v", err)
	}
	if !g.Active {
		t.Fatalf("rekeyed row lost its active flag")
	}
}

func TestGroupIsolation(t *testing.T) {
	// The scripted fatal error hits the first send, which belongs to the
	// doomed group; the healthy group is scheduled only after the doomed
	// loop has retired.
	kicked := &kit.DeliveryError{Kind: kit.KindPermissionDenied, Err: errors.New("kicked")}
	reg, st, gw := newTestEngine(t, kicked)
	seedGroup(t, st, -1, kit.MessageRef{ChatID: 1, MessageID: 10})
	if _, err := st.UpsertGroup(context.Background(), -2, "doomed"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ctx := context.Background()
	if err := reg.Schedule(ctx, -2, ScheduleOptions{}); err != nil {
		t.Fatalf("schedule -2: %v", err)
	}
	waitFor(t, "doomed loop to retire", func() bool { return !reg.IsActive(-2) })

	if err := reg.Schedule(ctx, -1, ScheduleOptions{}); err != nil {
		t.Fatalf("schedule -1: %v", err)
	}
	waitFor(t, "healthy loop delivering", func() bool {
		for _, c := range gw.copyCalls() {
			if c.To == -1 {
				return true
			}
		}
		return false
	})
	if !reg.IsActive(-1) {
		t.Fatalf("healthy loop was affected by the failing one")
	}
	if _, err := st.Group(ctx, -1); err != nil {
		t.Fatalf("healthy row: %v", err)
	}
}

func TestStopAllStartAll(t *testing.T) {
	reg, st, _ := newTestEngine(t)
	seedGroup(t, st, -1, kit.MessageRef{ChatID: 1, MessageID: 10})
	if _, err := st.UpsertGroup(context.Background(), -2, "second"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ctx := context.Background()
	started, err := reg.StartAll(ctx)
	if err != nil {
		t.Fatalf("start all: %v", err)
	}
	if started != 2 || reg.ActiveCount() != 2 {
		t.Fatalf("started = %d active = %d, want 2/2", started, reg.ActiveCount())
	}

	stopped, err := reg.StopAll(ctx)
	if err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if stopped != 2 || reg.ActiveCount() != 0 {
		t.Fatalf("stopped = %d active = %d, want 2/0", stopped, reg.ActiveCount())
	}

	// stop_all deactivates; the rows survive for a later start_all.
	groups, err := st.ListGroups(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("rows = %d, want 2", len(groups))
	}
	for _, g := range groups {
		if g.Active {
			t.Fatalf("group %d still active after stop all", g.ChatID)
		}
	}
}

func TestShutdownKeepsActiveFlags(t *testing.T) {
	reg, st, _ := newTestEngine(t)
	seedGroup(t, st, -100, kit.MessageRef{ChatID: 1, MessageID: 10})

	ctx := context.Background()
	if err := reg.Schedule(ctx, -100, ScheduleOptions{}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := reg.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if reg.IsActive(-100) {
		t.Fatalf("loop survived shutdown")
	}
	g, err := st.Group(ctx, -100)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if !g.Active {
		t.Fatalf("shutdown cleared the active flag; recovery depends on it")
	}
}

func TestRecoveryResumesWithPreservedPhase(t *testing.T) {
	reg, st, _ := newTestEngine(t)
	seedGroup(t, st, -100, kit.MessageRef{ChatID: 1, MessageID: 10})

	ctx := context.Background()
	// Simulate a pre-crash state: active group with a due time two and a
	// half cadences in the past.
	if err := st.SetGroupActive(ctx, -100, true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	oldDue := time.Now().Add(-testDelay*2 - testDelay/2)
	if err := st.SetGroupNextDue(ctx, -100, oldDue); err != nil {
		t.Fatalf("set due: %v", err)
	}

	groups, err := reg.PrepareRecovery(ctx)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("prepared %d groups, want 1", len(groups))
	}
	g := groups[0]
	if !g.NextDue.After(time.Now().Add(-time.Millisecond)) {
		t.Fatalf("prepared due %v is in the past", g.NextDue)
	}
	if rem := g.NextDue.Sub(oldDue) % testDelay; rem != 0 {
		t.Fatalf("recovery broke the phase: remainder %v", rem)
	}

	rep := reg.ResumeRecovery(ctx, groups)
	if rep.Resumed != 1 || rep.Skipped != 0 {
		t.Fatalf("report = %+v, want 1 resumed", rep)
	}
	if !reg.IsActive(-100) {
		t.Fatalf("loop not running after recovery")
	}
}

func TestNoMessagesSkipsCycles(t *testing.T) {
	reg, st, gw := newTestEngine(t)
	if _, err := st.UpsertGroup(context.Background(), -100, "empty"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ctx := context.Background()
	if err := reg.Schedule(ctx, -100, ScheduleOptions{}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	// Let a few cycles elapse; nothing must be sent, and the cursor must
	// keep moving forward.
	time.Sleep(3 * testDelay)
	if n := gw.copyCount(); n != 0 {
		t.Fatalf("sends = %d, want 0 with an empty rotation", n)
	}
	g, err := st.Group(ctx, -100)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if g.NextDue.IsZero() {
		t.Fatalf("cursor not advanced while rotation is empty")
	}
	if !reg.IsActive(-100) {
		t.Fatalf("loop retired by an empty rotation")
	}
}

func TestBroadcastUpdateAppliesNewDelay(t *testing.T) {
	reg, st, gw := newTestEngine(t)
	seedGroup(t, st, -100, kit.MessageRef{ChatID: 1, MessageID: 10})

	ctx := context.Background()
	// Slow the cadence way down so the loop parks after its first send.
	if err := st.SetDelay(ctx, time.Hour); err != nil {
		t.Fatalf("set delay: %v", err)
	}
	if err := reg.Schedule(ctx, -100, ScheduleOptions{}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, "first delivery", func() bool { return gw.copyCount() >= 1 })

	// Speed it back up and nudge; the loop must reschedule without a
	// restart.
	if err := st.SetDelay(ctx, testDelay); err != nil {
		t.Fatalf("set delay: %v", err)
	}
	if n := reg.BroadcastUpdate(); n != 1 {
		t.Fatalf("rescheduled %d loops, want 1", n)
	}
	waitFor(t, "delivery under the new cadence", func() bool { return gw.copyCount() >= 2 })
}
