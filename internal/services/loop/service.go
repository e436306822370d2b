package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"loopbot/internal/eventbus"
	"loopbot/internal/storage"
	kit "loopbot/internal/transport"
	logx "loopbot/pkg/logx"
)

var (
	ErrNotStarted   = errors.New("loop: registry not started")
	ErrUnknownGroup = errors.New("loop: unknown group")
)

// Registry owns one delivery loop per active group. All loops share the
// registry's run context; Shutdown cancels it and waits for the loops to
// drain without touching their active flags, so a later recovery pass
// can resume them.
type Registry struct {
	cfg   Config
	store storage.Store
	gw    kit.Gateway
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	tasks   map[int64]*task
	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
}

func New(cfg Config, store storage.Store, gw kit.Gateway, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Registry{
		cfg:   cfg.withDefaults(),
		store: store,
		gw:    gw,
		bus:   bus,
		log:   log,
		tasks: map[int64]*task{},
	}
}

func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.runCtx, r.cancel = context.WithCancel(ctx)
	r.started = true
	r.log.Info("delivery engine started")
}

// Apply swaps the engine config. Running loops pick up the new values on
// their next cycle; a nudge wakes them early.
func (r *Registry) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
	r.BroadcastUpdate()
}

func (r *Registry) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Schedule starts the delivery loop for chatID. The group row must
// already exist; scheduling an already-running group is a no-op.
func (r *Registry) Schedule(ctx context.Context, chatID int64, opts ScheduleOptions) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNotStarted
	}
	if _, ok := r.tasks[chatID]; ok {
		r.mu.Unlock()
		return nil
	}
	runCtx := r.runCtx
	r.mu.Unlock()

	if _, err := r.store.Group(ctx, chatID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUnknownGroup
		}
		return err
	}

	if err := r.store.SetGroupActive(ctx, chatID, true); err != nil {
		return err
	}
	if !opts.PreserveDue {
		// Fresh start: clearing the cursor makes the first delivery
		// immediate.
		if err := r.store.SetGroupNextDue(ctx, chatID, time.Time{}); err != nil {
			return err
		}
	}

	r.mu.Lock()
	if _, ok := r.tasks[chatID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.spawnLocked(runCtx, chatID)
	r.mu.Unlock()

	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeLoopStarted,
		Data: eventbus.LoopEvent{ChatID: chatID},
	})
	return nil
}

// spawnLocked registers and launches the loop goroutine. r.mu held.
func (r *Registry) spawnLocked(runCtx context.Context, chatID int64) {
	loopCtx, cancel := context.WithCancel(runCtx)
	t := &task{
		chatID: chatID,
		stop:   cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	r.tasks[chatID] = t
	go r.runLoop(loopCtx, t)
}

// Cancel stops the loop for chatID and deactivates the group. The row
// stays in storage so the loop can be restarted later.
func (r *Registry) Cancel(ctx context.Context, chatID int64) bool {
	r.mu.Lock()
	t, ok := r.tasks[chatID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	t.stop()
	select {
	case <-t.done:
	case <-ctx.Done():
	}

	if err := r.store.SetGroupActive(ctx, chatID, false); err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.log.Warn("deactivate failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeLoopStopped,
		Data: eventbus.LoopEvent{ChatID: chatID, Reason: ReasonOperator},
	})
	return true
}

func (r *Registry) IsActive(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[chatID]
	return ok
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// BroadcastUpdate wakes every sleeping loop so it recomputes its wait
// from fresh storage state. Used after /setdelay and rotation changes.
// Returns how many live loops were rescheduled.
func (r *Registry) BroadcastUpdate() int {
	r.mu.Lock()
	tasks := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()
	for _, t := range tasks {
		t.nudge()
	}
	return len(tasks)
}

// StartAll activates and schedules every known group. Returns how many
// loops were newly started.
func (r *Registry) StartAll(ctx context.Context) (int, error) {
	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, g := range groups {
		if r.IsActive(g.ChatID) {
			continue
		}
		if err := r.Schedule(ctx, g.ChatID, ScheduleOptions{}); err != nil {
			r.log.Warn("start all: schedule failed", logx.Int64("chat_id", g.ChatID), logx.Err(err))
			continue
		}
		started++
	}
	return started, nil
}

// StopAll cancels every running loop. Group rows are deactivated, not
// removed, so /startall can bring them back.
func (r *Registry) StopAll(ctx context.Context) (int, error) {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	stopped := 0
	for _, id := range ids {
		if r.Cancel(ctx, id) {
			stopped++
		}
	}
	return stopped, nil
}

// Shutdown cancels all loops without touching active flags and waits for
// them to drain. Groups stay marked active in storage so recovery can
// resume them on the next boot.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancel := r.cancel
	r.cancel = nil
	tasks := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.log.Info("delivery engine stopped", logx.Int("loops", len(tasks)))
	return nil
}

// remove drops the task entry after its goroutine exits. Returns false
// when the task was already replaced (e.g. by a migration rekey).
func (r *Registry) remove(t *task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[t.chatID]
	if !ok || cur != t {
		return false
	}
	delete(r.tasks, t.chatID)
	return true
}

// rekey moves a running task to a new chat id after a migration.
func (r *Registry) rekey(t *task, newID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[t.chatID]; ok && cur == t {
		delete(r.tasks, t.chatID)
	}
	t.chatID = newID
	r.tasks[newID] = t
}
