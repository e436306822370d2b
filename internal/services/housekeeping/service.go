// Package housekeeping runs background maintenance: pruning group rows
// that stayed inactive past the retention window, periodic WAL
// checkpoints, and an engine status summary in the log.
package housekeeping

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"loopbot/internal/storage"
	logx "loopbot/pkg/logx"
)

type Config struct {
	Enabled bool
	// PruneAfter drops group rows inactive longer than this. Zero
	// disables pruning.
	PruneAfter time.Duration
}

// Counter reports how many delivery loops are currently running.
type Counter interface {
	ActiveCount() int
}

// checkpointer is implemented by the sqlite store only.
type checkpointer interface {
	Checkpoint(ctx context.Context) error
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	store storage.Store
	reg   Counter
	log   logx.Logger
	c     *cron.Cron
}

func New(cfg Config, store storage.Store, reg Counter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, reg: reg, log: log}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	running := s.c != nil
	changed := s.cfg != cfg
	s.cfg = cfg
	s.mu.Unlock()
	if running && changed {
		s.restart()
	}
}

func (s *Service) restart() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Start(context.Background())
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Debug("housekeeping disabled")
		return
	}

	c := cron.New()

	if s.cfg.PruneAfter > 0 {
		pruneAfter := s.cfg.PruneAfter
		_, err := c.AddFunc("30 4 * * *", func() {
			pctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n, err := s.store.PruneInactive(pctx, time.Now().Add(-pruneAfter))
			if err != nil {
				s.log.Warn("prune failed", logx.Err(err))
				return
			}
			if n > 0 {
				s.log.Info("pruned stale groups", logx.Int("removed", n))
			}
		})
		if err != nil {
			s.log.Warn("prune job not registered", logx.Err(err))
		}
	}

	if cp, ok := s.store.(checkpointer); ok {
		_, err := c.AddFunc("@hourly", func() {
			cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := cp.Checkpoint(cctx); err != nil {
				s.log.Warn("wal checkpoint failed", logx.Err(err))
			}
		})
		if err != nil {
			s.log.Warn("checkpoint job not registered", logx.Err(err))
		}
	}

	if s.reg != nil {
		_, err := c.AddFunc("@every 10m", func() {
			gctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			groups, err := s.store.ListGroups(gctx)
			if err != nil {
				return
			}
			s.log.Info("engine status",
				logx.Int("loops_running", s.reg.ActiveCount()),
				logx.Int("groups_known", len(groups)))
		})
		if err != nil {
			s.log.Warn("status job not registered", logx.Err(err))
		}
	}

	c.Start()
	s.c = c
	s.log.Info("housekeeping started", logx.Duration("prune_after", s.cfg.PruneAfter))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.log.Info("housekeeping stopped")
}
