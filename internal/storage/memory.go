package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in maps behind one mutex. It backs tests
// and throwaway runs; nothing survives a restart.
type memoryStore struct {
	mu       sync.Mutex
	settings Settings
	messages []StoredMessage
	groups   map[int64]Group
}

func openMemory(cfg Config) Store {
	delay := cfg.DefaultDelay
	if delay <= 0 {
		delay = time.Hour
	}
	return &memoryStore{
		settings: Settings{Delay: delay},
		groups:   make(map[int64]Group),
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) Settings(ctx context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

func (s *memoryStore) SetDelay(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Delay = d
	return nil
}

func (s *memoryStore) Messages(ctx context.Context) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredMessage, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (s *memoryStore) SetMessage(ctx context.Context, m StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Idx = 0
	s.messages = []StoredMessage{m}
	for id, g := range s.groups {
		g.MsgIndex = 0
		g.UpdatedAt = time.Now()
		s.groups[id] = g
	}
	return nil
}

func (s *memoryStore) AddMessage(ctx context.Context, m StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Idx = 0
	if n := len(s.messages); n > 0 {
		m.Idx = s.messages[n-1].Idx + 1
	}
	s.messages = append(s.messages, m)
	return nil
}

func (s *memoryStore) UpsertGroup(ctx context.Context, chatID int64, name string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	g, ok := s.groups[chatID]
	if !ok {
		g = Group{ChatID: chatID, CreatedAt: now}
	}
	g.Name = name
	g.UpdatedAt = now
	s.groups[chatID] = g
	return g, nil
}

func (s *memoryStore) Group(ctx context.Context, chatID int64) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[chatID]
	if !ok {
		return Group{}, ErrNotFound
	}
	return g, nil
}

func (s *memoryStore) ListGroups(ctx context.Context) ([]Group, error) {
	return s.list(func(Group) bool { return true }), nil
}

func (s *memoryStore) ActiveGroups(ctx context.Context) ([]Group, error) {
	return s.list(func(g Group) bool { return g.Active }), nil
}

func (s *memoryStore) list(keep func(Group) bool) []Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		if keep(g) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

func (s *memoryStore) SetGroupActive(ctx context.Context, chatID int64, active bool) error {
	return s.update(chatID, func(g *Group) { g.Active = active })
}


func (s *memoryStore) SetGroupNextDue(ctx context.Context, chatID int64, due time.Time) error {
	return s.update(chatID, func(g *Group) { g.NextDue = due })
}

func (s *memoryStore) RecordDelivery(ctx context.Context, chatID int64, rec DeliveryRecord) error {
	return s.update(chatID, func(g *Group) {
		g.LastMsgID = rec.LastMsgID
		g.MsgIndex = rec.MsgIndex
		g.NextDue = rec.NextDue
		g.RetryCount = 0
	})
}

func (s *memoryStore) SetGroupRetry(ctx context.Context, chatID int64, retry int) error {
	return s.update(chatID, func(g *Group) { g.RetryCount = retry })
}

func (s *memoryStore) RemoveGroup(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, chatID)
	return nil
}

func (s *memoryStore) MoveGroup(ctx context.Context, oldID, newID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[oldID]
	if !ok {
		return ErrNotFound
	}
	delete(s.groups, oldID)
	g.ChatID = newID
	g.UpdatedAt = time.Now()
	s.groups[newID] = g
	return nil
}

func (s *memoryStore) PruneInactive(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, g := range s.groups {
		if !g.Active && g.UpdatedAt.Before(olderThan) {
			delete(s.groups, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) update(chatID int64, fn func(*Group)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[chatID]
	if !ok {
		return ErrNotFound
	}
	fn(&g)
	g.UpdatedAt = time.Now()
	s.groups[chatID] = g
	return nil
}
