package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "loopbot/pkg/logx"
)

// Store is the persistence API used by services. Implementations must be
// safe for concurrent use; every delivery loop holds its own group row.
type Store interface {
	// Global settings (single row).
	Settings(ctx context.Context) (Settings, error)
	SetDelay(ctx context.Context, d time.Duration) error

	// Source-message rotation.
	Messages(ctx context.Context) ([]StoredMessage, error)
	SetMessage(ctx context.Context, m StoredMessage) error // replaces the whole rotation
	AddMessage(ctx context.Context, m StoredMessage) error // appends a slot

	// Group rows.
	UpsertGroup(ctx context.Context, chatID int64, name string) (Group, error)
	Group(ctx context.Context, chatID int64) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	ActiveGroups(ctx context.Context) ([]Group, error)
	SetGroupActive(ctx context.Context, chatID int64, active bool) error

	// Delivery cursor.
	SetGroupNextDue(ctx context.Context, chatID int64, due time.Time) error
	RecordDelivery(ctx context.Context, chatID int64, rec DeliveryRecord) error
	SetGroupRetry(ctx context.Context, chatID int64, retry int) error

	RemoveGroup(ctx context.Context, chatID int64) error
	MoveGroup(ctx context.Context, oldID, newID int64) error
	PruneInactive(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}

// Open initializes the configured store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return openMemory(cfg), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
