package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": volatile in-memory backend (tests, throwaway runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// DefaultDelay seeds the settings row on first boot.
	DefaultDelay time.Duration
}

// Settings holds the single global settings row.
type Settings struct {
	Delay time.Duration
}

// StoredMessage is one slot in the source-message rotation. The bot
// copies these messages into groups; Idx orders the rotation.
type StoredMessage struct {
	Idx       int
	ChatID    int64
	MessageID int
}

// Group is one known group chat and its delivery cursor.
// NextDue is zero when the group has never been scheduled.
type Group struct {
	ChatID     int64
	Name       string
	Active     bool
	LastMsgID  int
	NextDue    time.Time
	RetryCount int
	MsgIndex   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DeliveryRecord captures the post-send cursor update applied in one
// write: the newly sent message id, the advanced rotation index, and
// the next due time. Retry count resets to zero.
type DeliveryRecord struct {
	LastMsgID int
	MsgIndex  int
	NextDue   time.Time
}
