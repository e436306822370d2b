package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "loopbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.seed(context.Background(), cfg.DefaultDelay); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) seed(ctx context.Context, defaultDelay time.Duration) error {
	if defaultDelay <= 0 {
		defaultDelay = time.Hour
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(id, delay_seconds) VALUES(1, ?)
		 ON CONFLICT(id) DO NOTHING`,
		int64(defaultDelay/time.Second),
	)
	return err
}

// Checkpoint folds the WAL back into the main database file. Called by
// housekeeping; safe to run while loops are writing.
func (s *sqliteStore) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// isBusy reports whether err is a transient SQLITE_BUSY/LOCKED failure.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

// withBusyRetry reruns fn on busy errors, up to 3 attempts with a short
// jittered pause. WAL mode makes genuine contention rare but a checkpoint
// can still hold the write lock for a moment.
func (s *sqliteStore) withBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if !isBusy(err) {
			return err
		}
		wait := 50*time.Millisecond + time.Duration(rand.Int63n(int64(100*time.Millisecond)))
		if !s.log.IsZero() {
			s.log.Debug("sqlite busy; retrying", logx.Int("attempt", attempt+1), logx.Duration("wait", wait))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func (s *sqliteStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.withBusyRetry(ctx, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func (s *sqliteStore) Settings(ctx context.Context) (Settings, error) {
	var secs int64
	err := s.withBusyRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT delay_seconds FROM settings WHERE id = 1`).Scan(&secs)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, err
	}
	return Settings{Delay: time.Duration(secs) * time.Second}, nil
}

func (s *sqliteStore) SetDelay(ctx context.Context, d time.Duration) error {
	_, err := s.exec(ctx,
		`INSERT INTO settings(id, delay_seconds) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET delay_seconds=excluded.delay_seconds`,
		int64(d/time.Second),
	)
	return err
}

func (s *sqliteStore) Messages(ctx context.Context) ([]StoredMessage, error) {
	var out []StoredMessage
	err := s.withBusyRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT idx, chat_id, message_id FROM messages ORDER BY idx`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var m StoredMessage
			if err := rows.Scan(&m.Idx, &m.ChatID, &m.MessageID); err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) SetMessage(ctx context.Context, m StoredMessage) error {
	return s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages(idx, chat_id, message_id) VALUES(0, ?, ?)`,
			m.ChatID, m.MessageID,
		); err != nil {
			return err
		}
		// The rotation restarted, so every cursor points at slot 0 again.
		if _, err := tx.ExecContext(ctx,
			`UPDATE groups SET msg_index = 0, updated_at = ?`, now(),
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *sqliteStore) AddMessage(ctx context.Context, m StoredMessage) error {
	_, err := s.exec(ctx,
		`INSERT INTO messages(idx, chat_id, message_id)
		 VALUES((SELECT COALESCE(MAX(idx)+1, 0) FROM messages), ?, ?)`,
		m.ChatID, m.MessageID,
	)
	return err
}

func (s *sqliteStore) UpsertGroup(ctx context.Context, chatID int64, name string) (Group, error) {
	ts := now()
	_, err := s.exec(ctx,
		`INSERT INTO groups(chat_id, name, active, created_at, updated_at)
		 VALUES(?, ?, 0, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET name=excluded.name, updated_at=excluded.updated_at`,
		chatID, name, ts, ts,
	)
	if err != nil {
		return Group{}, err
	}
	return s.Group(ctx, chatID)
}

const groupCols = `chat_id, name, active, last_msg_id, next_due, retry_count, msg_index, created_at, updated_at`

func (s *sqliteStore) scanGroup(row interface{ Scan(...any) error }) (Group, error) {
	var (
		g       Group
		active  int
		nextDue sql.NullString
		created string
		updated string
	)
	err := row.Scan(&g.ChatID, &g.Name, &active, &g.LastMsgID, &nextDue, &g.RetryCount, &g.MsgIndex, &created, &updated)
	if err != nil {
		return Group{}, err
	}
	g.Active = active != 0
	if nextDue.Valid && nextDue.String != "" {
		g.NextDue, _ = time.Parse(time.RFC3339Nano, nextDue.String)
	}
	g.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	g.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return g, nil
}

func (s *sqliteStore) Group(ctx context.Context, chatID int64) (Group, error) {
	var g Group
	err := s.withBusyRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+groupCols+` FROM groups WHERE chat_id = ?`, chatID)
		var err error
		g, err = s.scanGroup(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, err
	}
	return g, nil
}

func (s *sqliteStore) listGroups(ctx context.Context, where string, args ...any) ([]Group, error) {
	var out []Group
	err := s.withBusyRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT `+groupCols+` FROM groups `+where+` ORDER BY chat_id`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			g, err := s.scanGroup(rows)
			if err != nil {
				return err
			}
			out = append(out, g)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) ListGroups(ctx context.Context) ([]Group, error) {
	return s.listGroups(ctx, "")
}

func (s *sqliteStore) ActiveGroups(ctx context.Context) ([]Group, error) {
	return s.listGroups(ctx, "WHERE active = 1")
}

func (s *sqliteStore) SetGroupActive(ctx context.Context, chatID int64, active bool) error {
	res, err := s.exec(ctx,
		`UPDATE groups SET active = ?, updated_at = ? WHERE chat_id = ?`,
		boolInt(active), now(), chatID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SetGroupNextDue(ctx context.Context, chatID int64, due time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE groups SET next_due = ?, updated_at = ? WHERE chat_id = ?`,
		nullTime(due), now(), chatID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RecordDelivery(ctx context.Context, chatID int64, rec DeliveryRecord) error {
	res, err := s.exec(ctx,
		`UPDATE groups
		    SET last_msg_id = ?, msg_index = ?, next_due = ?, retry_count = 0, updated_at = ?
		  WHERE chat_id = ?`,
		rec.LastMsgID, rec.MsgIndex, nullTime(rec.NextDue), now(), chatID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SetGroupRetry(ctx context.Context, chatID int64, retry int) error {
	res, err := s.exec(ctx,
		`UPDATE groups SET retry_count = ?, updated_at = ? WHERE chat_id = ?`,
		retry, now(), chatID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RemoveGroup(ctx context.Context, chatID int64) error {
	_, err := s.exec(ctx, `DELETE FROM groups WHERE chat_id = ?`, chatID)
	return err
}

// MoveGroup rekeys a row after a supergroup migration. The old row wins
// its cursor state; a pre-existing row under the new id is replaced.
func (s *sqliteStore) MoveGroup(ctx context.Context, oldID, newID int64) error {
	return s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE chat_id = ?`, newID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE groups SET chat_id = ?, updated_at = ? WHERE chat_id = ?`,
			newID, now(), oldID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return tx.Commit()
	})
}

func (s *sqliteStore) PruneInactive(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.exec(ctx,
		`DELETE FROM groups WHERE active = 0 AND updated_at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
