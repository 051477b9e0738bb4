package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"trackerwatch/internal/trackers"
	"trackerwatch/internal/transport"
	logx "trackerwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
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

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
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

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Add(ctx context.Context, code trackers.Code, target transport.Target) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(tracker, guild_id, channel_id, last_status, created_at, updated_at)
		 VALUES(?,?,?,NULL,?,?)
		 ON CONFLICT(tracker, channel_id) DO NOTHING`,
		string(code), target.GuildID, target.ChannelID, now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Remove(ctx context.Context, code trackers.Code, target transport.Target) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE tracker = ? AND channel_id = ?`,
		string(code), target.ChannelID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const subscriptionCols = `tracker, guild_id, channel_id, last_status, created_at, updated_at`

func (s *sqliteStore) List(ctx context.Context) ([]Subscription, error) {
	return s.query(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions ORDER BY tracker, channel_id`)
}

func (s *sqliteStore) ListTarget(ctx context.Context, target transport.Target) ([]Subscription, error) {
	return s.query(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE channel_id = ? ORDER BY tracker`,
		target.ChannelID)
}

func (s *sqliteStore) ListGuild(ctx context.Context, guildID string) ([]Subscription, error) {
	return s.query(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE guild_id = ? ORDER BY tracker, channel_id`,
		guildID)
}

func (s *sqliteStore) ListTracker(ctx context.Context, code trackers.Code) ([]Subscription, error) {
	return s.query(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE tracker = ? ORDER BY channel_id`,
		string(code))
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanSubscription(rows *sql.Rows) (Subscription, error) {
	var (
		sub        Subscription
		code       string
		lastStatus sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := rows.Scan(&code, &sub.Target.GuildID, &sub.Target.ChannelID, &lastStatus, &createdAt, &updatedAt); err != nil {
		return Subscription{}, err
	}
	sub.Tracker = trackers.Code(code)
	if lastStatus.Valid {
		st, err := trackers.ParseStatus(lastStatus.String)
		if err != nil {
			return Subscription{}, fmt.Errorf("corrupt last_status for %s/%s: %w", code, sub.Target.ChannelID, err)
		}
		sub.LastStatus = &st
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		sub.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		sub.UpdatedAt = t
	}
	return sub, nil
}

func (s *sqliteStore) DistinctTrackers(ctx context.Context) ([]trackers.Code, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tracker FROM subscriptions ORDER BY tracker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trackers.Code
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out = append(out, trackers.Code(code))
	}
	return out, rows.Err()
}

func (s *sqliteStore) LastStatus(ctx context.Context, code trackers.Code, target transport.Target) (trackers.Status, bool, error) {
	var lastStatus sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT last_status FROM subscriptions WHERE tracker = ? AND channel_id = ?`,
		string(code), target.ChannelID,
	).Scan(&lastStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotSubscribed
	}
	if err != nil {
		return 0, false, err
	}
	if !lastStatus.Valid {
		return 0, false, nil
	}
	st, err := trackers.ParseStatus(lastStatus.String)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt last_status for %s/%s: %w", code, target.ChannelID, err)
	}
	return st, true, nil
}

func (s *sqliteStore) SetLastStatus(ctx context.Context, code trackers.Code, target transport.Target, st trackers.Status) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_status = ?, updated_at = ? WHERE tracker = ? AND channel_id = ?`,
		st.String(), now, string(code), target.ChannelID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotSubscribed
	}
	return nil
}
