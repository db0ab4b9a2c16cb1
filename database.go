package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ============================================================================
// Database
// ============================================================================

const trackCacheTTL = 24 * time.Hour

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS track_cache (
			url TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			author TEXT,
			duration_ms INTEGER DEFAULT 0,
			thumbnail TEXT,
			is_live INTEGER DEFAULT 0,
			fetched_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_track_cache_fetched_at ON track_cache(fetched_at)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	return tx.Commit()
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// GetCachedTrack returns track metadata previously stored for a canonical URL.
// Entries older than trackCacheTTL are treated as missing.
func GetCachedTrack(ctx context.Context, url string) (*TrackMetadata, bool) {
	if DB == nil {
		return nil, false
	}

	var (
		meta       TrackMetadata
		durationMS int64
		isLive     int
		fetchedAt  time.Time
	)
	err := DB.QueryRowContext(ctx, `
		SELECT url, title, author, duration_ms, thumbnail, is_live, fetched_at
		FROM track_cache WHERE url = ?
	`, url).Scan(&meta.URL, &meta.Title, &meta.Author, &durationMS, &meta.ThumbnailURL, &isLive, &fetchedAt)
	if err != nil {
		return nil, false
	}
	if time.Since(fetchedAt) > trackCacheTTL {
		return nil, false
	}

	meta.Duration = time.Duration(durationMS) * time.Millisecond
	meta.Live = isLive != 0
	return &meta, true
}

func SaveCachedTrack(ctx context.Context, meta *TrackMetadata) error {
	if DB == nil || meta == nil || meta.URL == "" {
		return nil
	}

	isLive := 0
	if meta.Live {
		isLive = 1
	}
	_, err := DB.ExecContext(ctx, `
		INSERT INTO track_cache (url, title, author, duration_ms, thumbnail, is_live) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			title = excluded.title,
			author = excluded.author,
			duration_ms = excluded.duration_ms,
			thumbnail = excluded.thumbnail,
			is_live = excluded.is_live,
			fetched_at = CURRENT_TIMESTAMP
	`, meta.URL, meta.Title, meta.Author, meta.Duration.Milliseconds(), meta.ThumbnailURL, isLive)
	return err
}

func PruneTrackCache(ctx context.Context) (int64, error) {
	if DB == nil {
		return 0, nil
	}
	res, err := DB.ExecContext(ctx, "DELETE FROM track_cache WHERE fetched_at < ?", time.Now().Add(-trackCacheTTL))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
