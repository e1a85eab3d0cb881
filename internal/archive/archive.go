// Package archive keeps a local copy of relayed messages so recent-message
// queries can be answered without asking the chat network again.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/shared"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 500
)

// Archive is the SQLite-backed message store.
type Archive struct {
	db *sql.DB
}

// New opens (or creates) the archive database.
func New(dbPath string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode so message writes and API reads do not block each other.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	a := &Archive{db: db}
	if err := a.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return a, nil
}

func (a *Archive) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS messages (
		user_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		chat_name TEXT,
		chat_type TEXT,
		sender TEXT,
		content TEXT,
		from_me INTEGER NOT NULL DEFAULT 0,
		has_media INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_user_chat_ts ON messages(user_id, chat_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received_at);
	`
	if _, err := a.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (a *Archive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close closes the database.
func (a *Archive) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveMessage stores one message. A message already archived under the same
// user and message ID is silently ignored, which makes redelivery safe.
// Retries a few times on SQLITE_BUSY.
func (a *Archive) SaveMessage(ctx context.Context, msg domain.Message) error {
	if msg.UserID == "" || msg.MessageID == "" {
		return fmt.Errorf("message missing user or message ID")
	}

	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := a.saveMessageOnce(ctx, msg)
		if err == nil {
			return nil
		}
		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("SaveMessage hit a locked database, retrying",
				"user_id", msg.UserID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}
		return fmt.Errorf("archive message %s for user %s: %w", msg.MessageID, msg.UserID, err)
	}
	return nil
}

func (a *Archive) saveMessageOnce(ctx context.Context, msg domain.Message) error {
	query := `
	INSERT OR IGNORE INTO messages (
		user_id, message_id, chat_id, chat_name, chat_type,
		sender, content, from_me, has_media, timestamp, received_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := a.db.ExecContext(ctx, query,
		msg.UserID, msg.MessageID, msg.ChatID, msg.ChatName, msg.ChatType,
		msg.Sender, msg.Content, msg.FromMe, msg.HasMedia,
		msg.Timestamp.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit messages for one chat in chronological
// order, optionally restricted to messages after since. It always selects
// the newest rows, so a limit of 50 means the latest 50.
func (a *Archive) RecentMessages(ctx context.Context, userID, chatID string, since time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	query := `
		SELECT user_id, message_id, chat_id, chat_name, chat_type,
		       sender, content, from_me, has_media, timestamp
		FROM messages WHERE user_id = ? AND chat_id = ?`
	args := []any{userID, chatID}
	if !since.IsZero() {
		query += ` AND timestamp > ?`
		args = append(args, since.Unix())
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		var chatName, chatType, sender, content sql.NullString
		var ts int64

		if err := rows.Scan(
			&msg.UserID, &msg.MessageID, &msg.ChatID, &chatName, &chatType,
			&sender, &content, &msg.FromMe, &msg.HasMedia, &ts,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.ChatName = chatName.String
		msg.ChatType = chatType.String
		msg.Sender = sender.String
		msg.Content = content.String
		msg.Timestamp = time.Unix(ts, 0).UTC()
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Newest-first from the query, chronological for the caller.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteUserMessages removes every archived message for a user.
func (a *Archive) DeleteUserMessages(ctx context.Context, userID string) (int64, error) {
	result, err := a.db.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete messages for user %s: %w", userID, err)
	}
	return result.RowsAffected()
}

// PruneOlderThan removes messages received before the cutoff.
func (a *Archive) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := a.db.ExecContext(ctx, `DELETE FROM messages WHERE received_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return result.RowsAffected()
}
