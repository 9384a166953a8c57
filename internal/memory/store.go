// Package memory persists conversations and the query log in SQLite.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"tourbot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.ConversationStore and domain.QueryLogger.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	logger        *slog.Logger
}

func NewSQLiteStore(dbPath string, retentionDays int, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, retentionDays: retentionDays, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id            TEXT PRIMARY KEY,
		area          TEXT,
		site          TEXT,
		profile_name  TEXT,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL,
		content         TEXT,
		citations       TEXT,
		images          TEXT,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS query_log (
		id                    INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_id        TEXT,
		conversation_id       TEXT,
		phone                 TEXT,
		message_id            TEXT,
		area                  TEXT,
		site                  TEXT,
		query                 TEXT,
		response_text         TEXT,
		citations_count       INTEGER DEFAULT 0,
		images_count          INTEGER DEFAULT 0,
		should_include_images INTEGER DEFAULT 0,
		latency_ms            INTEGER DEFAULT 0,
		timing                TEXT,
		error                 TEXT,
		created_at            DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_query_log_time ON query_log(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, area, site, profile_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Area, conv.Site, conv.ProfileName, conv.CreatedAt, conv.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, area, site, profile_name, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Area, &conv.Site, &conv.ProfileName, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *SQLiteStore) UpdateProfileName(ctx context.Context, id, profileName string) error {
	if profileName == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET profile_name = ?, updated_at = ? WHERE id = ?`,
		profileName, time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	// Foreign keys are off by default in SQLite, delete messages explicitly.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) AddMessage(ctx context.Context, convID string, msg domain.Message) error {
	citations, err := marshalOrNull(msg.Citations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}
	images, err := marshalOrNull(msg.Images)
	if err != nil {
		return fmt.Errorf("marshal images: %w", err)
	}

	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, citations, images, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		convID, msg.Role, msg.Content, citations, images, created,
	)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, created, convID)
	return err
}

// GetMessages returns up to limit most recent messages in chronological
// order, ignoring rows older than the retention window.
func (s *SQLiteStore) GetMessages(ctx context.Context, convID string, limit int) ([]domain.Message, error) {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, citations, images, created_at
		 FROM messages
		 WHERE conversation_id = ? AND created_at >= ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		convID, cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		var citations, images sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&citations, &images, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if citations.Valid && citations.String != "" {
			if err := json.Unmarshal([]byte(citations.String), &msg.Citations); err != nil {
				s.logger.Warn("corrupt citations column", "message_id", msg.ID, "error", err)
			}
		}
		if images.Valid && images.String != "" {
			if err := json.Unmarshal([]byte(images.String), &msg.Images); err != nil {
				s.logger.Warn("corrupt images column", "message_id", msg.ID, "error", err)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LogQuery records one processed question for offline analysis. Implements
// domain.QueryLogger.
func (s *SQLiteStore) LogQuery(ctx context.Context, rec domain.QueryRecord) error {
	timing, err := marshalOrNull(rec.Timing)
	if err != nil {
		return fmt.Errorf("marshal timing: %w", err)
	}

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO query_log (correlation_id, conversation_id, phone, message_id,
		     area, site, query, response_text, citations_count, images_count,
		     should_include_images, latency_ms, timing, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CorrelationID, rec.ConversationID, rec.Phone, rec.MessageID,
		rec.Area, rec.Site, rec.Query, rec.ResponseText, rec.CitationsCount,
		rec.ImagesCount, rec.ShouldIncludeImages, rec.LatencyMs, timing,
		rec.Error, created,
	)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// marshalOrNull encodes v as JSON, returning a SQL NULL for empty values.
func marshalOrNull(v any) (any, error) {
	switch x := v.(type) {
	case []domain.Citation:
		if len(x) == 0 {
			return nil, nil
		}
	case []domain.Image:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]int64:
		if len(x) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
