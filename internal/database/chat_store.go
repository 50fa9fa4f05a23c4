package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chatcore/internal/models"
)

// ErrNoChatLog is returned when quality metrics cannot be linked to any log row
var ErrNoChatLog = errors.New("no chat log found for interaction")

// SQLChatStore persists sessions, chat logs and quality metrics in MySQL or SQLite
type SQLChatStore struct {
	db  *DB
	now func() time.Time
}

// NewSQLChatStore creates a chat store on an initialized database
func NewSQLChatStore(db *DB) *SQLChatStore {
	return &SQLChatStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession inserts a fresh session row for the user
func (s *SQLChatStore) CreateSession(ctx context.Context, userID string) (*models.Session, error) {
	now := s.now()
	session := &models.Session{
		SessionID: models.NewSessionID(userID, now),
		UserID:    userID,
		StartTime: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (session_id, user_id, start_timestamp, total_messages, successful)
		 VALUES (?, ?, ?, 0, ?)`,
		session.SessionID, session.UserID, session.StartTime, false,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// UpdateSessionStats counts one more message and records whether it succeeded
func (s *SQLChatStore) UpdateSessionStats(ctx context.Context, sessionID string, successful bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions
		 SET total_messages = total_messages + 1, successful = ?, updated_at = ?
		 WHERE session_id = ?`,
		successful, s.now(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// SaveChatLog inserts an interaction and returns its row id
func (s *SQLChatStore) SaveChatLog(ctx context.Context, rec models.ChatLog) (string, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}

	var sessionID any
	if rec.SessionID != "" {
		sessionID = rec.SessionID
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chatbot_logs (user_id, session_id, query, response, response_time, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.UserID, sessionID, rec.Query, rec.Response, rec.ResponseTime, rec.Timestamp.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save chat log: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("failed to read chat log id: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// RecordQualityMetrics links metrics to the log row with id logID. An empty or
// unknown id is ErrNoChatLog; metrics are never attached to another row.
func (s *SQLChatStore) RecordQualityMetrics(ctx context.Context, logID string, q models.QualityMetrics) error {
	if logID == "" {
		return ErrNoChatLog
	}
	interactionID, err := strconv.ParseInt(logID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat log id %q: %w", logID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM chatbot_logs WHERE id = ?`, interactionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoChatLog
	}
	if err != nil {
		return fmt.Errorf("failed to find chat log: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO response_quality_metrics
		 (interaction_id, helpfulness_score, hallucination_risk, factual_grounding_score, sentiment_score, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		interactionID, q.HelpfulnessScore, q.HallucinationRisk, q.FactualGroundingScore, q.SentimentScore, q.Source, s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record quality metrics: %w", err)
	}

	return tx.Commit()
}

// DeleteOlderThan removes logs, their metrics and sessions that started before cutoff
func (s *SQLChatStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM response_quality_metrics
		 WHERE interaction_id IN (SELECT id FROM (SELECT id FROM chatbot_logs WHERE timestamp < ?) AS expired)`,
		`DELETE FROM chatbot_logs WHERE timestamp < ?`,
		`DELETE FROM chat_sessions WHERE start_timestamp < ?`,
	}

	var total int64
	for i, stmt := range statements {
		res, err := tx.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to delete expired rows: %w", err)
		}
		// Metrics rows are not counted separately
		if i == 0 {
			continue
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return total, nil
}

// Ping checks the database connection
func (s *SQLChatStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetSession loads a session by id
func (s *SQLChatStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var (
		session   models.Session
		updatedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, start_timestamp, total_messages, successful, updated_at
		 FROM chat_sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&session.SessionID, &session.UserID, &session.StartTime, &session.TotalMessages, &session.Successful, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if updatedAt.Valid {
		session.UpdatedAt = updatedAt.Time
	}
	return &session, nil
}
