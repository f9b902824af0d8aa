package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	appmetrics "github.com/scamguard/backend/internal/metrics"
	"github.com/scamguard/backend/internal/storage"
	"github.com/scamguard/backend/internal/storage/models"
	"github.com/scamguard/backend/pkg/circuitbreaker"
	"github.com/scamguard/backend/pkg/logger"
	"github.com/scamguard/backend/pkg/retry"
)

// maxInParams keeps IN clauses under SQLITE_MAX_VARIABLE_NUMBER.
const maxInParams = 500

type Client struct {
	db          *sql.DB
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

var _ storage.Store = (*Client)(nil)

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("sqlite", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          15 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        isFailure,
		OnStateChange:    appmetrics.RecordBreakerState,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   50 * time.Millisecond,
		MaxDelay:       time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		ShouldRetry:    isBusy,
		Operation:      "sqlite",
		Logger:         logger.GetLogger(),
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, cb: cb, retryConfig: retryConfig}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		phone_number TEXT PRIMARY KEY,
		blocked INTEGER NOT NULL DEFAULT 0,
		first_interaction INTEGER NOT NULL,
		last_interaction INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_blocked ON users(blocked);

	CREATE TABLE IF NOT EXISTS interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phone_number TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		message_type TEXT NOT NULL,
		was_successful INTEGER NOT NULL,
		response_time REAL NOT NULL DEFAULT 0,
		error TEXT,
		classification TEXT,
		trust_score REAL,
		confidence REAL,
		reasons TEXT,
		FOREIGN KEY (phone_number) REFERENCES users(phone_number) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(phone_number, timestamp);
	CREATE INDEX IF NOT EXISTS idx_interactions_timestamp ON interactions(timestamp);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// RecordInteraction appends an interaction and creates or touches the user row.
func (c *Client) RecordInteraction(ctx context.Context, phone string, in models.Interaction) error {
	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			return c.recordInteraction(ctx, phone, in)
		})
	})
}

func (c *Client) recordInteraction(ctx context.Context, phone string, in models.Interaction) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := in.Timestamp.UnixNano()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (phone_number, blocked, first_interaction, last_interaction)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET
			first_interaction = MIN(first_interaction, excluded.first_interaction),
			last_interaction = MAX(last_interaction, excluded.last_interaction)
	`, phone, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	var classification, reasons sql.NullString
	var trustScore, confidence sql.NullFloat64
	if ar := in.AnalysisResult; ar != nil {
		classification = sql.NullString{String: ar.Classification, Valid: true}
		trustScore = sql.NullFloat64{Float64: ar.TrustScore, Valid: true}
		confidence = sql.NullFloat64{Float64: ar.Confidence, Valid: true}
		if len(ar.Reasons) > 0 {
			data, _ := json.Marshal(ar.Reasons)
			reasons = sql.NullString{String: string(data), Valid: true}
		}
	}

	var errText sql.NullString
	if in.Error != "" {
		errText = sql.NullString{String: in.Error, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO interactions (phone_number, timestamp, message_type, was_successful, response_time,
			error, classification, trust_score, confidence, reasons)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, phone, ts, string(in.MessageType), boolToInt(in.WasSuccessful), in.ResponseTime,
		errText, classification, trustScore, confidence, reasons)
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit interaction: %w", err)
	}

	logger.Debug("Interaction recorded",
		zap.String("phone_number", phone),
		zap.String("message_type", string(in.MessageType)),
		zap.Bool("successful", in.WasSuccessful),
	)
	return nil
}

func (c *Client) SetBlocked(ctx context.Context, phone string, blocked bool) error {
	return c.cb.Execute(ctx, func() error {
		res, err := c.db.ExecContext(ctx, `UPDATE users SET blocked = ? WHERE phone_number = ?`, boolToInt(blocked), phone)
		if err != nil {
			return fmt.Errorf("failed to update blocked flag: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("user %s not found", phone)
		}

		logger.Info("User block flag updated", zap.String("phone_number", phone), zap.Bool("blocked", blocked))
		return nil
	})
}

// ListUsers returns users with their full interaction history.
func (c *Client) ListUsers(ctx context.Context, filter storage.UserFilter) ([]models.UserRecord, error) {
	return circuitbreaker.ExecuteWithResult(ctx, c.cb, func() ([]models.UserRecord, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() ([]models.UserRecord, error) {
			return c.listUsers(ctx, filter)
		})
	})
}

func (c *Client) listUsers(ctx context.Context, filter storage.UserFilter) ([]models.UserRecord, error) {
	query := `SELECT phone_number, blocked, first_interaction, last_interaction FROM users`
	var args []interface{}

	if filter.Blocked != nil {
		query += ` WHERE blocked = ?`
		args = append(args, boolToInt(*filter.Blocked))
	}
	query += ` ORDER BY phone_number`

	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := make([]models.UserRecord, 0)
	index := make(map[string]int)
	for rows.Next() {
		var u models.UserRecord
		var blocked int
		var first, last int64

		if err := rows.Scan(&u.PhoneNumber, &blocked, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}

		u.Blocked = blocked == 1
		u.FirstInteraction = time.Unix(0, first)
		u.LastInteraction = time.Unix(0, last)
		u.Interactions = []models.Interaction{}
		index[u.PhoneNumber] = len(users)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}

	phones := make([]string, len(users))
	for i, u := range users {
		phones[i] = u.PhoneNumber
	}

	for start := 0; start < len(phones); start += maxInParams {
		end := min(start+maxInParams, len(phones))
		if err := c.loadInteractions(ctx, phones[start:end], users, index); err != nil {
			return nil, err
		}
	}

	return users, nil
}

func (c *Client) loadInteractions(ctx context.Context, phones []string, users []models.UserRecord, index map[string]int) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(phones)), ",")
	args := make([]interface{}, len(phones))
	for i, p := range phones {
		args[i] = p
	}

	query := `
		SELECT phone_number, timestamp, message_type, was_successful, response_time,
			error, classification, trust_score, confidence, reasons
		FROM interactions
		WHERE phone_number IN (` + placeholders + `)
		ORDER BY phone_number, timestamp, id
	`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load interactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var phone, messageType string
		var ts int64
		var successful int
		var responseTime float64
		var errText, classification, reasons sql.NullString
		var trustScore, confidence sql.NullFloat64

		err := rows.Scan(&phone, &ts, &messageType, &successful, &responseTime,
			&errText, &classification, &trustScore, &confidence, &reasons)
		if err != nil {
			return fmt.Errorf("failed to scan interaction: %w", err)
		}

		in := models.Interaction{
			Timestamp:     time.Unix(0, ts),
			MessageType:   models.MessageType(messageType),
			WasSuccessful: successful == 1,
			ResponseTime:  responseTime,
			Error:         errText.String,
		}

		if classification.Valid {
			ar := &models.AnalysisResult{
				Classification: classification.String,
				TrustScore:     trustScore.Float64,
				Confidence:     confidence.Float64,
			}
			if reasons.Valid {
				if err := json.Unmarshal([]byte(reasons.String), &ar.Reasons); err != nil {
					logger.Warn("Failed to decode classification reasons", zap.String("phone_number", phone), zap.Error(err))
				}
			}
			in.AnalysisResult = ar
		}

		i := index[phone]
		users[i].Interactions = append(users[i].Interactions, in)
	}

	return rows.Err()
}

// isFailure keeps caller mistakes from tripping the breaker.
func isFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, sql.ErrNoRows) {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return false
	}
	return true
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
