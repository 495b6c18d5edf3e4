package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// txContextKey is the context key for storing pgx.Tx
type txContextKey struct{}

// WithTx returns a new context with the given transaction
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext retrieves the transaction from context, or nil if not present
func TxFromContext(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// querier is a common interface for pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL with pgx
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying connection pool (used by the notifier's listener).
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// getQuerier returns the transaction from context if present, otherwise the pool
func (s *PostgresStore) getQuerier(ctx context.Context) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateUser inserts a user record.
func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}

	prefsJSON, err := json.Marshal(u.Preferences)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	query := `
		INSERT INTO finsight_users (id, identity, display_name, preferences, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`

	_, err = s.getQuerier(ctx).Exec(ctx, query, u.ID, u.Identity, u.DisplayName, prefsJSON)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, identity, display_name, preferences, created_at, updated_at
		FROM finsight_users
		WHERE id = $1
	`

	var u User
	var prefsJSON []byte

	err := s.getQuerier(ctx).QueryRow(ctx, query, id).Scan(
		&u.ID,
		&u.Identity,
		&u.DisplayName,
		&prefsJSON,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("user not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if err := json.Unmarshal(prefsJSON, &u.Preferences); err != nil {
		return nil, fmt.Errorf("failed to unmarshal preferences: %w", err)
	}

	return &u, nil
}

// CreateSession creates a new chat session for a user.
func (s *PostgresStore) CreateSession(ctx context.Context, userID, title string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user_id is required")
	}

	sessionID := uuid.New().String()

	query := `
		INSERT INTO finsight_sessions (id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
	`

	_, err := s.getQuerier(ctx).Exec(ctx, query, sessionID, userID, title)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	return sessionID, nil
}

// GetSession retrieves a session by ID, including its message and analysis
// id lists in insertion order.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	query := `
		SELECT id, user_id, title, created_at, updated_at
		FROM finsight_sessions
		WHERE id = $1
	`

	var sess ChatSession
	err := s.getQuerier(ctx).QueryRow(ctx, query, id).Scan(
		&sess.ID,
		&sess.UserID,
		&sess.Title,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	rows, err := s.getQuerier(ctx).Query(ctx, `
		SELECT id, analysis_id FROM finsight_messages
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list session message ids: %w", err)
	}
	defer rows.Close()

	seen := map[string]bool{}
	for rows.Next() {
		var msgID string
		var analysisID *string
		if err := rows.Scan(&msgID, &analysisID); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		sess.MessageIDs = append(sess.MessageIDs, msgID)
		if analysisID != nil && !seen[*analysisID] {
			seen[*analysisID] = true
			sess.AnalysisIDs = append(sess.AnalysisIDs, *analysisID)
		}
	}

	return &sess, rows.Err()
}

// CreateMessage appends a chat message to its session.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if msg.Status == "" {
		msg.Status = MessagePending
	}

	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var snapshotJSON []byte
	if msg.AnalysisSnapshot != nil {
		snapshotJSON, err = json.Marshal(msg.AnalysisSnapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal analysis snapshot: %w", err)
		}
	}

	toolsJSON, err := json.Marshal(msg.ToolsInvoked)
	if err != nil {
		return fmt.Errorf("failed to marshal tools_invoked: %w", err)
	}

	query := `
		INSERT INTO finsight_messages
			(id, session_id, role, content, analysis_id, analysis_snapshot,
			 generated_script, tools_invoked, status, query_type,
			 original_question, expanded_text, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
	`

	_, err = s.getQuerier(ctx).Exec(ctx, query,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.AnalysisID, snapshotJSON,
		msg.GeneratedScript, toolsJSON, string(msg.Status), string(msg.QueryType),
		msg.OriginalQuestion, msg.ExpandedText, metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	return nil
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*ChatMessage, error) {
	rows, err := s.getQuerier(ctx).Query(ctx, messageSelect+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message not found: %s", id)
	}
	return msgs[0], nil
}

// messageUpdateColumns maps UpdateMessageStatus extra-field keys to columns.
// Map-valued fields are stored as JSONB.
var messageUpdateColumns = map[string]string{
	"analysis_id":       "analysis_id",
	"analysis_snapshot": "analysis_snapshot",
	"generated_script":  "generated_script",
	"tools_invoked":     "tools_invoked",
	"query_type":        "query_type",
	"expanded_text":     "expanded_text",
	"metadata":          "metadata",
	"content":           "content",
}

// UpdateMessageStatus writes a message status plus any extra fields.
func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, extra map[string]any) error {
	set := "status = $2, updated_at = NOW()"
	args := []any{id, string(status)}

	for key, val := range extra {
		col, ok := messageUpdateColumns[key]
		if !ok {
			return fmt.Errorf("unknown message field: %s", key)
		}
		switch v := val.(type) {
		case map[string]any, []string, []any, *Analysis:
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", key, err)
			}
			args = append(args, b)
		default:
			args = append(args, val)
		}
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}

	query := fmt.Sprintf("UPDATE finsight_messages SET %s WHERE id = $1", set)
	tag, err := s.getQuerier(ctx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message not found: %s", id)
	}
	return nil
}

// ListSessionMessages returns the last limit messages of a session in
// insertion order.
func (s *PostgresStore) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error) {
	if limit <= 0 {
		limit = 20
	}

	// Take the newest rows, then flip back to insertion order.
	query := `
		SELECT * FROM (` + messageSelect + `
			WHERE session_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent ORDER BY created_at ASC, id ASC
	`

	rows, err := s.getQuerier(ctx).Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

const messageSelect = `
	SELECT id, session_id, role, content, analysis_id, analysis_snapshot,
	       generated_script, tools_invoked, status, query_type,
	       original_question, expanded_text, metadata, created_at, updated_at
	FROM finsight_messages`

func scanMessages(rows pgx.Rows) ([]*ChatMessage, error) {
	var messages []*ChatMessage

	for rows.Next() {
		var msg ChatMessage
		var snapshotJSON, toolsJSON, metadataJSON []byte
		var status, queryType string

		err := rows.Scan(
			&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&msg.AnalysisID, &snapshotJSON, &msg.GeneratedScript, &toolsJSON,
			&status, &queryType, &msg.OriginalQuestion, &msg.ExpandedText,
			&metadataJSON, &msg.CreatedAt, &msg.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		msg.Status = MessageStatus(status)
		msg.QueryType = QueryType(queryType)

		if len(snapshotJSON) > 0 {
			var snap Analysis
			if err := json.Unmarshal(snapshotJSON, &snap); err != nil {
				return nil, fmt.Errorf("failed to unmarshal analysis snapshot: %w", err)
			}
			msg.AnalysisSnapshot = &snap
		}
		if len(toolsJSON) > 0 {
			if err := json.Unmarshal(toolsJSON, &msg.ToolsInvoked); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tools_invoked: %w", err)
			}
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// CreateAnalysis inserts an analysis record.
func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *Analysis) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = AnalysisPending
	}

	paramsJSON, err := json.Marshal(a.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	resultJSON, err := json.Marshal(a.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	mcpJSON, err := json.Marshal(a.MCPCalls)
	if err != nil {
		return fmt.Errorf("failed to marshal mcp_calls: %w", err)
	}
	sourcesJSON, err := json.Marshal(a.DataSources)
	if err != nil {
		return fmt.Errorf("failed to marshal data_sources: %w", err)
	}
	similarJSON, err := json.Marshal(a.SimilarQueries)
	if err != nil {
		return fmt.Errorf("failed to marshal similar_queries: %w", err)
	}

	query := `
		INSERT INTO finsight_analyses
			(id, user_id, title, description, category, parameters,
			 generated_script, mcp_calls, data_sources, result, status, error,
			 execution_time_ms, is_template, similar_queries, reuse_count,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
	`

	_, err = s.getQuerier(ctx).Exec(ctx, query,
		a.ID, a.UserID, a.Title, a.Description, a.Category, paramsJSON,
		a.GeneratedScript, mcpJSON, sourcesJSON, resultJSON, string(a.Status),
		a.Error, a.ExecutionTimeMs, a.IsTemplate, similarJSON, a.ReuseCount,
	)
	if err != nil {
		return fmt.Errorf("failed to create analysis: %w", err)
	}

	return nil
}

// GetAnalysis retrieves an analysis by ID.
func (s *PostgresStore) GetAnalysis(ctx context.Context, id string) (*Analysis, error) {
	query := `
		SELECT id, user_id, title, description, category, parameters,
		       generated_script, mcp_calls, data_sources, result, status, error,
		       execution_time_ms, is_template, similar_queries, reuse_count,
		       created_at, updated_at
		FROM finsight_analyses
		WHERE id = $1
	`

	rows, err := s.getQuerier(ctx).Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	defer rows.Close()

	analyses, err := scanAnalyses(rows)
	if err != nil {
		return nil, err
	}
	if len(analyses) == 0 {
		return nil, fmt.Errorf("analysis not found: %s", id)
	}
	return analyses[0], nil
}

// ListUserAnalyses returns a user's analyses, newest first.
func (s *PostgresStore) ListUserAnalyses(ctx context.Context, userID string, limit int) ([]*Analysis, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, title, description, category, parameters,
		       generated_script, mcp_calls, data_sources, result, status, error,
		       execution_time_ms, is_template, similar_queries, reuse_count,
		       created_at, updated_at
		FROM finsight_analyses
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.getQuerier(ctx).Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	return scanAnalyses(rows)
}

func scanAnalyses(rows pgx.Rows) ([]*Analysis, error) {
	var analyses []*Analysis

	for rows.Next() {
		var a Analysis
		var paramsJSON, mcpJSON, sourcesJSON, resultJSON, similarJSON []byte
		var status string

		err := rows.Scan(
			&a.ID, &a.UserID, &a.Title, &a.Description, &a.Category, &paramsJSON,
			&a.GeneratedScript, &mcpJSON, &sourcesJSON, &resultJSON, &status,
			&a.Error, &a.ExecutionTimeMs, &a.IsTemplate, &similarJSON,
			&a.ReuseCount, &a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}

		a.Status = AnalysisStatus(status)
		for _, pair := range []struct {
			raw []byte
			dst any
		}{
			{paramsJSON, &a.Parameters},
			{mcpJSON, &a.MCPCalls},
			{sourcesJSON, &a.DataSources},
			{resultJSON, &a.Result},
			{similarJSON, &a.SimilarQueries},
		} {
			if len(pair.raw) > 0 {
				if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
					return nil, fmt.Errorf("failed to unmarshal analysis field: %w", err)
				}
			}
		}

		analyses = append(analyses, &a)
	}

	return analyses, rows.Err()
}

// analysisUpdateColumns maps UpdateAnalysis field keys to columns.
var analysisUpdateColumns = map[string]string{
	"title":             "title",
	"description":       "description",
	"category":          "category",
	"parameters":        "parameters",
	"generated_script":  "generated_script",
	"mcp_calls":         "mcp_calls",
	"data_sources":      "data_sources",
	"result":            "result",
	"status":            "status",
	"error":             "error",
	"execution_time_ms": "execution_time_ms",
	"is_template":       "is_template",
	"similar_queries":   "similar_queries",
	"reuse_count":       "reuse_count",
}

// UpdateAnalysis writes the given fields onto an analysis. Used by the
// execution worker to record result, status and timings.
func (s *PostgresStore) UpdateAnalysis(ctx context.Context, id string, fields map[string]any) error {
	set := "updated_at = NOW()"
	args := []any{id}

	for key, val := range fields {
		col, ok := analysisUpdateColumns[key]
		if !ok {
			return fmt.Errorf("unknown analysis field: %s", key)
		}
		switch v := val.(type) {
		case map[string]any, []string, []any:
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", key, err)
			}
			args = append(args, b)
		case AnalysisStatus:
			args = append(args, string(v))
		default:
			args = append(args, val)
		}
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}

	query := fmt.Sprintf("UPDATE finsight_analyses SET %s WHERE id = $1", set)
	tag, err := s.getQuerier(ctx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("analysis not found: %s", id)
	}
	return nil
}
