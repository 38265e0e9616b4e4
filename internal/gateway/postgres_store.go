package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/visionbox/gateway/internal/logging"
)

// PostgresCallStore implements CallStore using PostgreSQL.
type PostgresCallStore struct {
	db *sql.DB
}

// NewPostgresCallStore creates a new PostgreSQL-backed call ledger.
func NewPostgresCallStore(db *sql.DB) *PostgresCallStore {
	return &PostgresCallStore{db: db}
}

const callColumns = `id, service_id, token_id, request_id, client_ip, user_agent, referer,
	http_method, request_path, request_headers, file_name, file_size, file_type, file_hash,
	status_code, processing_time, detection_count, model_used, confidence, success,
	error_code, error_message, callback_url, callback_status, callback_attempts,
	created_at, completed_at`

func (p *PostgresCallStore) Insert(ctx context.Context, call *Call) error {
	headers, err := json.Marshal(call.RequestHeaders)
	if err != nil {
		logging.L(ctx).Warn("failed to marshal call headers", "call_id", call.ID, "error", err)
		headers = []byte("{}")
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO service_calls (`+callColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
	`, call.ID, call.ServiceID, nullStr(call.TokenID), call.RequestID,
		nullStr(call.ClientIP), nullStr(call.UserAgent), nullStr(call.Referer),
		call.HTTPMethod, call.RequestPath, headers,
		nullStr(call.FileName), call.FileSize, nullStr(call.FileType), nullStr(call.FileHash),
		call.StatusCode, call.ProcessingTime, call.DetectionCount,
		nullStr(call.ModelUsed), call.Confidence, call.Success,
		nullStr(call.ErrorCode), nullStr(call.ErrorMessage),
		nullStr(call.CallbackURL), nullStr(call.CallbackStatus), call.CallbackAttempts,
		call.CreatedAt, call.CompletedAt)

	if err != nil {
		return fmt.Errorf("failed to insert call: %w", err)
	}
	return nil
}

func (p *PostgresCallStore) Get(ctx context.Context, id string) (*Call, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+callColumns+` FROM service_calls WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	calls, err := collectCalls(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, ErrCallNotFound
	}
	return calls[0], nil
}

func (p *PostgresCallStore) List(ctx context.Context, filter CallFilter) ([]*Call, int, error) {
	var conditions []string
	var args []interface{}

	if filter.ServiceID != "" {
		args = append(args, filter.ServiceID)
		conditions = append(conditions, fmt.Sprintf("service_id = $%d", len(args)))
	}
	if filter.Success != nil {
		args = append(args, *filter.Success)
		conditions = append(conditions, fmt.Sprintf("success = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM service_calls"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count calls: %w", err)
	}

	query := "SELECT " + callColumns + " FROM service_calls" + where + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list calls: %w", err)
	}
	calls, err := collectCalls(ctx, rows)
	if err != nil {
		return nil, 0, err
	}
	return calls, total, nil
}

func (p *PostgresCallStore) Summary(ctx context.Context, serviceID string, since time.Time) (*CallSummary, error) {
	var s CallSummary
	var avg sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE success),
		       COUNT(*) FILTER (WHERE NOT success),
		       AVG(processing_time) FILTER (WHERE processing_time > 0)
		FROM service_calls
		WHERE service_id = $1 AND created_at >= $2
	`, serviceID, since).Scan(&s.TotalCalls, &s.SuccessfulCalls, &s.FailedCalls, &avg)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize calls: %w", err)
	}
	if s.TotalCalls > 0 {
		s.SuccessRate = float64(s.SuccessfulCalls) / float64(s.TotalCalls) * 100
	}
	s.AvgProcessingTime = avg.Float64
	return &s, nil
}

func (p *PostgresCallStore) DailyStats(ctx context.Context, serviceID string, days int) ([]DayStat, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE success),
		       COUNT(*) FILTER (WHERE NOT success),
		       COALESCE(AVG(processing_time) FILTER (WHERE processing_time > 0), 0)
		FROM service_calls
		WHERE service_id = $1 AND created_at >= NOW() - ($2 || ' days')::interval
		GROUP BY day
		ORDER BY day
	`, serviceID, days)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []DayStat
	for rows.Next() {
		var d DayStat
		if err := rows.Scan(&d.Date, &d.TotalCalls, &d.SuccessfulCalls, &d.FailedCalls, &d.AvgProcessingTime); err != nil {
			return nil, fmt.Errorf("failed to scan day stat: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily stats: %w", err)
	}
	return result, nil
}

func (p *PostgresCallStore) Performance(ctx context.Context, serviceID string, since time.Time) (*PerformanceStats, error) {
	var s PerformanceStats
	var p50, p95, p99, avg, max sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `
		SELECT percentile_cont(0.50) WITHIN GROUP (ORDER BY processing_time),
		       percentile_cont(0.95) WITHIN GROUP (ORDER BY processing_time),
		       percentile_cont(0.99) WITHIN GROUP (ORDER BY processing_time),
		       AVG(processing_time),
		       MAX(processing_time),
		       COUNT(*)
		FROM service_calls
		WHERE service_id = $1 AND created_at >= $2
		  AND completed_at IS NOT NULL AND processing_time > 0
	`, serviceID, since).Scan(&p50, &p95, &p99, &avg, &max, &s.SampleSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query performance: %w", err)
	}
	s.P50, s.P95, s.P99 = p50.Float64, p95.Float64, p99.Float64
	s.Avg, s.Max = avg.Float64, max.Float64
	return &s, nil
}

func (p *PostgresCallStore) UpdateCallback(ctx context.Context, id, status string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE service_calls
		SET callback_status = $2, callback_attempts = callback_attempts + 1
		WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update callback status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrCallNotFound
	}
	return nil
}

func collectCalls(ctx context.Context, rows *sql.Rows) ([]*Call, error) {
	defer func() { _ = rows.Close() }()

	var calls []*Call
	for rows.Next() {
		var c Call
		var tokenID, clientIP, userAgent, referer, fileName, fileType, fileHash sql.NullString
		var modelUsed, errorCode, errorMessage, callbackURL, callbackStatus sql.NullString
		var headers []byte

		err := rows.Scan(&c.ID, &c.ServiceID, &tokenID, &c.RequestID,
			&clientIP, &userAgent, &referer,
			&c.HTTPMethod, &c.RequestPath, &headers,
			&fileName, &c.FileSize, &fileType, &fileHash,
			&c.StatusCode, &c.ProcessingTime, &c.DetectionCount,
			&modelUsed, &c.Confidence, &c.Success,
			&errorCode, &errorMessage,
			&callbackURL, &callbackStatus, &c.CallbackAttempts,
			&c.CreatedAt, &c.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}

		c.TokenID = tokenID.String
		c.ClientIP = clientIP.String
		c.UserAgent = userAgent.String
		c.Referer = referer.String
		c.FileName = fileName.String
		c.FileType = fileType.String
		c.FileHash = fileHash.String
		c.ModelUsed = modelUsed.String
		c.ErrorCode = errorCode.String
		c.ErrorMessage = errorMessage.String
		c.CallbackURL = callbackURL.String
		c.CallbackStatus = callbackStatus.String
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &c.RequestHeaders); err != nil {
				logging.L(ctx).Warn("failed to unmarshal call headers", "call_id", c.ID, "error", err)
			}
		}
		calls = append(calls, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}
	return calls, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
