package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed service store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const serviceColumns = `id, owner_id, name, description, status, model_name, confidence_threshold,
	detection_classes, api_endpoint, rate_limit, max_file_size, allowed_formats,
	total_calls, successful_calls, failed_calls, last_called_at, created_at, updated_at, deleted_at`

func (p *PostgresStore) Create(ctx context.Context, svc *PublishedService) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO published_services (`+serviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, svc.ID, svc.OwnerID, svc.Name, svc.Description, string(svc.Status),
		svc.ModelName, svc.ConfidenceThreshold, pq.Array(svc.DetectionClasses),
		svc.APIEndpoint, svc.RateLimit, svc.MaxFileSize, pq.Array(svc.AllowedFormats),
		svc.TotalCalls, svc.SuccessfulCalls, svc.FailedCalls,
		svc.LastCalledAt, svc.CreatedAt, svc.UpdatedAt, svc.DeletedAt)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrNameTaken
		}
		return fmt.Errorf("failed to create service: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*PublishedService, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+serviceColumns+` FROM published_services WHERE id = $1
	`, id)

	svc, err := scanService(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	return svc, nil
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*PublishedService, int, error) {
	var conditions []string
	var args []interface{}

	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	} else if !filter.IncludeDeleted {
		conditions = append(conditions, "status != 'deleted'")
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM published_services"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count services: %w", err)
	}

	query := "SELECT " + serviceColumns + " FROM published_services" + where + " ORDER BY created_at DESC"
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
		return nil, 0, fmt.Errorf("failed to list services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*PublishedService
	for rows.Next() {
		svc, err := scanService(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan service: %w", err)
		}
		result = append(result, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate services: %w", err)
	}
	return result, total, nil
}

func (p *PostgresStore) Update(ctx context.Context, svc *PublishedService) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE published_services SET
			name = $1, description = $2, status = $3, model_name = $4,
			confidence_threshold = $5, detection_classes = $6, rate_limit = $7,
			max_file_size = $8, allowed_formats = $9, updated_at = $10, deleted_at = $11
		WHERE id = $12
	`, svc.Name, svc.Description, string(svc.Status), svc.ModelName,
		svc.ConfidenceThreshold, pq.Array(svc.DetectionClasses), svc.RateLimit,
		svc.MaxFileSize, pq.Array(svc.AllowedFormats), svc.UpdatedAt, svc.DeletedAt, svc.ID)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrNameTaken
		}
		return fmt.Errorf("failed to update service: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrServiceNotFound
	}
	return nil
}

func (p *PostgresStore) RecordCall(ctx context.Context, id string, success bool, at time.Time) error {
	// Increment-in-place keeps the aggregate invariant without a
	// read-modify-write round trip.
	column := "failed_calls"
	if success {
		column = "successful_calls"
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE published_services
		SET total_calls = total_calls + 1,
		    `+column+` = `+column+` + 1,
		    last_called_at = $2,
		    updated_at = $2
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrServiceNotFound
	}
	return nil
}

func scanService(scan func(dest ...interface{}) error) (*PublishedService, error) {
	var svc PublishedService
	var status string
	var description sql.NullString
	var classes, formats pq.StringArray

	err := scan(&svc.ID, &svc.OwnerID, &svc.Name, &description, &status,
		&svc.ModelName, &svc.ConfidenceThreshold, &classes,
		&svc.APIEndpoint, &svc.RateLimit, &svc.MaxFileSize, &formats,
		&svc.TotalCalls, &svc.SuccessfulCalls, &svc.FailedCalls,
		&svc.LastCalledAt, &svc.CreatedAt, &svc.UpdatedAt, &svc.DeletedAt)
	if err != nil {
		return nil, err
	}

	svc.Description = description.String
	svc.Status = Status(status)
	svc.DetectionClasses = classes
	svc.AllowedFormats = formats
	return &svc, nil
}
