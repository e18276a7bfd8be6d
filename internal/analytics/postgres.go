package analytics

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresSink persists view records to the file_views table.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a sink over an existing database connection.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// InsertView appends one view record.
func (s *PostgresSink) InsertView(ctx context.Context, v *ViewRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_views (id, file_id, viewer_id, ip, user_agent, view_type, bytes_transferred, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, v.FileID, v.ViewerID, nullable(v.IP), nullable(v.UserAgent),
		string(v.ViewType), v.BytesTransferred, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert view %s: %w", v.ID, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
