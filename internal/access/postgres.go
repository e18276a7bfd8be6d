package access

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/berrycast/berrycast/internal/logging"
	"github.com/berrycast/berrycast/internal/media"
	"github.com/berrycast/berrycast/internal/metrics"
)

// Store is a PostgreSQL-backed access gate.
type Store struct {
	db *sql.DB
}

// NewStore connects to PostgreSQL and returns an access store.
func NewStore(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
	}
	return nil
}

// ResolveIdentity looks an identity up among users first, then guests.
func (s *Store) ResolveIdentity(ctx context.Context, id string) (*Principal, error) {
	var banned bool

	err := s.db.QueryRowContext(ctx,
		`SELECT banned FROM users WHERE id = $1`, id).Scan(&banned)
	if err == nil {
		return &Principal{ID: id, Kind: KindUser, Banned: banned}, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("look up user %s: %w", id, err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT banned FROM guests WHERE id = $1`, id).Scan(&banned)
	if err == nil {
		return &Principal{ID: id, Kind: KindGuest, Banned: banned}, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("look up guest %s: %w", id, err)
	}

	return nil, ErrIdentityNotFound
}

// Check performs the combined existence/permission/metadata query. One round
// trip keeps proxy latency down and lets 403-vs-404 be decided without a
// second lookup. The permission verdict is computed here rather than in SQL:
// owner_id is nullable, and NULL would poison a SQL-side boolean expression.
func (s *Store) Check(ctx context.Context, identity, storagePath string) (*Result, error) {
	var (
		fd         media.FileDescriptor
		ownerID    sql.NullString
		visibility string
		granted    bool
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT f.id, f.display_name, f.original_name, f.mime_type, f.size_bytes, f.storage_path,
		       f.owner_id, f.visibility,
		       EXISTS (
		           SELECT 1 FROM file_grants g
		           WHERE g.file_id = f.id AND g.principal_id = $1
		       ) AS granted
		FROM files f
		WHERE f.storage_path = $2`,
		identity, storagePath,
	).Scan(&fd.ID, &fd.DisplayName, &fd.OriginalName, &fd.MimeType, &fd.SizeBytes, &fd.StoragePath,
		&ownerID, &visibility, &granted)

	if err == sql.ErrNoRows {
		return &Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check access %s: %w", storagePath, err)
	}

	hasAccess := grantsAccess(identity, ownerID, visibility, granted)
	res := &Result{HasAccess: hasAccess, FileID: fd.ID}
	if hasAccess {
		res.Metadata = &fd
	}
	return res, nil
}

// grantsAccess decides the permission verdict for one file row. An ownerless
// private file without a grant is denied, not an error.
func grantsAccess(identity string, ownerID sql.NullString, visibility string, granted bool) bool {
	if ownerID.Valid && ownerID.String == identity {
		return true
	}
	return visibility == "public" || granted
}
