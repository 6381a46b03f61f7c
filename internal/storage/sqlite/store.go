package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/darkroom/internal/storage"
)

// Store is a SQLite implementation of SessionStore
type Store struct {
	db *sql.DB
}

var _ storage.SessionStore = (*Store)(nil)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			position INTEGER NOT NULL DEFAULT 0,
			tentative_image_id TEXT,
			tentative_filter TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS images (
			session_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			id TEXT NOT NULL,
			filename TEXT NOT NULL,
			content_type TEXT NOT NULL,
			last_filter_name TEXT NOT NULL,
			confirmed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, idx),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) error {
	sess.CreatedAt = time.Now()
	sess.UpdatedAt = sess.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	imageID, filter := tentativeColumns(sess.Tentative)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, position, tentative_image_id, tentative_filter, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Position, imageID, filter, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	for i, img := range sess.Images {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO images (session_id, idx, id, filename, content_type, last_filter_name, confirmed)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, i, img.ID, img.Filename, img.ContentType, img.LastFilterName, img.Confirmed)
		if err != nil {
			return fmt.Errorf("failed to add image %s: %w", img.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	var (
		sess      storage.Session
		imageID   sql.NullString
		filterCol sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, position, tentative_image_id, tentative_filter, created_at, updated_at
		 FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.Position, &imageID, &filterCol, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if imageID.Valid {
		sess.Tentative = &storage.Tentative{ImageID: imageID.String, FilterName: filterCol.String}
	}

	images, err := s.getImages(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Images = images

	return &sess, nil
}

func (s *Store) getImages(ctx context.Context, sessionID string) ([]storage.Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, content_type, last_filter_name, confirmed
		 FROM images WHERE session_id = ?
		 ORDER BY idx ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	defer rows.Close()

	var images []storage.Image
	for rows.Next() {
		var img storage.Image
		if err := rows.Scan(&img.ID, &img.Filename, &img.ContentType, &img.LastFilterName, &img.Confirmed); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *Store) UpdateSession(ctx context.Context, sess *storage.Session) error {
	sess.UpdatedAt = time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	imageID, filter := tentativeColumns(sess.Tentative)
	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET position = ?, tentative_image_id = ?, tentative_filter = ?, updated_at = ?
		 WHERE id = ?`,
		sess.Position, imageID, filter, sess.UpdatedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, storage.ErrNotFound)
	}

	// The working set never changes after upload; only per-image edit state does.
	for i, img := range sess.Images {
		_, err := tx.ExecContext(ctx,
			`UPDATE images SET last_filter_name = ?, confirmed = ?
			 WHERE session_id = ? AND idx = ?`,
			img.LastFilterName, img.Confirmed, sess.ID, i)
		if err != nil {
			return fmt.Errorf("failed to update image %s: %w", img.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// foreign_keys is per connection, so the cascade is not relied on.
	if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete images: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return tx.Commit()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func tentativeColumns(t *storage.Tentative) (imageID, filter sql.NullString) {
	if t == nil {
		return imageID, filter
	}
	return sql.NullString{String: t.ImageID, Valid: true}, sql.NullString{String: t.FilterName, Valid: true}
}
