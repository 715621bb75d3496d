package sessions

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pollcast/backend/internal/models"
	"github.com/pollcast/backend/internal/pollqueue"
)

// Repository handles session persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateSession inserts a session under code.
func (r *Repository) CreateSession(ctx context.Context, code, title string) (*models.Session, error) {
	const query = `INSERT INTO sessions (session_id, title) VALUES ($1, $2)
		RETURNING id, session_id, title, is_active, created_at`
	var s models.Session
	err := r.pool.QueryRow(ctx, query, code, title).Scan(&s.ID, &s.Code, &s.Title, &s.IsActive, &s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, pollqueue.ErrSessionCodeTaken
		}
		return nil, err
	}
	return &s, nil
}

// Resolve returns the session with code, or nil.
func (r *Repository) Resolve(ctx context.Context, code string) (*models.Session, error) {
	const query = `SELECT id, session_id, title, is_active, created_at FROM sessions WHERE session_id = $1`
	return r.scanOne(ctx, query, code)
}

// GetByID returns the session with id, or nil.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.Session, error) {
	const query = `SELECT id, session_id, title, is_active, created_at FROM sessions WHERE id = $1`
	return r.scanOne(ctx, query, id)
}

func (r *Repository) scanOne(ctx context.Context, query string, arg interface{}) (*models.Session, error) {
	var s models.Session
	err := r.pool.QueryRow(ctx, query, arg).Scan(&s.ID, &s.Code, &s.Title, &s.IsActive, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
