package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session repository errors
var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRepository stores refresh-token sessions
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	Rotate(ctx context.Context, oldID uuid.UUID, next *Session) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByTokenHash(ctx context.Context, tokenHash string) error
	DeleteByUserID(ctx context.Context, userID uuid.UUID) error
}

const sessionColumns = `id, user_id, token_hash, expires_at, created_at, ip_address, user_agent`

type sessionRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewSessionRepository creates a new SessionRepository instance
func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepository{pool: pool, now: time.Now}
}

// Create stores a session. Expired sessions of the same account are
// removed in the same transaction, so the table stays bounded without a
// background sweep.
func (r *sessionRepository) Create(ctx context.Context, session *Session) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := r.pruneExpired(ctx, tx, session.UserID); err != nil {
			return err
		}
		return insertSession(ctx, tx, session)
	})
}

// Rotate replaces the session oldID with next. When oldID is already gone,
// typically because the same refresh token was used concurrently, nothing
// is inserted and ErrSessionNotFound is returned.
func (r *sessionRepository) Rotate(ctx context.Context, oldID uuid.UUID, next *Session) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, oldID)
		if err != nil {
			return fmt.Errorf("delete rotated session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrSessionNotFound
		}
		if err := r.pruneExpired(ctx, tx, next.UserID); err != nil {
			return err
		}
		return insertSession(ctx, tx, next)
	})
}

// GetByTokenHash retrieves a session by its refresh token hash
func (r *sessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_hash = $1`

	session := &Session{}
	err := r.pool.QueryRow(ctx, query, tokenHash).Scan(
		&session.ID,
		&session.UserID,
		&session.TokenHash,
		&session.ExpiresAt,
		&session.CreatedAt,
		&session.IPAddress,
		&session.UserAgent,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

// Delete removes a session by its ID
func (r *sessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.deleteOne(ctx, `DELETE FROM sessions WHERE id = $1`, id)
}

// DeleteByTokenHash removes the session of one refresh token
func (r *sessionRepository) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	return r.deleteOne(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
}

// DeleteByUserID removes every session of a user. Used on password change,
// deactivation and deletion.
func (r *sessionRepository) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	return err
}

func (r *sessionRepository) deleteOne(ctx context.Context, query string, arg any) error {
	tag, err := r.pool.Exec(ctx, query, arg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *sessionRepository) pruneExpired(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`DELETE FROM sessions WHERE user_id = $1 AND expires_at < $2`, userID, r.now().UTC())
	if err != nil {
		return fmt.Errorf("prune expired sessions: %w", err)
	}
	return nil
}

func insertSession(ctx context.Context, tx pgx.Tx, session *Session) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO sessions (user_id, token_hash, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`,
		session.UserID,
		session.TokenHash,
		session.ExpiresAt,
		session.IPAddress,
		session.UserAgent,
	).Scan(&session.ID, &session.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}
