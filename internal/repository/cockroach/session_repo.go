package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carelink-backend/internal/domain"
	"carelink-backend/pkg/errors"
)

// SessionRepository persists terminal consultation sessions. Live sessions
// exist only in memory; a row appears here exactly once, when the session
// reaches a terminal state.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Archive writes a terminal session. ON CONFLICT keeps retries idempotent.
func (r *SessionRepository) Archive(ctx context.Context, session *domain.CallSession) error {
	query := `
		INSERT INTO consult_sessions (
			session_id, patient_id, doctor_id, call_type, state, end_reason, created_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		session.SessionID,
		session.PatientID,
		session.DoctorID,
		session.CallType,
		session.State,
		session.EndReason,
		session.CreatedAt,
		session.EndedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}

	return nil
}

// GetByID fetches an archived session
func (r *SessionRepository) GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error) {
	query := `
		SELECT session_id, patient_id, doctor_id, call_type, state, end_reason, created_at, ended_at
		FROM consult_sessions
		WHERE session_id = $1
	`

	session := &domain.CallSession{}
	err := r.pool.QueryRow(ctx, query, sessionID).Scan(
		&session.SessionID,
		&session.PatientID,
		&session.DoctorID,
		&session.CallType,
		&session.State,
		&session.EndReason,
		&session.CreatedAt,
		&session.EndedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.UnknownSessionError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// ListByParticipant returns a participant's consultation history, newest
// first
func (r *SessionRepository) ListByParticipant(ctx context.Context, participantID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	query := `
		SELECT session_id, patient_id, doctor_id, call_type, state, end_reason, created_at, ended_at
		FROM consult_sessions
		WHERE patient_id = $1 OR doctor_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, participantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.CallSession
	for rows.Next() {
		session := &domain.CallSession{}
		err := rows.Scan(
			&session.SessionID,
			&session.PatientID,
			&session.DoctorID,
			&session.CallType,
			&session.State,
			&session.EndReason,
			&session.CreatedAt,
			&session.EndedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// CountByParticipant returns the total size of a participant's history,
// used to build pagination metadata
func (r *SessionRepository) CountByParticipant(ctx context.Context, participantID uuid.UUID) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM consult_sessions
		WHERE patient_id = $1 OR doctor_id = $1
	`

	var count int64
	if err := r.pool.QueryRow(ctx, query, participantID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	return count, nil
}

// CountByDoctor returns how many consultations a doctor has completed,
// used by the directory listing
func (r *SessionRepository) CountByDoctor(ctx context.Context, doctorID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM consult_sessions
		WHERE doctor_id = $1 AND state = 'ended'
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, doctorID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	return count, nil
}
