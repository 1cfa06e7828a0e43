package cassandra

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"carelink-backend/internal/domain"
)

// TransitionRepository appends session state transitions to Cassandra.
// The table is partitioned by session_id and clustered by occurred_at, so
// one session's timeline is a single-partition read.
type TransitionRepository struct {
	session *gocql.Session
}

// NewTransitionRepository creates a new TransitionRepository
func NewTransitionRepository(session *gocql.Session) *TransitionRepository {
	return &TransitionRepository{session: session}
}

// Append records one transition. Append-only; transitions are never
// updated or deleted.
func (r *TransitionRepository) Append(ctx context.Context, transition *domain.SessionTransition) error {
	query := `
		INSERT INTO session_transitions (
			session_id, occurred_at, from_state, to_state, reason
		) VALUES (?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		transition.SessionID,
		transition.At,
		string(transition.FromState),
		string(transition.ToState),
		string(transition.Reason),
	).WithContext(ctx).Exec()

	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	return nil
}

// ListBySession returns a session's transition timeline in order
func (r *TransitionRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*domain.SessionTransition, error) {
	query := `
		SELECT session_id, occurred_at, from_state, to_state, reason
		FROM session_transitions
		WHERE session_id = ?
		ORDER BY occurred_at ASC
	`

	iter := r.session.Query(query, sessionID).WithContext(ctx).Iter()

	var transitions []*domain.SessionTransition
	var fromState, toState, reason string
	t := &domain.SessionTransition{}
	for iter.Scan(&t.SessionID, &t.At, &fromState, &toState, &reason) {
		t.FromState = domain.SessionState(fromState)
		t.ToState = domain.SessionState(toState)
		t.Reason = domain.EndReason(reason)
		transitions = append(transitions, t)
		t = &domain.SessionTransition{}
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}

	return transitions, nil
}
