package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"commlink-backend/internal/domain"
)

// CallRepository handles durable call history operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts the initial call record
func (r *CallRepository) Create(ctx context.Context, rec *domain.CallRecord) error {
	query := `
		INSERT INTO calls (
			call_id, chat_id, initiator_id, call_type, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		rec.CallID,
		rec.ChatID,
		rec.Initiator,
		rec.CallType,
		rec.Status,
		rec.StartedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// MarkAnswered records the answer timestamp and moves the call to answered
func (r *CallRepository) MarkAnswered(ctx context.Context, callID uuid.UUID, answeredAt time.Time) error {
	query := `
		UPDATE calls
		SET status = 'answered', answered_at = $2
		WHERE call_id = $1 AND status != 'ended'
	`

	_, err := r.pool.Exec(ctx, query, callID, answeredAt)
	if err != nil {
		return fmt.Errorf("failed to mark call answered: %w", err)
	}

	return nil
}

// Finalize writes the terminal snapshot for a call. The status guard makes
// the write idempotent: a second finalize for the same call is a no-op.
func (r *CallRepository) Finalize(ctx context.Context, rec *domain.CallRecord) error {
	query := `
		UPDATE calls
		SET status = 'ended',
		    end_reason = $2,
		    ended_at = $3,
		    duration = $4
		WHERE call_id = $1 AND status != 'ended'
	`

	_, err := r.pool.Exec(ctx, query,
		rec.CallID,
		rec.EndReason,
		rec.EndedAt,
		rec.Duration,
	)

	if err != nil {
		return fmt.Errorf("failed to finalize call: %w", err)
	}

	return nil
}

// GetByID retrieves a call record by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	query := `
		SELECT call_id, chat_id, initiator_id, call_type, status,
		       COALESCE(end_reason, ''), started_at, answered_at, ended_at, duration,
		       COALESCE(metadata, '{}'::JSONB)
		FROM calls
		WHERE call_id = $1
	`

	rec := &domain.CallRecord{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&rec.CallID,
		&rec.ChatID,
		&rec.Initiator,
		&rec.CallType,
		&rec.Status,
		&rec.EndReason,
		&rec.StartedAt,
		&rec.AnsweredAt,
		&rec.EndedAt,
		&rec.Duration,
		&rec.Metadata,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("call not found")
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return rec, nil
}

// GetUserCalls retrieves recent calls a user took part in
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT DISTINCT c.call_id, c.chat_id, c.initiator_id, c.call_type, c.status,
		       COALESCE(c.end_reason, ''), c.started_at, c.answered_at, c.ended_at, c.duration
		FROM calls c
		LEFT JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE c.initiator_id = $1 OR cp.user_id = $1
		ORDER BY c.started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var records []*domain.CallRecord
	for rows.Next() {
		rec := &domain.CallRecord{}
		err := rows.Scan(
			&rec.CallID,
			&rec.ChatID,
			&rec.Initiator,
			&rec.CallType,
			&rec.Status,
			&rec.EndReason,
			&rec.StartedAt,
			&rec.AnsweredAt,
			&rec.EndedAt,
			&rec.Duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		records = append(records, rec)
	}

	return records, nil
}

// AddParticipant records a participant joining a call
func (r *CallRepository) AddParticipant(ctx context.Context, callID, userID uuid.UUID, joinedAt time.Time) error {
	query := `
		INSERT INTO call_participants (call_id, user_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (call_id, user_id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query, callID, userID, joinedAt)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}

	return nil
}

// MarkParticipantLeft records when a participant dropped off the call
func (r *CallRepository) MarkParticipantLeft(ctx context.Context, callID, userID uuid.UUID, leftAt time.Time) error {
	query := `
		UPDATE call_participants
		SET left_at = $3
		WHERE call_id = $1 AND user_id = $2 AND left_at IS NULL
	`

	_, err := r.pool.Exec(ctx, query, callID, userID, leftAt)
	if err != nil {
		return fmt.Errorf("failed to mark participant left: %w", err)
	}

	return nil
}

// SetParticipantQuality stores a participant's self-reported call quality
func (r *CallRepository) SetParticipantQuality(ctx context.Context, callID, userID uuid.UUID, quality string) error {
	query := `
		UPDATE call_participants
		SET quality = $3
		WHERE call_id = $1 AND user_id = $2
	`

	_, err := r.pool.Exec(ctx, query, callID, userID, quality)
	if err != nil {
		return fmt.Errorf("failed to set participant quality: %w", err)
	}

	return nil
}

// GetParticipants retrieves the durable roster for a call
func (r *CallRepository) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipantRecord, error) {
	query := `
		SELECT call_id, user_id, joined_at, left_at, COALESCE(quality, '')
		FROM call_participants
		WHERE call_id = $1
		ORDER BY joined_at ASC
	`

	rows, err := r.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []*domain.CallParticipantRecord
	for rows.Next() {
		p := &domain.CallParticipantRecord{}
		err := rows.Scan(
			&p.CallID,
			&p.UserID,
			&p.JoinedAt,
			&p.LeftAt,
			&p.Quality,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	return participants, nil
}

// MergeMetadata merges extra fields into the call's metadata document
func (r *CallRepository) MergeMetadata(ctx context.Context, callID uuid.UUID, metadata []byte) error {
	query := `
		UPDATE calls
		SET metadata = COALESCE(metadata, '{}'::JSONB) || $2::JSONB
		WHERE call_id = $1
	`

	_, err := r.pool.Exec(ctx, query, callID, metadata)
	if err != nil {
		return fmt.Errorf("failed to merge call metadata: %w", err)
	}

	return nil
}
