package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/interfaces"
	"github.com/royengg/yunami-bot/internal/models"
)

// Compile-time check
var _ interfaces.SessionSnapshotRepository = (*pgSessionSnapshotRepository)(nil)

type pgSessionSnapshotRepository struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

// NewPgSessionSnapshotRepository создает репозиторий снимков сессий поверх Postgres.
func NewPgSessionSnapshotRepository(db interfaces.DBTX, logger *zap.Logger) interfaces.SessionSnapshotRepository {
	return &pgSessionSnapshotRepository{
		db:     db,
		logger: logger.Named("PgSessionSnapshotRepo"),
	}
}

// Save сохраняет снимок сессии. Сессия хранится одной JSONB-колонкой:
// снимок пишется и читается целиком, колонок-проекций не нужно.
func (r *pgSessionSnapshotRepository) Save(ctx context.Context, session *models.ParticipantSession) error {
	state, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("ошибка сериализации снимка сессии %s: %w", session.ParticipantID, err)
	}
	query := `
        INSERT INTO session_snapshots (participant_id, story_id, state, updated_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (participant_id) DO UPDATE
        SET story_id = EXCLUDED.story_id, state = EXCLUDED.state, updated_at = NOW()
    `
	_, err = r.db.Exec(ctx, query, session.ParticipantID, session.StoryID, state)
	if err != nil {
		r.logger.Error("Failed to save session snapshot",
			zap.String("participantID", session.ParticipantID), zap.Error(err))
		return fmt.Errorf("ошибка сохранения снимка сессии %s: %w", session.ParticipantID, err)
	}
	return nil
}

// Get возвращает снимок сессии участника.
func (r *pgSessionSnapshotRepository) Get(ctx context.Context, participantID string) (*models.ParticipantSession, error) {
	query := `SELECT state FROM session_snapshots WHERE participant_id = $1`
	var state []byte
	err := r.db.QueryRow(ctx, query, participantID).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get session snapshot",
			zap.String("participantID", participantID), zap.Error(err))
		return nil, fmt.Errorf("ошибка получения снимка сессии %s: %w", participantID, err)
	}
	var session models.ParticipantSession
	if err := json.Unmarshal(state, &session); err != nil {
		return nil, fmt.Errorf("ошибка разбора снимка сессии %s: %w", participantID, err)
	}
	return &session, nil
}

// GetAll возвращает все снимки сессий (восстановление при старте).
func (r *pgSessionSnapshotRepository) GetAll(ctx context.Context) ([]*models.ParticipantSession, error) {
	query := `SELECT state FROM session_snapshots ORDER BY updated_at`
	var states [][]byte
	if err := pgxscan.Select(ctx, r.db, &states, query); err != nil {
		r.logger.Error("Failed to load session snapshots", zap.Error(err))
		return nil, fmt.Errorf("ошибка загрузки снимков сессий: %w", err)
	}
	sessions := make([]*models.ParticipantSession, 0, len(states))
	for _, state := range states {
		var session models.ParticipantSession
		if err := json.Unmarshal(state, &session); err != nil {
			// Битый снимок не валит восстановление целиком.
			r.logger.Warn("Skipping corrupt session snapshot", zap.Error(err))
			continue
		}
		sessions = append(sessions, &session)
	}
	return sessions, nil
}

// Delete удаляет снимок сессии.
func (r *pgSessionSnapshotRepository) Delete(ctx context.Context, participantID string) error {
	query := `DELETE FROM session_snapshots WHERE participant_id = $1`
	if _, err := r.db.Exec(ctx, query, participantID); err != nil {
		r.logger.Error("Failed to delete session snapshot",
			zap.String("participantID", participantID), zap.Error(err))
		return fmt.Errorf("ошибка удаления снимка сессии %s: %w", participantID, err)
	}
	return nil
}
