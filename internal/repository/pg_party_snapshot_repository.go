package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/interfaces"
	"github.com/royengg/yunami-bot/internal/models"
)

// Compile-time check
var _ interfaces.PartySnapshotRepository = (*pgPartySnapshotRepository)(nil)

type pgPartySnapshotRepository struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

// NewPgPartySnapshotRepository создает репозиторий снимков групп поверх Postgres.
func NewPgPartySnapshotRepository(db interfaces.DBTX, logger *zap.Logger) interfaces.PartySnapshotRepository {
	return &pgPartySnapshotRepository{
		db:     db,
		logger: logger.Named("PgPartySnapshotRepo"),
	}
}

// Save сохраняет снимок группы одной JSONB-колонкой.
func (r *pgPartySnapshotRepository) Save(ctx context.Context, party *models.Party) error {
	state, err := json.Marshal(party)
	if err != nil {
		return fmt.Errorf("ошибка сериализации снимка группы %s: %w", party.ID, err)
	}
	query := `
        INSERT INTO party_snapshots (id, status, state, updated_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (id) DO UPDATE
        SET status = EXCLUDED.status, state = EXCLUDED.state, updated_at = NOW()
    `
	_, err = r.db.Exec(ctx, query, party.ID, string(party.Status), state)
	if err != nil {
		r.logger.Error("Failed to save party snapshot",
			zap.String("partyID", party.ID.String()), zap.Error(err))
		return fmt.Errorf("ошибка сохранения снимка группы %s: %w", party.ID, err)
	}
	return nil
}

// Get возвращает снимок группы по ID.
func (r *pgPartySnapshotRepository) Get(ctx context.Context, id uuid.UUID) (*models.Party, error) {
	query := `SELECT state FROM party_snapshots WHERE id = $1`
	var state []byte
	err := r.db.QueryRow(ctx, query, id).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrPartyNotFound
		}
		r.logger.Error("Failed to get party snapshot",
			zap.String("partyID", id.String()), zap.Error(err))
		return nil, fmt.Errorf("ошибка получения снимка группы %s: %w", id, err)
	}
	var party models.Party
	if err := json.Unmarshal(state, &party); err != nil {
		return nil, fmt.Errorf("ошибка разбора снимка группы %s: %w", id, err)
	}
	return &party, nil
}

// GetAll возвращает снимки всех нетерминальных групп.
func (r *pgPartySnapshotRepository) GetAll(ctx context.Context) ([]*models.Party, error) {
	query := `SELECT state FROM party_snapshots WHERE status IN ('forming', 'active') ORDER BY updated_at`
	var states [][]byte
	if err := pgxscan.Select(ctx, r.db, &states, query); err != nil {
		r.logger.Error("Failed to load party snapshots", zap.Error(err))
		return nil, fmt.Errorf("ошибка загрузки снимков групп: %w", err)
	}
	parties := make([]*models.Party, 0, len(states))
	for _, state := range states {
		var party models.Party
		if err := json.Unmarshal(state, &party); err != nil {
			r.logger.Warn("Skipping corrupt party snapshot", zap.Error(err))
			continue
		}
		parties = append(parties, &party)
	}
	return parties, nil
}

// Delete удаляет снимок группы.
func (r *pgPartySnapshotRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM party_snapshots WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, id); err != nil {
		r.logger.Error("Failed to delete party snapshot",
			zap.String("partyID", id.String()), zap.Error(err))
		return fmt.Errorf("ошибка удаления снимка группы %s: %w", id, err)
	}
	return nil
}
