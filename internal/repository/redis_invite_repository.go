package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/interfaces"
	"github.com/royengg/yunami-bot/internal/models"
)

// Compile-time check
var _ interfaces.InviteCodeRepository = (*redisInviteRepository)(nil)

type redisInviteRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisInviteRepository создает хранилище инвайт-кодов поверх Redis.
// TTL кода обслуживает сам Redis: чистильщик не нужен.
func NewRedisInviteRepository(client *redis.Client, logger *zap.Logger) interfaces.InviteCodeRepository {
	return &redisInviteRepository{
		client: client,
		logger: logger.Named("RedisInviteRepo"),
	}
}

func inviteKey(code string) string {
	return fmt.Sprintf("party_invite:%s", code)
}

// SaveCode сохраняет код с TTL.
func (r *redisInviteRepository) SaveCode(ctx context.Context, code string, partyID uuid.UUID, ttl time.Duration) error {
	err := r.client.Set(ctx, inviteKey(code), partyID.String(), ttl).Err()
	if err != nil {
		r.logger.Error("Failed to save invite code in redis",
			zap.String("code", code), zap.String("partyID", partyID.String()), zap.Error(err))
		return fmt.Errorf("ошибка сохранения инвайт-кода в redis: %w", err)
	}
	r.logger.Debug("Invite code saved",
		zap.String("code", code),
		zap.String("partyID", partyID.String()),
		zap.Duration("ttl", ttl))
	return nil
}

// ResolveCode возвращает группу по коду.
func (r *redisInviteRepository) ResolveCode(ctx context.Context, code string) (uuid.UUID, error) {
	val, err := r.client.Get(ctx, inviteKey(code)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, models.ErrInviteCodeNotFound
		}
		r.logger.Error("Failed to resolve invite code", zap.String("code", code), zap.Error(err))
		return uuid.Nil, fmt.Errorf("ошибка чтения инвайт-кода из redis: %w", err)
	}
	partyID, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("битое значение инвайт-кода %s: %w", code, err)
	}
	return partyID, nil
}

// DeleteCode удаляет код до истечения TTL.
func (r *redisInviteRepository) DeleteCode(ctx context.Context, code string) error {
	if err := r.client.Del(ctx, inviteKey(code)).Err(); err != nil {
		r.logger.Error("Failed to delete invite code", zap.String("code", code), zap.Error(err))
		return fmt.Errorf("ошибка удаления инвайт-кода из redis: %w", err)
	}
	return nil
}
