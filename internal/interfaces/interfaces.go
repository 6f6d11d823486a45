package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/royengg/yunami-bot/internal/models"
)

// DBTX абстрагирует pgxpool.Pool и pgx.Tx, чтобы репозитории могли работать
// как с пулом, так и внутри транзакции.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StoryProvider — поставщик статического графа историй. Граф неизменяем
// на протяжении жизни любой ссылающейся на него сессии.
type StoryProvider interface {
	GetStory(id string) (*models.Story, error)
}

// SessionSnapshotRepository — коллаборатор персистентности для сессий.
// Движок обязан работать и при его полном отсутствии.
type SessionSnapshotRepository interface {
	Save(ctx context.Context, session *models.ParticipantSession) error
	Get(ctx context.Context, participantID string) (*models.ParticipantSession, error)
	GetAll(ctx context.Context) ([]*models.ParticipantSession, error)
	Delete(ctx context.Context, participantID string) error
}

// PartySnapshotRepository — коллаборатор персистентности для групп.
type PartySnapshotRepository interface {
	Save(ctx context.Context, party *models.Party) error
	Get(ctx context.Context, id uuid.UUID) (*models.Party, error)
	GetAll(ctx context.Context) ([]*models.Party, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// InviteCodeRepository хранит инвайт-коды групп с TTL.
type InviteCodeRepository interface {
	SaveCode(ctx context.Context, code string, partyID uuid.UUID, ttl time.Duration) error
	ResolveCode(ctx context.Context, code string) (uuid.UUID, error)
	DeleteCode(ctx context.Context, code string) error
}
