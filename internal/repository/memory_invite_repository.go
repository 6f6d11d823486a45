package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/royengg/yunami-bot/internal/interfaces"
	"github.com/royengg/yunami-bot/internal/models"
)

// Compile-time check
var _ interfaces.InviteCodeRepository = (*memoryInviteRepository)(nil)

type inviteEntry struct {
	partyID   uuid.UUID
	expiresAt time.Time
}

type memoryInviteRepository struct {
	mu    sync.Mutex
	codes map[string]inviteEntry
}

// NewMemoryInviteRepository — встроенное хранилище инвайт-кодов для запуска
// без Redis. Истечение проверяется лениво при чтении.
func NewMemoryInviteRepository() interfaces.InviteCodeRepository {
	return &memoryInviteRepository{codes: make(map[string]inviteEntry)}
}

func (r *memoryInviteRepository) SaveCode(_ context.Context, code string, partyID uuid.UUID, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[code] = inviteEntry{partyID: partyID, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (r *memoryInviteRepository) ResolveCode(_ context.Context, code string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.codes[code]
	if !ok {
		return uuid.Nil, models.ErrInviteCodeNotFound
	}
	if time.Now().After(entry.expiresAt) {
		delete(r.codes, code)
		return uuid.Nil, models.ErrInviteCodeNotFound
	}
	return entry.partyID, nil
}

func (r *memoryInviteRepository) DeleteCode(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.codes, code)
	return nil
}
