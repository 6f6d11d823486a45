package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/royengg/yunami-bot/internal/models"
)

// Mock PrivateDeliveryPublisher
type PrivateDeliveryPublisher struct {
	mock.Mock
}

func (m *PrivateDeliveryPublisher) PublishPrivateDelivery(ctx context.Context, payload models.PrivateDeliveryPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

// Mock ClientUpdatePublisher
type ClientUpdatePublisher struct {
	mock.Mock
}

func (m *ClientUpdatePublisher) PublishClientUpdate(ctx context.Context, payload models.ClientRenderUpdate) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}
