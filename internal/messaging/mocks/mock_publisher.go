package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"docindex/internal/messaging"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, msg messaging.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
