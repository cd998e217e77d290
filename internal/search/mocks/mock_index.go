package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type MockIndex struct {
	mock.Mock
}

func (m *MockIndex) Store(ctx context.Context, id uuid.UUID, text string) (bool, error) {
	args := m.Called(ctx, id, text)
	return args.Bool(0), args.Error(1)
}

func (m *MockIndex) Search(ctx context.Context, query string) ([]uuid.UUID, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *MockIndex) Get(ctx context.Context, id uuid.UUID) (string, bool, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockIndex) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}
