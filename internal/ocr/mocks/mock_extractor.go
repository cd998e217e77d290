package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) Supports(contentType string) bool {
	args := m.Called(contentType)
	return args.Bool(0)
}

func (m *MockExtractor) Extract(ctx context.Context, r io.Reader, contentType string) (string, error) {
	args := m.Called(ctx, r, contentType)
	return args.String(0), args.Error(1)
}
