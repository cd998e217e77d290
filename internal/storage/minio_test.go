package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"

	"docindex/internal/apperr"
	"docindex/internal/config"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))

	noKey := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound, Message: "The specified key does not exist."}
	assert.ErrorIs(t, classify(noKey), apperr.ErrNotFound)

	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	assert.ErrorIs(t, classify(denied), apperr.ErrTransport)

	assert.ErrorIs(t, classify(errors.New("dial tcp: connection refused")), apperr.ErrTransport)

	wrapped := fmt.Errorf("get: %w", context.Canceled)
	assert.ErrorIs(t, classify(wrapped), context.Canceled)
	assert.NotErrorIs(t, classify(wrapped), apperr.ErrTransport)
}

func TestNewMinIO_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MinIOConfig
	}{
		{"missing endpoint", config.MinIOConfig{AccessKey: "a", SecretKey: "s", Bucket: "b"}},
		{"missing credentials", config.MinIOConfig{Endpoint: "localhost:9000", Bucket: "b"}},
		{"missing bucket", config.MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewMinIO(context.Background(), tt.cfg)
			assert.Error(t, err)
			assert.Nil(t, s)
		})
	}
}
