package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	apperrors "github.com/koopa0/system-design/14-read-model-cache/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// TestAppError_Is 測試錯誤碼比對
func TestAppError_Is(t *testing.T) {
	wrapped := apperrors.Wrap(fmt.Errorf("connection refused"), apperrors.ErrCodeStoreQuery, "list posts")

	assert.True(t, stderrors.Is(wrapped, apperrors.ErrStoreQuery))
	assert.False(t, stderrors.Is(wrapped, apperrors.ErrRebuildFailed))
	assert.True(t, apperrors.IsStoreQuery(fmt.Errorf("handler: %w", wrapped)))
	assert.Contains(t, wrapped.Error(), "connection refused")
}

// TestCode 測試錯誤碼萃取
func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"app error", apperrors.ErrRebuildInProgress, apperrors.ErrCodeRebuildInProgress},
		{"wrapped app error", fmt.Errorf("x: %w", apperrors.ErrInvalidPage), apperrors.ErrCodeInvalidInput},
		{"plain error", stderrors.New("boom"), apperrors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.Code(tt.err))
		})
	}
}

// TestWithDetails 不應修改預定義錯誤
func TestWithDetails(t *testing.T) {
	detailed := apperrors.ErrInvalidPage.WithDetails("page must be numeric")

	assert.Equal(t, "page must be numeric", detailed.Details)
	assert.Empty(t, apperrors.ErrInvalidPage.Details)
	assert.True(t, apperrors.IsInvalidInput(detailed))
}
