// Package errors 提供應用程式錯誤處理
//
// 錯誤分兩類處理：
//   - 真實來源（PostgreSQL、投影重建）的錯誤一律往上傳
//   - 最佳化層（Redis 快取）的錯誤在本地吸收，只記日誌
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeStoreQuery 讀模型查詢失敗
	ErrCodeStoreQuery = "STORE_QUERY_FAILURE"
	// ErrCodeRebuild 投影重建失敗
	ErrCodeRebuild = "REBUILD_FAILURE"
	// ErrCodeRebuildInProgress 另一個重建正在執行
	ErrCodeRebuildInProgress = "REBUILD_IN_PROGRESS"
	// ErrCodeCacheUnavailable 快取不可用（只用於日誌，不會回給呼叫者）
	ErrCodeCacheUnavailable = "CACHE_UNAVAILABLE"
	// ErrCodeSerialization 序列化失敗
	ErrCodeSerialization = "SERIALIZATION_FAILURE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，同錯誤碼視為相同
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊，回傳副本以免改到預定義錯誤
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrInvalidPage 無效的頁碼
	ErrInvalidPage = New(ErrCodeInvalidInput, "invalid page")

	// ErrStoreQuery 讀模型查詢失敗
	ErrStoreQuery = New(ErrCodeStoreQuery, "record store query failed")

	// ErrRebuildFailed 投影重建失敗
	ErrRebuildFailed = New(ErrCodeRebuild, "projection failed")

	// ErrRebuildInProgress 投影重建進行中
	ErrRebuildInProgress = New(ErrCodeRebuildInProgress, "projection already running")
)

// Code 取出錯誤碼，非 AppError 回傳 ErrCodeInternal
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsInvalidInput 檢查是否為無效輸入錯誤
func IsInvalidInput(err error) bool {
	return Code(err) == ErrCodeInvalidInput
}

// IsStoreQuery 檢查是否為讀模型查詢錯誤
func IsStoreQuery(err error) bool {
	return Code(err) == ErrCodeStoreQuery
}

// IsRebuildFailure 檢查是否為重建失敗
func IsRebuildFailure(err error) bool {
	return Code(err) == ErrCodeRebuild
}

// IsRebuildInProgress 檢查是否因另一個重建進行中而被拒絕
func IsRebuildInProgress(err error) bool {
	return Code(err) == ErrCodeRebuildInProgress
}
