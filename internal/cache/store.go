package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/14-read-model-cache/pkg/errors"
)

// Store Cache-Aside 的 Get/Set
//
// 兩個操作都先向 Manager 取得連線；快取不可用時
// Get 視為未命中、Set 直接略過。所有錯誤只記日誌。
type Store struct {
	manager   *Manager
	codec     Codec
	opTimeout time.Duration
	logger    *slog.Logger
}

// NewStore 建立快取存取層
//
// opTimeout 限制單次 Redis 操作時間，避免降級中的快取拖慢讀取。
func NewStore(manager *Manager, codec Codec, opTimeout time.Duration, logger *slog.Logger) *Store {
	if codec == nil {
		codec = JSONCodec{}
	}
	if opTimeout <= 0 {
		opTimeout = 200 * time.Millisecond
	}
	return &Store{
		manager:   manager,
		codec:     codec,
		opTimeout: opTimeout,
		logger:    logger.With("component", "cache_store", "codec", codec.Name()),
	}
}

// Get 讀取快取並解碼到 dst，回傳是否命中
//
// 解碼失敗視為未命中，dst 的內容此時不可信。
func (s *Store) Get(ctx context.Context, key string, dst any) bool {
	client, ok := s.manager.Acquire(ctx)
	if !ok {
		return false
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	data, err := client.Get(opCtx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		s.logger.WarnContext(ctx, "cache read error", "key", key,
			"error", apperrors.Wrap(err, apperrors.ErrCodeCacheUnavailable, "get"))
		s.manager.ReportError(err)
		return false
	}

	if err := s.codec.Unmarshal(data, dst); err != nil {
		s.logger.WarnContext(ctx, "cache decode error", "key", key,
			"error", apperrors.Wrap(err, apperrors.ErrCodeSerialization, "decode"))
		return false
	}
	return true
}

// Set 編碼 value 並以 ttl 寫入快取
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	client, ok := s.manager.Acquire(ctx)
	if !ok {
		return
	}

	data, err := s.codec.Marshal(value)
	if err != nil {
		s.logger.WarnContext(ctx, "cache encode error", "key", key,
			"error", apperrors.Wrap(err, apperrors.ErrCodeSerialization, "encode"))
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := client.Set(opCtx, key, data, ttl).Err(); err != nil {
		s.logger.WarnContext(ctx, "cache write error", "key", key,
			"error", apperrors.Wrap(err, apperrors.ErrCodeCacheUnavailable, "set"))
		s.manager.ReportError(err)
	}
}

// Available 快取目前是否可用（不觸發連線）
func (s *Store) Available() bool {
	return s.manager.State() == StateReady
}

// State 底層連線狀態
func (s *Store) State() State {
	return s.manager.State()
}
