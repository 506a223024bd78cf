package posts

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/koopa0/system-design/14-read-model-cache/pkg/errors"
)

// RecordStore 讀模型查詢介面
type RecordStore interface {
	List(ctx context.Context, limit int, offset int64, tag string) ([]Record, error)
	Count(ctx context.Context, tag string) (int, error)
}

// PageCache 快取介面，cache.Store 實作此介面
//
// 實作必須自行吸收錯誤：Get 失敗等同未命中，Set 失敗直接略過。
type PageCache interface {
	Get(ctx context.Context, key string, dst any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration)
}

// Config 分頁讀取設定
type Config struct {
	PageSize int
	TTL      time.Duration
	// QueryTimeout 一次共用查詢的上限；查詢不隨任何單一呼叫者取消
	QueryTimeout time.Duration
}

// Service 分頁讀取服務
type Service struct {
	store    RecordStore
	cache    PageCache
	pageSize int
	ttl      time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	// 同一個鍵同時未命中時只查一次資料庫
	group singleflight.Group
}

// NewService 建立分頁讀取服務
func NewService(store RecordStore, cache PageCache, cfg Config, logger *slog.Logger) *Service {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	return &Service{
		store:    store,
		cache:    cache,
		pageSize: cfg.PageSize,
		ttl:      cfg.TTL,
		timeout:  cfg.QueryTimeout,
		logger:   logger.With("component", "posts_service"),
	}
}

// PageSize 每頁筆數
func (s *Service) PageSize() int {
	return s.pageSize
}

// Read 讀取一頁文章，tag 為空代表不篩選
//
// page 小於 1 時視為第 1 頁；超過 MaxPage 回傳 ErrInvalidPage。
// 超出最後一頁時回傳空的 Posts，Total 不變。
func (s *Service) Read(ctx context.Context, page int, tag string) (*Page, error) {
	page = NormalizePage(page)
	if page > MaxPage {
		return nil, apperrors.ErrInvalidPage
	}

	key := CacheKey(page, tag)

	var cached Page
	if s.cache.Get(ctx, key, &cached) {
		s.logger.DebugContext(ctx, "cache hit", "key", key)
		return &cached, nil
	}

	// 共用查詢與第一個呼叫者脫鉤：它斷線不影響其他等待同一個鍵的呼叫者
	ch := s.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.load(loadCtx, key, page, tag)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.DebugContext(ctx, "shared in-flight load", "key", key)
		}
		return res.Val.(*Page), nil
	case <-ctx.Done():
		return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeStoreQuery, "wait for posts")
	}
}

// load 查詢讀模型並寫回快取
func (s *Service) load(ctx context.Context, key string, page int, tag string) (*Page, error) {
	offset := int64(page-1) * int64(s.pageSize)

	records, err := s.store.List(ctx, s.pageSize, offset, tag)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStoreQuery, "list posts")
	}

	total, err := s.store.Count(ctx, tag)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStoreQuery, "count posts")
	}

	if records == nil {
		records = []Record{}
	}

	result := &Page{
		Posts: records,
		Pagination: Pagination{
			Page:       page,
			Limit:      s.pageSize,
			Total:      total,
			TotalPages: TotalPages(total, s.pageSize),
		},
	}

	s.cache.Set(ctx, key, result, s.ttl)
	s.logger.DebugContext(ctx, "cache populated", "key", key, "records", len(records), "total", total)

	return result, nil
}
