// Package handler 提供 HTTP 介面：讀取文章分頁、觸發讀模型重建與健康檢查
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-read-model-cache/internal/cache"
	"github.com/koopa0/system-design/14-read-model-cache/internal/posts"
	"github.com/koopa0/system-design/14-read-model-cache/internal/projection"
	apperrors "github.com/koopa0/system-design/14-read-model-cache/pkg/errors"
	"github.com/koopa0/system-design/14-read-model-cache/pkg/logger"
)

// PostReader 分頁讀取，posts.Service 實作此介面
type PostReader interface {
	Read(ctx context.Context, page int, tag string) (*posts.Page, error)
}

// Rebuilder 讀模型重建，projection.Builder 實作此介面
type Rebuilder interface {
	Rebuild(ctx context.Context) (projection.Result, error)
	Status() projection.Status
}

// Pinger 資料庫連線檢查，pgxpool.Pool 實作此介面
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheState 快取狀態查詢，cache.Store 實作此介面
type CacheState interface {
	State() cache.State
}

// Handler HTTP 請求處理器
type Handler struct {
	posts   PostReader
	builder Rebuilder
	db      Pinger
	cache   CacheState
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(reader PostReader, builder Rebuilder, db Pinger, cacheState CacheState, logger *slog.Logger) *Handler {
	return &Handler{
		posts:   reader,
		builder: builder,
		db:      db,
		cache:   cacheState,
		logger:  logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：請求 ID -> 日誌 -> 恢復 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.requestID(h.loggerMiddleware(h.recoverer(handler)))
	}

	// API 路由
	mux.HandleFunc("GET /api/v1/posts", wrap(h.listPosts))
	mux.HandleFunc("POST /api/v1/projection/rebuild", wrap(h.rebuild))
	mux.HandleFunc("GET /api/v1/projection/status", wrap(h.status))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /ready", wrap(h.ready))

	return mux
}

// 請求和響應結構

// RebuildResponse 重建結果，錯誤回應也使用同一個格式
type RebuildResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	Records    *int64 `json:"records,omitempty"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

type readyResponse struct {
	Status   string `json:"status"`
	Postgres string `json:"postgres"`
	Cache    string `json:"cache"`
}

// listPosts 讀取一頁文章
//
// page 缺省為 1，非數字回傳 400；tag 缺省代表不篩選。
func (h *Handler) listPosts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page := 1
	if raw := query.Get("page"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			h.respondError(w, "invalid page", http.StatusBadRequest)
			return
		}
		page = int(n)
	}
	tag := query.Get("tag")

	result, err := h.posts.Read(r.Context(), page, tag)
	if err != nil {
		if apperrors.IsInvalidInput(err) {
			h.respondError(w, "invalid page", http.StatusBadRequest)
			return
		}
		logger.LogError(r.Context(), h.logger, "read posts failed", err)
		h.respondError(w, "failed to read posts", http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// rebuild 觸發讀模型全量重建
func (h *Handler) rebuild(w http.ResponseWriter, r *http.Request) {
	status, body := RebuildReply(r.Context(), h.builder)
	h.respondJSON(w, status, body)
}

// RebuildReply 執行重建並產生回應，HTTP 與 NATS 觸發共用
//
// 失敗細節只記在日誌（由 Builder 負責），回應只帶固定訊息。
func RebuildReply(ctx context.Context, builder Rebuilder) (int, RebuildResponse) {
	res, err := builder.Rebuild(ctx)
	switch {
	case err == nil:
		durationMS := res.Duration.Milliseconds()
		return http.StatusOK, RebuildResponse{
			Success:    true,
			Message:    "projection completed",
			Records:    &res.Records,
			DurationMS: &durationMS,
		}
	case apperrors.IsRebuildInProgress(err):
		return http.StatusConflict, RebuildResponse{
			Success: false,
			Error:   apperrors.ErrRebuildInProgress.Message,
		}
	default:
		return http.StatusInternalServerError, RebuildResponse{
			Success: false,
			Error:   apperrors.ErrRebuildFailed.Message,
		}
	}
}

// status 最近一次重建的狀態
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.builder.Status())
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// ready 就緒檢查
//
// 只有 PostgreSQL 決定就緒與否；快取不可用時服務照常運作，只回報狀態。
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := readyResponse{
		Status:   "ready",
		Postgres: "ok",
		Cache:    h.cache.State().String(),
	}

	if err := h.db.Ping(ctx); err != nil {
		h.logger.WarnContext(ctx, "postgres not ready", "error", err)
		resp.Status = "not ready"
		resp.Postgres = "unavailable"
		h.respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// 中間件
// requestID 沿用 X-Request-ID，沒有則產生一個
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 記錄請求日誌
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以捕獲狀態碼
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered", "error", err)
				h.respondError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, message string, code int) {
	h.respondJSON(w, code, RebuildResponse{
		Success: false,
		Error:   message,
	})
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}
