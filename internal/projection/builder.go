// Package projection 重建非正規化讀模型（deposts）
//
// 每次重建都是全量：清空 deposts 後由 posts / post_tags / tags / comments
// 重新計算。清空與回填在同一個交易內完成，讀取端依 MVCC 只會看到
// 重建前或重建後的完整資料，不會看到空表。
//
// 同時間最多一個重建：
//   - 行程內：singleflight，同時觸發的呼叫共用同一次重建的結果
//   - 行程間：pg_try_advisory_xact_lock，拿不到鎖直接拒絕
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/koopa0/system-design/14-read-model-cache/pkg/errors"
	"github.com/koopa0/system-design/14-read-model-cache/pkg/logger"
)

// TxBeginner pgxpool.Pool 與 pgx.Conn 都滿足此介面
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Config 重建設定
type Config struct {
	// Timeout 單次重建上限，重建可能掃過整個資料集
	Timeout time.Duration
	// LockKey advisory lock 鍵，共用同一個資料庫的實例必須一致
	LockKey int64
}

// Result 一次成功重建的摘要
type Result struct {
	Records   int64         `json:"records"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Status 重建狀態（給狀態查詢端點用）
type Status struct {
	Running   bool      `json:"running"`
	Last      *Result   `json:"last,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
}

// Builder 讀模型重建器
type Builder struct {
	db     TxBeginner
	cfg    Config
	logger *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	running bool
	last    *Result
	lastErr string
	lastRun time.Time
}

const rebuildKey = "rebuild"

const (
	lockSQL = `SELECT pg_try_advisory_xact_lock($1)`

	// 不用 TRUNCATE：它需要 ACCESS EXCLUSIVE 鎖，會在整個重建期間擋住讀取
	clearSQL = `DELETE FROM deposts`

	// 先各自聚合再 LEFT JOIN，沒有標籤或留言的文章也會產生一筆
	// （空陣列、0 則留言）。now() 是交易開始時間，同一次重建共用一個時間戳。
	populateSQL = `
		WITH tag_agg AS (
			SELECT pt.post_id, array_agg(DISTINCT t.name ORDER BY t.name) AS tags
			FROM post_tags pt
			JOIN tags t ON t.id = pt.tag_id
			WHERE t.name IS NOT NULL
			GROUP BY pt.post_id
		), comment_agg AS (
			SELECT c.post_id, COUNT(DISTINCT c.id) AS comments_count
			FROM comments c
			GROUP BY c.post_id
		)
		INSERT INTO deposts (post_id, title, body, tags, comments_count, updated_at)
		SELECT
			p.id,
			p.title,
			p.body,
			COALESCE(ta.tags, '{}'::text[]),
			COALESCE(ca.comments_count, 0),
			now()
		FROM posts p
		LEFT JOIN tag_agg ta ON ta.post_id = p.id
		LEFT JOIN comment_agg ca ON ca.post_id = p.id`
)

// NewBuilder 建立重建器
func NewBuilder(db TxBeginner, cfg Config, logger *slog.Logger) *Builder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Builder{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "projection_builder"),
	}
}

// Rebuild 全量重建讀模型
//
// 冪等：來源資料不變時重複呼叫得到相同結果（updated_at 除外）。
// 行程內同時呼叫會共用同一次重建；另一個行程正在重建時回傳
// ErrRebuildInProgress。其他任何失敗都已回滾，回傳單一 RebuildFailure。
//
// 重建本身不隨 ctx 取消，只受 Config.Timeout 限制；ctx 結束時
// 呼叫者先行返回，重建照常完成，其他等待者仍拿到結果。
func (b *Builder) Rebuild(ctx context.Context) (Result, error) {
	ch := b.group.DoChan(rebuildKey, func() (any, error) {
		return b.run(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			b.logger.InfoContext(ctx, "joined in-flight rebuild")
		}
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, rebuildFailure(ctx, "wait for rebuild", ctx.Err())
	}
}

// Status 目前狀態
func (b *Builder) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Running:   b.running,
		LastError: b.lastErr,
		LastRunAt: b.lastRun,
	}
	if b.last != nil {
		last := *b.last
		st.Last = &last
	}
	return st
}

func (b *Builder) run(ctx context.Context) (Result, error) {
	b.setRunning(true)

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := b.rebuild(ctx)
	res.StartedAt = start.UTC()
	res.Duration = time.Since(start)

	b.finish(res, err)

	if err != nil {
		if apperrors.IsRebuildInProgress(err) {
			b.logger.WarnContext(ctx, "rebuild rejected, another instance holds the lock")
		} else {
			logger.LogError(ctx, b.logger, "projection rebuild failed", err)
		}
		return Result{}, err
	}

	logger.Metrics(ctx, b.logger, "projection.rebuild", res.Duration, slog.Int64("records", res.Records))
	return res, nil
}

// rebuild 在單一交易內清空並回填 deposts
func (b *Builder) rebuild(ctx context.Context) (res Result, err error) {
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return res, rebuildFailure(ctx, "begin transaction", err)
	}
	defer func() {
		if err == nil {
			return
		}
		// ctx 可能已逾時，回滾改用不會被取消的 context
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			b.logger.Error("rollback failed", "error", rbErr)
		}
	}()

	var locked bool
	if err = tx.QueryRow(ctx, lockSQL, b.cfg.LockKey).Scan(&locked); err != nil {
		return res, rebuildFailure(ctx, "acquire rebuild lock", err)
	}
	if !locked {
		err = apperrors.ErrRebuildInProgress
		return res, err
	}

	if _, err = tx.Exec(ctx, clearSQL); err != nil {
		return res, rebuildFailure(ctx, "clear deposts", err)
	}

	tag, err := tx.Exec(ctx, populateSQL)
	if err != nil {
		return res, rebuildFailure(ctx, "populate deposts", err)
	}
	res.Records = tag.RowsAffected()

	if err = tx.Commit(ctx); err != nil {
		return res, rebuildFailure(ctx, "commit", err)
	}
	return res, nil
}

func (b *Builder) setRunning(running bool) {
	b.mu.Lock()
	b.running = running
	b.mu.Unlock()
}

func (b *Builder) finish(res Result, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.running = false
	b.lastRun = res.StartedAt
	if err != nil {
		b.lastErr = err.Error()
		return
	}
	b.lastErr = ""
	b.last = &res
}

// rebuildFailure 逾時與取消保留 TIMEOUT 細節，但錯誤碼一律是 RebuildFailure
func rebuildFailure(ctx context.Context, step string, err error) error {
	e := apperrors.Wrap(err, apperrors.ErrCodeRebuild, fmt.Sprintf("projection failed: %s", step))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return e.WithDetails(ctxErr.Error())
	}
	return e
}
