package posts

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Querier pgxpool.Pool、pgx.Conn 與 pgx.Tx 都滿足此介面
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository 讀模型查詢，只讀不寫
type Repository struct {
	db Querier
}

// NewRepository 建立讀模型查詢
func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

// tags @> ARRAY[tag] 與 tag = ANY(tags) 語意相同，但能使用 GIN 索引
const (
	listSQL = `
		SELECT post_id, COALESCE(title, ''), COALESCE(body, ''), tags, comments_count, updated_at
		FROM deposts
		WHERE ($3::text = '' OR tags @> ARRAY[$3::text])
		ORDER BY updated_at DESC, post_id ASC
		LIMIT $1 OFFSET $2`

	countSQL = `
		SELECT count(*)
		FROM deposts
		WHERE ($1::text = '' OR tags @> ARRAY[$1::text])`
)

// List 依 updated_at 由新到舊取出一頁
//
// 同一次重建的所有記錄 updated_at 相同，以 post_id 作為次要排序，
// 讓分頁在重建之間保持穩定。tag 為空代表不篩選。
func (r *Repository) List(ctx context.Context, limit int, offset int64, tag string) ([]Record, error) {
	rows, err := r.db.Query(ctx, listSQL, limit, offset, tag)
	if err != nil {
		return nil, fmt.Errorf("query deposts: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.PostID, &rec.Title, &rec.Body, &rec.Tags, &rec.CommentsCount, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan deposts: %w", err)
		}
		if rec.Tags == nil {
			rec.Tags = []string{}
		}
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deposts: %w", err)
	}

	return records, nil
}

// Count 符合篩選條件的總筆數（不是該頁筆數）
func (r *Repository) Count(ctx context.Context, tag string) (int, error) {
	var total int64
	if err := r.db.QueryRow(ctx, countSQL, tag).Scan(&total); err != nil {
		return 0, fmt.Errorf("count deposts: %w", err)
	}
	return int(total), nil
}
