package testutils

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-read-model-cache/internal/config"
)

// DefaultTestConfig 返回測試用的預設配置
func DefaultTestConfig() *config.Config {
	cfg := &config.Config{}

	// Server 配置
	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second

	// Redis 配置
	cfg.Redis.PoolSize = 10
	cfg.Redis.ConnectTimeout = 2 * time.Second
	cfg.Redis.OpTimeout = 500 * time.Millisecond

	// PostgreSQL 配置
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	// 快取與分頁
	cfg.Cache.TTL = time.Minute
	cfg.Cache.Codec = "json"
	cfg.Posts.PageSize = 10
	cfg.Posts.QueryTimeout = 5 * time.Second

	// 重建
	cfg.Projection.Timeout = 20 * time.Second
	cfg.Projection.LockKey = config.DefaultLockKey

	// Log 配置
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"

	return cfg
}

// SeedPost 一篇測試文章
type SeedPost struct {
	Title    string
	Body     string
	Tags     []string
	Comments int
}

// SeedPosts 寫入正規化的來源資料，回傳依序產生的文章 ID
//
// 同名標籤只建立一次；Tags 中重複的名稱會產生重複的 post_tags 關聯。
func SeedPosts(t testing.TB, pool *pgxpool.Pool, posts []SeedPost) []int {
	t.Helper()

	ctx := context.Background()
	tagIDs := make(map[string]int)
	ids := make([]int, 0, len(posts))

	for _, p := range posts {
		var postID int
		err := pool.QueryRow(ctx,
			`INSERT INTO posts (title, body) VALUES ($1, $2) RETURNING id`,
			p.Title, p.Body,
		).Scan(&postID)
		require.NoError(t, err, "insert post")
		ids = append(ids, postID)

		for _, name := range p.Tags {
			tagID, ok := tagIDs[name]
			if !ok {
				err := pool.QueryRow(ctx,
					`INSERT INTO tags (name) VALUES ($1) RETURNING id`, name,
				).Scan(&tagID)
				require.NoError(t, err, "insert tag")
				tagIDs[name] = tagID
			}
			_, err := pool.Exec(ctx,
				`INSERT INTO post_tags (post_id, tag_id) VALUES ($1, $2)`, postID, tagID)
			require.NoError(t, err, "insert post_tag")
		}

		for i := 0; i < p.Comments; i++ {
			_, err := pool.Exec(ctx,
				`INSERT INTO comments (post_id, body) VALUES ($1, $2)`, postID, "comment")
			require.NoError(t, err, "insert comment")
		}
	}

	return ids
}

// GeneratePosts 產生 n 篇文章，前 tagged 篇帶有 tag
func GeneratePosts(n, tagged int, tag string) []SeedPost {
	posts := make([]SeedPost, n)
	for i := range posts {
		posts[i] = SeedPost{
			Title: "post",
			Body:  "body",
		}
		if i < tagged {
			posts[i].Tags = []string{tag}
		}
	}
	return posts
}

// MakeHTTPRequest 執行 HTTP 請求的輔助函數
func MakeHTTPRequest(t testing.TB, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		if str, ok := body.(string); ok {
			bodyReader = strings.NewReader(str)
		} else {
			jsonBytes, err := json.Marshal(body)
			require.NoError(t, err)
			bodyReader = strings.NewReader(string(jsonBytes))
		}
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	return recorder
}

// ParseJSONResponse 解析 JSON 響應
func ParseJSONResponse(t testing.TB, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()

	err := json.NewDecoder(recorder.Body).Decode(target)
	require.NoError(t, err, "failed to parse JSON response")
}

// RunConcurrently 同時啟動 n 個 goroutine 執行 fn，等待全部完成
func RunConcurrently(t testing.TB, n int, fn func(worker int)) {
	t.Helper()

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			<-start
			fn(worker)
		}(i)
	}
	close(start)
	wg.Wait()
}
