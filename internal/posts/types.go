// Package posts 提供讀模型（deposts）的分頁查詢
//
// 讀取流程（Cache-Aside）：
//  1. 由 (page, tag) 算出快取鍵
//  2. 命中：原樣回傳，不再對資料庫驗證
//  3. 未命中：查 deposts 取得該頁與總筆數 → 寫入快取 → 回傳
//
// 快取內容可能在 TTL 內過時；寫入端從不主動失效快取。
package posts

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// 分頁預設值
const (
	DefaultPageSize = 10
	DefaultTTL      = 60 * time.Second

	DefaultQueryTimeout = 5 * time.Second

	// MaxPage 頁碼上限，確保 OFFSET 計算不會溢位
	MaxPage = math.MaxInt32

	allTags = "all"
)

// Record 非正規化的文章讀模型，一篇文章一筆
type Record struct {
	PostID        int       `json:"postId"`
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	Tags          []string  `json:"tags"`
	CommentsCount int       `json:"commentsCount"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Pagination 分頁資訊
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// Page 一次分頁查詢的完整結果，也是快取的內容
type Page struct {
	Posts      []Record   `json:"posts"`
	Pagination Pagination `json:"pagination"`
}

// CacheKey 由頁碼與標籤算出快取鍵：posts:page:<page>:tag:<tag 或 all>
//
// 格式唯一的例外：標籤本身就叫 "all"（或以 % 開頭）時，<tag> 段
// 改為 "%" + 標籤，例如 posts:page:1:tag:%all，
// 避免篩選結果與未篩選的頁面共用同一個鍵。
func CacheKey(page int, tag string) string {
	return fmt.Sprintf("posts:page:%d:tag:%s", page, keyTag(tag))
}

func keyTag(tag string) string {
	switch {
	case tag == "":
		return allTags
	case tag == allTags, strings.HasPrefix(tag, "%"):
		return "%" + tag
	default:
		return tag
	}
}

// TotalPages ceil(total / limit)
func TotalPages(total, limit int) int {
	if total <= 0 || limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// NormalizePage 小於 1 的頁碼一律視為第 1 頁
func NormalizePage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}
