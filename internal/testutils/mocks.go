package testutils

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/14-read-model-cache/internal/posts"
)

// MockRecordStore 實作 posts.RecordStore 的記憶體版本
//
// records 需已依 updated_at DESC, post_id ASC 排好。
type MockRecordStore struct {
	mu      sync.RWMutex
	records []posts.Record

	ListCalls  atomic.Int32
	CountCalls atomic.Int32

	// 錯誤注入
	FailError error
	// ListDelay 模擬慢查詢，用於驗證併發合併
	ListDelay time.Duration
}

// NewMockRecordStore 建立 MockRecordStore
func NewMockRecordStore(records ...posts.Record) *MockRecordStore {
	return &MockRecordStore{records: records}
}

// SetRecords 替換全部記錄
func (m *MockRecordStore) SetRecords(records []posts.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = records
}

// List 實作 posts.RecordStore
func (m *MockRecordStore) List(ctx context.Context, limit int, offset int64, tag string) ([]posts.Record, error) {
	m.ListCalls.Add(1)
	if m.ListDelay > 0 {
		select {
		case <-time.After(m.ListDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.FailError != nil {
		return nil, m.FailError
	}

	filtered := m.filter(tag)
	if offset >= int64(len(filtered)) {
		return []posts.Record{}, nil
	}
	end := offset + int64(limit)
	if end > int64(len(filtered)) {
		end = int64(len(filtered))
	}
	return append([]posts.Record{}, filtered[offset:end]...), nil
}

// Count 實作 posts.RecordStore
func (m *MockRecordStore) Count(_ context.Context, tag string) (int, error) {
	m.CountCalls.Add(1)
	if m.FailError != nil {
		return 0, m.FailError
	}
	return len(m.filter(tag)), nil
}

func (m *MockRecordStore) filter(tag string) []posts.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if tag == "" {
		return m.records
	}
	var out []posts.Record
	for _, r := range m.records {
		for _, t := range r.Tags {
			if t == tag {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// MockPageCache 實作 posts.PageCache 的記憶體版本，以 JSON 保存內容
//
// Down 為 true 時模擬快取不可用：Get 一律未命中、Set 略過。
type MockPageCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration

	Down bool

	GetCalls atomic.Int32
	SetCalls atomic.Int32
}

// NewMockPageCache 建立 MockPageCache
func NewMockPageCache() *MockPageCache {
	return &MockPageCache{
		entries: make(map[string][]byte),
		ttls:    make(map[string]time.Duration),
	}
}

// Get 實作 posts.PageCache
func (m *MockPageCache) Get(_ context.Context, key string, dst any) bool {
	m.GetCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Down {
		return false
	}
	data, ok := m.entries[key]
	if !ok {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// Set 實作 posts.PageCache
func (m *MockPageCache) Set(_ context.Context, key string, value any, ttl time.Duration) {
	m.SetCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Down {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	m.entries[key] = data
	m.ttls[key] = ttl
}

// Put 直接寫入快取內容（模擬其他實例寫入或過時資料）
func (m *MockPageCache) Put(key string, value any) {
	data, _ := json.Marshal(value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = data
}

// Has 快取是否有此鍵
func (m *MockPageCache) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// TTL 寫入此鍵時使用的 TTL
func (m *MockPageCache) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttls[key]
}
