// Package cache 實作讀取路徑上的 Cache-Aside 快取層
//
// 組成：
//   - Manager：Redis 連線的生命週期與失敗狀態（延遲初始化、只降級一次）
//   - Store：建立在 Manager 之上的 Get/Set，負責序列化與 TTL
//   - Codec：快取內容的序列化格式（JSON 或 MessagePack）
//
// 快取只是延遲最佳化，不是資料來源：
// 任何快取錯誤都在這一層吸收，不會變成請求失敗。
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
)

// State 連線狀態
//
//	Uninitialized → Connecting → Ready
//	                           ↘ Failed
//	Ready ──(致命錯誤)──────────→ Failed
//
// Disabled：沒有設定端點，一開始就不可用。
// Failed 與 Disabled 都是終止狀態，整個行程生命週期內不再重試。
type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateFailed
	StateDisabled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateDisabled:
		return "disabled"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ManagerConfig 連線管理設定
type ManagerConfig struct {
	// URL Redis 端點（如 redis://localhost:6379/0），空字串代表停用
	URL string
	// ConnectTimeout 單次連線嘗試（含 PING）的上限，也是等待者的最長等待時間
	ConnectTimeout time.Duration
	// PoolSize 連線池大小，0 使用 go-redis 預設值
	PoolSize int
}

// Manager 管理行程共用的 Redis 連線
//
// 第一個呼叫 Acquire 的請求觸發連線；連線中的其他呼叫者
// 等待同一次嘗試的結果，不會各自再連一次。
// 連線失敗或執行期出現連線層級錯誤後，永久降級為不可用，
// 避免對已掛掉的快取造成重試風暴。
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	client *redis.Client
	done   chan struct{} // 本次連線嘗試結束時關閉

	attempts atomic.Int32
}

// NewManager 建立連線管理器，不會立即連線
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger.With("component", "cache_manager"),
		state:  StateUninitialized,
	}
	if cfg.URL == "" {
		m.state = StateDisabled
		m.logger.Info("cache endpoint not configured, caching disabled")
	}
	return m
}

// Acquire 取得可用的 Redis 客戶端
//
// 第二個回傳值為 false 代表「快取不可用，請直接略過」。
// 等待時間受 ctx 與 ConnectTimeout 雙重限制。
func (m *Manager) Acquire(ctx context.Context) (*redis.Client, bool) {
	m.mu.Lock()
	switch m.state {
	case StateReady:
		client := m.client
		m.mu.Unlock()
		return client, true

	case StateFailed, StateDisabled, StateClosed:
		m.mu.Unlock()
		return nil, false

	case StateUninitialized:
		m.state = StateConnecting
		m.done = make(chan struct{})
		// 連線嘗試不綁定第一個呼叫者的 ctx：
		// 呼叫者取消請求不應讓整個行程永久失去快取
		go m.connect(m.done)
	}
	done := m.done
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, false
	case <-timer.C:
		m.logger.Warn("timed out waiting for cache connection", "timeout", m.cfg.ConnectTimeout)
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady {
		return nil, false
	}
	return m.client, true
}

// connect 執行唯一一次連線嘗試，結束時關閉 done
func (m *Manager) connect(done chan struct{}) {
	defer close(done)
	m.attempts.Add(1)

	client, err := m.dial()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnecting {
		// 連線期間被 Close
		if client != nil {
			_ = client.Close()
		}
		return
	}

	if err != nil {
		m.state = StateFailed
		m.logger.Warn("cache unavailable, continuing without cache", "error", err)
		return
	}

	m.client = client
	m.state = StateReady
	m.logger.Info("cache connected")
}

func (m *Manager) dial() (*redis.Client, error) {
	opts, err := redis.ParseURL(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse cache url: %w", err)
	}
	opts.DialTimeout = m.cfg.ConnectTimeout
	if m.cfg.PoolSize > 0 {
		opts.PoolSize = m.cfg.PoolSize
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}
	return client, nil
}

// ReportError 回報快取操作錯誤
//
// 只有連線層級的錯誤（連線被拒、斷線、客戶端已關閉）才會讓狀態轉為 Failed；
// 單次操作逾時與 key 不存在不算。回傳是否因此轉為 Failed。
func (m *Manager) ReportError(err error) bool {
	if !isConnectionError(err) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateReady {
		return false
	}

	m.state = StateFailed
	client := m.client
	m.client = nil
	m.logger.Error("cache connection failed, disabling cache for process lifetime", "error", err)

	if client != nil {
		go func() { _ = client.Close() }()
	}
	return true
}

// State 目前狀態
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts 已執行的連線嘗試次數
func (m *Manager) Attempts() int {
	return int(m.attempts.Load())
}

// Close 釋放連線，之後的 Acquire 一律回傳不可用
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client := m.client
	m.client = nil
	if m.state != StateDisabled {
		m.state = StateClosed
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// isConnectionError 判斷是否為連線層級的致命錯誤
func isConnectionError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return !netErr.Timeout()
	}
	return false
}
