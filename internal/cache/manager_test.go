package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-read-model-cache/pkg/logger"
)

func TestManager_Disabled(t *testing.T) {
	m := NewManager(ManagerConfig{}, logger.Discard())

	client, ok := m.Acquire(context.Background())
	assert.False(t, ok)
	assert.Nil(t, client)
	assert.Equal(t, StateDisabled, m.State())
	assert.Zero(t, m.Attempts(), "disabled cache must never connect")

	require.NoError(t, m.Close())
	assert.Equal(t, StateDisabled, m.State())
}

// 端點無法連線：同時的呼叫者共用一次嘗試，之後不再重試
func TestManager_UnreachableConnectsOnce(t *testing.T) {
	m := NewManager(ManagerConfig{
		URL:            "redis://127.0.0.1:1",
		ConnectTimeout: 500 * time.Millisecond,
	}, logger.Discard())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := m.Acquire(ctx)
			assert.False(t, ok)
		}()
	}
	wg.Wait()

	// 等待唯一那次嘗試結束
	require.Eventually(t, func() bool { return m.State() == StateFailed }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		_, ok := m.Acquire(ctx)
		assert.False(t, ok)
	}
	assert.Equal(t, 1, m.Attempts())
}

func TestManager_InvalidURL(t *testing.T) {
	m := NewManager(ManagerConfig{URL: "not a url", ConnectTimeout: time.Second}, logger.Discard())

	_, ok := m.Acquire(context.Background())
	assert.False(t, ok)
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, 1, m.Attempts())
}

// 呼叫者取消不會中斷連線嘗試本身
func TestManager_CallerCancelDoesNotAbortConnect(t *testing.T) {
	m := NewManager(ManagerConfig{
		URL:            "redis://127.0.0.1:1",
		ConnectTimeout: 500 * time.Millisecond,
	}, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := m.Acquire(ctx)
	assert.False(t, ok)

	require.Eventually(t, func() bool { return m.State() == StateFailed }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, m.Attempts())
}

func TestManager_CloseBeforeConnect(t *testing.T) {
	m := NewManager(ManagerConfig{URL: "redis://127.0.0.1:1"}, logger.Discard())
	require.NoError(t, m.Close())

	_, ok := m.Acquire(context.Background())
	assert.False(t, ok)
	assert.Equal(t, StateClosed, m.State())
	assert.Zero(t, m.Attempts())
}

func TestManager_ReportErrorIgnoredWhenNotReady(t *testing.T) {
	m := NewManager(ManagerConfig{}, logger.Discard())
	assert.False(t, m.ReportError(syscall.ECONNREFUSED))
	assert.Equal(t, StateDisabled, m.State())
}

type fakeNetError struct{ timeout bool }

func (e fakeNetError) Error() string   { return "net error" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return false }

var _ net.Error = fakeNetError{}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "key not found", err: redis.Nil, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "client closed", err: redis.ErrClosed, want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "wrapped refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), want: true},
		{name: "reset", err: syscall.ECONNRESET, want: true},
		{name: "broken pipe", err: syscall.EPIPE, want: true},
		{name: "net timeout", err: fakeNetError{timeout: true}, want: false},
		{name: "net failure", err: fakeNetError{timeout: false}, want: true},
		{name: "server error", err: errors.New("WRONGTYPE Operation against a key"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isConnectionError(tt.err))
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "disabled", StateDisabled.String())
	assert.Equal(t, "state(42)", State(42).String())
}
