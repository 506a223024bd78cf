package projection

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/koopa0/system-design/14-read-model-cache/pkg/errors"
	"github.com/koopa0/system-design/14-read-model-cache/pkg/logger"
)

// fakeRow 回傳固定的 advisory lock 結果
type fakeRow struct {
	locked bool
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*bool) = r.locked
	return nil
}

// fakeTx 只實作重建用到的方法，其餘呼叫會 panic
type fakeTx struct {
	pgx.Tx

	locked    bool
	lockErr   error
	clearErr  error
	insertErr error
	commitErr error
	rows      int64
	delay     time.Duration

	mu         sync.Mutex
	execs      []string
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	return fakeRow{locked: tx.locked, err: tx.lockErr}
}

func (tx *fakeTx) Exec(ctx context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	tx.mu.Lock()
	tx.execs = append(tx.execs, sql)
	tx.mu.Unlock()

	switch sql {
	case clearSQL:
		if tx.delay > 0 {
			select {
			case <-time.After(tx.delay):
			case <-ctx.Done():
				return pgconn.CommandTag{}, ctx.Err()
			}
		}
		return pgconn.NewCommandTag("DELETE 0"), tx.clearErr
	case populateSQL:
		if tx.insertErr != nil {
			return pgconn.CommandTag{}, tx.insertErr
		}
		return pgconn.NewCommandTag("INSERT 0 " + strconv.FormatInt(tx.rows, 10)), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected statement")
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.committed {
		return pgx.ErrTxClosed
	}
	tx.rolledBack = true
	return nil
}

func (tx *fakeTx) isCommitted() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.committed
}

// fakeDB 每次 Begin 都回傳同一個 fakeTx
type fakeDB struct {
	tx       *fakeTx
	beginErr error
	begins   atomic.Int32
}

func (db *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	db.begins.Add(1)
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	return db.tx, nil
}

func newTestBuilder(db TxBeginner) *Builder {
	return NewBuilder(db, Config{Timeout: 5 * time.Second, LockKey: 1}, logger.Discard())
}

func TestBuilder_Rebuild_Success(t *testing.T) {
	tx := &fakeTx{locked: true, rows: 15}
	b := newTestBuilder(&fakeDB{tx: tx})

	res, err := b.Rebuild(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 15, res.Records)
	assert.False(t, res.StartedAt.IsZero())
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	assert.Equal(t, []string{clearSQL, populateSQL}, tx.execs, "clear must run before populate")

	st := b.Status()
	assert.False(t, st.Running)
	require.NotNil(t, st.Last)
	assert.EqualValues(t, 15, st.Last.Records)
	assert.Empty(t, st.LastError)
}

func TestBuilder_Rebuild_Failures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name         string
		db           *fakeDB
		wantRollback bool
		wantCode     string
	}{
		{
			name:     "begin fails",
			db:       &fakeDB{beginErr: boom},
			wantCode: apperrors.ErrCodeRebuild,
		},
		{
			name:         "lock query fails",
			db:           &fakeDB{tx: &fakeTx{lockErr: boom}},
			wantRollback: true,
			wantCode:     apperrors.ErrCodeRebuild,
		},
		{
			name:         "lock held by another instance",
			db:           &fakeDB{tx: &fakeTx{locked: false}},
			wantRollback: true,
			wantCode:     apperrors.ErrCodeRebuildInProgress,
		},
		{
			name:         "clear fails",
			db:           &fakeDB{tx: &fakeTx{locked: true, clearErr: boom}},
			wantRollback: true,
			wantCode:     apperrors.ErrCodeRebuild,
		},
		{
			name:         "populate fails",
			db:           &fakeDB{tx: &fakeTx{locked: true, insertErr: boom}},
			wantRollback: true,
			wantCode:     apperrors.ErrCodeRebuild,
		},
		{
			name:         "commit fails",
			db:           &fakeDB{tx: &fakeTx{locked: true, commitErr: boom}},
			wantRollback: true,
			wantCode:     apperrors.ErrCodeRebuild,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBuilder(tt.db)

			_, err := b.Rebuild(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.Code(err))

			if tt.db.tx != nil {
				assert.Equal(t, tt.wantRollback, tt.db.tx.rolledBack)
				assert.False(t, tt.db.tx.committed)
			}

			st := b.Status()
			assert.False(t, st.Running)
			assert.Nil(t, st.Last)
			assert.NotEmpty(t, st.LastError)
		})
	}
}

// 行程內同時觸發的重建只執行一次
func TestBuilder_Rebuild_Coalesces(t *testing.T) {
	tx := &fakeTx{locked: true, rows: 3, delay: 150 * time.Millisecond}
	db := &fakeDB{tx: tx}
	b := newTestBuilder(db)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	results := make([]Result, 10)
	errs := make([]error, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = b.Rebuild(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, db.begins.Load())
	for i := range results {
		require.NoError(t, errs[i])
		assert.EqualValues(t, 3, results[i].Records)
	}
}

// 觸發者斷線不會讓同時等待的其他呼叫者失敗
func TestBuilder_Rebuild_CallerCancelDoesNotFailJoiners(t *testing.T) {
	tx := &fakeTx{locked: true, rows: 7, delay: 150 * time.Millisecond}
	db := &fakeDB{tx: tx}
	b := newTestBuilder(db)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := b.Rebuild(ctx)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return db.begins.Load() == 1 }, time.Second, 5*time.Millisecond)

	type outcome struct {
		res Result
		err error
	}
	joined := make(chan outcome, 1)
	go func() {
		res, err := b.Rebuild(context.Background())
		joined <- outcome{res, err}
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	err := <-firstErr
	require.Error(t, err)
	assert.True(t, apperrors.IsRebuildFailure(err))
	assert.ErrorIs(t, err, context.Canceled)

	out := <-joined
	require.NoError(t, out.err)
	assert.EqualValues(t, 7, out.res.Records)

	assert.EqualValues(t, 1, db.begins.Load())
	assert.True(t, tx.isCommitted())
	assert.False(t, tx.rolledBack)
}

// 唯一的觸發者離開後，重建仍會完成並提交
func TestBuilder_Rebuild_AbandonedStillCommits(t *testing.T) {
	tx := &fakeTx{locked: true, rows: 2, delay: 100 * time.Millisecond}
	b := newTestBuilder(&fakeDB{tx: tx})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Rebuild(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, tx.isCommitted, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !b.Status().Running }, time.Second, 10*time.Millisecond)
	st := b.Status()
	require.NotNil(t, st.Last)
	assert.EqualValues(t, 2, st.Last.Records)
}

func TestBuilder_Rebuild_Timeout(t *testing.T) {
	tx := &fakeTx{locked: true, delay: time.Second}
	b := NewBuilder(&fakeDB{tx: tx}, Config{Timeout: 50 * time.Millisecond, LockKey: 1}, logger.Discard())

	_, err := b.Rebuild(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsRebuildFailure(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, tx.rolledBack)
}

// 失敗後再次重建仍可成功，狀態以最後一次為準
func TestBuilder_Rebuild_RecoversAfterFailure(t *testing.T) {
	tx := &fakeTx{locked: true, insertErr: errors.New("boom"), rows: 2}
	b := newTestBuilder(&fakeDB{tx: tx})

	_, err := b.Rebuild(context.Background())
	require.Error(t, err)
	require.NotEmpty(t, b.Status().LastError)

	tx.insertErr = nil
	tx.rolledBack = false

	res, err := b.Rebuild(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Records)

	st := b.Status()
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.Last)
}
