package task

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTryAcquire_BusyIsImmediate(t *testing.T) {
	r := NewRegistry()
	key := core.NewScopeKey("1", "1", "")

	h, err := r.TryAcquire(context.Background(), key, "list files")
	require.NoError(t, err)

	start := time.Now()
	_, err = r.TryAcquire(context.Background(), key, "continue")
	assert.ErrorIs(t, err, core.ErrBusy)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	r.Release(h, StateCompleted)
	assert.Equal(t, StateCompleted, h.State())

	h2, err := r.TryAcquire(context.Background(), key, "continue")
	require.NoError(t, err)
	r.Release(h2, StateCompleted)
}

func TestTryAcquire_AtMostOnePerScope(t *testing.T) {
	r := NewRegistry()
	key := core.NewScopeKey("1", "1", "")

	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		handles = make(chan *Handle, 32)
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h, err := r.TryAcquire(context.Background(), key, "p"); err == nil {
				won.Add(1)
				handles <- h
			}
		}()
	}
	wg.Wait()
	close(handles)

	assert.Equal(t, int32(1), won.Load())
	for h := range handles {
		r.Release(h, StateCompleted)
	}
}

func TestScopesRunInParallel(t *testing.T) {
	r := NewRegistry()
	h1, err := r.TryAcquire(context.Background(), core.NewScopeKey("1", "1", ""), "a")
	require.NoError(t, err)
	h2, err := r.TryAcquire(context.Background(), core.NewScopeKey("1", "1", "t"), "b")
	require.NoError(t, err)

	assert.Len(t, r.List(), 2)

	r.Release(h1, StateCompleted)
	r.Release(h2, StateFailed)
	assert.Empty(t, r.List())
	assert.Equal(t, StateFailed, h2.State())
}

func TestCancel_SignalsContext(t *testing.T) {
	r := NewRegistry()
	key := core.NewScopeKey("1", "1", "")

	assert.False(t, r.Cancel(key))

	h, err := r.TryAcquire(context.Background(), key, "long job")
	require.NoError(t, err)

	assert.True(t, r.Cancel(key))

	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}

	assert.Equal(t, StateCancelled, h.State())
	r.Release(h, StateFailed)
	// cancelled wins over later states
	assert.Equal(t, StateCancelled, h.State())

	_, ok := r.Active(key)
	assert.False(t, ok)
}

func TestCancel_ForceReleaseAfterGrace(t *testing.T) {
	r := NewRegistry(func(o *Options) { o.CancelGrace = 20 * time.Millisecond })
	key := core.NewScopeKey("1", "1", "")

	stuck, err := r.TryAcquire(context.Background(), key, "ignores cancel")
	require.NoError(t, err)
	require.True(t, r.Cancel(key))

	require.Eventually(t, func() bool {
		h, err := r.TryAcquire(context.Background(), key, "next")
		if err != nil {
			return false
		}
		// the stale owner releasing late must not free the new slot
		r.Release(stuck, StateCompleted)
		_, held := r.Active(key)
		assert.True(t, held)
		r.Release(h, StateCompleted)
		return true
	}, time.Second, 5*time.Millisecond)

	// give the grace timer goroutine time to finish
	time.Sleep(30 * time.Millisecond)
}

func TestOnChange_ReportsActiveCount(t *testing.T) {
	var last atomic.Int32
	r := NewRegistry(func(o *Options) { o.OnChange = func(n int) { last.Store(int32(n)) } })

	h, err := r.TryAcquire(context.Background(), core.NewScopeKey("1", "1", ""), "x")
	require.NoError(t, err)
	assert.Equal(t, int32(1), last.Load())

	r.Release(h, StateCompleted)
	assert.Equal(t, int32(0), last.Load())
}

func TestPromptSummaryTruncated(t *testing.T) {
	r := NewRegistry()
	key := core.NewScopeKey("1", "1", "")

	h, err := r.TryAcquire(context.Background(), key, strings.Repeat("ä", 150))
	require.NoError(t, err)
	defer r.Release(h, StateCompleted)

	info, ok := r.Active(key)
	require.True(t, ok)
	assert.Len(t, []rune(info.PromptSummary), 100)
}

func TestCancelAll(t *testing.T) {
	r := NewRegistry(func(o *Options) { o.CancelGrace = time.Millisecond })
	for _, th := range []string{"a", "b"} {
		_, err := r.TryAcquire(context.Background(), core.NewScopeKey("1", "1", th), "x")
		require.NoError(t, err)
	}

	assert.Equal(t, 2, r.CancelAll())
	require.Eventually(t, func() bool { return len(r.List()) == 0 }, time.Second, time.Millisecond)
}
