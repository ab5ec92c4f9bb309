package permission

import (
	"context"
	"errors"
	"sync"
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

var testScope = core.NewScopeKey("7", "7", "")

type memApprovals struct {
	mu       sync.Mutex
	created  []core.ApprovalRequest
	resolved map[string]core.Resolution
	expired  int
}

func (m *memApprovals) CreateApproval(_ context.Context, req core.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, req)
	return nil
}

func (m *memApprovals) ResolveApproval(_ context.Context, id string, res core.Resolution, _ core.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolved == nil {
		m.resolved = map[string]core.Resolution{}
	}
	m.resolved[id] = res
	return nil
}

func (m *memApprovals) ExpireAllPending(context.Context) (int, error) {
	return m.expired, nil
}

// resolveOnAnnounce answers every announced request from another goroutine.
func resolveOnAnnounce(t *testing.T, b *Bridge, decision core.Decision, wg *sync.WaitGroup) func(core.ApprovalRequest) {
	return func(req core.ApprovalRequest) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := b.Resolve(req.RequestID, req.Scope.UserID, decision)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
}

func TestRequest_ResolvedByFrontend(t *testing.T) {
	store := &memApprovals{}
	var observed []core.Resolution
	b := NewBridge(func(o *Options) {
		o.Store = store
		o.OnResolved = func(req core.ApprovalRequest, _ core.Decision) { observed = append(observed, req.Resolution) }
	})

	var wg sync.WaitGroup
	d, err := b.Request(context.Background(), testScope, "s1", "Bash", map[string]any{"command": "ls"}, resolveOnAnnounce(t, b, core.DecisionAllow, &wg))
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, core.DecisionAllow, d)
	require.Len(t, store.created, 1)
	assert.Len(t, store.created[0].RequestID, 8)
	assert.Equal(t, core.ResolutionApproved, store.resolved[store.created[0].RequestID])
	assert.Equal(t, []core.Resolution{core.ResolutionApproved}, observed)
	assert.Empty(t, b.Pending())
}

func TestRequest_TimeoutDeniesExactlyOnce(t *testing.T) {
	store := &memApprovals{}
	b := NewBridge(func(o *Options) {
		o.Timeout = 20 * time.Millisecond
		o.Store = store
	})

	var announced core.ApprovalRequest
	d, err := b.Request(context.Background(), testScope, "", "Write", nil, func(req core.ApprovalRequest) { announced = req })
	require.NoError(t, err)
	assert.Equal(t, core.DecisionDeny, d)
	assert.Equal(t, core.ResolutionExpired, store.resolved[announced.RequestID])

	// late resolution is a no-op
	ok, err := b.Resolve(announced.RequestID, "7", core.DecisionAllow)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestResolve_SecondResolutionIsNoOp(t *testing.T) {
	b := NewBridge()

	results := make(chan bool, 2)
	announce := func(req core.ApprovalRequest) {
		go func() {
			ok1, _ := b.Resolve(req.RequestID, "", core.DecisionDeny)
			ok2, _ := b.Resolve(req.RequestID, "", core.DecisionAllow)
			results <- ok1
			results <- ok2
		}()
	}

	d, err := b.Request(context.Background(), testScope, "", "Edit", nil, announce)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionDeny, d)
	assert.True(t, <-results)
	assert.False(t, <-results)
}

func TestResolve_UserMismatch(t *testing.T) {
	b := NewBridge()

	done := make(chan struct{})
	announce := func(req core.ApprovalRequest) {
		go func() {
			defer close(done)
			ok, err := b.Resolve(req.RequestID, "intruder", core.DecisionAllow)
			assert.ErrorIs(t, err, ErrUserMismatch)
			assert.False(t, ok)
			ok, err = b.Resolve(req.RequestID, "7", core.DecisionDeny)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}

	d, err := b.Request(context.Background(), testScope, "", "Bash", nil, announce)
	<-done
	require.NoError(t, err)
	assert.Equal(t, core.DecisionDeny, d)
}

func TestResolve_UnknownRequest(t *testing.T) {
	ok, err := NewBridge().Resolve("nope", "7", core.DecisionAllow)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestRequest_AllowAndDenyLists(t *testing.T) {
	b := NewBridge(func(o *Options) {
		o.AllowedTools = []string{"Read"}
		o.DisallowedTools = []string{"WebFetch"}
	})
	never := func(core.ApprovalRequest) { t.Fatal("must not suspend") }

	d, err := b.Request(context.Background(), testScope, "", "Read", nil, never)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAllow, d)

	d, err = b.Request(context.Background(), testScope, "", "WebFetch", nil, never)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionDeny, d)
}

func TestRequest_AllowAllGrantsScope(t *testing.T) {
	b := NewBridge()

	var wg sync.WaitGroup
	d, err := b.Request(context.Background(), testScope, "", "Bash", nil, resolveOnAnnounce(t, b, core.DecisionAllowAll, &wg))
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAllowAll, d)

	never := func(core.ApprovalRequest) { t.Fatal("must not suspend") }
	d, err = b.Request(context.Background(), testScope, "", "Bash", nil, never)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAllow, d)

	b.ClearScope(testScope)

	d, err = b.Request(context.Background(), testScope, "", "Bash", nil, resolveOnAnnounce(t, b, core.DecisionDeny, &wg))
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, core.DecisionDeny, d)
}

func TestRequest_ContextCancelled(t *testing.T) {
	b := NewBridge()
	ctx, cancel := context.WithCancel(context.Background())

	d, err := b.Request(ctx, testScope, "", "Bash", nil, func(core.ApprovalRequest) { cancel() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, core.DecisionDeny, d)
}

func TestExpirePending(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	b := NewBridge(func(o *Options) { o.Clock = clock })

	announced := make(chan core.ApprovalRequest, 1)
	result := make(chan core.Decision, 1)
	go func() {
		d, _ := b.Request(context.Background(), testScope, "", "Bash", nil, func(req core.ApprovalRequest) { announced <- req })
		result <- d
	}()

	req := <-announced
	require.Len(t, b.Pending(), 1)
	assert.Equal(t, req.RequestID, b.Pending()[0].RequestID)

	assert.Equal(t, 0, b.ExpirePending(time.Minute))

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	assert.Equal(t, 1, b.ExpirePending(time.Minute))
	assert.Equal(t, core.DecisionDeny, <-result)
}

func TestRecover(t *testing.T) {
	b := NewBridge(func(o *Options) { o.Store = &memApprovals{expired: 3} })
	n, err := b.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = NewBridge().Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

type failingApprovals struct{ memApprovals }

func (f *failingApprovals) CreateApproval(context.Context, core.ApprovalRequest) error {
	return errors.New("db down")
}

func TestRequest_StoreFailureDenies(t *testing.T) {
	b := NewBridge(func(o *Options) { o.Store = &failingApprovals{} })
	d, err := b.Request(context.Background(), testScope, "", "Bash", nil, nil)
	assert.Error(t, err)
	assert.Equal(t, core.DecisionDeny, d)
}
