package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hupe1980/agentrelay/backend"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/testutil"
	"github.com/hupe1980/agentrelay/permission"
	"github.com/hupe1980/agentrelay/session"
	"github.com/hupe1980/agentrelay/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testScope = core.NewScopeKey("u1", "c1", "")

func testRequest(backendName, prompt string) Request {
	return Request{
		Scope:  testScope,
		State:  core.ScopeState{WorkingDirectory: "/work", Backend: backendName},
		Prompt: prompt,
	}
}

func connErr(name string) error {
	return core.NewBackendError(core.FailureConnection, name, "connection reset", nil)
}

type failingSaveStore struct {
	*session.InMemoryStore
}

func (s failingSaveStore) SaveSession(ctx context.Context, rec *core.SessionRecord) error {
	if !rec.IsTemporary() {
		return errors.New("disk full")
	}
	return s.InMemoryStore.SaveSession(ctx, rec)
}

func TestDispatch_PromotesAndResumes(t *testing.T) {
	claude := backend.NewMock("claude")
	sessions := session.NewRegistry()
	eng := New(backend.NewRegistry(claude), func(o *Options) { o.Sessions = sessions })

	rec := testutil.NewUpdateRecorder()
	res, err := eng.Dispatch(context.Background(), testRequest("claude", "hello"), rec.Record)
	require.NoError(t, err)

	assert.Equal(t, "Mock response to: hello", res.Content)
	assert.Equal(t, "claude", res.Backend)
	assert.False(t, res.FellBack)
	assert.False(t, core.IsTemporaryID(res.SessionID))
	assert.Equal(t, []core.UpdateKind{core.KindAssistantText, core.KindFinalResult}, rec.Kinds())

	stored, err := sessions.Resolve(context.Background(), "u1", "/work", "claude", false)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, res.SessionID, stored.SessionID)
	assert.Equal(t, core.SessionPromoted, stored.State)

	_, err = eng.Dispatch(context.Background(), testRequest("claude", "again"), nil)
	require.NoError(t, err)

	calls := claude.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].ResumeSessionID)
	assert.Equal(t, res.SessionID, calls[1].ResumeSessionID)

	stored, err = sessions.Resolve(context.Background(), "u1", "/work", "claude", false)
	require.NoError(t, err)
	assert.Equal(t, core.SessionActive, stored.State)
	assert.Equal(t, 2, stored.MessageCount)
}

func TestDispatch_ResumesPromotedSession(t *testing.T) {
	store := session.NewInMemoryStore()
	require.NoError(t, store.SaveSession(context.Background(),
		testutil.NewSessionBuilder("abc123").Dir("/work").Promoted().Build()))

	claude := backend.NewMock("claude")
	eng := New(backend.NewRegistry(claude), func(o *Options) {
		o.Sessions = session.NewRegistry(func(so *session.Options) { so.Store = store })
	})

	res, err := eng.Dispatch(context.Background(), testRequest("claude", "continue"), nil)
	require.NoError(t, err)

	assert.Equal(t, "abc123", claude.Calls()[0].ResumeSessionID)
	assert.Equal(t, "abc123", res.SessionID)
}

func TestDispatch_NeverResumesTemporaryID(t *testing.T) {
	store := session.NewInMemoryStore()
	require.NoError(t, store.SaveSession(context.Background(),
		testutil.NewSessionBuilder("temp_123").Dir("/work").Build()))

	claude := backend.NewMock("claude")
	eng := New(backend.NewRegistry(claude), func(o *Options) {
		o.Sessions = session.NewRegistry(func(so *session.Options) { so.Store = store })
	})

	_, err := eng.Dispatch(context.Background(), testRequest("claude", "hi"), nil)
	require.NoError(t, err)

	for _, c := range claude.Calls() {
		assert.False(t, core.IsTemporaryID(c.ResumeSessionID))
	}
	assert.Empty(t, claude.Calls()[0].ResumeSessionID)
}

func TestDispatch_ForceNewSession(t *testing.T) {
	store := session.NewInMemoryStore()
	require.NoError(t, store.SaveSession(context.Background(),
		testutil.NewSessionBuilder("abc123").Dir("/work").Active().Build()))

	claude := backend.NewMock("claude")
	eng := New(backend.NewRegistry(claude), func(o *Options) {
		o.Sessions = session.NewRegistry(func(so *session.Options) { so.Store = store })
	})

	req := testRequest("claude", "fresh")
	req.State.ForceNewSession = true

	res, err := eng.Dispatch(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Empty(t, claude.Calls()[0].ResumeSessionID)
	assert.NotEqual(t, "abc123", res.SessionID)
}

func TestDispatch_Busy(t *testing.T) {
	claude := backend.NewMock("claude", backend.MockStep{Delay: 5 * time.Second})
	tasks := task.NewRegistry()
	eng := New(backend.NewRegistry(claude), func(o *Options) { o.Tasks = tasks })

	var (
		wg       sync.WaitGroup
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = eng.Dispatch(context.Background(), testRequest("claude", "slow"), nil)
	}()

	require.Eventually(t, func() bool {
		_, ok := tasks.Active(testScope)
		return ok
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err := eng.Dispatch(context.Background(), testRequest("claude", "second"), nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, core.ErrBusy)

	de, ok := core.AsDispatchError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindBusy, de.Kind)

	assert.True(t, tasks.Cancel(testScope))
	wg.Wait()

	de, ok = core.AsDispatchError(firstErr)
	require.True(t, ok)
	assert.Equal(t, core.KindCancelled, de.Kind)
	assert.Len(t, claude.Calls(), 1)
}

func TestDispatch_FallbackOnce(t *testing.T) {
	t.Run("fallback succeeds", func(t *testing.T) {
		claude := backend.NewMock("claude", backend.MockStep{Err: connErr("claude")})
		codex := backend.NewMock("codex")
		eng := New(backend.NewRegistry(claude, codex), func(o *Options) {
			o.Config.Fallbacks = map[string]string{"claude": "codex"}
		})

		res, err := eng.Dispatch(context.Background(), testRequest("claude", "hi"), nil)
		require.NoError(t, err)

		assert.True(t, res.FellBack)
		assert.Equal(t, "codex", res.Backend)
		assert.Len(t, claude.Calls(), 1)
		assert.Len(t, codex.Calls(), 1)
	})

	t.Run("both fail", func(t *testing.T) {
		claude := backend.NewMock("claude", backend.MockStep{Err: connErr("claude")})
		codex := backend.NewMock("codex", backend.MockStep{Err: connErr("codex")})
		eng := New(backend.NewRegistry(claude, codex), func(o *Options) {
			o.Config.Fallbacks = map[string]string{"claude": "codex", "codex": "claude"}
		})

		_, err := eng.Dispatch(context.Background(), testRequest("claude", "hi"), nil)
		require.Error(t, err)

		de, ok := core.AsDispatchError(err)
		require.True(t, ok)
		assert.Equal(t, core.KindRetryableExhausted, de.Kind)
		assert.Equal(t, "codex", de.Backend)
		assert.Equal(t, 2, de.Attempts)
		assert.Len(t, claude.Calls(), 1)
		assert.Len(t, codex.Calls(), 1)
	})
}

func TestDispatch_NoFallback(t *testing.T) {
	cases := []struct {
		name     string
		primary  backend.MockStep
		fbCaps   *core.Capabilities
		images   bool
		bridge   bool
		wantKind core.ErrorKind
	}{
		{
			name:     "fatal input",
			primary:  backend.MockStep{Err: core.NewBackendError(core.FailureInvalidArgument, "claude", "bad flag", nil)},
			wantKind: core.KindFatalInput,
		},
		{
			name:     "permission",
			primary:  backend.MockStep{Err: core.NewBackendError(core.FailurePermission, "claude", "unauthorized", nil)},
			wantKind: core.KindFatalApproval,
		},
		{
			name:     "approval requested",
			primary:  backend.MockStep{Tool: "Bash", ToolInput: map[string]any{"command": "ls"}, Err: connErr("claude")},
			bridge:   true,
			wantKind: core.KindRetryableExhausted,
		},
		{
			name:     "fallback without images",
			primary:  backend.MockStep{Err: connErr("claude")},
			fbCaps:   &core.Capabilities{Text: true},
			images:   true,
			wantKind: core.KindRetryableExhausted,
		},
		{
			name:     "gated primary with ungated fallback",
			primary:  backend.MockStep{Err: connErr("claude")},
			fbCaps:   &core.Capabilities{Text: true, Images: true},
			bridge:   true,
			wantKind: core.KindRetryableExhausted,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claude := backend.NewMock("claude", tc.primary)
			codex := backend.NewMock("codex")
			if tc.fbCaps != nil {
				codex.WithCapabilities(*tc.fbCaps)
			}

			eng := New(backend.NewRegistry(claude, codex), func(o *Options) {
				o.Config.Fallbacks = map[string]string{"claude": "codex"}
				if tc.bridge {
					o.Permissions = permission.NewBridge(func(po *permission.Options) {
						po.Timeout = 20 * time.Millisecond
					})
				}
			})

			req := testRequest("claude", "hi")
			if tc.images {
				req.Images = []core.Image{{MediaType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}}
			}

			rec := testutil.NewUpdateRecorder()
			_, err := eng.Dispatch(context.Background(), req, rec.Record)
			require.Error(t, err)

			de, ok := core.AsDispatchError(err)
			require.True(t, ok)
			assert.Equal(t, tc.wantKind, de.Kind)
			assert.Equal(t, 1, de.Attempts)
			assert.Empty(t, codex.Calls())

			if tc.name == "approval requested" {
				require.Len(t, rec.PermissionRequests(), 1)
				assert.Equal(t, "Bash", rec.PermissionRequests()[0].ToolName)
			}
		})
	}
}

func TestDispatch_ResumesScopeBoundSession(t *testing.T) {
	tests := []struct {
		name       string
		boundID    string
		wantResume string
	}{
		{name: "bound id wins over newest tuple match", boundID: "older", wantResume: "older"},
		{name: "no bound id resumes newest", boundID: "", wantResume: "newest"},
		{name: "id of another backend starts fresh", boundID: "codex-1", wantResume: ""},
		{name: "unknown id starts fresh", boundID: "gone", wantResume: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := session.NewInMemoryStore()
			ctx := context.Background()
			require.NoError(t, store.SaveSession(ctx,
				testutil.NewSessionBuilder("older").Dir("/work").Active().LastUsed(time.Now().Add(-10*time.Minute)).Build()))
			require.NoError(t, store.SaveSession(ctx,
				testutil.NewSessionBuilder("newest").Dir("/work").Active().Build()))
			require.NoError(t, store.SaveSession(ctx,
				testutil.NewSessionBuilder("codex-1").Dir("/work").Backend("codex").Active().Build()))

			claude := backend.NewMock("claude")
			eng := New(backend.NewRegistry(claude), func(o *Options) {
				o.Sessions = session.NewRegistry(func(so *session.Options) { so.Store = store })
			})

			req := testRequest("claude", "hi")
			req.State.SessionID = tc.boundID

			_, err := eng.Dispatch(ctx, req, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.wantResume, claude.Calls()[0].ResumeSessionID)
		})
	}
}

func TestDispatch_CommitSkippedOnFailure(t *testing.T) {
	claude := backend.NewMock("claude", backend.MockStep{Err: errors.New("boom")})
	eng := New(backend.NewRegistry(claude))

	committed := false
	req := testRequest("claude", "hi")
	req.Commit = func(*core.Result) { committed = true }

	_, err := eng.Dispatch(context.Background(), req, nil)
	require.Error(t, err)
	assert.False(t, committed)

	req.Commit = func(res *core.Result) {
		committed = true
		_, running := eng.tasks.Active(testScope)
		assert.True(t, running)
	}
	_, err = eng.Dispatch(context.Background(), req, nil)
	require.NoError(t, err)
	assert.True(t, committed)
}

func TestDispatch_StaleResumeStartsFreshSession(t *testing.T) {
	store := session.NewInMemoryStore()
	require.NoError(t, store.SaveSession(context.Background(),
		testutil.NewSessionBuilder("stale-1").Dir("/work").Active().Build()))

	claude := backend.NewMock("claude",
		backend.MockStep{Err: core.NewBackendError(core.FailureSessionNotFound, "claude", "no conversation found", nil)},
	)
	codex := backend.NewMock("codex")
	eng := New(backend.NewRegistry(claude, codex), func(o *Options) {
		o.Sessions = session.NewRegistry(func(so *session.Options) { so.Store = store })
		o.Config.Fallbacks = map[string]string{"claude": "codex"}
	})

	res, err := eng.Dispatch(context.Background(), testRequest("claude", "hi"), nil)
	require.NoError(t, err)

	calls := claude.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "stale-1", calls[0].ResumeSessionID)
	assert.Empty(t, calls[1].ResumeSessionID)
	assert.False(t, res.FellBack)
	assert.Empty(t, codex.Calls())

	_, err = store.LoadSession(context.Background(), "u1", "/work", "claude")
	require.NoError(t, err)
	recs, err := store.ListSessions(context.Background(), "u1")
	require.NoError(t, err)
	for _, r := range recs {
		assert.NotEqual(t, "stale-1", r.SessionID)
	}
}

func TestDispatch_TimeoutIsRetryable(t *testing.T) {
	claude := backend.NewMock("claude", backend.MockStep{Delay: 5 * time.Second})
	codex := backend.NewMock("codex")

	t.Run("without fallback", func(t *testing.T) {
		eng := New(backend.NewRegistry(claude), func(o *Options) {
			o.Config.Timeout = 20 * time.Millisecond
		})

		_, err := eng.Dispatch(context.Background(), testRequest("claude", "hi"), nil)
		require.Error(t, err)

		de, ok := core.AsDispatchError(err)
		require.True(t, ok)
		assert.Equal(t, core.FailureTimeout, de.Class)
		assert.Equal(t, core.KindRetryableExhausted, de.Kind)
	})

	t.Run("with fallback", func(t *testing.T) {
		claude.Push(backend.MockStep{Delay: 5 * time.Second})
		eng := New(backend.NewRegistry(claude, codex), func(o *Options) {
			o.Config.Timeout = 20 * time.Millisecond
			o.Config.Fallbacks = map[string]string{"claude": "codex"}
		})

		res, err := eng.Dispatch(context.Background(), testRequest("claude", "hi"), nil)
		require.NoError(t, err)
		assert.True(t, res.FellBack)
	})
}

func TestDispatch_CancelGraceReleasesSlot(t *testing.T) {
	claude := backend.NewMock("claude", backend.MockStep{Delay: 300 * time.Millisecond, IgnoreCancel: true})
	tasks := task.NewRegistry(func(o *task.Options) { o.CancelGrace = 20 * time.Millisecond })
	eng := New(backend.NewRegistry(claude), func(o *Options) { o.Tasks = tasks })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = eng.Dispatch(context.Background(), testRequest("claude", "stubborn"), nil)
	}()

	require.Eventually(t, func() bool {
		_, ok := tasks.Active(testScope)
		return ok
	}, time.Second, 5*time.Millisecond)

	require.True(t, tasks.Cancel(testScope))

	require.Eventually(t, func() bool {
		_, ok := tasks.Active(testScope)
		return !ok
	}, time.Second, 5*time.Millisecond)

	res, err := eng.Dispatch(context.Background(), testRequest("claude", "next"), nil)
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: next", res.Content)

	wg.Wait()
}

func TestDispatch_Callbacks(t *testing.T) {
	t.Run("lifecycle order", func(t *testing.T) {
		claude := backend.NewMock("claude", backend.MockStep{Err: connErr("claude")})
		codex := backend.NewMock("codex")
		eng := New(backend.NewRegistry(claude, codex), func(o *Options) {
			o.Config.Fallbacks = map[string]string{"claude": "codex"}
		})

		var (
			mu   sync.Mutex
			seen []CallbackType
		)
		record := func(_ context.Context, cc *CallbackContext) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, cc.CallbackType)
			if cc.CallbackType == CallbackOnFallback {
				assert.Equal(t, "claude", cc.Backend)
				assert.Equal(t, "codex", cc.Fallback)
			}
			return nil
		}
		for _, ct := range []CallbackType{CallbackBeforeDispatch, CallbackAfterDispatch, CallbackOnFallback, CallbackOnError, CallbackOnUpdate} {
			eng.Callbacks().RegisterCallback(NewFunctionCallback(ct, record))
		}

		_, err := eng.Dispatch(context.Background(), testRequest("claude", "hi"), nil)
		require.NoError(t, err)

		assert.Equal(t, []CallbackType{
			CallbackBeforeDispatch,
			CallbackOnFallback,
			CallbackOnUpdate,
			CallbackOnUpdate,
			CallbackAfterDispatch,
		}, seen)
	})

	t.Run("validation rejects", func(t *testing.T) {
		claude := backend.NewMock("claude")
		eng := New(backend.NewRegistry(claude))
		eng.Callbacks().RegisterCallback(NewPromptValidationCallback(func(prompt string) error {
			if prompt == "" {
				return errors.New("empty prompt")
			}
			return nil
		}))

		_, err := eng.Dispatch(context.Background(), testRequest("claude", ""), nil)
		require.Error(t, err)

		de, ok := core.AsDispatchError(err)
		require.True(t, ok)
		assert.Equal(t, core.KindFatalInput, de.Kind)
		assert.Empty(t, claude.Calls())
	})
}

func TestDispatch_GlobalConcurrencyCeiling(t *testing.T) {
	claude := backend.NewMock("claude", backend.MockStep{Delay: 5 * time.Second})
	tasks := task.NewRegistry()
	eng := New(backend.NewRegistry(claude), func(o *Options) {
		o.Tasks = tasks
		o.Config.MaxConcurrentDispatches = 1
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = eng.Dispatch(context.Background(), testRequest("claude", "slow"), nil)
	}()

	require.Eventually(t, func() bool { return len(claude.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	other := testRequest("claude", "queued")
	other.Scope = core.NewScopeKey("u2", "c2", "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := eng.Dispatch(ctx, other, nil)
	require.Error(t, err)

	de, ok := core.AsDispatchError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindCancelled, de.Kind)
	assert.Len(t, claude.Calls(), 1)

	tasks.CancelAll()
	wg.Wait()
}

func TestDispatch_ModelOnlyForModelSelection(t *testing.T) {
	claude := backend.NewMock("claude")
	codex := backend.NewMock("codex").WithCapabilities(core.Capabilities{Text: true})
	eng := New(backend.NewRegistry(claude, codex))

	req := testRequest("claude", "hi")
	req.State.Model = "opus"
	_, err := eng.Dispatch(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, "opus", claude.Calls()[0].Model)

	req = testRequest("codex", "hi")
	req.State.Model = "opus"
	_, err = eng.Dispatch(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Empty(t, codex.Calls()[0].Model)
}

func TestDispatch_ImagesRejectedByTextOnlyBackend(t *testing.T) {
	codex := backend.NewMock("codex").WithCapabilities(core.Capabilities{Text: true})
	eng := New(backend.NewRegistry(codex))

	req := testRequest("codex", "look")
	req.Images = []core.Image{{MediaType: "image/png", Data: []byte{1}}}

	_, err := eng.Dispatch(context.Background(), req, nil)
	require.Error(t, err)

	de, ok := core.AsDispatchError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindFatalInput, de.Kind)
	assert.Empty(t, codex.Calls())
}

func TestDispatch_UnknownBackend(t *testing.T) {
	eng := New(backend.NewRegistry(backend.NewMock("codex")))

	_, err := eng.Dispatch(context.Background(), testRequest("gemini", "hi"), nil)
	require.Error(t, err)

	de, ok := core.AsDispatchError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindFatalInput, de.Kind)
	assert.ErrorIs(t, err, core.ErrUnknownBackend)
}

func TestDispatch_PermissionGate(t *testing.T) {
	claude := backend.NewMock("claude", backend.MockStep{Tool: "Bash", ToolInput: map[string]any{"command": "ls"}})
	bridge := permission.NewBridge()
	eng := New(backend.NewRegistry(claude), func(o *Options) { o.Permissions = bridge })

	rec := testutil.NewUpdateRecorder()
	updates := func(u core.StreamUpdate) {
		rec.Record(u)
		if p, ok := u.(core.PermissionRequest); ok {
			go func() {
				_, _ = bridge.Resolve(p.Request.RequestID, "u1", core.DecisionAllow)
			}()
		}
	}

	res, err := eng.Dispatch(context.Background(), testRequest("claude", "list"), updates)
	require.NoError(t, err)

	require.Len(t, res.ToolsUsed, 1)
	assert.Equal(t, "Bash", res.ToolsUsed[0].Name)
	assert.Equal(t, []core.UpdateKind{
		core.KindToolCall,
		core.KindPermissionRequest,
		core.KindAssistantText,
		core.KindFinalResult,
	}, rec.Kinds())
	assert.NotNil(t, claude.Calls()[0].Gate)
}

func TestDispatch_ToolValidation(t *testing.T) {
	tests := []struct {
		name   string
		gated  bool
		tool   string
		input  map[string]any
		reject bool
	}{
		{name: "safe command", gated: true, tool: "Bash", input: map[string]any{"command": "ls"}},
		{name: "dangerous command at the gate", gated: true, tool: "Bash", input: map[string]any{"command": "sudo rm -rf build"}, reject: true},
		{name: "dangerous command without gate", tool: "Bash", input: map[string]any{"command": "dd if=/dev/zero of=/dev/sda"}, reject: true},
		{name: "write outside directory", tool: "Write", input: map[string]any{"file_path": "/etc/passwd"}, reject: true},
		{name: "disallowed tool", gated: true, tool: "WebFetch", input: map[string]any{"url": "https://example.com"}, reject: true},
		{name: "read inside directory", tool: "Read", input: map[string]any{"file_path": "/work/main.go"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claude := backend.NewMock("claude", backend.MockStep{Tool: tc.tool, ToolInput: tc.input})
			codex := backend.NewMock("codex")
			bridge := permission.NewBridge(func(o *permission.Options) { o.AllowedTools = []string{"Bash", "Read"} })

			eng := New(backend.NewRegistry(claude, codex), func(o *Options) {
				o.Config.Fallbacks = map[string]string{"claude": "codex"}
				o.Validator = permission.NewValidator(func(vo *permission.ValidatorOptions) {
					vo.DisallowedTools = []string{"WebFetch"}
				})
				if tc.gated {
					o.Permissions = bridge
				}
			})

			rec := testutil.NewUpdateRecorder()
			_, err := eng.Dispatch(context.Background(), testRequest("claude", "go"), rec.Record)

			assert.Empty(t, codex.Calls())
			assert.Empty(t, rec.PermissionRequests())
			assert.Empty(t, bridge.Pending())

			if !tc.reject {
				require.NoError(t, err)
				return
			}

			de, ok := core.AsDispatchError(err)
			require.True(t, ok)
			assert.Equal(t, core.KindFatalInput, de.Kind)
			assert.Equal(t, core.FailureValidation, de.Class)
			assert.Equal(t, "claude", de.Backend)

			var violation *permission.Violation
			require.ErrorAs(t, err, &violation)
			assert.Equal(t, tc.tool, violation.Tool)
		})
	}
}

func TestDispatch_PersistenceFailureKeepsResult(t *testing.T) {
	store := failingSaveStore{session.NewInMemoryStore()}
	claude := backend.NewMock("claude")
	eng := New(backend.NewRegistry(claude), func(o *Options) {
		o.Sessions = session.NewRegistry(func(so *session.Options) { so.Store = store })
	})

	_, err := eng.Dispatch(context.Background(), testRequest("claude", "hi"), nil)
	require.Error(t, err)

	de, ok := core.AsDispatchError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindBackendFailure, de.Kind)
	require.NotNil(t, de.Result)
	assert.Equal(t, "Mock response to: hi", de.Result.Content)
	assert.Equal(t, 1, de.Attempts)
}
