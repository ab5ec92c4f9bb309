// Package scope implements the per-scope state arena: working directory,
// selected backend, session handle and model override for every
// conversation scope, with the inheritance rule for derived scopes.
package scope

import (
	"sort"
	"sync"

	"github.com/hupe1980/agentrelay/core"
)

// Options configures a Store.
type Options struct {
	// DefaultDirectory seeds the working directory of new root scopes.
	DefaultDirectory string
	// DefaultBackend seeds the backend of new root scopes.
	DefaultBackend string
	// Normalize canonicalizes backend names. Defaults to the identity.
	Normalize func(name string) string
}

// Store is an in-memory arena from ScopeKey to ScopeState. Callers always
// receive copies; mutation goes through Update and the named helpers.
type Store struct {
	opts   Options
	mu     sync.RWMutex
	states map[core.ScopeKey]*core.ScopeState
}

// New creates an empty Store.
func New(optFns ...func(o *Options)) *Store {
	opts := Options{
		DefaultDirectory: ".",
		DefaultBackend:   "claude",
		Normalize:        func(name string) string { return name },
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Store{opts: opts, states: make(map[core.ScopeKey]*core.ScopeState)}
}

// GetOrCreate returns the state of key, creating it on first use.
//
// When the scope is new and parent names an existing scope, only the working
// directory and model override are inherited (plus the parent's backend as
// the default selection). A derived scope never carries the parent's session
// and always starts with ForceNewSession set.
func (s *Store) GetOrCreate(key core.ScopeKey, parent *core.ScopeKey) core.ScopeState {
	s.mu.RLock()
	st, ok := s.states[key]
	if ok {
		out := *st
		s.mu.RUnlock()
		return out
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.states[key]; ok {
		return *st
	}

	st = &core.ScopeState{
		WorkingDirectory: s.opts.DefaultDirectory,
		Backend:          s.opts.Normalize(s.opts.DefaultBackend),
	}

	if parent != nil && *parent != key {
		st.ForceNewSession = true
		if ps, ok := s.states[*parent]; ok {
			st.WorkingDirectory = ps.WorkingDirectory
			st.Model = ps.Model
			// Backend is a selection default; the session is never shared.
			st.Backend = ps.Backend
		}
	}

	s.states[key] = st

	return *st
}

// Get returns the state of key without creating it.
func (s *Store) Get(key core.ScopeKey) (core.ScopeState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[key]
	if !ok {
		return core.ScopeState{}, false
	}
	return *st, true
}

// Update applies mutator to the state of key (creating it if needed) and
// returns the resulting copy.
func (s *Store) Update(key core.ScopeKey, mutator func(st *core.ScopeState)) core.ScopeState {
	s.GetOrCreate(key, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[key]
	mutator(st)

	return *st
}

// ResetSession drops the session handle and forces a fresh session on the
// next dispatch.
func (s *Store) ResetSession(key core.ScopeKey) core.ScopeState {
	return s.Update(key, func(st *core.ScopeState) {
		st.SessionID = ""
		st.ForceNewSession = true
		st.Generation++
	})
}

// SwitchBackend selects another backend. The working directory is kept; the
// session is dropped because session ids are backend specific.
func (s *Store) SwitchBackend(key core.ScopeKey, name string) core.ScopeState {
	name = s.opts.Normalize(name)
	return s.Update(key, func(st *core.ScopeState) {
		st.Backend = name
		st.SessionID = ""
		st.ForceNewSession = true
		st.Generation++
	})
}

// ChangeDirectory moves the scope to dir and starts a fresh session there.
func (s *Store) ChangeDirectory(key core.ScopeKey, dir string) core.ScopeState {
	return s.Update(key, func(st *core.ScopeState) {
		if st.WorkingDirectory == dir {
			return
		}
		st.WorkingDirectory = dir
		st.SessionID = ""
		st.ForceNewSession = true
		st.Generation++
	})
}

// SetModel sets the model override; an empty model clears it.
func (s *Store) SetModel(key core.ScopeKey, model string) core.ScopeState {
	return s.Update(key, func(st *core.ScopeState) {
		st.Model = model
	})
}

// BindSession records the session id of a successful dispatch and clears the
// force-new flag. generation is the scope generation the dispatch started
// from; when the binding was dropped in the meantime, or sessionID is empty,
// the state is left unchanged and false is returned.
func (s *Store) BindSession(key core.ScopeKey, generation uint64, sessionID string) (core.ScopeState, bool) {
	bound := false
	st := s.Update(key, func(st *core.ScopeState) {
		if sessionID == "" || st.Generation != generation {
			return
		}
		st.SessionID = sessionID
		st.ForceNewSession = false
		bound = true
	})
	return st, bound
}

// Delete forgets a scope.
func (s *Store) Delete(key core.ScopeKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
}

// Keys returns all known scope keys in a stable order.
func (s *Store) Keys() []core.ScopeKey {
	s.mu.RLock()
	keys := make([]core.ScopeKey, 0, len(s.states))
	for k := range s.states {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	return keys
}
