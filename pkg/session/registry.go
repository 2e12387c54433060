package session

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrCapacity is returned when a start would exceed the live session limit.
	ErrCapacity = errors.New("session capacity reached")
	// ErrClosing is returned when a start targets a name still being torn down.
	ErrClosing = errors.New("session is closing")
)

// Registry maps session names to their live Session. It is the single source
// of truth for whether a session is running.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	closing     map[string]*Session
	maxSessions int
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithMaxSessions caps the number of live sessions. Zero means unlimited.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) {
		r.maxSessions = n
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		closing:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the session registered under name.
func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	return s, ok
}

// GetOrCreate returns the session for name, registering an UNINITIALIZED
// one on first access.
func (r *Registry) GetOrCreate(name string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[name]; ok {
		return s
	}
	s := newSession(name, StatusUninitialized, Config{})
	r.sessions[name] = s
	return s
}

// StatusOf returns the status of name, or UNINITIALIZED when absent.
func (r *Registry) StatusOf(name string) Status {
	if s, ok := r.Get(name); ok {
		return s.Status()
	}
	return StatusUninitialized
}

// BeginStart admits a start for name. When a session with that name is
// already past UNINITIALIZED and not CLOSED it is returned with started
// false and nothing changes. Otherwise a fresh INITIALIZING session carrying
// cfg takes the slot and started is true. The check and the insert happen
// under one lock, so concurrent starts for one name admit exactly one. A name
// detached for teardown is refused with ErrClosing until Closed is called.
func (r *Registry) BeginStart(name string, cfg Config) (s *Session, started bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.closing[name]; ok {
		return nil, false, ErrClosing
	}

	if existing, ok := r.sessions[name]; ok && !existing.Status().Restartable() {
		return existing, false, nil
	}

	if r.maxSessions > 0 && r.liveLocked() >= r.maxSessions {
		return nil, false, ErrCapacity
	}

	s = newSession(name, StatusInitializing, cfg)
	r.sessions[name] = s
	return s, true, nil
}

// closing sessions still hold a browser, so they count against capacity
func (r *Registry) liveLocked() int {
	n := len(r.closing)
	for _, s := range r.sessions {
		if !s.Status().Restartable() {
			n++
		}
	}
	return n
}

// Detach moves name out of the registry into the closing set while it still
// maps to s. Starts for name fail with ErrClosing until Closed(name, s).
func (r *Registry) Detach(name string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[name]; ok && current == s {
		delete(r.sessions, name)
		r.closing[name] = s
		return true
	}
	return false
}

// DetachAll empties the registry into the closing set and returns what it
// held. Each returned session must be finished with Closed.
func (r *Registry) DetachAll() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for name, s := range r.sessions {
		out = append(out, s)
		r.closing[name] = s
	}
	r.sessions = make(map[string]*Session)
	return out
}

// Closed ends the teardown of s, freeing name for new starts.
func (r *Registry) Closed(name string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.closing[name]; ok && current == s {
		delete(r.closing, name)
	}
}

// Closing reports whether name is detached and still being torn down.
func (r *Registry) Closing(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.closing[name]
	return ok
}

// Names returns the registered names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counts returns the number of sessions per status.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, s := range r.sessions {
		counts[string(s.Status())]++
	}
	return counts
}

// Live returns how many sessions are neither UNINITIALIZED nor CLOSED, plus
// those still closing.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.liveLocked()
}
