// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/lifeline/pkg/remote"
)

// ConnectHook runs inside Connect before the handle is returned. Returning
// an error fails the connect. Hooks may call the option callbacks.
type ConnectHook func(ctx context.Context, opts remote.ConnectOptions) error

// Client is a scriptable remote.Client.
type Client struct {
	mu       sync.Mutex
	hook     ConnectHook
	connects map[string]int
	options  map[string]remote.ConnectOptions
	handles  map[string]*Handle
	all      []*Handle
	// newHandle customizes handles before they are returned
	newHandle func(h *Handle)
}

// NewClient creates a Client whose connects succeed immediately with a
// connected handle.
func NewClient() *Client {
	return &Client{
		connects: make(map[string]int),
		options:  make(map[string]remote.ConnectOptions),
		handles:  make(map[string]*Handle),
	}
}

// OnConnect installs a hook run by every Connect.
func (c *Client) OnConnect(hook ConnectHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

// OnNewHandle installs a function applied to each new handle.
func (c *Client) OnNewHandle(fn func(h *Handle)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newHandle = fn
}

// Connect implements remote.Client
func (c *Client) Connect(ctx context.Context, opts remote.ConnectOptions) (remote.Handle, error) {
	c.mu.Lock()
	c.connects[opts.Session]++
	c.options[opts.Session] = opts
	hook := c.hook
	customize := c.newHandle
	c.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, opts); err != nil {
			return nil, err
		}
	}

	h := NewHandle(opts.Session)
	if customize != nil {
		customize(h)
	}

	c.mu.Lock()
	c.handles[opts.Session] = h
	c.all = append(c.all, h)
	c.mu.Unlock()
	return h, nil
}

// OpenHandles returns how many handles created for name were never closed.
func (c *Client) OpenHandles(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.all {
		if h.Name == name && h.Closed() == 0 {
			n++
		}
	}
	return n
}

// Connects returns how many times Connect ran for name.
func (c *Client) Connects(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects[name]
}

// Options returns the last ConnectOptions used for name.
func (c *Client) Options(name string) remote.ConnectOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options[name]
}

// Handle returns the latest handle created for name.
func (c *Client) Handle(name string) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[name]
}

// Handle is a scriptable remote.Handle.
type Handle struct {
	Name string

	mu           sync.Mutex
	connected    bool
	probeErr     error
	closed       int
	nextID       int
	subs         map[remote.EventKind]map[int]func(remote.Event)
	identities   map[string]remote.Identity
	resolveCalls map[string]int
	useHere      int
	beforeClose  func()
}

// NewHandle creates a connected handle.
func NewHandle(name string) *Handle {
	return &Handle{
		Name:         name,
		connected:    true,
		subs:         make(map[remote.EventKind]map[int]func(remote.Event)),
		identities:   make(map[string]remote.Identity),
		resolveCalls: make(map[string]int),
	}
}

// SetConnected sets what CheckConnected reports.
func (h *Handle) SetConnected(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = v
}

// SetProbeError makes Probe fail with err.
func (h *Handle) SetProbeError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probeErr = err
}

// SetIdentity registers the record ResolveIdentity returns for id.
func (h *Handle) SetIdentity(id string, rec remote.Identity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.identities[id] = rec
}

func (h *Handle) CheckConnected(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected, nil
}

func (h *Handle) Probe(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed > 0 {
		return &remote.ClientError{Code: remote.ErrCodeClosed, Message: "handle closed"}
	}
	return h.probeErr
}

// BeforeClose installs fn to run at the start of Close, outside the handle
// lock. A blocking fn holds the close open.
func (h *Handle) BeforeClose(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beforeClose = fn
}

func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	fn := h.beforeClose
	h.mu.Unlock()
	if fn != nil {
		fn()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	h.connected = false
	return nil
}

// Closed returns how many times Close ran.
func (h *Handle) Closed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) Subscribe(kind remote.EventKind, fn func(remote.Event)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[kind] == nil {
		h.subs[kind] = make(map[int]func(remote.Event))
	}
	id := h.nextID
	h.nextID++
	h.subs[kind][id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[kind], id)
	}, nil
}

// Subscribed reports whether any subscriber listens for kind.
func (h *Handle) Subscribed(kind remote.EventKind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[kind]) > 0
}

// Emit delivers ev to the subscribers of kind and returns how many got it.
func (h *Handle) Emit(kind remote.EventKind, ev remote.Event) int {
	h.mu.Lock()
	fns := make([]func(remote.Event), 0, len(h.subs[kind]))
	for _, fn := range h.subs[kind] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
	return len(fns)
}

func (h *Handle) ResolveIdentity(ctx context.Context, id string) (remote.Identity, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolveCalls[id]++
	if rec, ok := h.identities[id]; ok {
		return rec, nil
	}
	return nil, fmt.Errorf("identity %s not found", id)
}

// ResolveCalls returns how many times id was resolved.
func (h *Handle) ResolveCalls(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolveCalls[id]
}

func (h *Handle) UseHere(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useHere++
	return nil
}

// UseHereCalls returns how many times UseHere ran.
func (h *Handle) UseHereCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.useHere
}
