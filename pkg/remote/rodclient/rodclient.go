// Package rodclient is the production remote.Client. It launches one
// Chromium per session with go-rod, loads the messaging web app with a page
// bridge script and talks to that script over an exposed binding.
//
// Bridge protocol: the script calls window.lifelineEmit({kind, data}) with
// kind one of "qr", "phoneCode", "loading", "status", "authenticated" or
// "event", and exposes window.lifeline with isConnected(), resolveLid(id),
// useHere() and requestPhoneCode(phone, deviceName).
package rodclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/harun/lifeline/pkg/remote"
	"github.com/rs/zerolog"
	"github.com/ysmood/gson"
)

const (
	DefaultAppURL      = "https://web.whatsapp.com"
	DefaultLoadTimeout = 60 * time.Second
	bindingName        = "lifelineEmit"
)

// Options configures the browser launch.
type Options struct {
	Bin       string
	Headless  bool
	NoSandbox bool
	// Args are extra Chromium switches, name to value. Empty value means a
	// bare switch.
	Args        map[string]string
	AppURL      string
	LoadTimeout time.Duration
	// BridgeScript is the page script implementing the bridge protocol.
	BridgeScript string
	Logger       zerolog.Logger
}

// Client launches sessions.
type Client struct {
	opts Options
}

// New creates a Client
func New(opts Options) *Client {
	if opts.AppURL == "" {
		opts.AppURL = DefaultAppURL
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	return &Client{opts: opts}
}

// LoadBridgeScript reads a bridge script from disk.
func LoadBridgeScript(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read bridge script: %w", err)
	}
	return string(data), nil
}

func (c *Client) launcher(opts remote.ConnectOptions) *launcher.Launcher {
	l := launcher.New().
		Headless(c.opts.Headless).
		UserDataDir(opts.UserDataDir).
		Leakless(true)

	if c.opts.NoSandbox {
		l = l.NoSandbox(true)
	}
	if c.opts.Bin != "" {
		l = l.Bin(c.opts.Bin)
	}
	if opts.ProxyServer != "" {
		l = l.Proxy(opts.ProxyServer)
	}
	for name, value := range c.opts.Args {
		if value == "" {
			l = l.Set(flags.Flag(name))
			continue
		}
		l = l.Set(flags.Flag(name), value)
	}
	return l
}

// Connect launches the browser and blocks until the app reports an
// authenticated session, a terminal status or ctx ends.
func (c *Client) Connect(ctx context.Context, opts remote.ConnectOptions) (remote.Handle, error) {
	if c.opts.BridgeScript == "" {
		return nil, &remote.ClientError{Code: remote.ErrCodeUnsupported, Message: "bridge script not configured"}
	}

	logger := c.opts.Logger.With().Str("component", "rodclient").Str("session", opts.Session).Logger()

	l := c.launcher(opts)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, &remote.ClientError{Code: remote.ErrCodeLaunch, Message: "failed to launch browser", Err: err}
	}

	conn := &Conn{
		launcher:  l,
		logger:    logger,
		callbacks: opts.Callbacks,
		subs:      make(map[remote.EventKind]map[int]func(remote.Event)),
		authed:    make(chan struct{}),
		failed:    make(chan remote.Status, 1),
	}

	if err := conn.open(ctx, controlURL, c.opts); err != nil {
		conn.Close(context.Background())
		return nil, err
	}

	if opts.Phone != "" {
		if _, err := conn.eval(ctx, `(phone, device) => window.lifeline.requestPhoneCode(phone, device)`, opts.Phone, opts.DeviceName); err != nil {
			logger.Warn().Err(err).Msg("Failed to request phone link code")
		}
	}

	select {
	case <-conn.authed:
		logger.Info().Msg("Remote session authenticated")
		return conn, nil
	case status := <-conn.failed:
		conn.Close(context.Background())
		return nil, &remote.ClientError{Code: remote.ErrCodeNotConnected, Message: "session ended with status " + string(status)}
	case <-ctx.Done():
		conn.Close(context.Background())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &remote.ClientError{Code: remote.ErrCodeTimeout, Message: "authentication timed out", Err: ctx.Err()}
		}
		return nil, ctx.Err()
	}
}

// Conn is one launched browser session.
type Conn struct {
	launcher  *launcher.Launcher
	browser   *rod.Browser
	page      *rod.Page
	logger    zerolog.Logger
	callbacks remote.Callbacks

	mu       sync.Mutex
	nextID   int
	subs     map[remote.EventKind]map[int]func(remote.Event)
	closed   bool
	authOnce sync.Once
	authed   chan struct{}
	failed   chan remote.Status
}

func (c *Conn) open(ctx context.Context, controlURL string, opts Options) error {
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return &remote.ClientError{Code: remote.ErrCodeLaunch, Message: "failed to connect to browser", Err: err}
	}
	c.browser = browser

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return &remote.ClientError{Code: remote.ErrCodeLaunch, Message: "failed to open page", Err: err}
	}
	c.page = page

	if _, err := page.Expose(bindingName, func(msg gson.JSON) (interface{}, error) {
		c.handleMessage(msg)
		return nil, nil
	}); err != nil {
		return &remote.ClientError{Code: remote.ErrCodeScript, Message: "failed to expose bridge binding", Err: err}
	}
	if _, err := page.EvalOnNewDocument(opts.BridgeScript); err != nil {
		return &remote.ClientError{Code: remote.ErrCodeScript, Message: "failed to install bridge script", Err: err}
	}

	loadCtx, cancel := context.WithTimeout(ctx, opts.LoadTimeout)
	defer cancel()
	p := page.Context(loadCtx)
	if err := p.Navigate(opts.AppURL); err != nil {
		return &remote.ClientError{Code: remote.ErrCodeNavigation, Message: "failed to open app", Err: err}
	}
	if err := p.WaitLoad(); err != nil {
		return &remote.ClientError{Code: remote.ErrCodeNavigation, Message: "app did not load", Err: err}
	}
	return nil
}

// handleMessage routes one bridge message. Callback panics are contained.
func (c *Conn) handleMessage(msg gson.JSON) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Bridge message handler panicked")
		}
	}()

	data := msg.Get("data")
	switch str(msg, "kind") {
	case "qr":
		if c.callbacks.OnQRCode != nil {
			c.callbacks.OnQRCode(remote.QRCode{
				Base64Image: str(data, "image"),
				URLCode:     str(data, "code"),
				Attempt:     data.Get("attempt").Int(),
			})
		}
	case "phoneCode":
		if c.callbacks.OnPhoneCode != nil {
			c.callbacks.OnPhoneCode(str(data, "code"))
		}
	case "loading":
		if c.callbacks.OnLoading != nil {
			c.callbacks.OnLoading(data.Get("percent").Int(), str(data, "message"))
		}
	case "status":
		status := remote.Status(str(data, "status"))
		if c.callbacks.OnStatus != nil {
			c.callbacks.OnStatus(status)
		}
		if status.Terminal() {
			select {
			case c.failed <- status:
			default:
			}
		}
	case "authenticated":
		c.authOnce.Do(func() { close(c.authed) })
	case "event":
		kind := remote.EventKind(str(data, "type"))
		ev, err := decodeObject(data.Get("payload"))
		if err != nil {
			c.logger.Debug().Err(err).Str("kind", string(kind)).Msg("Dropping undecodable event")
			return
		}
		c.dispatch(kind, ev)
	default:
		c.logger.Debug().Str("kind", str(msg, "kind")).Msg("Unknown bridge message")
	}
}

// str reads key from j as a string. Missing and null values read as "".
func str(j gson.JSON, key string) string {
	v := j.Get(key)
	if v.Nil() {
		return ""
	}
	return v.Str()
}

func (c *Conn) dispatch(kind remote.EventKind, ev remote.Event) {
	c.mu.Lock()
	fns := make([]func(remote.Event), 0, len(c.subs[kind]))
	for _, fn := range c.subs[kind] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func decodeObject(j gson.JSON) (map[string]any, error) {
	out := map[string]any{}
	if j.Nil() {
		return out, nil
	}
	if err := json.Unmarshal([]byte(j.JSON("", "")), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Conn) eval(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.page == nil {
		return gson.JSON{}, &remote.ClientError{Code: remote.ErrCodeClosed, Message: "client closed"}
	}

	res, err := c.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return gson.JSON{}, &remote.ClientError{Code: remote.ErrCodeScript, Message: "bridge call failed", Err: err}
	}
	return res.Value, nil
}

func (c *Conn) CheckConnected(ctx context.Context) (bool, error) {
	v, err := c.eval(ctx, `() => window.lifeline.isConnected()`)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

// Probe renders a screenshot, which fails when the renderer is wedged.
func (c *Conn) Probe(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.page == nil {
		return &remote.ClientError{Code: remote.ErrCodeClosed, Message: "client closed"}
	}
	if _, err := c.page.Context(ctx).Screenshot(false, nil); err != nil {
		return &remote.ClientError{Code: remote.ErrCodeScript, Message: "probe screenshot failed", Err: err}
	}
	return nil
}

// Close shuts the browser down. The profile directory is left in place.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[remote.EventKind]map[int]func(remote.Event))
	c.mu.Unlock()

	var err error
	if c.browser != nil {
		err = c.browser.Context(ctx).Close()
	}
	if c.launcher != nil {
		c.launcher.Kill()
	}
	if err != nil {
		return &remote.ClientError{Code: remote.ErrCodeClosed, Message: "failed to close browser", Err: err}
	}
	return nil
}

func (c *Conn) Subscribe(kind remote.EventKind, fn func(remote.Event)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &remote.ClientError{Code: remote.ErrCodeClosed, Message: "client closed"}
	}
	if c.subs[kind] == nil {
		c.subs[kind] = make(map[int]func(remote.Event))
	}
	id := c.nextID
	c.nextID++
	c.subs[kind][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[kind], id)
	}, nil
}

func (c *Conn) ResolveIdentity(ctx context.Context, id string) (remote.Identity, error) {
	v, err := c.eval(ctx, `(id) => window.lifeline.resolveLid(id)`, id)
	if err != nil {
		return nil, err
	}
	rec, err := decodeObject(v)
	if err != nil {
		return nil, &remote.ClientError{Code: remote.ErrCodeScript, Message: "invalid identity record", Err: err}
	}
	if len(rec) == 0 {
		return nil, fmt.Errorf("identity %s not found", id)
	}
	return rec, nil
}

func (c *Conn) UseHere(ctx context.Context) error {
	_, err := c.eval(ctx, `() => window.lifeline.useHere()`)
	return err
}
