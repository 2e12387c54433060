package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/lifeline/pkg/backupsync"
	"github.com/harun/lifeline/pkg/dispatch"
	"github.com/harun/lifeline/pkg/pathstore"
	"github.com/harun/lifeline/pkg/proxychain"
	"github.com/harun/lifeline/pkg/remote"
	"github.com/harun/lifeline/pkg/remote/remotetest"
	"github.com/harun/lifeline/pkg/session"
	"github.com/harun/lifeline/pkg/tokenstore"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (r *recorder) Emit(_ context.Context, ev dispatch.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) named(name string) []dispatch.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dispatch.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	sup      *Supervisor
	client   *remotetest.Client
	tokens   tokenstore.Store
	registry *session.Registry
	events   *recorder
	root     string
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()

	root := t.TempDir()
	tokens, err := tokenstore.NewFileStore(afero.NewMemMapFs(), "/tokens")
	require.NoError(t, err)

	nop := zerolog.Nop()
	opts := Options{
		DataRoot: root,
		Backup: backupsync.Options{
			Interval:       time.Hour,
			StabilizeDelay: time.Hour,
			Logger:         &nop,
		},
		ConnectTimeout: 2 * time.Second,
		Logger:         nop,
	}
	for _, m := range mutate {
		m(&opts)
	}

	f := &fixture{
		client:   remotetest.NewClient(),
		tokens:   tokens,
		registry: session.NewRegistry(),
		events:   &recorder{},
		root:     root,
	}
	f.sup = New(f.registry, tokens, f.client, pathstore.NewOS(pathstore.WithRetryDelay(0)), f.events, opts)
	return f
}

func (f *fixture) snapshotPath(name string) string {
	return backupsync.Describe(f.root, name).BackupPath
}

func seedSnapshot(t *testing.T, path string) {
	t.Helper()
	file := filepath.Join(path, "Default", "Cookies")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o755))
	require.NoError(t, os.WriteFile(file, []byte("c"), 0o644))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestStartConnects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := session.Config{Webhook: session.WebhookConfig{URL: "http://hooks.local/a"}}
	require.NoError(t, f.sup.Start(ctx, "alice", cfg))

	assert.Equal(t, "CONNECTED", f.sup.Status("alice").Status)
	assert.Equal(t, 1, f.client.Connects("alice"))

	opts := f.client.Options("alice")
	assert.Equal(t, filepath.Join(f.root, "alice"), opts.UserDataDir)
	assert.Equal(t, DefaultDeviceName, opts.DeviceName)
	assert.Empty(t, opts.ProxyServer)

	h := f.client.Handle("alice")
	assert.True(t, h.Subscribed(remote.EventMessage))
	assert.True(t, h.Subscribed(remote.EventStateChange))
	assert.False(t, h.Subscribed(remote.EventAck))

	rec, err := f.tokens.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "http://hooks.local/a", rec.Config.Webhook.URL)

	logged := f.events.named(dispatch.EventSessionLogged)
	require.Len(t, logged, 1)
	assert.True(t, logged[0].SocketOnly)
	assert.Equal(t, "alice", logged[0].Session)
}

func TestStartUsesStoredConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tokens.Set(ctx, "bob", &tokenstore.Record{
		Config: session.Config{Phone: "628123"},
	}))

	require.NoError(t, f.sup.Start(ctx, "bob", session.Config{}))

	opts := f.client.Options("bob")
	assert.Equal(t, "628123", opts.Phone)
	// phone linking sends no device label
	assert.Empty(t, opts.DeviceName)
	assert.Empty(t, opts.PoweredBy)
}

func TestStartInvalidName(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{"", "../x", "a/b", "a\\b"} {
		err := f.sup.Start(context.Background(), name, session.Config{})
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	assert.Empty(t, f.registry.Names())
}

func TestStartIsNoopWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.client.OnConnect(func(ctx context.Context, opts remote.ConnectOptions) error {
		<-release
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.sup.Start(ctx, "alice", session.Config{}))
		}()
	}

	assert.Eventually(t, func() bool { return f.client.Connects("alice") == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, f.client.Connects("alice"))
	assert.Equal(t, "CONNECTED", f.sup.Status("alice").Status)

	require.NoError(t, f.sup.Start(ctx, "alice", session.Config{}))
	assert.Equal(t, 1, f.client.Connects("alice"))
}

func TestStartCapacity(t *testing.T) {
	f := newFixture(t)
	f.sup.registry = session.NewRegistry(session.WithMaxSessions(1))

	require.NoError(t, f.sup.Start(context.Background(), "a", session.Config{}))
	err := f.sup.Start(context.Background(), "b", session.Config{})
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 0, f.client.Connects("b"))
}

func TestQRReadErrorCleansUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedSnapshot(t, f.snapshotPath("alice"))

	f.client.OnConnect(func(ctx context.Context, opts remote.ConnectOptions) error {
		opts.Callbacks.OnQRCode(remote.QRCode{URLCode: "2@abc", Attempt: 1})
		opts.Callbacks.OnStatus(remote.StatusQRReadError)
		return errors.New("auto close")
	})

	require.NoError(t, f.sup.Start(ctx, "alice", session.Config{}))

	assert.Equal(t, "CLOSED", f.sup.Status("alice").Status)
	_, ok := f.registry.Get("alice")
	assert.False(t, ok)

	_, err := f.tokens.Get(ctx, "alice")
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)
	assert.False(t, exists(f.snapshotPath("alice")))

	statuses := f.events.named(dispatch.EventStatusFind)
	require.Len(t, statuses, 1)
	assert.Equal(t, "qrReadError", statuses[0].Data["status"])
}

func TestConnectTimeoutDeletesSnapshot(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ConnectTimeout = 50 * time.Millisecond })
	ctx := context.Background()
	seedSnapshot(t, f.snapshotPath("alice"))

	f.client.OnConnect(func(ctx context.Context, opts remote.ConnectOptions) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.NoError(t, f.sup.Start(ctx, "alice", session.Config{}))

	assert.Equal(t, "CLOSED", f.sup.Status("alice").Status)
	assert.False(t, exists(f.snapshotPath("alice")))
	assert.Empty(t, f.registry.Names())

	// a fresh start is admitted afterwards
	f.client.OnConnect(nil)
	require.NoError(t, f.sup.Start(ctx, "alice", session.Config{}))
	assert.Equal(t, 2, f.client.Connects("alice"))
	assert.Equal(t, "CONNECTED", f.sup.Status("alice").Status)
}

func TestConnectErrorKeepsSnapshot(t *testing.T) {
	f := newFixture(t)
	seedSnapshot(t, f.snapshotPath("alice"))

	f.client.OnConnect(func(ctx context.Context, opts remote.ConnectOptions) error {
		return &remote.ClientError{Code: remote.ErrCodeLaunch, Message: "browser failed"}
	})

	require.NoError(t, f.sup.Start(context.Background(), "alice", session.Config{}))

	assert.Equal(t, "CLOSED", f.sup.Status("alice").Status)
	assert.True(t, exists(f.snapshotPath("alice")))
	assert.Empty(t, f.registry.Names())
}

func TestNotConnectedAfterLogin(t *testing.T) {
	f := newFixture(t)
	f.client.OnNewHandle(func(h *remotetest.Handle) { h.SetConnected(false) })

	require.NoError(t, f.sup.Start(context.Background(), "alice", session.Config{}))

	assert.Equal(t, "CLOSED", f.sup.Status("alice").Status)
	assert.Equal(t, 1, f.client.Handle("alice").Closed())
	// the late handle was closed before the name was freed
	assert.False(t, f.registry.Closing("alice"))
	assert.Equal(t, 0, f.client.OpenHandles("alice"))
}

func TestCloseDuringConnectHoldsName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	connecting := make(chan struct{})
	release := make(chan struct{})
	f.client.OnConnect(func(ctx context.Context, opts remote.ConnectOptions) error {
		close(connecting)
		<-release
		return nil
	})

	started := make(chan error, 1)
	go func() { started <- f.sup.Start(ctx, "alice", session.Config{}) }()
	<-connecting

	require.NoError(t, f.sup.Close(ctx, "alice"))
	// the connect is still running, so the name stays reserved
	assert.True(t, f.registry.Closing("alice"))
	assert.ErrorIs(t, f.sup.Launch(ctx, "alice", session.Config{}), ErrClosing)

	close(release)
	require.NoError(t, <-started)
	assert.False(t, f.registry.Closing("alice"))
	assert.Equal(t, 0, f.client.OpenHandles("alice"))
}

func TestAutoCloseDuringConnectClosesHandle(t *testing.T) {
	f := newFixture(t)
	f.client.OnConnect(func(ctx context.Context, opts remote.ConnectOptions) error {
		opts.Callbacks.OnStatus(remote.StatusAutoClose)
		return nil
	})

	require.NoError(t, f.sup.Start(context.Background(), "alice", session.Config{}))

	assert.Equal(t, "CLOSED", f.sup.Status("alice").Status)
	assert.Equal(t, 1, f.client.Handle("alice").Closed())
}

func TestCloseDeletesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sup.Start(ctx, "alice", session.Config{}))
	seedSnapshot(t, f.snapshotPath("alice"))

	require.NoError(t, f.sup.Close(ctx, "alice"))

	h := f.client.Handle("alice")
	assert.Equal(t, 1, h.Closed())
	assert.False(t, h.Subscribed(remote.EventMessage))
	assert.False(t, exists(f.snapshotPath("alice")))
	assert.Equal(t, "CLOSED", f.sup.Status("alice").Status)

	// the token survives an explicit close
	_, err := f.tokens.Get(ctx, "alice")
	assert.NoError(t, err)

	assert.ErrorIs(t, f.sup.Close(ctx, "alice"), ErrNotRunning)
	assert.Equal(t, 1, h.Closed())
}

func TestStartRefusedWhileClosing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sup.Start(ctx, "alice", session.Config{}))
	release := make(chan struct{})
	f.client.Handle("alice").BeforeClose(func() { <-release })

	closed := make(chan error, 1)
	go func() { closed <- f.sup.Close(ctx, "alice") }()
	require.Eventually(t, func() bool { return f.registry.Closing("alice") }, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, f.sup.Start(ctx, "alice", session.Config{}), ErrClosing)
	assert.ErrorIs(t, f.sup.Launch(ctx, "alice", session.Config{}), ErrClosing)
	assert.Equal(t, 1, f.client.Connects("alice"))
	assert.Equal(t, "CLOSED", f.sup.Status("alice").Status)

	close(release)
	require.NoError(t, <-closed)
	assert.False(t, f.registry.Closing("alice"))

	require.NoError(t, f.sup.Start(ctx, "alice", session.Config{}))
	assert.Equal(t, "CONNECTED", f.sup.Status("alice").Status)
	assert.Equal(t, 1, f.client.OpenHandles("alice"))
}

func TestStartRefusedDuringCloseAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sup.Start(ctx, "alice", session.Config{}))
	release := make(chan struct{})
	f.client.Handle("alice").BeforeClose(func() { <-release })

	done := make(chan int, 1)
	go func() { done <- f.sup.CloseAll(ctx) }()
	require.Eventually(t, func() bool { return f.registry.Closing("alice") }, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, f.sup.Start(ctx, "alice", session.Config{}), ErrClosing)

	close(release)
	assert.Equal(t, 1, <-done)
	require.NoError(t, f.sup.Start(ctx, "alice", session.Config{}))
	assert.Equal(t, 1, f.client.OpenHandles("alice"))
}

func TestCloseAllKeepsSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		require.NoError(t, f.sup.Start(ctx, name, session.Config{}))
		seedSnapshot(t, f.snapshotPath(name))
	}

	assert.Equal(t, 2, f.sup.CloseAll(ctx))

	for _, name := range []string{"a", "b"} {
		assert.Equal(t, 1, f.client.Handle(name).Closed(), name)
		assert.True(t, exists(f.snapshotPath(name)), name)
	}
	assert.Empty(t, f.registry.Names())
	assert.Equal(t, 0, f.sup.CloseAll(ctx))
}

func TestStartAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, f.tokens.Set(ctx, name, &tokenstore.Record{}))
	}

	require.NoError(t, f.sup.StartAll(ctx))

	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, f.client.Connects(name), name)
		assert.Equal(t, "CONNECTED", f.sup.Status(name).Status, name)
	}

	names, err := f.sup.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestQRCodeRenderedWhenImageMissing(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	qrShown := make(chan struct{})
	f.client.OnConnect(func(ctx context.Context, opts remote.ConnectOptions) error {
		opts.Callbacks.OnQRCode(remote.QRCode{URLCode: "2@payload", Attempt: 1})
		close(qrShown)
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.sup.Start(context.Background(), "alice", session.Config{})
	}()

	<-qrShown
	report := f.sup.Status("alice")
	assert.Equal(t, "QRCODE", report.Status)
	assert.Equal(t, "2@payload", report.URLCode)
	assert.True(t, strings.HasPrefix(report.QRCode, "data:image/png;base64,"))

	close(release)
	<-done
	assert.Equal(t, "CONNECTED", f.sup.Status("alice").Status)

	events := f.events.named(dispatch.EventQRCode)
	require.Len(t, events, 1)
	assert.Equal(t, "qrCode", events[0].SocketName)
}

func TestPhoneCodeStatus(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	shown := make(chan struct{})
	f.client.OnConnect(func(ctx context.Context, opts remote.ConnectOptions) error {
		opts.Callbacks.OnPhoneCode("ABCD-1234")
		close(shown)
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.sup.Start(context.Background(), "alice", session.Config{Phone: "628"})
	}()
	<-shown

	report := f.sup.Status("alice")
	assert.Equal(t, "PHONECODE", report.Status)
	assert.Equal(t, "ABCD-1234", report.PhoneCode)

	close(release)
	<-done
	events := f.events.named(dispatch.EventPhoneCode)
	require.Len(t, events, 1)
	assert.Equal(t, "628", events[0].Data["phone"])
}

func TestIdentityResolvedOncePerSession(t *testing.T) {
	f := newFixture(t)
	f.client.OnNewHandle(func(h *remotetest.Handle) {
		h.SetIdentity("123@lid", remote.Identity{"phone": "628"})
	})
	require.NoError(t, f.sup.Start(context.Background(), "alice", session.Config{}))
	h := f.client.Handle("alice")

	msg := remote.Event{"chatId": "123@lid", "sender": map[string]any{"id": "123@lid"}, "body": "hi"}
	assert.Equal(t, 1, h.Emit(remote.EventMessage, msg))
	assert.Equal(t, 1, h.Emit(remote.EventMessage, msg))

	assert.Equal(t, 1, h.ResolveCalls("123@lid"))

	events := f.events.named(dispatch.EventMessage)
	require.Len(t, events, 2)
	assert.Equal(t, remote.Identity{"phone": "628"}, events[1].Data["chatEntry"])
	sender := events[1].Data["sender"].(map[string]any)
	assert.Equal(t, remote.Identity{"phone": "628"}, sender["lidEntry"])

	// the source event is left untouched
	_, mutated := msg["chatEntry"]
	assert.False(t, mutated)
}

func TestUnresolvedIdentityIsRetried(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.Start(context.Background(), "alice", session.Config{}))
	h := f.client.Handle("alice")

	call := remote.Event{"peerJid": "9@lid"}
	h.Emit(remote.EventIncomingCall, call)
	h.Emit(remote.EventIncomingCall, call)

	assert.Equal(t, 2, h.ResolveCalls("9@lid"))
	events := f.events.named(dispatch.EventIncomingCall)
	require.Len(t, events, 2)
	assert.NotContains(t, events[0].Data, "peerEntry")
}

func TestSelfMessagesFiltered(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.Start(context.Background(), "alice", session.Config{}))
	f.client.Handle("alice").Emit(remote.EventMessage, remote.Event{"fromMe": true})
	assert.Empty(t, f.events.named(dispatch.EventMessage))

	g := newFixture(t)
	cfg := session.Config{Webhook: session.WebhookConfig{OnSelfMessage: true}}
	require.NoError(t, g.sup.Start(context.Background(), "alice", cfg))
	g.client.Handle("alice").Emit(remote.EventMessage, remote.Event{"fromMe": true})
	assert.Len(t, g.events.named(dispatch.EventMessage), 1)
}

func TestConflictTakesSessionBack(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.Start(context.Background(), "alice", session.Config{}))
	h := f.client.Handle("alice")

	h.Emit(remote.EventStateChange, remote.Event{"state": "CONFLICT"})
	h.Emit(remote.EventStateChange, remote.Event{"state": "CONNECTED"})

	assert.Equal(t, 1, h.UseHereCalls())
}

func TestOptionalStreams(t *testing.T) {
	f := newFixture(t)
	cfg := session.Config{Webhook: session.WebhookConfig{
		ListenAcks:        true,
		OnPresenceChanged: true,
		OnPollResponse:    true,
	}}
	require.NoError(t, f.sup.Start(context.Background(), "alice", cfg))
	h := f.client.Handle("alice")

	assert.True(t, h.Subscribed(remote.EventAck))
	assert.True(t, h.Subscribed(remote.EventPresence))
	assert.True(t, h.Subscribed(remote.EventPollResponse))
	assert.False(t, h.Subscribed(remote.EventReaction))
	assert.False(t, h.Subscribed(remote.EventLabelUpdate))
}

func TestIgnoredEventsStaySocketOnly(t *testing.T) {
	f := newFixture(t)
	cfg := session.Config{Webhook: session.WebhookConfig{
		URL:    "http://hooks.local",
		Ignore: []string{"status@broadcast"},
	}}
	require.NoError(t, f.sup.Start(context.Background(), "alice", cfg))
	h := f.client.Handle("alice")

	h.Emit(remote.EventMessage, remote.Event{"from": "status@broadcast"})
	h.Emit(remote.EventMessage, remote.Event{"from": "628@c.us"})

	events := f.events.named(dispatch.EventMessage)
	require.Len(t, events, 2)
	assert.True(t, events[0].SocketOnly)
	assert.False(t, events[1].SocketOnly)
	assert.Equal(t, "http://hooks.local", events[1].WebhookURL)
}

func TestProxyIsChained(t *testing.T) {
	var got proxychain.Upstream
	f := newFixture(t, func(o *Options) {
		o.Anonymize = func(ctx context.Context, up proxychain.Upstream) (*proxychain.Proxy, error) {
			got = up
			return proxychain.Anonymize(ctx, proxychain.Upstream{URL: "http://127.0.0.1:3128"})
		}
	})

	cfg := session.Config{Proxy: &session.ProxyConfig{URL: "http://proxy.local:8080", Username: "u", Password: "p"}}
	require.NoError(t, f.sup.Start(context.Background(), "alice", cfg))

	assert.Equal(t, "http://proxy.local:8080", got.URL)
	assert.Equal(t, "u", got.Username)
	assert.Equal(t, "127.0.0.1:3128", f.client.Options("alice").ProxyServer)
}

func TestProxyFailureCloses(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Anonymize = func(ctx context.Context, up proxychain.Upstream) (*proxychain.Proxy, error) {
			return nil, errors.New("bad proxy")
		}
	})

	cfg := session.Config{Proxy: &session.ProxyConfig{URL: "http://proxy.local:8080"}}
	require.NoError(t, f.sup.Start(context.Background(), "alice", cfg))

	assert.Equal(t, 0, f.client.Connects("alice"))
	assert.Equal(t, "CLOSED", f.sup.Status("alice").Status)
}

func TestRenderQRCode(t *testing.T) {
	img, err := RenderQRCode("2@hello")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(img, "data:image/png;base64,"))
}

func TestLaunchReturnsBeforeConnect(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.client.OnConnect(func(ctx context.Context, _ remote.ConnectOptions) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	require.NoError(t, f.sup.Launch(context.Background(), "alice", session.Config{}))
	assert.Equal(t, "INITIALIZING", f.sup.Status("alice").Status)

	// second launch while starting is a no-op
	require.NoError(t, f.sup.Launch(context.Background(), "alice", session.Config{}))

	close(release)
	require.Eventually(t, func() bool {
		return f.sup.Status("alice").Status == "CONNECTED"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.client.Connects("alice"))
}

func TestLaunchInvalidName(t *testing.T) {
	f := newFixture(t)
	err := f.sup.Launch(context.Background(), "../etc", session.Config{})
	assert.ErrorIs(t, err, ErrInvalidName)
}
