package healthcheck

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/lifeline/pkg/remote"
	"github.com/harun/lifeline/pkg/remote/remotetest"
	"github.com/harun/lifeline/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	status session.Status
	handle remote.Handle
}

type fakeSessions struct {
	mu       sync.Mutex
	names    []string
	entries  map[string]entry
	listErr  error
	closeAll int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{entries: make(map[string]entry)}
}

func (f *fakeSessions) add(name string, status session.Status, h remote.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	if status != "" {
		f.entries[name] = entry{status, h}
	}
}

func (f *fakeSessions) Names(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...), f.listErr
}

func (f *fakeSessions) Lookup(name string) (session.Status, remote.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[name]
	if !ok {
		return session.StatusUninitialized, nil
	}
	return e.status, e.handle
}

func (f *fakeSessions) CloseAll(context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeAll++
	return len(f.entries)
}

func (f *fakeSessions) closeAllCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeAll
}

type exitRecorder struct {
	calls atomic.Int32
	code  atomic.Int32
}

func (e *exitRecorder) exit(code int) {
	e.code.Store(int32(code))
	e.calls.Add(1)
}

func newChecker(t *testing.T, s Sessions, opts Options) (*Checker, *exitRecorder) {
	t.Helper()
	rec := &exitRecorder{}
	opts.Exit = rec.exit
	opts.Logger = zerolog.Nop()
	c, err := New(s, opts)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c, rec
}

func TestRunOnceAllHealthy(t *testing.T) {
	s := newFakeSessions()
	s.add("a", session.StatusConnected, remotetest.NewHandle("a"))
	s.add("b", session.StatusConnected, remotetest.NewHandle("b"))

	c, rec := newChecker(t, s, Options{})
	report := c.RunOnce(context.Background())

	assert.True(t, report.Healthy())
	assert.Len(t, report.Sessions, 2)
	assert.Equal(t, 0, s.closeAllCalls())
	assert.EqualValues(t, 0, rec.calls.Load())
}

func TestRunOnceClassification(t *testing.T) {
	failing := remotetest.NewHandle("failing")
	failing.SetProbeError(errors.New("render failed"))

	s := newFakeSessions()
	s.add("ok", session.StatusConnected, remotetest.NewHandle("ok"))
	s.add("failing", session.StatusConnected, failing)
	s.add("init", session.StatusInitializing, nil)
	s.add("qr", session.StatusQRCode, nil)
	s.add("closed", session.StatusClosed, nil)
	// token only, never started
	s.add("stored", "", nil)

	c, rec := newChecker(t, s, Options{})
	report := c.RunOnce(context.Background())

	restart := map[string]bool{}
	for _, v := range report.Sessions {
		restart[v.Session] = v.Restart
	}
	assert.Equal(t, map[string]bool{
		"ok":      false,
		"failing": true,
		"init":    true,
		"qr":      true,
		"closed":  true,
		"stored":  true,
	}, restart)
	assert.Equal(t, 5, report.NeedsRestart)

	// reporting never closes or exits
	assert.Equal(t, 0, s.closeAllCalls())
	assert.EqualValues(t, 0, rec.calls.Load())
}

type panickingHandle struct {
	*remotetest.Handle
}

func (panickingHandle) Probe(context.Context) error {
	panic("page gone")
}

func TestRunOnceRecoversPanicAsRestart(t *testing.T) {
	s := newFakeSessions()
	s.add("ok", session.StatusConnected, remotetest.NewHandle("ok"))
	s.add("broken", session.StatusConnected, panickingHandle{remotetest.NewHandle("broken")})

	c, rec := newChecker(t, s, Options{})
	report := c.RunOnce(context.Background())

	require.Len(t, report.Sessions, 2)
	assert.Equal(t, 1, report.NeedsRestart)
	for _, v := range report.Sessions {
		if v.Session == "broken" {
			assert.True(t, v.Restart)
			assert.Contains(t, v.Reason, "page gone")
		}
	}
	assert.EqualValues(t, 0, rec.calls.Load())
}

func TestRunOnceListErrorStillChecks(t *testing.T) {
	s := newFakeSessions()
	s.add("a", session.StatusConnected, remotetest.NewHandle("a"))
	s.listErr = errors.New("redis down")

	c, _ := newChecker(t, s, Options{})
	report := c.RunOnce(context.Background())
	assert.Len(t, report.Sessions, 1)
	assert.True(t, report.Healthy())
}

func TestScheduledRunReschedulesWhenHealthy(t *testing.T) {
	s := newFakeSessions()
	s.add("a", session.StatusConnected, remotetest.NewHandle("a"))

	c, rec := newChecker(t, s, Options{Interval: 20 * time.Millisecond})
	c.Start()

	assert.Eventually(t, func() bool { return c.Runs() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, rec.calls.Load())
}

func TestScheduledRunExitsOnce(t *testing.T) {
	h := remotetest.NewHandle("a")
	h.SetProbeError(errors.New("dead"))
	s := newFakeSessions()
	s.add("a", session.StatusConnected, h)

	c, rec := newChecker(t, s, Options{Interval: 10 * time.Millisecond})
	c.Start()

	assert.Eventually(t, func() bool { return rec.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	assert.EqualValues(t, 1, rec.calls.Load())
	assert.EqualValues(t, RestartExitCode, rec.code.Load())
	assert.Equal(t, 1, s.closeAllCalls())
	assert.EqualValues(t, 1, c.Runs())
}

func TestStopPreventsRuns(t *testing.T) {
	s := newFakeSessions()
	c, _ := newChecker(t, s, Options{Interval: 20 * time.Millisecond})
	c.Start()
	c.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.EqualValues(t, 0, c.Runs())
}

func TestCronSchedule(t *testing.T) {
	c, _ := newChecker(t, newFakeSessions(), Options{Cron: "*/5 * * * *"})

	now := time.Date(2024, 1, 1, 10, 2, 0, 0, time.Local)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 5, 0, 0, time.Local), c.NextRun(now))
}

func TestInvalidCron(t *testing.T) {
	_, err := New(newFakeSessions(), Options{Cron: "not a cron"})
	assert.Error(t, err)
}

func TestIntervalSchedule(t *testing.T) {
	c, _ := newChecker(t, newFakeSessions(), Options{Interval: 10 * time.Minute})
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(10*time.Minute), c.NextRun(now))
}
