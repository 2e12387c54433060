// Package backupsync keeps a restorable snapshot of one session's browser
// profile directory.
//
// A Sync is created once per session lifetime. BeforeConnect restores the
// snapshot into the live profile and clears stale lock files, AfterConnect arms
// the recurring snapshot timer, Stop cancels it and Disconnect additionally
// throws the snapshot away.
package backupsync

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/lifeline/internal/observability"
	"github.com/harun/lifeline/internal/tracing"
	"github.com/harun/lifeline/pkg/pathstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval       = 60 * time.Second
	DefaultStabilizeDelay = 60 * time.Second

	// BackupPrefix is prepended to the session name to form the snapshot directory.
	BackupPrefix = "backup_"
)

// DefaultRequiredDirs are the profile subdirectories that survive pruning.
var DefaultRequiredDirs = []string{"Default", "IndexedDB", "Local Storage"}

// Options configures a Sync
type Options struct {
	Interval       time.Duration
	StabilizeDelay time.Duration
	RequiredDirs   []string
	Logger         *zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.StabilizeDelay < 0 {
		o.StabilizeDelay = 0
	}
	if len(o.RequiredDirs) == 0 {
		o.RequiredDirs = DefaultRequiredDirs
	}
}

// Descriptor describes where a session's profile and snapshot live.
type Descriptor struct {
	Session     string
	UserDataDir string
	BackupPath  string
}

// Describe returns the live and snapshot paths for a session under dataRoot.
func Describe(dataRoot, session string) Descriptor {
	return Descriptor{
		Session:     session,
		UserDataDir: filepath.Join(dataRoot, session),
		BackupPath:  filepath.Join(dataRoot, BackupPrefix+session),
	}
}

// Sync is the snapshot engine for one session.
type Sync struct {
	store  *pathstore.Store
	desc   Descriptor
	opts   Options
	logger zerolog.Logger

	// snapMu serializes snapshot writes and snapshot deletion
	snapMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	snapshots atomic.Int64
}

// New creates a Sync for session under dataRoot.
func New(store *pathstore.Store, dataRoot, session string, opts Options) *Sync {
	opts.applyDefaults()

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Sync{
		store:  store,
		desc:   Describe(dataRoot, session),
		opts:   opts,
		logger: logger.With().Str("component", "backupsync").Str("session", session).Logger(),
	}
}

// Descriptor returns the paths this Sync works on.
func (s *Sync) Descriptor() Descriptor {
	return s.desc
}

// SnapshotCount returns how many snapshots have been written.
func (s *Sync) SnapshotCount() int64 {
	return s.snapshots.Load()
}

// BeforeConnect prepares the live profile directory for a browser launch.
func (s *Sync) BeforeConnect() {
	live := s.desc.UserDataDir

	switch {
	case !s.store.Exists(live):
		if err := s.store.MkdirAll(live); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to create profile directory")
		}
		observability.RecordRestore("empty")
	case s.store.IsDir(s.desc.BackupPath):
		s.snapMu.Lock()
		s.restoreLocked()
		s.snapMu.Unlock()
	}

	// Lock files from a crashed browser block the next launch
	if n := s.store.RemoveLockFiles(live); n > 0 {
		s.logger.Debug().Int("removed", n).Msg("Removed stale lock files")
	}
}

func (s *Sync) restoreLocked() {
	if err := s.store.RemoveAll(s.desc.UserDataDir); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to clear profile before restore")
	}
	if err := s.store.Copy(s.desc.BackupPath, s.desc.UserDataDir, pathstore.CopyOptions{Overwrite: true}); err != nil {
		s.logger.Warn().Err(err).Msg("Snapshot restore incomplete")
	}
	observability.RecordRestore("snapshot")
	s.logger.Info().Msg("Restored profile from snapshot")
}

// AfterConnect arms the recurring snapshot timer. It does not block. When
// the live directory is missing at the time of the call, one snapshot is
// taken after the stabilize delay. Calling it while the timer is armed does
// nothing.
func (s *Sync) AfterConnect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	stabilize := !s.store.Exists(s.desc.UserDataDir)

	runCtx, cancel := context.WithCancel(tracing.Detach(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go s.run(runCtx, done, stabilize)
}

func (s *Sync) run(ctx context.Context, done chan struct{}, stabilize bool) {
	defer close(done)

	if stabilize {
		timer := time.NewTimer(s.opts.StabilizeDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.StoreSnapshot(ctx)
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.StoreSnapshot(ctx)
		}
	}
}

// StoreSnapshot copies the live profile over the snapshot and prunes it to
// the required directories. A missing live directory is a no-op. Failures
// are logged and left for the next tick.
func (s *Sync) StoreSnapshot(ctx context.Context) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	if !s.store.IsDir(s.desc.UserDataDir) {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "lifeline.backupsync", "backupsync.snapshot")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	start := time.Now()
	err := s.store.Copy(s.desc.UserDataDir, s.desc.BackupPath, pathstore.CopyOptions{Overwrite: true})
	if err != nil {
		logger.Debug().Err(err).Msg("Snapshot copy incomplete")
	}

	s.pruneLocked()

	s.snapshots.Add(1)
	observability.RecordSnapshot(time.Since(start), err == nil)
	logger.Debug().Dur("duration", time.Since(start)).Msg("Snapshot stored")
}

// DeleteMetadata prunes the snapshot down to the required directories at
// its root and inside its Default profile.
func (s *Sync) DeleteMetadata() {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.pruneLocked()
}

func (s *Sync) pruneLocked() {
	for _, dir := range []string{s.desc.BackupPath, filepath.Join(s.desc.BackupPath, "Default")} {
		names, err := s.store.List(dir)
		if err != nil {
			continue
		}
		for _, name := range names {
			if slices.Contains(s.opts.RequiredDirs, name) {
				continue
			}
			if err := s.store.RemoveAll(filepath.Join(dir, name)); err != nil {
				s.logger.Debug().Err(err).Str("entry", name).Msg("Failed to prune snapshot entry")
			}
		}
	}
}

// Stop cancels the snapshot timer and waits for an in-flight snapshot. The
// snapshot directory is kept so the next start can restore from it. Safe to
// call repeatedly and before AfterConnect.
func (s *Sync) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Disconnect stops the timer and deletes the snapshot.
func (s *Sync) Disconnect() {
	s.Stop()

	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	if err := s.store.RemoveAll(s.desc.BackupPath); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to delete snapshot")
		return
	}
	s.logger.Info().Msg("Snapshot deleted")
}
