package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RaysceneNS/keeweb-azure/internal/blob"
	"github.com/RaysceneNS/keeweb-azure/internal/blob/blobtest"
)

// mockFsWatcher implements FsWatcher with channels the test drives.
type mockFsWatcher struct {
	events chan fsnotify.Event
	errs   chan error
}

func newMockFsWatcher() *mockFsWatcher {
	return &mockFsWatcher{
		events: make(chan fsnotify.Event, 10),
		errs:   make(chan error, 1),
	}
}

func (m *mockFsWatcher) Add(string) error              { return nil }
func (m *mockFsWatcher) Close() error                  { return nil }
func (m *mockFsWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockFsWatcher) Errors() <-chan error          { return m.errs }

type allowAuth struct{}

func (allowAuth) Authorize(context.Context) error   { return nil }
func (allowAuth) RevokeToken(context.Context) error { return nil }

// statusLog collects status lines from concurrent goroutines.
type statusLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *statusLog) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *statusLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.lines...)
}

func newWatchStorage(t *testing.T, srv *blobtest.Server) *blob.Storage {
	t.Helper()

	loc, err := blob.NewContainerLocator(srv.ContainerURL("vaults"))
	require.NoError(t, err)

	s, err := blob.New(blob.Options{Locator: loc, Auth: allowAuth{}, HTTPClient: http.DefaultClient})
	require.NoError(t, err)

	return s
}

func newTestWatcher(t *testing.T, srv *blobtest.Server) (*vaultWatcher, *statusLog) {
	t.Helper()

	log := &statusLog{}
	local := filepath.Join(t.TempDir(), "personal.kdbx")

	return &vaultWatcher{
		store:    newWatchStorage(t, srv),
		local:    local,
		remote:   "/personal.kdbx",
		debounce: 10 * time.Millisecond,
		logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		statusf:  log.printf,
	}, log
}

func TestVaultWatcher_SavesWithRevisionChain(t *testing.T) {
	srv := blobtest.NewServer(t, "vaults")
	first := srv.Put("vaults", "personal.kdbx", []byte("v0"))

	vw, _ := newTestWatcher(t, srv)
	require.NoError(t, vw.loadBaseline(context.Background()))
	assert.Equal(t, first, vw.rev)

	fw := newMockFsWatcher()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- vw.run(ctx, fw) }()

	for _, content := range []string{"v1", "v2"} {
		require.NoError(t, os.WriteFile(vw.local, []byte(content), 0o600))
		fw.events <- fsnotify.Event{Name: vw.local, Op: fsnotify.Write}

		require.Eventually(t, func() bool {
			got, _, _ := srv.Get("vaults", "personal.kdbx")
			return string(got) == content
		}, 2*time.Second, 5*time.Millisecond)
	}

	cancel()
	require.NoError(t, <-done)

	// Every save after the first carried the previous save's ETag.
	var ifMatch []string

	for _, r := range srv.Requests() {
		if r.Method == http.MethodPut {
			ifMatch = append(ifMatch, r.Header.Get("If-Match"))
		}
	}

	require.Len(t, ifMatch, 2)
	assert.Equal(t, first, ifMatch[0])
	assert.NotEqual(t, first, ifMatch[1])
}

func TestVaultWatcher_StopsOnConflict(t *testing.T) {
	srv := blobtest.NewServer(t, "vaults")
	srv.Put("vaults", "personal.kdbx", []byte("v0"))

	vw, log := newTestWatcher(t, srv)
	require.NoError(t, vw.loadBaseline(context.Background()))

	// Another client saves in the meantime.
	winner := srv.Put("vaults", "personal.kdbx", []byte("theirs"))

	fw := newMockFsWatcher()
	require.NoError(t, os.WriteFile(vw.local, []byte("mine"), 0o600))
	fw.events <- fsnotify.Event{Name: vw.local, Op: fsnotify.Write}

	err := vw.run(context.Background(), fw)
	require.ErrorIs(t, err, blob.ErrRevisionConflict)

	rev, ok := blob.ConflictRevision(err)
	require.True(t, ok)
	assert.Equal(t, winner, rev)

	content, _, _ := srv.Get("vaults", "personal.kdbx")
	assert.Equal(t, "theirs", string(content), "the other client's save is kept")
	require.NotEmpty(t, log.all())
	assert.Contains(t, log.all()[0], winner)
}

func TestVaultWatcher_IgnoresOtherFilesAndUnchangedContent(t *testing.T) {
	srv := blobtest.NewServer(t, "vaults")

	vw, _ := newTestWatcher(t, srv)
	require.NoError(t, vw.loadBaseline(context.Background()))
	assert.Empty(t, vw.rev, "missing blob starts without a baseline")

	require.NoError(t, os.WriteFile(vw.local, []byte("v1"), 0o600))

	fw := newMockFsWatcher()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- vw.run(ctx, fw) }()

	fw.events <- fsnotify.Event{Name: filepath.Join(filepath.Dir(vw.local), "other.kdbx"), Op: fsnotify.Write}
	fw.events <- fsnotify.Event{Name: vw.local, Op: fsnotify.Chmod}
	fw.events <- fsnotify.Event{Name: vw.local, Op: fsnotify.Create}

	require.Eventually(t, func() bool {
		_, _, ok := srv.Get("vaults", "personal.kdbx")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// Touch without a content change.
	fw.events <- fsnotify.Event{Name: vw.local, Op: fsnotify.Write}
	time.Sleep(100 * time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	puts := 0

	for _, r := range srv.Requests() {
		if r.Method == http.MethodPut {
			puts++
		}
	}

	assert.Equal(t, 1, puts)
}

func TestVaultWatcher_FirstSaveCreatesOnly(t *testing.T) {
	srv := blobtest.NewServer(t, "vaults")

	vw, _ := newTestWatcher(t, srv)
	require.NoError(t, vw.loadBaseline(context.Background()))
	require.Empty(t, vw.rev)

	// Another client creates the vault after the baseline was taken.
	winner := srv.Put("vaults", "personal.kdbx", []byte("theirs"))

	require.NoError(t, os.WriteFile(vw.local, []byte("mine"), 0o600))

	err := vw.upload(context.Background())
	require.ErrorIs(t, err, blob.ErrRevisionConflict)

	rev, ok := blob.ConflictRevision(err)
	require.True(t, ok)
	assert.Equal(t, winner, rev)

	content, _, _ := srv.Get("vaults", "personal.kdbx")
	assert.Equal(t, "theirs", string(content))
}

func TestVaultWatcher_DebounceCoalesces(t *testing.T) {
	srv := blobtest.NewServer(t, "vaults")

	vw, _ := newTestWatcher(t, srv)
	vw.debounce = 50 * time.Millisecond

	fw := newMockFsWatcher()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	require.NoError(t, os.WriteFile(vw.local, []byte("final"), 0o600))

	for range 5 {
		fw.events <- fsnotify.Event{Name: vw.local, Op: fsnotify.Write}
	}

	go func() { done <- vw.run(ctx, fw) }()

	require.Eventually(t, func() bool {
		got, _, _ := srv.Get("vaults", "personal.kdbx")
		return string(got) == "final"
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	puts := 0

	for _, r := range srv.Requests() {
		if r.Method == http.MethodPut {
			puts++
		}
	}

	assert.Equal(t, 1, puts)
}

func TestVaultWatcher_MissingFileWaits(t *testing.T) {
	srv := blobtest.NewServer(t, "vaults")
	vw, _ := newTestWatcher(t, srv)

	require.NoError(t, vw.upload(context.Background()))
	assert.Empty(t, srv.Requests())
}
