package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/RaysceneNS/keeweb-azure/internal/blob"
)

// defaultDebounce coalesces the burst of writes an editor makes when it
// saves a vault.
const defaultDebounce = 500 * time.Millisecond

// Watcher error backoff bounds.
const (
	watchErrInitBackoff = time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// FsWatcher is the subset of fsnotify.Watcher the watch loop needs.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWatcher adapts *fsnotify.Watcher, whose channels are fields.
type fsnotifyWatcher struct {
	*fsnotify.Watcher
}

func (w fsnotifyWatcher) Events() <-chan fsnotify.Event { return w.Watcher.Events }
func (w fsnotifyWatcher) Errors() <-chan error          { return w.Watcher.Errors }

// vaultStore is the part of blob.Storage that watch uses.
type vaultStore interface {
	Stat(ctx context.Context, path string) (*blob.Stat, error)
	Save(ctx context.Context, path string, content []byte, expected string) (string, error)
	Create(ctx context.Context, path string, content []byte) (string, error)
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <local-path> [remote-path]",
		Short: "Upload a vault every time it changes locally",
		Long: `Watch a local vault and save it after each change. Every save is
guarded by the revision of the previous one, so a concurrent change by
another client is detected instead of overwritten: watch prints the
winning revision and exits with status 3.

The starting revision is --rev, or the current remote revision.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runWatch,
	}

	cmd.Flags().String("rev", "", "expected remote revision for the first save")
	cmd.Flags().Duration("debounce", defaultDebounce, "quiet period before a change is uploaded")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	localPath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	remotePath := remotePathFor(localPath)
	if len(args) > 1 {
		remotePath = args[1]
	}

	rev, err := cmd.Flags().GetString("rev")
	if err != nil {
		return err
	}

	debounce, err := cmd.Flags().GetDuration("debounce")
	if err != nil {
		return err
	}

	s, err := NewSession(cc)
	if err != nil {
		return err
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	vw := &vaultWatcher{
		store:    s.Storage,
		local:    localPath,
		remote:   remotePath,
		rev:      rev,
		debounce: debounce,
		logger:   cc.Logger,
		statusf:  cc.Statusf,
	}

	if rev == "" {
		if err := vw.loadBaseline(ctx); err != nil {
			return err
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}

	watcher := fsnotifyWatcher{fw}
	defer watcher.Close()

	// Watch the directory: editors often replace the file by rename.
	if err := watcher.Add(filepath.Dir(localPath)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(localPath), err)
	}

	cc.Statusf("Watching %s -> %s (revision %s)\n", localPath, remotePath, displayRev(vw.rev))

	return vw.run(ctx, watcher)
}

// vaultWatcher uploads one local file on change, carrying the revision of
// each successful save into the next one.
type vaultWatcher struct {
	store    vaultStore
	local    string
	remote   string
	rev      string
	debounce time.Duration
	logger   *slog.Logger
	statusf  func(format string, args ...any)

	lastSum [sha256.Size]byte
	saved   bool
}

// loadBaseline takes the current remote revision as the starting point. A
// missing blob leaves the baseline empty, so the first save creates it and
// fails if another client created it in the meantime.
func (vw *vaultWatcher) loadBaseline(ctx context.Context) error {
	st, err := vw.store.Stat(ctx, vw.remote)

	switch {
	case err == nil:
		vw.rev = st.Revision
	case errors.Is(err, blob.ErrNotFound):
		vw.rev = ""
	default:
		return fmt.Errorf("reading revision of %s: %w", vw.remote, err)
	}

	return nil
}

// run processes watcher events until ctx is canceled or a save fails.
func (vw *vaultWatcher) run(ctx context.Context, watcher FsWatcher) error {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			if !vw.relevant(ev) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(vw.debounce)
			} else {
				timer.Reset(vw.debounce)
			}

			fire = timer.C

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			vw.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := timeSleep(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)

		case <-fire:
			fire = nil

			if err := vw.upload(ctx); err != nil {
				return err
			}

			errBackoff = watchErrInitBackoff
		}
	}
}

// relevant reports whether ev may have changed the watched file.
func (vw *vaultWatcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != vw.local {
		return false
	}

	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

// upload saves the current file content against the last known revision.
// Unchanged content is skipped; a vanished file is ignored until it
// reappears.
func (vw *vaultWatcher) upload(ctx context.Context) error {
	content, err := os.ReadFile(vw.local)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			vw.logger.Debug("watched file missing, waiting", slog.String("path", vw.local))
			return nil
		}

		return fmt.Errorf("reading %s: %w", vw.local, err)
	}

	sum := sha256.Sum256(content)
	if vw.saved && bytes.Equal(sum[:], vw.lastSum[:]) {
		vw.logger.Debug("content unchanged, skipping save", slog.String("path", vw.local))
		return nil
	}

	var newRev string
	if vw.rev == "" {
		newRev, err = vw.store.Create(ctx, vw.remote, content)
	} else {
		newRev, err = vw.store.Save(ctx, vw.remote, content, vw.rev)
	}

	if err != nil {
		if winner, ok := blob.ConflictRevision(err); ok {
			vw.statusf("Conflict: %s was changed by another client (now at revision %s); stopping\n",
				vw.remote, displayRev(winner))
		}

		return fmt.Errorf("saving %s: %w", vw.remote, err)
	}

	vw.logger.Info("vault saved",
		slog.String("path", vw.remote),
		slog.String("rev", newRev),
		slog.Int("bytes", len(content)),
	)

	vw.statusf("Saved %s (%s) at revision %s\n", vw.remote, formatSize(int64(len(content))), newRev)

	vw.rev = newRev
	vw.lastSum = sum
	vw.saved = true

	return nil
}

// displayRev renders an empty revision readably.
func displayRev(rev string) string {
	if rev == "" {
		return "(none)"
	}

	return rev
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
