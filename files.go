package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/RaysceneNS/keeweb-azure/internal/blob"
)

// statConcurrency bounds parallel HEAD requests for multi-path stat.
const statConcurrency = 4

// vaultExt is the KeePass database extension.
const vaultExt = ".kdbx"

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [dir]",
		Short: "List vaults and folders",
		Long: `List the entries directly under dir. Deeper vaults are folded into
folder entries (shown with a trailing "/"). With an account URL, the root
lists containers and a container name lists its top level.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runLs,
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>...",
		Short: "Show the current revision of one or more vaults",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runStat,
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download a vault (\"-\" writes to stdout)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local-path> [remote-path]",
		Short: "Upload a vault, guarded by its expected revision",
		Long: `Upload a local vault. The remote path defaults to /<name>.kdbx.

With --rev the write only succeeds if the remote is still at that revision.
Without --rev the write only succeeds if the vault does not exist yet; the
backend checks this atomically. --force overwrites unconditionally.
A lost race exits with status 3 and prints the winning revision.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runPut,
	}

	cmd.Flags().String("rev", "", "expected remote revision (ETag)")
	cmd.Flags().Bool("force", false, "overwrite without a revision check")
	cmd.MarkFlagsMutuallyExclusive("rev", "force")

	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a vault",
		Args:  cobra.ExactArgs(1),
		RunE:  runRm,
	}
}

// remotePathFor derives the default remote path from a local file name.
// Names are NFC-normalized so a vault saved on macOS (NFD file names)
// maps to the same blob as on other platforms.
func remotePathFor(localPath string) string {
	name := norm.NFC.String(filepath.Base(localPath))
	name = strings.TrimSuffix(name, vaultExt)

	return blob.PathForName(name)
}

// entryJSON is the JSON schema for ls entries.
type entryJSON struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	IsDir    bool   `json:"is_dir"`
	Revision string `json:"revision,omitempty"`
}

func runLs(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	dir := "/"
	if len(args) > 0 {
		dir = args[0]
	}

	s, err := NewSession(cc)
	if err != nil {
		return err
	}

	entries, err := s.Storage.List(cmd.Context(), dir)
	if err != nil {
		return fmt.Errorf("listing %q: %w", dir, err)
	}

	if cc.Flags.JSON {
		out := make([]entryJSON, 0, len(entries))
		for _, e := range entries {
			out = append(out, entryJSON(e))
		}

		return printJSON(cc.Stdout, out)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name
		if e.IsDir {
			name += "/"
		}

		rows = append(rows, []string{name, e.Revision})
	}

	printTable(cc.Stdout, []string{"NAME", "REVISION"}, rows)

	return nil
}

// statResult is the outcome of stat for one path.
type statResult struct {
	Path     string `json:"path"`
	Revision string `json:"revision,omitempty"`
	Error    string `json:"error,omitempty"`

	err error
}

func runStat(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := NewSession(cc)
	if err != nil {
		return err
	}

	results := make([]statResult, len(args))

	var g errgroup.Group
	g.SetLimit(statConcurrency)

	for i, path := range args {
		g.Go(func() error {
			st, err := s.Storage.Stat(ctx, path)
			results[i] = statResult{Path: path, err: err}

			if err != nil {
				results[i].Error = err.Error()
				return nil
			}

			results[i].Revision = st.Revision

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	var errs []error

	for _, r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Path, r.err))
		}
	}

	if cc.Flags.JSON {
		if err := printJSON(cc.Stdout, results); err != nil {
			return err
		}

		return errors.Join(errs...)
	}

	rows := make([][]string, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			continue
		}

		rows = append(rows, []string{r.Path, r.Revision})
	}

	if len(rows) > 0 {
		printTable(cc.Stdout, []string{"PATH", "REVISION"}, rows)
	}

	return errors.Join(errs...)
}

func runGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	remotePath := args[0]

	localPath := filepath.Base(remotePath)
	if len(args) > 1 {
		localPath = args[1]
	}

	s, err := NewSession(cc)
	if err != nil {
		return err
	}

	obj, err := s.Storage.Load(cmd.Context(), remotePath)
	if err != nil {
		return fmt.Errorf("downloading %q: %w", remotePath, err)
	}

	if localPath == "-" {
		_, err = cc.Stdout.Write(obj.Content)
		return err
	}

	if err := writeFileAtomic(localPath, obj.Content); err != nil {
		return err
	}

	cc.Logger.Debug("downloaded",
		"path", remotePath,
		"local", localPath,
		"rev", obj.Revision,
	)

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, revisionJSON{Path: remotePath, Revision: obj.Revision, Size: len(obj.Content)})
	}

	cc.Statusf("Downloaded %s (%s) at revision %s\n", localPath, formatSize(int64(len(obj.Content))), obj.Revision)

	return nil
}

// revisionJSON is the JSON schema for get and put results.
type revisionJSON struct {
	Path     string `json:"path"`
	Revision string `json:"revision"`
	Size     int    `json:"size"`
}

func runPut(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	localPath := args[0]

	var remotePath string

	switch {
	case len(args) > 1:
		remotePath = args[1]
	case localPath == "-":
		return errors.New("a remote path is required when reading from stdin")
	default:
		remotePath = remotePathFor(localPath)
	}

	rev, err := cmd.Flags().GetString("rev")
	if err != nil {
		return err
	}

	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	content, err := readLocal(localPath)
	if err != nil {
		return err
	}

	s, err := NewSession(cc)
	if err != nil {
		return err
	}

	create := rev == "" && !force

	var newRev string
	if create {
		newRev, err = s.Storage.Create(ctx, remotePath, content)
	} else {
		newRev, err = s.Storage.Save(ctx, remotePath, content, rev)
	}

	if err != nil {
		winner, conflict := blob.ConflictRevision(err)

		switch {
		case conflict && create:
			return fmt.Errorf("%s already exists at revision %s (pass --rev with it to overwrite): %w",
				remotePath, displayRev(winner), err)
		case conflict:
			cc.Statusf("Conflict: %s changed remotely (now at revision %s)\n", remotePath, displayRev(winner))
		}

		return fmt.Errorf("uploading %q: %w", remotePath, err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, revisionJSON{Path: remotePath, Revision: newRev, Size: len(content)})
	}

	fmt.Fprintln(cc.Stdout, newRev)
	cc.Statusf("Uploaded %s to %s (%s)\n", localPath, remotePath, formatSize(int64(len(content))))

	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	s, err := NewSession(cc)
	if err != nil {
		return err
	}

	if err := s.Storage.Remove(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("deleting %q: %w", args[0], err)
	}

	cc.Statusf("Deleted %s\n", args[0])

	return nil
}

// readLocal reads a local vault; "-" reads stdin.
func readLocal(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return content, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so a crash never leaves a truncated vault.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".keeweb-azure-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpPath := tmp.Name()
	success := false

	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}

	success = true

	return nil
}
