package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RaysceneNS/keeweb-azure/internal/blob"
	"github.com/RaysceneNS/keeweb-azure/internal/blob/blobtest"
	"github.com/RaysceneNS/keeweb-azure/internal/config"
	"github.com/RaysceneNS/keeweb-azure/internal/oauth"
)

const (
	testClientID = "client-1"
	testToken    = "cli-access-token"
)

// cliEnv is a config file, a saved token and a fake Blob service wired
// together so commands run end to end without a login.
type cliEnv struct {
	srv     *blobtest.Server
	dir     string
	cfgPath string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()

	for _, name := range []string{
		config.EnvConfig, config.EnvContainerURL, config.EnvTenantID,
		config.EnvClientID, config.EnvClientSecret, config.EnvDeployment,
	} {
		t.Setenv(name, "")
	}

	srv := blobtest.NewServer(t, "vaults")
	srv.Token = testToken

	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token.json")

	saved := fmt.Sprintf(`{"token":{"access_token":%q,"token_type":"Bearer","expiry":%q},"client_id":%q}`,
		testToken, time.Now().Add(time.Hour).UTC().Format(time.RFC3339), testClientID)
	require.NoError(t, os.WriteFile(tokenPath, []byte(saved), 0o600))

	cfgPath := filepath.Join(dir, "config.toml")
	cfg := fmt.Sprintf(`
[storage]
container_url = %q

[oauth]
client_id = %q
token_file = %q

[logging]
log_format = "text"
`, srv.ContainerURL("vaults"), testClientID, tokenPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	return &cliEnv{srv: srv, dir: dir, cfgPath: cfgPath}
}

// run executes the CLI with args and returns stdout, stderr and the error.
func (e *cliEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", e.cfgPath}, args...))

	err := cmd.ExecuteContext(context.Background())

	return stdout.String(), stderr.String(), err
}

func (e *cliEnv) writeLocal(t *testing.T, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	return path
}

func TestCLI_PutGetRoundTrip(t *testing.T) {
	e := newCLIEnv(t)
	local := e.writeLocal(t, "personal.kdbx", []byte("vault-v1"))

	stdout, _, err := e.run(t, "put", local)
	require.NoError(t, err)

	_, etag, ok := e.srv.Get("vaults", "personal.kdbx")
	require.True(t, ok, "default remote path is /<name>.kdbx")
	assert.Equal(t, etag, strings.TrimSpace(stdout))

	out := filepath.Join(e.dir, "copy.kdbx")
	_, stderr, err := e.run(t, "get", "/personal.kdbx", out)
	require.NoError(t, err)
	assert.Contains(t, stderr, etag)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "vault-v1", string(got))
}

func TestCLI_PutRefusesBlindOverwrite(t *testing.T) {
	e := newCLIEnv(t)
	etag := e.srv.Put("vaults", "personal.kdbx", []byte("remote"))
	local := e.writeLocal(t, "personal.kdbx", []byte("local"))

	_, _, err := e.run(t, "put", local)
	require.Error(t, err)
	assert.ErrorIs(t, err, blob.ErrRevisionConflict)
	assert.Contains(t, err.Error(), etag)
	assert.Equal(t, exitConflict, exitCode(err))

	content, _, _ := e.srv.Get("vaults", "personal.kdbx")
	assert.Equal(t, "remote", string(content))

	reqs := e.srv.Requests()
	require.Len(t, reqs, 1, "the existence check is the write itself")
	assert.Equal(t, http.MethodPut, reqs[0].Method)
	assert.Equal(t, "*", reqs[0].Header.Get("If-None-Match"))

	_, _, err = e.run(t, "put", "--rev", etag, local)
	require.NoError(t, err)

	content, _, _ = e.srv.Get("vaults", "personal.kdbx")
	assert.Equal(t, "local", string(content))
}

func TestCLI_PutCreateLosesRaceToOtherClient(t *testing.T) {
	e := newCLIEnv(t)
	local := e.writeLocal(t, "personal.kdbx", []byte("mine"))

	// Another client creates the vault just before our write arrives.
	var (
		mu     sync.Mutex
		winner string
	)

	e.srv.Override = func(_ http.ResponseWriter, r *http.Request) bool {
		mu.Lock()
		defer mu.Unlock()

		if r.Method == http.MethodPut && winner == "" {
			winner = e.srv.Put("vaults", "personal.kdbx", []byte("theirs"))
		}

		return false
	}

	_, _, err := e.run(t, "put", local)
	require.Error(t, err)
	assert.ErrorIs(t, err, blob.ErrRevisionConflict)

	mu.Lock()
	assert.Contains(t, err.Error(), winner)
	mu.Unlock()

	content, _, _ := e.srv.Get("vaults", "personal.kdbx")
	assert.Equal(t, "theirs", string(content), "the other client's vault is kept")
}

func TestCLI_PutStaleRevisionConflicts(t *testing.T) {
	e := newCLIEnv(t)
	stale := e.srv.Put("vaults", "personal.kdbx", []byte("v1"))
	winner := e.srv.Put("vaults", "personal.kdbx", []byte("v2"))
	local := e.writeLocal(t, "personal.kdbx", []byte("v3"))

	_, stderr, err := e.run(t, "put", "--rev", stale, local)
	require.Error(t, err)

	rev, ok := blob.ConflictRevision(err)
	require.True(t, ok)
	assert.Equal(t, winner, rev)
	assert.Contains(t, stderr, winner)
	assert.Equal(t, exitConflict, exitCode(err))
}

func TestCLI_PutForce(t *testing.T) {
	e := newCLIEnv(t)
	e.srv.Put("vaults", "personal.kdbx", []byte("remote"))
	local := e.writeLocal(t, "personal.kdbx", []byte("local"))

	_, _, err := e.run(t, "put", "--force", local)
	require.NoError(t, err)

	content, _, _ := e.srv.Get("vaults", "personal.kdbx")
	assert.Equal(t, "local", string(content))
}

func TestCLI_Ls(t *testing.T) {
	e := newCLIEnv(t)
	e.srv.Put("vaults", "a.kdbx", []byte("a"))
	e.srv.Put("vaults", "team/b.kdbx", []byte("b"))

	stdout, _, err := e.run(t, "ls")
	require.NoError(t, err)
	assert.Contains(t, stdout, "a.kdbx")
	assert.Contains(t, stdout, "team/")
	assert.NotContains(t, stdout, "b.kdbx", "nested vaults are folded into their folder")

	stdout, _, err = e.run(t, "--json", "ls", "/team")
	require.NoError(t, err)

	var entries []entryJSON
	require.NoError(t, json.Unmarshal([]byte(stdout), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "team/b.kdbx", entries[0].Path)
	assert.Equal(t, "b.kdbx", entries[0].Name)
	assert.NotEmpty(t, entries[0].Revision)
}

func TestCLI_StatMultiple(t *testing.T) {
	e := newCLIEnv(t)
	revA := e.srv.Put("vaults", "a.kdbx", []byte("a"))
	revB := e.srv.Put("vaults", "b.kdbx", []byte("b"))

	stdout, _, err := e.run(t, "--json", "stat", "/a.kdbx", "/b.kdbx", "/missing.kdbx")
	require.Error(t, err)
	assert.ErrorIs(t, err, blob.ErrNotFound)
	assert.Equal(t, exitNotFound, exitCode(err))

	var results []statResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &results))
	require.Len(t, results, 3)
	assert.Equal(t, revA, results[0].Revision, "results keep argument order")
	assert.Equal(t, revB, results[1].Revision)
	assert.NotEmpty(t, results[2].Error)
}

func TestCLI_Rm(t *testing.T) {
	e := newCLIEnv(t)
	e.srv.Put("vaults", "old.kdbx", []byte("x"))

	_, _, err := e.run(t, "rm", "/old.kdbx")
	require.NoError(t, err)

	_, _, ok := e.srv.Get("vaults", "old.kdbx")
	assert.False(t, ok)

	_, _, err = e.run(t, "rm", "/old.kdbx")
	assert.Equal(t, exitNotFound, exitCode(err))
}

func TestCLI_NotLoggedIn(t *testing.T) {
	e := newCLIEnv(t)
	require.NoError(t, os.Remove(filepath.Join(e.dir, "token.json")))

	_, _, err := e.run(t, "stat", "/a.kdbx")
	require.Error(t, err)
	assert.ErrorIs(t, err, oauth.ErrNotLoggedIn)
	assert.ErrorIs(t, err, blob.ErrAuth)
	assert.Empty(t, e.srv.Requests(), "no request is sent without a token")
}

func TestCLI_Logout(t *testing.T) {
	e := newCLIEnv(t)

	_, stderr, err := e.run(t, "logout")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Logged out.")
	assert.NoFileExists(t, filepath.Join(e.dir, "token.json"))
	assert.Empty(t, e.srv.Requests())
}

func TestCLI_ContainerURLFlag(t *testing.T) {
	e := newCLIEnv(t)
	e.srv.CreateContainer("other")
	e.srv.Put("other", "x.kdbx", []byte("x"))

	stdout, _, err := e.run(t, "--container-url", e.srv.ContainerURL("other"), "ls")
	require.NoError(t, err)
	assert.Contains(t, stdout, "x.kdbx")
}

func TestCLI_ConfigShowWithoutStorage(t *testing.T) {
	for _, name := range []string{config.EnvConfig, config.EnvContainerURL, config.EnvClientID} {
		t.Setenv(name, "")
	}

	var stdout bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.toml"), "config", "show"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, stdout.String(), "[storage]")
	assert.Contains(t, stdout.String(), `api_version   = "2020-06-12"`)
}

func TestCLI_MissingContainerURL(t *testing.T) {
	t.Setenv(config.EnvContainerURL, "")
	t.Setenv(config.EnvClientID, "")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.toml"), "ls"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.container_url")
}

func TestCLI_Metrics(t *testing.T) {
	e := newCLIEnv(t)
	e.srv.Put("vaults", "a.kdbx", []byte("a"))

	_, stderr, err := e.run(t, "--metrics", "stat", "/a.kdbx")
	require.NoError(t, err)
	assert.Contains(t, stderr, `keeweb_blob_operations_total{operation="stat",outcome="ok"}`)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitConflict, exitCode(fmt.Errorf("wrapped: %w", &blob.ConflictError{Path: "/a"})))
	assert.Equal(t, exitNotFound, exitCode(fmt.Errorf("wrapped: %w", blob.ErrNotFound)))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
}

func TestRemotePathFor(t *testing.T) {
	tests := []struct {
		name  string
		local string
		want  string
	}{
		{"strips extension", "/home/u/personal.kdbx", "/personal.kdbx"},
		{"adds extension", "notes", "/notes.kdbx"},
		// "e" + combining acute (NFD) becomes precomposed U+00E9.
		{"normalizes to NFC", "/tmp/cafe\u0301.kdbx", "/caf\u00e9.kdbx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, remotePathFor(tt.local))
		})
	}
}

func TestBuildLogger_Levels(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.LogLevel = "warn"

	var buf bytes.Buffer

	logger := buildLogger(cfg, CLIFlags{}, &buf)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	logger = buildLogger(cfg, CLIFlags{Verbose: true}, &buf)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger = buildLogger(cfg, CLIFlags{Verbose: true, Quiet: true}, &buf)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))
}

func TestUseJSONLogs(t *testing.T) {
	assert.True(t, useJSONLogs("json", os.Stderr))
	assert.False(t, useJSONLogs("text", &bytes.Buffer{}))
	assert.True(t, useJSONLogs("auto", &bytes.Buffer{}), "non-terminal writers get JSON")
}
