package oauth

import (
	"os"
	"os/exec"
	"runtime"
	"testing"

	"github.com/pkg/browser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBrowser_NoLauncher(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("rundll32 is resolved from the system directory")
	}

	t.Setenv("PATH", t.TempDir())

	err := OpenBrowser("https://login.example.test/authorize")
	require.Error(t, err)
	assert.ErrorIs(t, err, exec.ErrNotFound)
	assert.Contains(t, err.Error(), "oauth: launching browser")
}

func TestOpenBrowser_OutputGoesToStderr(t *testing.T) {
	assert.Equal(t, os.Stderr, browser.Stdout)
}
