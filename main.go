package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/RaysceneNS/keeweb-azure/internal/blob"
	"github.com/RaysceneNS/keeweb-azure/internal/oauth"
)

// Process exit codes. Scripts rely on conflict and not-found being distinct
// from generic failure.
const (
	exitOK       = 0
	exitFailure  = 1
	exitConflict = 3
	exitNotFound = 4
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, blob.ErrRevisionConflict):
		return exitConflict
	case errors.Is(err, blob.ErrNotFound):
		return exitNotFound
	default:
		return exitFailure
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	if errors.Is(err, oauth.ErrNotLoggedIn) {
		fmt.Fprintln(os.Stderr, "Run 'keeweb-azure login' first.")
	}

	os.Exit(exitCode(err))
}
