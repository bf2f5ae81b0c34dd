package oauth

import (
	"fmt"
	"os"

	"github.com/pkg/browser"
)

func init() {
	// Launcher chatter must not mix with command output on stdout.
	browser.Stdout = os.Stderr
}

// OpenBrowser opens url with the platform's default handler.
func OpenBrowser(url string) error {
	if err := browser.OpenURL(url); err != nil {
		return fmt.Errorf("oauth: launching browser: %w", err)
	}

	return nil
}
