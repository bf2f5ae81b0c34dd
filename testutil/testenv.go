// Package testutil provides shared environment helpers for the live E2E
// tests, which run the built binary against a real storage container.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the E2E suite.
const (
	EnvTestContainerURL     = "KEEWEB_AZURE_TEST_CONTAINER_URL"
	EnvAllowedTestContainer = "KEEWEB_AZURE_ALLOWED_TEST_CONTAINERS"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := parseEnvLine(scanner.Text())
		if !ok {
			continue
		}

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// parseEnvLine splits one .env line. Blank lines, comments and lines
// without "=" are skipped.
func parseEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}

	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}

	key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
	value = strings.Trim(strings.TrimSpace(value), "\"'")

	return key, value, key != ""
}

// ValidateAllowlist crashes the process unless the test container URL is
// set and listed in KEEWEB_AZURE_ALLOWED_TEST_CONTAINERS. The suite deletes
// blobs, so it must never point at a container holding real vaults.
func ValidateAllowlist() string {
	allowlist := os.Getenv(EnvAllowedTestContainer)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", EnvAllowedTestContainer)
		fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
		fmt.Fprintf(os.Stderr, "Example: %s=https://acct.blob.core.windows.net/e2e\n", EnvAllowedTestContainer)
		os.Exit(1)
	}

	container := strings.TrimRight(os.Getenv(EnvTestContainerURL), "/")
	if container == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", EnvTestContainerURL)
		os.Exit(1)
	}

	if !Allowed(allowlist, container) {
		fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n",
			EnvTestContainerURL, container, EnvAllowedTestContainer, allowlist)
		os.Exit(1)
	}

	return container
}

// Allowed reports whether container appears in the comma-separated list.
// Trailing slashes are ignored on both sides.
func Allowed(allowlist, container string) bool {
	container = strings.TrimRight(container, "/")

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimRight(strings.TrimSpace(a), "/") == container {
			return true
		}
	}

	return false
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
