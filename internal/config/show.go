package config

import (
	"fmt"
	"io"
)

// redacted replaces secrets in rendered output.
const redacted = "<redacted>"

// RenderEffective writes the resolved configuration as TOML-shaped text to
// w. This powers the "config show" command. Secrets are never printed.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)

	ew.printf("[storage]\n")
	ew.printf("  locator       = %q\n", cfg.Storage.Locator)
	ew.printf("  container_url = %q\n", cfg.Storage.ContainerURL)
	ew.printf("  account_url   = %q\n", cfg.Storage.AccountURL)
	ew.printf("  api_version   = %q\n", cfg.Storage.APIVersion)
	ew.printf("  gate_remove   = %t\n\n", cfg.Storage.GateRemove)

	secret := ""
	if cfg.OAuth.ClientSecret != "" {
		secret = redacted
	}

	ew.printf("[oauth]\n")
	ew.printf("  deployment    = %q\n", cfg.OAuth.Deployment)
	ew.printf("  credential    = %q\n", cfg.OAuth.Credential)
	ew.printf("  tenant_id     = %q\n", cfg.OAuth.TenantID)
	ew.printf("  client_id     = %q\n", cfg.OAuth.ClientID)
	ew.printf("  client_secret = %q\n", secret)
	ew.printf("  local_port    = %d\n", cfg.OAuth.LocalPort)
	ew.printf("  redirect_url  = %q\n", cfg.OAuth.RedirectURL)
	ew.printf("  revoke_url    = %q\n", cfg.OAuth.RevokeURL)
	ew.printf("  token_file    = %q\n\n", cfg.TokenPath())

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", cfg.Logging.LogLevel)
	ew.printf("  log_format = %q\n\n", cfg.Logging.LogFormat)

	ew.printf("[network]\n")
	ew.printf("  timeout    = %q\n", cfg.Network.Timeout)
	ew.printf("  user_agent = %q\n", cfg.Network.UserAgent)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
