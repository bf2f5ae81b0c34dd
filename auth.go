package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RaysceneNS/keeweb-azure/internal/config"
	"github.com/RaysceneNS/keeweb-azure/internal/oauth"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to Azure and save the token",
		Long: `Sign in with the authorization code flow in a browser. The redirect
target follows oauth.deployment: a random loopback port (desktop), a fixed
loopback port (local), or the configured redirect_url (hosted).

Use --device on hosts without a browser.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().Bool("device", false, "use the device code flow instead of a browser")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and remove the saved token",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Cfg.OAuth.Credential == config.CredentialAzure {
		return fmt.Errorf("login is not used with credential %q; the Azure credential chain signs in on demand",
			config.CredentialAzure)
	}

	device, err := cmd.Flags().GetBool("device")
	if err != nil {
		return err
	}

	p, err := cc.oauthProvider(true)
	if err != nil {
		return err
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	if device {
		err = p.LoginDevice(ctx, func(da oauth.DeviceAuth) {
			// Device code prompts must always be visible, --quiet or not.
			fmt.Fprintf(cc.Stderr, "To sign in, visit: %s\n", da.VerificationURI)
			fmt.Fprintf(cc.Stderr, "Enter code: %s\n", da.UserCode)
		})
	} else {
		err = p.Login(ctx)
	}

	if err != nil {
		return err
	}

	cc.Statusf("Login successful.\n")

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	s, err := NewSession(cc)
	if err != nil {
		return err
	}

	s.Storage.Logout(cmd.Context())
	cc.Statusf("Logged out.\n")

	return nil
}
