package main

import (
	"github.com/spf13/cobra"

	"github.com/ibrasoft/driveclonr/internal/google"
)

// browserOpener is replaced in tests.
var browserOpener = openBrowser

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize access to your Google account",
		Long: `Open a browser to grant driveclonr read-only access to the enabled
services. The OAuth client is read from credentials_file (a Google Cloud
"Desktop app" client JSON). The resulting token is saved for later runs.`,
		RunE: runLogin,
	}

	cmd.Flags().StringSlice("services", nil, "services to request access for (drive, photos, sheets, slides)")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved authorization token",
		RunE:  runLogout,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	oauthCfg, err := google.OAuthConfig(cc.Cfg.CredentialsFile, google.Scopes(enabledServices(cc.Cfg)))
	if err != nil {
		return err
	}

	cc.Logger.Info("login started", "services", cc.Cfg.Services)

	if _, err := google.Login(ctx, oauthCfg, cc.Cfg.TokenPath, browserOpener, cc.Logger); err != nil {
		return err
	}

	cc.Statusf("Login successful.\n")

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if err := google.Logout(cc.Cfg.TokenPath, cc.Logger); err != nil {
		return err
	}

	cc.Statusf("Logged out.\n")

	return nil
}
