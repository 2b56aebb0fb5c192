package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-session-manager/auth"
	"github.com/yllada/vpn-session-manager/vpn"
)

// loginTimeout bounds how long login waits for the browser redirect.
const loginTimeout = 5 * time.Minute

func (a *App) loginCommand() *cobra.Command {
	var redirect string
	cmd := &cobra.Command{
		Use:   "login PROVIDER",
		Short: "Authorize this client with a provider",
		Long: `Start an OAuth authorization with the provider and store the
resulting token. Open the printed URL in a browser and approve access.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			provider, err := reg.Provider(args[0])
			if err != nil {
				return err
			}
			authSvc, err := a.authService()
			if err != nil {
				return err
			}
			if redirect != "" {
				authSvc.SetRedirectURL(redirect)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), loginTimeout)
			defer cancel()
			return a.login(ctx, authSvc, provider)
		},
	}
	cmd.Flags().StringVar(&redirect, "redirect", auth.DefaultRedirectURL, "loopback redirect URL registered with the provider")
	return cmd
}

func (a *App) login(ctx context.Context, authSvc *auth.Service, provider *vpn.Provider) error {
	flow, err := authSvc.StartAuthorization(provider)
	if err != nil {
		return err
	}

	fmt.Printf("Open this URL to authorize %s:\n\n  %s\n\n", provider.DisplayName, flow.AuthURL)
	fmt.Println("Waiting for the authorization to complete...")

	cb, err := auth.WaitForCallback(ctx, authSvc.RedirectURL())
	if err != nil {
		return fmt.Errorf("authorization not completed: %w", err)
	}
	if _, err := authSvc.CompleteAuthorization(ctx, cb.State, cb.Code); err != nil {
		return err
	}
	printSuccess("Logged in to " + provider.DisplayName)
	return nil
}

func (a *App) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout PROVIDER",
		Short: "Remove the stored token of a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			provider, err := reg.Provider(args[0])
			if err != nil {
				return err
			}
			authSvc, err := a.authService()
			if err != nil {
				return err
			}
			if err := authSvc.Logout(provider); err != nil {
				return err
			}
			printSuccess("Logged out of " + provider.DisplayName)
			return nil
		},
	}
}
