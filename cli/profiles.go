package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-session-manager/common"
	"github.com/yllada/vpn-session-manager/registry"
	"github.com/yllada/vpn-session-manager/vpn"
)

func (a *App) profilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List and manage providers and profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			return a.listProfiles(reg)
		},
	}
	cmd.AddCommand(
		a.addProviderCommand(),
		a.removeProviderCommand(),
		a.addProfileCommand(),
		a.removeProfileCommand(),
	)
	return cmd
}

// listProfiles prints profiles grouped by provider connection type.
func (a *App) listProfiles(reg *registry.Registry) error {
	groups := reg.Grouped()

	if a.jsonOutput {
		type providerJSON struct {
			*vpn.Provider
			Profiles []*vpn.Profile `json:"profiles"`
		}
		out := map[string][]providerJSON{}
		for _, g := range groups {
			for _, p := range g.Providers {
				out[string(g.ConnectionType)] = append(out[string(g.ConnectionType)], providerJSON{p, reg.Profiles(p.ID)})
			}
		}
		return printJSON(out)
	}

	if len(groups) == 0 {
		fmt.Println("No providers configured.")
		fmt.Println("Add one with: vpn-session profiles add-provider")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, g := range groups {
		fmt.Fprintln(w, headerStyle.Render(g.ConnectionType.Description()))
		for _, provider := range g.Providers {
			fmt.Fprintf(w, "  %s\t(%s)\n", provider.DisplayName, provider.ID)
			profiles := reg.Profiles(provider.ID)
			if len(profiles) == 0 {
				fmt.Fprintln(w, "    no profiles\t")
			}
			for _, profile := range profiles {
				twoFactor := ""
				if profile.RequiresTwoFactor {
					twoFactor = "2FA"
				}
				fmt.Fprintf(w, "    %s\t%s\t%s\n", common.ShortID(profile.ID), profile.DisplayName, twoFactor)
			}
		}
	}
	return w.Flush()
}

func (a *App) addProviderCommand() *cobra.Command {
	var p vpn.Provider
	var connType, authType string
	cmd := &cobra.Command{
		Use:   "add-provider",
		Short: "Register a VPN provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			p.ConnectionType = vpn.ConnectionType(connType)
			p.AuthorizationType = vpn.AuthorizationType(authType)
			if err := reg.AddProvider(&p); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Added provider %s", p.DisplayName))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.ID, "id", "", "provider identifier")
	f.StringVar(&p.DisplayName, "name", "", "display name")
	f.StringVar(&p.BaseURL, "url", "", "provider API base URL")
	f.StringVar(&connType, "type", string(vpn.ConnectionInstituteAccess), "connection type: secure_internet, institute_access or custom")
	f.StringVar(&authType, "auth", string(vpn.AuthorizationLocal), "authorization type: local, distributed or federated")
	f.StringVar(&p.AuthorizationEndpoint, "authorize-endpoint", "", "OAuth authorization endpoint (default BASE_URL/oauth/authorize)")
	f.StringVar(&p.TokenEndpoint, "token-endpoint", "", "OAuth token endpoint (default BASE_URL/oauth/token)")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("name")
	return cmd
}

func (a *App) removeProviderCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-provider ID",
		Short: "Remove a provider and its profiles",
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
			if err := reg.RemoveProvider(provider.ID); err != nil {
				return err
			}
			if authSvc, err := a.authService(); err == nil {
				authSvc.Logout(provider)
			}
			printSuccess(fmt.Sprintf("Removed provider %s", provider.DisplayName))
			return nil
		},
	}
}

func (a *App) addProfileCommand() *cobra.Command {
	var p vpn.Profile
	var configFile string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a profile from an OpenVPN configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			if err := reg.AddProfile(&p, configFile); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Added profile %s (%s)", p.DisplayName, common.ShortID(p.ID)))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.ProviderID, "provider", "", "provider ID")
	f.StringVar(&p.DisplayName, "name", "", "display name")
	f.StringVar(&configFile, "config", "", "OpenVPN configuration file")
	f.BoolVar(&p.RequiresTwoFactor, "two-factor", false, "require a two-factor token on every connect")
	cmd.MarkFlagRequired("provider")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("config")
	return cmd
}

func (a *App) removeProfileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove PROFILE",
		Short: "Remove a profile by name or ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			profile, err := reg.FindProfile(args[0])
			if err != nil {
				return err
			}
			if err := reg.RemoveProfile(profile.ID); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Removed profile %s", profile.DisplayName))
			return nil
		},
	}
}
