package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-session-manager/api"
	"github.com/yllada/vpn-session-manager/history"
	"github.com/yllada/vpn-session-manager/messages"
	"github.com/yllada/vpn-session-manager/tui"
	"github.com/yllada/vpn-session-manager/vpn"
)

type connectOptions struct {
	foreground    bool
	watch         bool
	twoFactorKind string
	twoFactor     string
}

func (a *App) connectCommand() *cobra.Command {
	var opts connectOptions
	cmd := &cobra.Command{
		Use:   "connect PROFILE",
		Short: "Connect to a profile by name or ID",
		Long: `Connect to a profile by name or ID prefix.

When a session daemon is running the connection is made by the daemon.
Otherwise the session runs in the foreground until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.foreground && a.daemonRunning(cmd.Context()) {
				return a.connectRemote(cmd.Context(), args[0], opts)
			}
			return a.connectForeground(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().BoolVar(&opts.foreground, "foreground", false, "run the session in this process even if a daemon is running")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "show the live monitor while connected")
	cmd.Flags().StringVar(&opts.twoFactorKind, "2fa-kind", string(vpn.TwoFactorTOTP), "two-factor kind: totp or yubi")
	cmd.Flags().StringVar(&opts.twoFactor, "2fa", "", "two-factor token (prompted for when required and not given)")
	return cmd
}

// twoFactorValue returns the token from flags or prompts for it.
func (opts connectOptions) twoFactorValue() (string, error) {
	if opts.twoFactor != "" {
		return opts.twoFactor, nil
	}
	return promptSecret(twoFactorPrompt(vpn.TwoFactorKind(opts.twoFactorKind)))
}

func (opts connectOptions) twoFactorToken() (*vpn.TwoFactor, error) {
	value, err := opts.twoFactorValue()
	if err != nil {
		return nil, err
	}
	return vpn.NewTwoFactor(vpn.TwoFactorKind(opts.twoFactorKind), value)
}

func (a *App) connectRemote(ctx context.Context, query string, opts connectOptions) error {
	c := a.client()
	req := api.ConnectRequest{Profile: query}
	if opts.twoFactor != "" {
		req.TwoFactorKind, req.TwoFactor = opts.twoFactorKind, opts.twoFactor
	}

	fmt.Printf("Connecting to %s...\n", query)
	resp, err := c.Connect(ctx, req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	if resp.Result == "two_factor_required" {
		value, err := opts.twoFactorValue()
		if err != nil {
			return err
		}
		req.TwoFactorKind, req.TwoFactor = opts.twoFactorKind, value
		if resp, err = c.Connect(ctx, req); err != nil {
			return fmt.Errorf("connection failed: %w", err)
		}
	}

	if a.jsonOutput {
		return printJSON(resp)
	}
	printSuccess("Connected to " + resp.Status.Profile.DisplayName)
	if opts.watch {
		return tui.Run(tui.ClientSource{Client: c}, a.cfg.Session.PollInterval)
	}
	return nil
}

func (a *App) connectForeground(ctx context.Context, query string, opts connectOptions) error {
	profile, provider, err := a.profileAndProvider(query)
	if err != nil {
		return err
	}

	sess, err := a.newSession()
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.close(a.cfg.Session.TeardownTimeout); err != nil {
			printWarning(fmt.Sprintf("Disconnect: %v", err))
		}
	}()

	authState, err := sess.manager.AuthStateFor(provider)
	if err != nil {
		return fmt.Errorf("no credentials for %s, run \"vpn-session login %s\" first", provider.DisplayName, provider.ID)
	}

	// Events are read on this goroutine to notice a lost tunnel.
	events := vpn.NewChannelObserver()
	sub := sess.manager.Subscribe(events)
	defer sub.Close()
	defer events.Close()

	var token *vpn.TwoFactor
	if opts.twoFactor != "" {
		if token, err = opts.twoFactorToken(); err != nil {
			return err
		}
	}

	fmt.Printf("Connecting to %s...\n", profile.DisplayName)
	result, err := sess.manager.Connect(ctx, profile, authState, token)
	if err == nil && result == vpn.TwoFactorRequired {
		if token, err = opts.twoFactorToken(); err != nil {
			return err
		}
		result, err = sess.manager.Connect(ctx, profile, authState, token)
	}
	if err != nil {
		if errors.Is(err, vpn.ErrAuthenticationExpired) {
			return fmt.Errorf("credentials for %s expired, run \"vpn-session login %s\"", provider.DisplayName, provider.ID)
		}
		return fmt.Errorf("connection failed: %w", err)
	}

	printSuccess("Connected to " + profile.DisplayName)

	if opts.watch {
		return tui.Run(tui.ManagerSource{Manager: sess.manager}, a.cfg.Session.PollInterval)
	}

	fmt.Println("Press Ctrl+C to disconnect.")
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("Disconnecting from %s...\n", profile.DisplayName)
			return nil
		case ev, ok := <-events.Events():
			if !ok {
				return nil
			}
			if ev.New == vpn.StateDisconnected {
				if ev.Err != nil {
					return fmt.Errorf("session ended: %w", ev.Err)
				}
				return nil
			}
		}
	}
}

func (a *App) disconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the daemon's session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Session.TeardownTimeout+5*time.Second)
			defer cancel()

			status, err := a.client().Disconnect(ctx)
			if errors.Is(err, api.ErrDaemonUnavailable) {
				fmt.Println("No active session.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to disconnect: %w", err)
			}
			if a.jsonOutput {
				return printJSON(status)
			}
			printSuccess("Disconnected")
			return nil
		},
	}
}

func (a *App) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := a.client().Status(cmd.Context())
			if errors.Is(err, api.ErrDaemonUnavailable) {
				return a.offlineStatus(cmd.Context())
			}
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(status)
			}
			fmt.Println(renderStatus(status))
			return nil
		},
	}
}

// offlineStatus reports the last recorded session when no daemon runs.
func (a *App) offlineStatus(ctx context.Context) error {
	fmt.Println("No active session (session daemon is not running).")

	store, err := a.openHistory()
	if err != nil {
		return nil
	}
	defer store.Close()

	entries, err := store.List(ctx, history.ListOptions{Limit: 1})
	if err != nil || len(entries) == 0 {
		return nil
	}
	e := entries[0]
	fmt.Printf("Last session: %s, %s", e.ProfileName, e.StartedAt.Format(time.DateTime))
	if e.Connected() {
		fmt.Printf(", up %s", formatDuration(e.Duration()))
	}
	if e.Error != "" {
		fmt.Printf(" (%s)", e.Error)
	}
	fmt.Println()
	return nil
}

func (a *App) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show traffic counters of the connected session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.client().Stats(cmd.Context())
			if err != nil {
				var apiErr *api.APIError
				if errors.As(err, &apiErr) && apiErr.Code == "not_connected" {
					fmt.Println("Not connected.")
					return nil
				}
				return err
			}
			if a.jsonOutput {
				return printJSON(stats)
			}
			fmt.Println(renderStats(stats))
			return nil
		},
	}
}

func (a *App) watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Open the live session monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			if err := c.Ping(cmd.Context()); err != nil {
				return err
			}
			return tui.Run(tui.ClientSource{Client: c}, a.cfg.Session.PollInterval)
		},
	}
}

func (a *App) messagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "messages PROFILE",
		Short: "Show user and system messages of a profile's provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, provider, err := a.profileAndProvider(args[0])
			if err != nil {
				return err
			}
			authSvc, err := a.authService()
			if err != nil {
				return err
			}
			authState, ok := authSvc.AuthState(provider)
			if !ok {
				return fmt.Errorf("no credentials for %s, run \"vpn-session login %s\" first", provider.DisplayName, provider.ID)
			}

			src := messages.NewSource(authSvc.HTTPClient, 10*time.Second)
			msgs, err := messages.FetchAll(cmd.Context(), src, provider, authState)
			if err != nil {
				return fmt.Errorf("failed to fetch messages: %w", err)
			}
			if a.jsonOutput {
				return printJSON(msgs)
			}
			if len(msgs) == 0 {
				fmt.Println("No messages.")
				return nil
			}
			for _, m := range msgs {
				fmt.Printf("%s  [%s]  %s\n", m.Date.Local().Format(time.DateTime), m.Audience, m.Text)
			}
			return nil
		},
	}
}

func twoFactorPrompt(kind vpn.TwoFactorKind) string {
	if kind == vpn.TwoFactorYubiKey {
		return "Touch your YubiKey: "
	}
	return "Two-factor code: "
}
