package cli

import (
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-session-manager/api"
	"github.com/yllada/vpn-session-manager/common"
	"github.com/yllada/vpn-session-manager/vpn"
)

// rotationInterval is how often the daemon checks the log file size.
const rotationInterval = 10 * time.Minute

func (a *App) serveCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session daemon with the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if listen == "" {
				listen = a.cfg.API.Listen
			}

			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			sess, err := a.newSession()
			if err != nil {
				return err
			}
			defer func() {
				if err := sess.close(a.cfg.Session.TeardownTimeout + time.Second); err != nil {
					common.LogWarn("Session shutdown: %v", err)
				}
			}()

			if sess.history != nil {
				if n, err := sess.history.CloseDangling(ctx, time.Now()); err != nil {
					common.LogWarn("Failed to close interrupted sessions: %v", err)
				} else if n > 0 {
					common.LogInfo("Marked %d interrupted sessions", n)
				}
			}

			server := api.NewServer(sess.manager, reg, api.Options{
				RateLimit:      a.cfg.API.RateLimit,
				RateBurst:      a.cfg.API.RateBurst,
				AllowedOrigins: a.cfg.API.AllowedOrigins,
			})
			sess.manager.SetOnHealthChange(func(profileID string, oldState, newState vpn.HealthState) {
				server.PublishHealth(profileID, oldState, newState)
				if sess.notifier != nil {
					sess.notifier.NotifyHealth(profileID, oldState, newState)
				}
			})

			go func() {
				ticker := time.NewTicker(rotationInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						common.GetLogger().CheckRotation()
					}
				}
			}()

			common.LogInfo("Starting %s daemon %s on %s", common.AppName, a.version.Version, listen)
			err = server.ListenAndServe(ctx, listen)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			common.LogInfo("Daemon stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "control API listen address (default from config)")
	return cmd
}
