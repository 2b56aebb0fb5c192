// Package cli provides the command-line interface of the VPN session
// manager. Long-running sessions live in the daemon started by "serve";
// the other commands talk to it over the control API, and "connect" falls
// back to running the session in the foreground when no daemon is up.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-session-manager/api"
	"github.com/yllada/vpn-session-manager/auth"
	"github.com/yllada/vpn-session-manager/common"
	"github.com/yllada/vpn-session-manager/config"
	"github.com/yllada/vpn-session-manager/history"
	"github.com/yllada/vpn-session-manager/keyring"
	"github.com/yllada/vpn-session-manager/messages"
	"github.com/yllada/vpn-session-manager/notify"
	"github.com/yllada/vpn-session-manager/openvpn"
	"github.com/yllada/vpn-session-manager/registry"
	"github.com/yllada/vpn-session-manager/vpn"
)

// VersionInfo is injected at build time.
type VersionInfo struct {
	Version string
	Build   string
	Commit  string
}

// App holds the collaborators shared by commands. They are created on
// first use so commands only pay for what they touch.
type App struct {
	version    VersionInfo
	configPath string
	apiAddr    string
	verbose    bool
	jsonOutput bool

	cfg      *config.Config
	registry *registry.Registry
	auth     *auth.Service
}

// Execute runs the root command.
func Execute(version VersionInfo) error {
	app := &App{version: version}
	root := app.rootCommand()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer common.CloseLogger()

	return root.ExecuteContext(ctx)
}

func (a *App) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "vpn-session",
		Short:         "Manage a VPN connection session",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "configuration file (default ~/.config/vpn-session-manager/config.yaml)")
	flags.StringVar(&a.apiAddr, "api", "", "control API address of the session daemon")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&a.jsonOutput, "json", false, "print machine-readable JSON")

	root.AddCommand(
		a.connectCommand(),
		a.disconnectCommand(),
		a.statusCommand(),
		a.statsCommand(),
		a.watchCommand(),
		a.messagesCommand(),
		a.profilesCommand(),
		a.historyCommand(),
		a.loginCommand(),
		a.logoutCommand(),
		a.serveCommand(),
		a.versionCommand(),
	)
	return root
}

// init loads configuration and sets up logging.
func (a *App) init() error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFrom(a.configPath)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}

	level := common.ParseLogLevel(a.cfg.LogLevel)
	if a.verbose {
		level = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{Level: level, EnableFile: true}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	if a.apiAddr == "" {
		a.apiAddr = a.cfg.API.Listen
	}
	return nil
}

func (a *App) openRegistry() (*registry.Registry, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	path, err := a.cfg.ResolveRegistryPath()
	if err != nil {
		return nil, err
	}
	r, err := registry.Open(path)
	if err != nil {
		return nil, err
	}
	a.registry = r
	return r, nil
}

func (a *App) authService() (*auth.Service, error) {
	if a.auth != nil {
		return a.auth, nil
	}
	dir, err := common.GetConfigDir()
	if err != nil {
		return nil, err
	}
	store, err := keyring.New(keyring.ServiceName, dir)
	if err != nil {
		return nil, common.WrapError(err, "failed to open credential store")
	}
	a.auth = auth.NewService(store)
	return a.auth, nil
}

func (a *App) openHistory() (*history.Store, error) {
	path, err := a.cfg.ResolveHistoryPath()
	if err != nil {
		return nil, err
	}
	return history.Open(path)
}

func (a *App) client() *api.Client {
	return api.NewClient(a.apiAddr)
}

// daemonRunning reports whether a session daemon answers on the API address.
func (a *App) daemonRunning(ctx context.Context) bool {
	return a.client().Ping(ctx) == nil
}

// session is a Manager wired with its observers.
type session struct {
	manager  *vpn.Manager
	history  *history.Store
	notifier *notify.Observer
	dbus     *notify.DBusNotifier
}

// newSession builds a Manager with the OpenVPN transport, the stored
// credentials and the provider message source, and subscribes the history
// recorder and desktop notifications.
func (a *App) newSession() (*session, error) {
	authSvc, err := a.authService()
	if err != nil {
		return nil, err
	}

	transport := openvpn.New(openvpn.Config{
		Binary:    a.cfg.OpenVPN.Binary,
		UsePkexec: a.cfg.OpenVPN.UsePkexec,
		Verbosity: a.cfg.OpenVPN.Verbosity,
	})

	s := a.cfg.Session
	manager, err := vpn.NewManager(vpn.Dependencies{
		Transport: transport,
		Auth:      authSvc,
		Messages:  messages.NewSource(authSvc.HTTPClient, 10*time.Second),
	}, vpn.ManagerConfig{
		PollInterval:           s.PollInterval,
		SamplingTimeout:        s.SamplingTimeout,
		EstablishTimeout:       s.EstablishTimeout,
		TeardownTimeout:        s.TeardownTimeout,
		HealthFailureThreshold: s.HealthFailureThreshold,
		LogLocation:            common.LogFilePath(),
	})
	if err != nil {
		return nil, err
	}

	sess := &session{manager: manager}

	if store, err := a.openHistory(); err != nil {
		common.LogWarn("Session history disabled: %v", err)
	} else {
		sess.history = store
		manager.Subscribe(history.NewRecorder(store))
	}

	if a.cfg.ShowNotifications {
		if d, err := notify.NewDBusNotifier(); err != nil {
			common.LogDebug("Desktop notifications unavailable: %v", err)
		} else {
			sess.dbus = d
			sess.notifier = notify.NewObserver(d)
			manager.Subscribe(sess.notifier)
		}
	}
	return sess, nil
}

// close disconnects and releases the session's resources.
func (s *session) close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.manager.Close(ctx)
	if s.notifier != nil {
		s.notifier.Close()
	}
	if s.dbus != nil {
		s.dbus.Close()
	}
	if s.history != nil {
		s.history.Close()
	}
	return err
}

// profileAndProvider resolves a profile query against the registry.
func (a *App) profileAndProvider(query string) (*vpn.Profile, *vpn.Provider, error) {
	reg, err := a.openRegistry()
	if err != nil {
		return nil, nil, err
	}
	profile, err := reg.FindProfile(query)
	if err != nil {
		return nil, nil, err
	}
	provider, err := reg.ProviderOf(profile)
	if err != nil {
		return nil, nil, err
	}
	return profile, provider, nil
}
