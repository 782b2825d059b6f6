package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/spf13/cobra"

	"github.com/Checkmk/checkmk-sub025/internal/attrsync"
	"github.com/Checkmk/checkmk-sub025/internal/config"
	"github.com/Checkmk/checkmk-sub025/internal/connector"
	"github.com/Checkmk/checkmk-sub025/internal/ldap"
	"github.com/Checkmk/checkmk-sub025/internal/metrics"
	"github.com/Checkmk/checkmk-sub025/internal/scheduler"
	"github.com/Checkmk/checkmk-sub025/internal/server"
	"github.com/Checkmk/checkmk-sub025/internal/state"
	"github.com/Checkmk/checkmk-sub025/internal/userdb"
)

var (
	configPath string
	logLevel   string
)

// exitError ends the process with code without printing anything.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	var exit *exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code)
	case err != nil:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// logContext attaches the root logger and every log subsystem to ctx.
func logContext(ctx context.Context) (context.Context, error) {
	level := hclog.LevelFromString(logLevel)
	if level == hclog.NoLevel {
		return nil, fmt.Errorf("invalid log level %q", logLevel)
	}
	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("ldapsync"),
		tfsdklog.WithLevel(level),
		tfsdklog.WithoutLocation(),
	)
	ctx = ldap.WithLogging(ctx)
	ctx = userdb.WithLogging(ctx)
	ctx = attrsync.WithLogging(ctx)
	ctx = connector.WithLogging(ctx)
	ctx = scheduler.WithLogging(ctx)
	ctx = server.WithLogging(ctx)
	return ctx, nil
}

// app holds what every command needs. The caller must defer app.Close().
type app struct {
	cfg     *config.Config
	state   *state.Dir
	store   userdb.Store
	sqlite  *userdb.SQLiteStore // nil for the memory store
	manager *connector.Manager
	metrics *metrics.Metrics
}

func newApp(process bool) (*app, error) {
	cfg, err := config.ReadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a := &app{
		cfg:     cfg,
		state:   state.New(cfg.StateDir),
		metrics: metrics.New(process),
	}

	deps := connector.Deps{State: a.state}
	switch cfg.Database.Type {
	case "memory":
		store := userdb.NewMemoryStore(nil)
		a.store, deps.Store, deps.ChangeLog = store, store, store
	default:
		store, err := userdb.OpenSQLiteStore(cfg.DatabasePath())
		if err != nil {
			return nil, fmt.Errorf("opening user store: %w", err)
		}
		a.sqlite = store
		a.store, deps.Store, deps.ChangeLog = store, store, store
	}

	a.manager, err = connector.NewManager(cfg, deps)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing connections: %w", err)
	}
	a.manager.OnSync(a.metrics.ObserveSync)
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.manager != nil {
		errs = append(errs, a.manager.Close())
	}
	if a.sqlite != nil {
		errs = append(errs, a.sqlite.Close())
	}
	return errors.Join(errs...)
}

var rootCmd = &cobra.Command{
	Use:           "ldapsync",
	Short:         "Synchronize directory users into the local user store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := logContext(cmd.Context())
		if err != nil {
			return err
		}
		cmd.SetContext(ctx)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/ldapsync/ldapsync.toml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringSlice("connection", nil, "Only sync these connections")
	syncCmd.Flags().String("user", "", "Only sync this user")
	syncCmd.Flags().String("metrics-textfile", "", "Write metrics to this file after the sync")

	rootCmd.AddCommand(checkCredentialsCmd)
	checkCredentialsCmd.Flags().String("user", "", "User id to check")
	checkCredentialsCmd.MarkFlagRequired("user") //nolint:errcheck

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides metrics.listen)")

	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntP("limit", "n", 10, "Number of recent changes to show per connection")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(clearCacheCmd)
}
