package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chronologos/gpstrack/internal/config"
	"github.com/chronologos/gpstrack/internal/dashboard"
	"github.com/chronologos/gpstrack/internal/server"
	"github.com/chronologos/gpstrack/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		logPath    string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the UDP collector and the dashboard",
		Long: `Run the UDP collector and, when web.port is set, the HTTP dashboard.

The config file is taken from $APP_CONFIG_PATH, then --config, then
./config.toml. Users listed under [[users]] are added to the store at
startup; existing accounts are left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(logPath, verbose)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.toml")
	cmd.Flags().StringVar(&logPath, "log-file", "", "append logs to this file instead of stderr")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every datagram")

	return cmd
}

// serve runs the collector and dashboard until ctx is cancelled or either
// of them fails.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := seedUsers(ctx, st, cfg.Users, logger); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := server.New(server.Config{
		Addr:           cfg.Server.Host,
		Store:          st,
		AckCoordinates: cfg.Server.AckCoordinates,
		AckLogout:      cfg.Server.AckLogout,
		ReadBuffer:     cfg.Server.ReadBuffer,
		Logger:         logger,
		Registerer:     reg,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if cfg.Web.Port != 0 {
		dash := dashboard.New(dashboard.Config{
			Addr:     cfg.Web.Addr(),
			Store:    st,
			Gatherer: reg,
			History:  cfg.Web.History,
			Logger:   logger,
		})
		g.Go(func() error { return dash.Run(gctx) })
	} else {
		logger.Info("dashboard disabled (web.port = 0)")
	}

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func openStore(db config.Database) (store.Store, error) {
	if db.Path == "" {
		return store.NewMemory(), nil
	}
	b, err := store.OpenBolt(db.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return b, nil
}

func seedUsers(ctx context.Context, st store.Store, users []config.User, logger *slog.Logger) error {
	for _, u := range users {
		_, err := st.AddUser(ctx, u.Name, u.Username, u.Password, u.ClientID)
		switch {
		case err == nil:
			logger.Info("user added", "username", u.Username, "client_id", u.ClientID)
		case errors.Is(err, store.ErrDuplicateUser):
			logger.Debug("user exists", "username", u.Username)
		default:
			return fmt.Errorf("seed user %q: %w", u.Username, err)
		}
	}
	return nil
}
