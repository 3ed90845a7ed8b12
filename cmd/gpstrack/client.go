package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chronologos/gpstrack/internal/client"
	"github.com/chronologos/gpstrack/internal/config"
)

type clientFlags struct {
	address           string
	heartbeatAddress  string
	username          string
	password          string
	dataPath          string
	configPath        string
	server            string
	loops             int
	heartbeatInterval time.Duration
	timeout           time.Duration
	fireAndForget     bool
	statsPath         string
	logPath           string
	verbose           bool
}

func clientCmd() *cobra.Command {
	var f clientFlags

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Replay a recorded route as a tracking device",
		Long: `Log in, send heartbeats on their own socket while replaying the
coordinates in --data forward and backward --loops times, then log out.

The collector address comes from --server, or from server.host in the
config file when --server is not given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.address, "address", "a", "", "local address for login, coordinates and logout (default ephemeral)")
	fl.StringVar(&f.heartbeatAddress, "heartbeat-address", "", "local address for heartbeats (default ephemeral)")
	fl.StringVarP(&f.username, "username", "u", "", "device username (required)")
	fl.StringVarP(&f.password, "password", "p", "", "device password (prompted when omitted on a terminal)")
	fl.StringVarP(&f.dataPath, "data", "d", "", "JSON route file (required)")
	fl.StringVarP(&f.configPath, "config", "c", "", "path to config.toml")
	fl.StringVarP(&f.server, "server", "s", "", "collector address, overrides the config file")
	fl.IntVarP(&f.loops, "loops", "l", 5, "passes over the route")
	fl.DurationVar(&f.heartbeatInterval, "heartbeat-interval", 0, "heartbeat period (default from config, 3s)")
	fl.DurationVar(&f.timeout, "timeout", 0, "per-exchange reply timeout (default from config, 5s)")
	fl.BoolVar(&f.fireAndForget, "fire-and-forget", false, "do not wait for coordinates/logout replies")
	fl.StringVar(&f.statsPath, "stats", "", "write a JSON run summary to this file")
	fl.StringVar(&f.logPath, "log-file", "", "append logs to this file instead of stderr")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "log every exchange")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("data")

	return cmd
}

func runClient(cmd *cobra.Command, f clientFlags) error {
	logger, closeLog, err := newLogger(f.logPath, f.verbose)
	if err != nil {
		return err
	}
	defer closeLog()

	// The config file supplies whatever the flags leave unset.
	cc := config.Default().Client
	serverAddr := f.server
	fireAndForget := f.fireAndForget
	if serverAddr == "" {
		cfg, err := config.Load(f.configPath)
		if err != nil {
			return fmt.Errorf("no --server given: %w", err)
		}
		serverAddr = cfg.Server.Host
		cc = cfg.Client
		if !cfg.Server.AckCoordinates || !cfg.Server.AckLogout {
			fireAndForget = true
		}
	}
	heartbeatInterval := cc.HeartbeatInterval.Duration
	if f.heartbeatInterval > 0 {
		heartbeatInterval = f.heartbeatInterval
	}
	timeout := cc.ExchangeTimeout.Duration
	if f.timeout > 0 {
		timeout = f.timeout
	}

	password := f.password
	if password == "" {
		if password, err = promptPassword(); err != nil {
			return err
		}
	}

	samples, err := client.LoadDataset(f.dataPath)
	if err != nil {
		return err
	}

	sess := client.NewSession(client.Config{
		Server:        serverAddr,
		LocalAddr:     f.address,
		HeartbeatAddr: f.heartbeatAddress,
		Timeout:       timeout,
		FireAndForget: fireAndForget,
		Logger:        logger,
	})
	runner := client.NewRunner(client.RunnerConfig{
		Username:          f.username,
		Password:          password,
		Samples:           samples,
		Loops:             f.loops,
		HeartbeatInterval: heartbeatInterval,
		ShutdownTimeout:   cc.ShutdownTimeout.Duration,
		Logger:            logger,
	}, sess)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := runner.Run(ctx)
	sess.Stats().WriteSummary(cmd.ErrOrStderr(), serverAddr)
	if f.statsPath != "" {
		if err := sess.Stats().WriteJSON(f.statsPath, serverAddr); err != nil {
			logger.Warn("stats", "err", err)
		}
	}

	if ctx.Err() != nil && errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// promptPassword reads a password without echo. It refuses when stdin is
// not a terminal so scripts fail fast instead of hanging.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--password is required when stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}
