package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultHeartbeatInterval = 3 * time.Second
	defaultShutdownTimeout   = 3 * time.Second
	defaultLoops             = 5
)

// RunnerConfig describes one simulated device run.
type RunnerConfig struct {
	Username string
	Password string
	Samples  []Sample

	// Loops is the number of passes over Samples. Each pass after the first
	// walks the route in the opposite direction (0 = 5).
	Loops int

	HeartbeatInterval time.Duration // 0 = 3s
	ShutdownTimeout   time.Duration // bounded wait for the heartbeat task (0 = 3s)

	Logger *slog.Logger // nil discards
}

// Runner drives a Session through a full lifecycle: login, a periodic
// heartbeat task alongside the coordinate replay, then logout.
type Runner struct {
	cfg  RunnerConfig
	sess *Session
	log  *slog.Logger
}

func NewRunner(cfg RunnerConfig, sess *Session) *Runner {
	if cfg.Loops <= 0 {
		cfg.Loops = defaultLoops
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Runner{cfg: cfg, sess: sess, log: logger.With("component", "runner")}
}

// Run executes the lifecycle. Once login succeeds, logout is always
// attempted, even when ctx is cancelled or the heartbeat task is stuck.
func (r *Runner) Run(ctx context.Context) error {
	id, err := r.sess.Login(ctx, r.cfg.Username, r.cfg.Password)
	if err != nil {
		return err
	}
	r.log.Info("session started", "client_id", id, "samples", len(r.cfg.Samples), "loops", r.cfg.Loops)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeatLoop(hbCtx)
	}()

	replayErr := r.replay(ctx)

	stopHeartbeat()
	select {
	case <-hbDone:
	case <-time.After(r.cfg.ShutdownTimeout):
		r.log.Warn("heartbeat task did not stop in time, abandoning it", "timeout", r.cfg.ShutdownTimeout)
	}

	logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ShutdownTimeout+r.sess.cfg.Timeout)
	defer cancel()
	logoutErr := r.sess.Logout(logoutCtx)
	if logoutErr != nil {
		r.log.Warn("logout", "err", logoutErr)
	}

	return errors.Join(replayErr, logoutErr)
}

// heartbeatLoop beats immediately and then on every tick until ctx is done.
// Failures are logged; only a closed session ends the loop early.
func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if _, err := r.sess.Heartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNotAuthenticated) {
				r.log.Info("heartbeat task stopping", "err", err)
				return
			}
			r.log.Warn("heartbeat", "err", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// replay sends every sample once per loop, alternating direction. A failed
// submission is logged and the replay moves on; it is never retried.
func (r *Runner) replay(ctx context.Context) error {
	samples := r.cfg.Samples
	var failed int
	for pass := 0; pass < r.cfg.Loops; pass++ {
		for i, smp := range samples {
			if err := r.sess.SendCoordinate(ctx, smp.Latitude, smp.Longitude); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNotAuthenticated) {
					return err
				}
				failed++
				r.log.Warn("coordinates", "pass", pass, "index", i, "err", err)
			}
		}
		samples = reversed(samples)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d coordinate submissions failed", failed, r.cfg.Loops*len(r.cfg.Samples))
	}
	return nil
}
