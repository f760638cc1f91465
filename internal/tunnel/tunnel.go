// Package tunnel activates and releases one VPN tunnel at a time through
// an external tunnel manager.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/saveenergy/tunnelbench/internal/config"
	"github.com/saveenergy/tunnelbench/internal/execx"
	"github.com/saveenergy/tunnelbench/internal/inventory"
	"github.com/saveenergy/tunnelbench/internal/logging"
	benchErrors "github.com/saveenergy/tunnelbench/pkg/errors"
)

type Manager struct {
	cfg    config.TunnelConfig
	runner execx.Runner
	logger *logging.Logger
}

func NewManager(cfg config.TunnelConfig, runner execx.Runner) *Manager {
	return &Manager{
		cfg:    cfg,
		runner: runner,
		logger: logging.NewLogger("tunnel"),
	}
}

func vars(c inventory.Config) execx.Vars {
	return execx.Vars{"config": c.Path, "name": c.Name}
}

// Up installs the tunnel for c and waits until it is ready. A non-zero
// exit of the install command is logged and ignored; the readiness check
// decides whether the tunnel came up.
func (m *Manager) Up(ctx context.Context, c inventory.Config) error {
	argv, err := execx.Parse(m.cfg.UpCommand, vars(c))
	if err != nil {
		return benchErrors.ErrInvalidConfig("tunnel.up_command", err)
	}
	if _, err := m.runner.Run(ctx, argv); err != nil {
		switch {
		case ctx.Err() != nil:
			return benchErrors.ErrCancelled(c.Name, err)
		case benchErrors.HasCode(err, benchErrors.ErrCodeCommandExit):
			m.logger.Warn("tunnel up command failed", logging.F("config", c.Name), logging.F("error", err))
		default:
			return fmt.Errorf("activate %s: %w", c.Name, err)
		}
	}
	return m.WaitReady(ctx, c)
}

// WaitReady polls the status command until it exits 0. Without a status
// command it sleeps for the settle delay.
func (m *Manager) WaitReady(ctx context.Context, c inventory.Config) error {
	if m.cfg.StatusCommand == "" {
		return m.settle(ctx, c)
	}

	argv, err := execx.Parse(m.cfg.StatusCommand, vars(c))
	if err != nil {
		return benchErrors.ErrInvalidConfig("tunnel.status_command", err)
	}

	pollCtx := ctx
	if m.cfg.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, m.cfg.ReadyTimeout)
		defer cancel()
	}

	limiter := rate.NewLimiter(rate.Every(m.cfg.PollInterval), 1)
	var lastErr error
	for attempt := 1; m.cfg.ReadyAttempts <= 0 || attempt <= m.cfg.ReadyAttempts; attempt++ {
		if err := limiter.Wait(pollCtx); err != nil {
			if ctx.Err() != nil {
				return benchErrors.ErrCancelled(c.Name, ctx.Err())
			}
			return benchErrors.ErrTunnelNotReady(c.Name, notReadyCause(lastErr, m.cfg.ReadyTimeout))
		}
		_, err := m.runner.Run(pollCtx, argv)
		if err == nil {
			m.logger.Debug("tunnel ready", logging.F("config", c.Name), logging.F("attempts", attempt))
			return nil
		}
		if ctx.Err() != nil {
			return benchErrors.ErrCancelled(c.Name, ctx.Err())
		}
		if !benchErrors.IsContextError(err) {
			lastErr = err
		}
	}
	return benchErrors.ErrTunnelNotReady(c.Name,
		fmt.Errorf("%d attempts: %w", m.cfg.ReadyAttempts, orNotReady(lastErr)))
}

var errStatusNeverSucceeded = errors.New("status command never succeeded")

func orNotReady(err error) error {
	if err == nil {
		return errStatusNeverSucceeded
	}
	return err
}

func notReadyCause(lastErr error, timeout time.Duration) error {
	return fmt.Errorf("timed out after %s: %w", timeout, orNotReady(lastErr))
}

func (m *Manager) settle(ctx context.Context, c inventory.Config) error {
	if m.cfg.SettleDelay <= 0 {
		return nil
	}
	t := time.NewTimer(m.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return benchErrors.ErrCancelled(c.Name, ctx.Err())
	case <-t.C:
		return nil
	}
}

// Down uninstalls the tunnel for c. It ignores the caller's cancellation
// so teardown still happens after an interrupt, bounded by the down
// timeout. A non-zero exit is logged and ignored.
func (m *Manager) Down(ctx context.Context, c inventory.Config) error {
	argv, err := execx.Parse(m.cfg.DownCommand, vars(c))
	if err != nil {
		return benchErrors.ErrInvalidConfig("tunnel.down_command", err)
	}

	downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DownTimeout)
	defer cancel()

	_, err = m.runner.Run(downCtx, argv)
	if err != nil && benchErrors.HasCode(err, benchErrors.ErrCodeCommandExit) {
		m.logger.Warn("tunnel down command failed", logging.F("config", c.Name), logging.F("error", err))
		return nil
	}
	return err
}

// With activates the tunnel for c, runs fn and always releases the
// tunnel afterwards, including when Up or fn fails, fn panics, or ctx is
// cancelled.
func (m *Manager) With(ctx context.Context, c inventory.Config, fn func(ctx context.Context) error) error {
	defer func() {
		if err := m.Down(ctx, c); err != nil {
			m.logger.Warn("failed to release tunnel", logging.F("config", c.Name), logging.F("error", err))
		}
	}()

	if err := m.Up(ctx, c); err != nil {
		return err
	}
	return fn(ctx)
}
