// Package speedtest drives the external measurement tool: it lists the
// measurement servers reachable through the tunnel and measures each one.
package speedtest

import (
	"context"
	"fmt"

	"github.com/saveenergy/tunnelbench/internal/config"
	"github.com/saveenergy/tunnelbench/internal/execx"
	"github.com/saveenergy/tunnelbench/internal/logging"
	benchErrors "github.com/saveenergy/tunnelbench/pkg/errors"
	"github.com/saveenergy/tunnelbench/pkg/types"
)

type Client struct {
	cfg    config.SpeedtestConfig
	runner execx.Runner
	logger *logging.Logger
}

func NewClient(cfg config.SpeedtestConfig, runner execx.Runner) *Client {
	return &Client{
		cfg:    cfg,
		runner: runner,
		logger: logging.NewLogger("speedtest"),
	}
}

// ListServers runs the list command. A non-zero exit is tolerated when
// the output still lists servers.
func (c *Client) ListServers(ctx context.Context) ([]Server, error) {
	argv, err := execx.Parse(c.cfg.ListCommand, nil)
	if err != nil {
		return nil, benchErrors.ErrInvalidConfig("speedtest.list_command", err)
	}
	out, runErr := c.runner.Run(ctx, argv)
	if runErr != nil && !benchErrors.HasCode(runErr, benchErrors.ErrCodeCommandExit) {
		return nil, fmt.Errorf("list servers: %w", runErr)
	}

	servers := ParseServerList(out.Stdout)
	if runErr != nil {
		if len(servers) == 0 {
			return nil, fmt.Errorf("list servers: %w", runErr)
		}
		c.logger.Warn("server listing exited non-zero", logging.F("error", runErr))
	}
	if c.cfg.MaxServers > 0 && len(servers) > c.cfg.MaxServers {
		servers = servers[:c.cfg.MaxServers]
	}
	return servers, nil
}

// Measure runs one measurement against s. When the tool fails or its
// output cannot be parsed, the defaulted result is returned together with
// the error so the caller can still record it.
func (c *Client) Measure(ctx context.Context, s Server) (types.MeasurementResult, error) {
	argv, err := execx.Parse(c.cfg.MeasureCommand, execx.Vars{"server_id": s.ID})
	if err != nil {
		return DefaultResult(s.Name), benchErrors.ErrInvalidConfig("speedtest.measure_command", err)
	}
	out, err := c.runner.Run(ctx, argv)
	if err != nil {
		return DefaultResult(s.Name), fmt.Errorf("measure server %s: %w", s.ID, err)
	}
	res, err := ParseResult(s.Name, out.Stdout)
	if err != nil {
		return res, fmt.Errorf("measure server %s: %w", s.ID, err)
	}
	return res, nil
}
