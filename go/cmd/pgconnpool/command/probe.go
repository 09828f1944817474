// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/multigres/pgconnpool/go/config"
	"github.com/multigres/pgconnpool/go/pgconnector"
	"github.com/multigres/pgconnpool/go/pools/connpool"
	"github.com/multigres/pgconnpool/go/pools/counters"
	"github.com/multigres/pgconnpool/go/pools/registry"
)

const meterName = "github.com/multigres/pgconnpool"

// ProbeReport is printed by the probe command.
type ProbeReport struct {
	Pools    []connpool.Stats        `yaml:"pools"`
	Counters map[counters.Name]int64 `yaml:"counters,omitempty"`
	Failures []string                `yaml:"failures,omitempty"`
}

type probeCmd struct {
	pc          *PoolCommand
	connections int
	rounds      int
	interval    time.Duration
	timeout     time.Duration
}

// AddProbeCommand adds the probe subcommand to the root command.
func AddProbeCommand(root *cobra.Command, pc *PoolCommand) {
	p := &probeCmd{pc: pc}
	cmd := &cobra.Command{
		Use:   "probe DESCRIPTOR...",
		Short: "Acquire and ping connections through connection pools",
		Long: `Resolve each descriptor to a pool, acquire connections from it
concurrently, ping them and give them back. Pool statistics and counter
values are printed as YAML when all rounds are done.

Pool settings come from the pool defaults, the per-descriptor "pools" entries
in the config file and the pool options in the descriptor itself, in
increasing order of precedence. Rate counter toggles are reloaded when the config
file changes. All connections of a round are held until the last one is
acquired, so --connections above a pool's max size exhausts the pool.

Examples:
  # Open three connections to a local server
  pgconnpool probe --connections 3 "host=localhost user=postgres"

  # Probe every 5 seconds through database/sql drivers, with counters
  pgconnpool probe --pgconnpool-driver pq --pgconnpool-counters-enabled \
    --rounds 10 --interval 5s "postgres://app@db/orders"`,
		Args: cobra.MinimumNArgs(1),
		RunE: p.run,
	}
	cmd.Flags().IntVar(&p.connections, "connections", 1, "Connections to acquire concurrently per pool and round")
	cmd.Flags().IntVar(&p.rounds, "rounds", 1, "Number of probe rounds")
	cmd.Flags().DurationVar(&p.interval, "interval", time.Second, "Pause between rounds")
	cmd.Flags().DurationVar(&p.timeout, "timeout", 0, "Acquire timeout; zero uses the pool's acquire timeout")
	root.AddCommand(cmd)
}

func (p *probeCmd) run(cmd *cobra.Command, args []string) error {
	if p.connections < 1 || p.rounds < 1 {
		return errors.New("--connections and --rounds must be at least 1")
	}
	driver, err := pgconnector.ParseDriver(p.pc.cfg.Driver())
	if err != nil {
		return err
	}

	var report ProbeReport
	switch driver {
	case pgconnector.DriverPq:
		report, err = runProbe(cmd.Context(), p, args, pgconnector.NewPqConnector)
	default:
		report, err = runProbe(cmd.Context(), p, args, pgconnector.NewPgxConnector)
	}
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	if err := enc.Encode(report); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if len(report.Failures) > 0 {
		return fmt.Errorf("%d probe(s) failed", len(report.Failures))
	}
	return nil
}

type pinger interface {
	connpool.Connection
	Ping(ctx context.Context) error
}

func runProbe[C pinger](
	ctx context.Context,
	p *probeCmd,
	descriptors []string,
	newConnector func(*pgconnector.Descriptor) (connpool.Connector[C], error),
) (ProbeReport, error) {
	cfg := p.pc.cfg
	logger := p.pc.logger

	opts, err := cfg.CounterOptions()
	if err != nil {
		return ProbeReport{}, err
	}
	meter := otel.Meter(meterName)
	cnt, err := counters.New(meter, opts, logger)
	if err != nil {
		logger.Warn("some pool counters are not exported", "error", err)
	}
	connCount, err := connpool.NewConnectionCount(meter)
	if err != nil {
		logger.Warn("connection count metric is not exported", "error", err)
	}

	overrides, err := overridesByKey(cfg)
	if err != nil {
		return ProbeReport{}, err
	}

	stop, err := cfg.Watch(logger, func() {
		opts, err := cfg.CounterOptions()
		if err != nil {
			logger.Warn("ignoring invalid counter settings", "error", err)
			return
		}
		cnt.Apply(opts)
		logger.Info("counter settings reloaded", "enabled", opts.Enabled, "expensive", opts.Expensive)
	})
	switch {
	case err == nil:
		defer stop()
	case errors.Is(err, config.ErrNoConfigFile):
	default:
		logger.Warn("not watching the config file", "error", err)
	}

	reg := registry.New[C](registry.Config{Counters: cnt, Logger: logger})
	defer func() {
		if err := reg.Shutdown(); err != nil {
			logger.Warn("pool registry shutdown failed", "error", err)
		}
	}()

	base := cfg.PoolDefaults()
	base.Counters = cnt
	base.ConnectionCount = connCount
	base.Logger = logger

	var report ProbeReport
	for round := range p.rounds {
		if round > 0 {
			select {
			case <-ctx.Done():
				return report, context.Cause(ctx)
			case <-time.After(p.interval):
			}
		}
		for _, descriptor := range descriptors {
			if err := probeOnce(ctx, p, reg, descriptor, poolBase(base, descriptor, overrides), newConnector); err != nil {
				report.Failures = append(report.Failures, fmt.Sprintf("round %d: %s: %v", round+1, redact(descriptor), err))
				logger.Warn("probe failed", "round", round+1, "descriptor", redact(descriptor), "error", err)
			}
		}
	}

	report.Pools = reg.Stats()
	if opts.Enabled {
		report.Counters = cnt.Snapshot()
	}
	return report, nil
}

// probeOnce acquires p.connections connections from the descriptor's pool at
// once, pings each and returns it. Connections that fail the ping are
// discarded.
func probeOnce[C pinger](
	ctx context.Context,
	p *probeCmd,
	reg *registry.Registry[C],
	descriptor string,
	base connpool.Config,
	newConnector func(*pgconnector.Descriptor) (connpool.Connector[C], error),
) error {
	pool, err := pgconnector.GetPool(ctx, reg, descriptor, base, newConnector)
	if err != nil {
		return err
	}

	// Hold every connection until all are acquired, so the pool really
	// opens p.connections of them.
	acquired := make([]*connpool.Pooled[C], p.connections)
	g, gctx := errgroup.WithContext(ctx)
	for i := range acquired {
		g.Go(func() error {
			conn, err := pool.Acquire(gctx, p.timeout)
			if err != nil {
				return err
			}
			acquired[i] = conn
			if err := conn.Conn.Ping(gctx); err != nil {
				conn.Taint()
				acquired[i] = nil
				return fmt.Errorf("ping: %w", err)
			}
			return nil
		})
	}
	err = g.Wait()
	for _, conn := range acquired {
		if conn != nil {
			conn.Recycle()
		}
	}
	return err
}

// overridesByKey indexes the configured pool overrides by canonical key.
func overridesByKey(cfg *config.Config) (map[string]config.PoolOverride, error) {
	overrides, err := cfg.PoolOverrides()
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]config.PoolOverride, len(overrides))
	for _, o := range overrides {
		d, err := pgconnector.ParseDescriptor(o.Descriptor)
		if err != nil {
			return nil, fmt.Errorf("pool override: %w", err)
		}
		byKey[d.Key] = o
	}
	return byKey, nil
}

func poolBase(base connpool.Config, descriptor string, overrides map[string]config.PoolOverride) connpool.Config {
	d, err := pgconnector.ParseDescriptor(descriptor)
	if err != nil {
		// GetPool reports the error.
		return base
	}
	if o, ok := overrides[d.Key]; ok {
		return o.Apply(base)
	}
	return base
}

func redact(descriptor string) string {
	d, err := pgconnector.ParseDescriptor(descriptor)
	if err != nil {
		return "<invalid>"
	}
	return d.Redacted()
}
