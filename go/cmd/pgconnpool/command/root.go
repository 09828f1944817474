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

// Package command implements the pgconnpool commands.
package command

import (
	"log/slog"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/multigres/pgconnpool/go/config"
)

// PoolCommand holds the state shared by pgconnpool commands.
type PoolCommand struct {
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
}

// GetRootCommand creates the root command with all subcommands.
func GetRootCommand() (*cobra.Command, *PoolCommand) {
	return newRootCommand(afero.NewOsFs())
}

func newRootCommand(fs afero.Fs) (*cobra.Command, *PoolCommand) {
	pc := &PoolCommand{
		cfg:      config.New(fs),
		logger:   slog.Default(),
		closeLog: func() error { return nil },
	}

	root := &cobra.Command{
		Use:   "pgconnpool",
		Short: "Inspect and exercise PostgreSQL connection pools",
		Long: `pgconnpool resolves connection descriptors to connection pools the way an
application using the pool registry would, and reports what the pools did.

Settings come from flags, PGCONNPOOL_* environment variables and an optional
YAML config file (--pgconnpool-config-file), in that order of precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := pc.cfg.Load(); err != nil {
				return err
			}
			logger, closeLog, err := pc.cfg.NewLogger()
			if err != nil {
				return err
			}
			pc.logger = logger
			pc.closeLog = closeLog
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return pc.closeLog()
		},
	}
	pc.cfg.RegisterFlags(root.PersistentFlags())

	AddNormalizeCommand(root, pc)
	AddProbeCommand(root, pc)
	return root, pc
}
