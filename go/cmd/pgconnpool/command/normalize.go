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
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/multigres/pgconnpool/go/pgconnector"
)

// NormalizeResult describes one parsed descriptor.
type NormalizeResult struct {
	Key            string `yaml:"key"`
	ConnString     string `yaml:"conn_string"`
	Pooling        bool   `yaml:"pooling"`
	MinPoolSize    int    `yaml:"min_pool_size,omitempty"`
	MaxPoolSize    int    `yaml:"max_pool_size,omitempty"`
	AcquireTimeout string `yaml:"acquire_timeout,omitempty"`
	IdleTimeout    string `yaml:"idle_timeout,omitempty"`
	MaxLifetime    string `yaml:"max_lifetime,omitempty"`
}

type normalizeCmd struct {
	pc           *PoolCommand
	showPassword bool
}

// AddNormalizeCommand adds the normalize subcommand to the root command.
func AddNormalizeCommand(root *cobra.Command, pc *PoolCommand) {
	n := &normalizeCmd{pc: pc}
	cmd := &cobra.Command{
		Use:   "normalize DESCRIPTOR...",
		Short: "Print the pool key of connection descriptors",
		Long: `Print the canonical pool key of each connection descriptor.

Descriptors with the same key share a pool. URLs and keyword/value strings
are both accepted; passwords are masked unless --show-password is set.

Examples:
  pgconnpool normalize "postgres://app@db:5432/orders?max_pool_size=10"
  pgconnpool normalize "dbname=orders host=db" "host=db dbname=orders"`,
		Args: cobra.MinimumNArgs(1),
		RunE: n.run,
	}
	cmd.Flags().BoolVar(&n.showPassword, "show-password", false, "Print passwords in clear text")
	root.AddCommand(cmd)
}

func (n *normalizeCmd) run(cmd *cobra.Command, args []string) error {
	results := make([]NormalizeResult, 0, len(args))
	for _, arg := range args {
		d, err := pgconnector.ParseDescriptor(arg)
		if err != nil {
			return err
		}
		r := NormalizeResult{
			Key:         d.Redacted(),
			ConnString:  redactConnString(d),
			Pooling:     d.Pooling,
			MinPoolSize: d.MinPoolSize,
			MaxPoolSize: d.MaxPoolSize,
		}
		if n.showPassword {
			r.Key = d.Key
			r.ConnString = d.ConnString
		}
		if d.AcquireTimeout > 0 {
			r.AcquireTimeout = d.AcquireTimeout.String()
		}
		if d.IdleTimeout > 0 {
			r.IdleTimeout = d.IdleTimeout.String()
		}
		if d.MaxLifetime > 0 {
			r.MaxLifetime = d.MaxLifetime.String()
		}
		results = append(results, r)
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	defer enc.Close()
	return enc.Encode(results)
}

func redactConnString(d *pgconnector.Descriptor) string {
	masked, err := pgconnector.ParseDescriptor(d.ConnString)
	if err != nil {
		return ""
	}
	return masked.Redacted()
}
