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

// pgconnpool exercises client-side PostgreSQL connection pools: it
// normalizes connection descriptors into pool keys and probes servers
// through a pool registry.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/multigres/pgconnpool/go/cmd/pgconnpool/command"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, _ := command.GetRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("Command execution failed", "error", err)
		stop()
		os.Exit(1)
	}
}
