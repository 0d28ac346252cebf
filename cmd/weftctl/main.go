// Copyright 2025 The Weftnet Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command weftctl talks to a running weftnet node through its loopback
// local API, and can run a node itself with `weftctl up`.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	configPath string
	apiAddr    string
	apiCred    string
)

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd()))},
	)))

	rootCmd := &cobra.Command{
		Use:   "weftctl",
		Short: "Control a weftnet node through its loopback local API",
		Long: `weftctl talks to a running weftnet node through the loopback local API
published by the node's Loopback call. Point it at the node with --addr and
--cred, or with a YAML config file holding the same fields.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML file with addr and cred")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "", "local API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&apiCred, "cred", "", "local API credential")

	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newIPsCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newUpCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
