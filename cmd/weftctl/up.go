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

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	_ "github.com/weftnet/weftnet-go/localengine"
	"github.com/weftnet/weftnet-go/weftnet"
)

func newUpCommand() *cobra.Command {
	var (
		hostname    string
		dir         string
		authKey     string
		controlURL  string
		ephemeral   bool
		writeConfig string
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run a node and publish its loopback local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := &weftnet.Server{
				Hostname:   hostname,
				Dir:        dir,
				AuthKey:    authKey,
				ControlURL: controlURL,
				Ephemeral:  ephemeral,
				Logf: func(format string, args ...any) {
					slog.Debug(fmt.Sprintf(format, args...))
				},
			}
			defer srv.Close()

			st, err := srv.Up(cmd.Context())
			if err != nil {
				return err
			}
			slog.Info("Node is up", "name", st.Name, "ipv4", st.IPv4, "ipv6", st.IPv6)

			addr, proxyCred, apiCred, err := srv.Loopback()
			if err != nil {
				return err
			}
			slog.Info("Loopback listener is up", "addr", addr)
			fmt.Printf("addr: %s\nproxy-cred: %s\ncred: %s\n", addr, proxyCred, apiCred)

			if writeConfig != "" {
				data, err := yaml.Marshal(ctlConfig{Addr: addr, Cred: apiCred})
				if err != nil {
					return err
				}
				if err := os.WriteFile(writeConfig, data, 0o600); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
				slog.Info("Wrote weftctl config", "path", writeConfig)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			slog.Info("Shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&hostname, "hostname", "", "name to request on the mesh")
	cmd.Flags().StringVar(&dir, "dir", "", "state directory (empty for no persisted state)")
	cmd.Flags().StringVar(&authKey, "authkey", "", "control-plane auth key")
	cmd.Flags().StringVar(&controlURL, "control-url", "", "control-plane URL")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", true, "remove the node from the mesh on disconnect")
	cmd.Flags().StringVar(&writeConfig, "write-config", "", "write a weftctl YAML config to this path")
	return cmd
}
