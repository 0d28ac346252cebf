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
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/weftnet/weftnet-go/localapi"
)

// ctlConfig is the YAML shape accepted by --config. A node started with
// `weftctl up --write-config` writes this file.
type ctlConfig struct {
	Addr string `yaml:"addr"`
	Cred string `yaml:"cred"`
}

// resolveTarget merges --config, --addr and --cred, flags winning.
func resolveTarget() (addr, cred string, err error) {
	var cfg ctlConfig
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return "", "", fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return "", "", fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}
	if apiAddr != "" {
		cfg.Addr = apiAddr
	}
	if apiCred != "" {
		cfg.Cred = apiCred
	}
	if cfg.Addr == "" || cfg.Cred == "" {
		return "", "", errors.New("local API address and credential required (--addr/--cred or --config)")
	}
	return cfg.Addr, cfg.Cred, nil
}

func authHeader(cred string) string {
	raw := localapi.BasicAuthUser + ":" + cred
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// getJSON fetches a local API path and returns the raw JSON body.
func getJSON(addr, cred, path string) ([]byte, error) {
	u := url.URL{Scheme: "http", Host: addr, Path: path}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", authHeader(cred))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local API: %s: %s", resp.Status, body)
	}
	return body, nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the node's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, cred, err := resolveTarget()
			if err != nil {
				return err
			}
			body, err := getJSON(addr, cred, "/localapi/v0/status")
			if err != nil {
				return err
			}
			fmt.Print(string(body))
			return nil
		},
	}
}

func newIPsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ips",
		Short: "Print the node's mesh addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, cred, err := resolveTarget()
			if err != nil {
				return err
			}
			body, err := getJSON(addr, cred, "/localapi/v0/ips")
			if err != nil {
				return err
			}
			fmt.Print(string(body))
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream the node's state-change events",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, cred, err := resolveTarget()
			if err != nil {
				return err
			}
			u := url.URL{Scheme: "ws", Host: addr, Path: "/localapi/v0/watch-bus"}
			header := http.Header{}
			header.Set("Authorization", authHeader(cred))
			wsConn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("watch-bus: %s: %w", resp.Status, err)
				}
				return fmt.Errorf("watch-bus: %w", err)
			}
			defer wsConn.Close()
			for {
				_, msg, err := wsConn.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						return nil
					}
					return err
				}
				fmt.Println(string(msg))
			}
		},
	}
}
