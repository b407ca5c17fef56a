/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// acdp-rest runs the ACDP gateway REST server: credential issuance,
// verification, delegation and revocation over HTTP.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperledger/acdp-framework-go/component/log"
	restacdp "github.com/hyperledger/acdp-framework-go/pkg/controller/rest/acdp"
	"github.com/hyperledger/acdp-framework-go/pkg/gateway"
)

var logger = log.New("acdp-framework/acdp-rest")

func main() {
	rootCmd := &cobra.Command{
		Use:   "acdp-rest",
		Short: "ACDP gateway REST server",
	}

	rootCmd.AddCommand(startCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var (
		configFile string
		bindAddr   string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway REST server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}

			if bindAddr != "" {
				cfg.BindAddress = bindAddr
			}

			gw, err := gateway.New(cfg)
			if err != nil {
				return fmt.Errorf("initialize gateway: %w", err)
			}

			defer gw.Close() //nolint:errcheck // zeroization on shutdown

			srv := &http.Server{
				Addr:              cfg.BindAddress,
				Handler:           restacdp.New(gw).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			logger.Infof("listening on %s", cfg.BindAddress)

			return srv.ListenAndServe()
		},
	}

	cmd.Flags().StringVar(&configFile, "config-file", "", "path to a JSON configuration file")
	cmd.Flags().StringVar(&bindAddr, "bind", "", "host:port to listen on (overrides config)")

	return cmd
}

func loadConfig(path string) (gateway.Config, error) {
	if path == "" {
		return gateway.Config{}, fmt.Errorf("--config-file is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return gateway.Config{}, fmt.Errorf("read config: %w", err)
	}

	var options map[string]interface{}
	if err := json.Unmarshal(raw, &options); err != nil {
		return gateway.Config{}, fmt.Errorf("parse config: %w", err)
	}

	return gateway.ConfigFromMap(options)
}
