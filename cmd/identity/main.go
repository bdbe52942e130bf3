/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Command identity enrolls organization admins and registers users,
// storing the resulting identities in the wallet.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/core/config"
	"github.com/divvy/fabric-gateway/pkg/core/logging/zaplog"
	"github.com/divvy/fabric-gateway/pkg/gateway"
	"github.com/divvy/fabric-gateway/pkg/issuer"
	"github.com/spf13/cobra"
)

var configFile string

// newGateway is replaced in tests
var newGateway = func(cfg *config.Config) (*gateway.Gateway, error) {
	return gateway.New(cfg)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "identity",
		Short:        "Manage the identities of the wallet",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "configuration file (YAML or JSON)")

	root.AddCommand(&cobra.Command{
		Use:   "enrolladmin <org>",
		Short: "Enroll the admin of an organization with its bootstrap secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIssuer(cmd.OutOrStdout(), func(i *issuer.Issuer) (*issuer.Result, error) {
				return i.EnrollAdmin(cmd.Context(), args[0])
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "registeruser <org> <user>",
		Short: "Register a user with the organization's CA and enroll it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIssuer(cmd.OutOrStdout(), func(i *issuer.Issuer) (*issuer.Result, error) {
				return i.RegisterUser(cmd.Context(), args[0], args[1])
			})
		},
	})
	return root
}

func withIssuer(out io.Writer, fn func(*issuer.Issuer) (*issuer.Result, error)) error {
	cfg, err := config.Load(config.WithFile(configFile))
	if err != nil {
		return err
	}
	provider, err := zaplog.Install(cfg.Logging)
	if err != nil {
		return err
	}
	defer provider.Zap().Sync() //nolint:errcheck
	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}
	defer gw.Close()

	result, err := fn(gw.Issuer)
	if status.Is(err, status.AlreadyExists) {
		fmt.Fprintln(out, status.Message(err))
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, result.Message())
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
