/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Command query evaluates a read-only contract function as a wallet identity
// and prints the raw result.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/core/config"
	"github.com/divvy/fabric-gateway/pkg/core/logging/zaplog"
	"github.com/divvy/fabric-gateway/pkg/gateway"
	"github.com/divvy/fabric-gateway/pkg/query"
	"github.com/divvy/fabric-gateway/pkg/session"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type flags struct {
	config   string
	org      string
	user     string
	channel  string
	contract string
	method   string
	args     string
}

// newGateway is replaced in tests
var newGateway = func(cfg *config.Config) (*gateway.Gateway, error) {
	return gateway.New(cfg)
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:          "query -o <org> -u <user> -c <channel> -n <contract> -m <method> -a <args>",
		Short:        "Evaluate a contract function",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.config, "config", "", "configuration file (YAML or JSON)")
	cmd.Flags().StringVarP(&f.org, "org", "o", "", "organization")
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "wallet label of the identity to act as")
	cmd.Flags().StringVarP(&f.channel, "channel", "c", "", "ledger channel")
	cmd.Flags().StringVarP(&f.contract, "contract", "n", "", "contract name")
	cmd.Flags().StringVarP(&f.method, "method", "m", "", "contract function")
	cmd.Flags().StringVarP(&f.args, "args", "a", "", `JSON array of arguments, e.g. '["SHARE4"]'`)
	for _, name := range []string{"org", "user", "channel", "contract", "method"} {
		cobra.CheckErr(cmd.MarkFlagRequired(name))
	}
	return cmd
}

func run(cmd *cobra.Command, f *flags) error {
	args, err := parseArgs(f.args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(config.WithFile(f.config))
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

	w, err := gw.Wallets.Wallet(f.org)
	if err != nil {
		return err
	}
	if !w.Exists(f.user) {
		return status.Newf(status.WalletStatus, status.NotFound,
			"An identity for the user %q does not exist in the wallet. Run \"identity registeruser %s %s\" before retrying.",
			f.user, f.org, f.user)
	}

	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeouts.Query)
	defer cancel()
	err = session.Use(ctx, gw.Sessions, f.org, f.user, func(s session.Session) error {
		result, err := gw.Dispatcher.EvaluateRaw(ctx, s, f.channel, f.contract, query.Invocation{Method: f.method, Args: args})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(result.Payload))
		return nil
	})
	return errors.WithMessage(err, "Failed to evaluate transaction")
}

func exitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(exitCode(newRootCmd().Execute()))
}
