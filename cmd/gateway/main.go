/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Command gateway serves share queries and channel discovery over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/divvy/fabric-gateway/pkg/core/config"
	"github.com/divvy/fabric-gateway/pkg/core/logging/zaplog"
	"github.com/divvy/fabric-gateway/pkg/gateway"
	"github.com/divvy/fabric-gateway/pkg/metrics"
	"github.com/divvy/fabric-gateway/pkg/server"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var logger = logging.NewLogger("divvy/cmd")

var configFile string

var rootCmd = &cobra.Command{
	Use:          "gateway",
	Short:        "HTTP gateway to the Divvy share ledger",
	Long:         `Serves GET /shares/{channel}/{shareKey} and GET /channels for the organization named in the request header.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file (YAML or JSON)")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.WithFile(configFile))
	if err != nil {
		return err
	}
	provider, err := zaplog.Install(cfg.Logging)
	if err != nil {
		return err
	}
	defer provider.Zap().Sync() //nolint:errcheck

	gw, err := gateway.New(cfg, gateway.WithMetrics(metrics.New()))
	if err != nil {
		return err
	}
	defer gw.Close()

	access := zap.NewStdLog(provider.Zap().Named("access")).Writer()
	srv := gw.Server(server.WithAccessLog(access))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		select {
		case sig := <-signals:
			logger.Infof("Received %s, shutting down", sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	return g.Wait()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
