/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package zaplog provides a zap backed implementation of the SDK logger
// provider. Once installed, every module logger created through
// github.com/hyperledger/fabric-sdk-go/pkg/common/logging, both the gateway's
// and the SDK's own, writes through a single zap core.
package zaplog

import (
	"strings"

	"github.com/hyperledger/fabric-sdk-go/pkg/common/logging"
	"github.com/hyperledger/fabric-sdk-go/pkg/core/logging/api"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Modules lists the module loggers whose level is driven by Config.Level.
var Modules = []string{
	"divvy/ca", "divvy/issuer", "divvy/profile", "divvy/query", "divvy/server",
	"divvy/session", "divvy/wallet", "divvy/cmd",
	"fabsdk", "fabsdk/client", "fabsdk/core", "fabsdk/fab", "fabsdk/common",
	"fabsdk/msp", "fabsdk/util", "fabsdk/context",
}

// Config holds the logger configuration
type Config struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"` // "json" or "console"
	Development bool   `mapstructure:"development"`
}

// Provider is a factory for zap backed module loggers
type Provider struct {
	base *zap.Logger
}

// New builds a zap logger from cfg and wraps it in a Provider.
func New(cfg Config) (*Provider, error) {
	var zapConfig zap.Config
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	zl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", cfg.Level)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(zl)

	if cfg.Encoding != "" {
		zapConfig.Encoding = cfg.Encoding
	} else {
		zapConfig.Encoding = "console"
	}
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	// two frames: the facade Logger and the adapter below
	base, err := zapConfig.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build zap logger")
	}
	return &Provider{base: base}, nil
}

// NewWithLogger wraps an existing zap logger.
func NewWithLogger(l *zap.Logger) *Provider {
	return &Provider{base: l}
}

// Zap returns the underlying zap logger
func (p *Provider) Zap() *zap.Logger {
	return p.base
}

// GetLogger returns a logger named after module
func (p *Provider) GetLogger(module string) api.Logger {
	return &moduleLogger{SugaredLogger: p.base.Named(module).Sugar()}
}

// Install builds a Provider from cfg, makes it the backend of the SDK logging
// facade and applies cfg.Level to Modules. Only the first call takes effect on
// the facade backend.
func Install(cfg Config) (*Provider, error) {
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}
	logging.Initialize(p)

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", cfg.Level)
	}
	for _, m := range Modules {
		logging.SetLevel(m, lvl)
	}
	return p, nil
}

// moduleLogger adapts a sugared logger to api.Logger. zap has no Print
// family, those go to Info.
type moduleLogger struct {
	*zap.SugaredLogger
}

func (l *moduleLogger) Print(v ...interface{}) {
	l.SugaredLogger.Info(v...)
}

func (l *moduleLogger) Printf(format string, v ...interface{}) {
	l.SugaredLogger.Infof(format, v...)
}

func (l *moduleLogger) Println(v ...interface{}) {
	l.SugaredLogger.Infoln(v...)
}
