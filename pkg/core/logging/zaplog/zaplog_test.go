/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package zaplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	assert.NotNil(t, p.Zap())

	p, err = New(Config{Level: "DEBUG", Encoding: "json", Development: true})
	require.NoError(t, err)
	assert.NotNil(t, p.Zap())
}

func TestModuleLoggerNamesAndPrint(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	p := NewWithLogger(zap.New(core))

	l := p.GetLogger("divvy/wallet")
	l.Infof("stored %s", "admin")
	l.Print("printed")
	l.Printf("printed %d", 2)
	l.Println("line")
	l.Debug("debug")
	l.Warnf("warn %s", "x")
	l.Errorln("error")

	entries := logs.All()
	require.Len(t, entries, 7)
	assert.Equal(t, "divvy/wallet", entries[0].LoggerName)
	assert.Equal(t, "stored admin", entries[0].Message)
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
	assert.Equal(t, "printed 2", entries[2].Message)
	assert.Equal(t, zap.DebugLevel, entries[4].Level)
	assert.Equal(t, zap.WarnLevel, entries[5].Level)
	assert.Equal(t, zap.ErrorLevel, entries[6].Level)
}
