/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"testing"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{`[]`, []string{}},
		{`["SHARE4"]`, []string{"SHARE4"}},
		{`["c1", 5, true, 1.5, null]`, []string{"c1", "5", "true", "1.5", ""}},
		{`[{"a":1}, [1,2]]`, []string{`{"a":1}`, `[1,2]`}},
		{`{"1":"b","0":"a"}`, []string{"a", "b"}},
	}
	for _, tc := range tests {
		got, err := parseArgs(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestParseArgsInvalid(t *testing.T) {
	for _, raw := range []string{`not json`, `"text"`, `{"x":"a"}`, `{"0":"a","2":"c"}`} {
		_, err := parseArgs(raw)
		assert.True(t, status.Is(err, status.InvalidArgument), raw)
	}
}
